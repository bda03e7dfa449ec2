// Package hostcall resolves the real, non-intercepted implementation of
// the system calls the interception layer wraps.
//
// Every intercepted operation handles or augments a call, then calls
// through to the host implementation resolved from a Table. The default
// table binds each name to the corresponding call in golang.org/x/sys/unix;
// tests register replacement implementations to run against synthetic
// hosts.
package hostcall

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Names of the host operations required by the interception layer.
const (
	NameOpen     = "open"
	NameClose    = "close"
	NameRead     = "read"
	NameWrite    = "write"
	NameIoctl    = "ioctl"
	NameSocket   = "socket"
	NameBind     = "bind"
	NameRecvmsg  = "recvmsg"
	NameStat     = "stat"
	NameLstat    = "lstat"
	NameFstat    = "fstat"
	NameReadlink = "readlink"
	NameAccess   = "access"
	NameMkdir    = "mkdir"
	NameUnlink   = "unlink"
	NameReadDir  = "readdir"
)

// Signatures of the host operations. The ioctl signature is modeled
// explicitly as (descriptor, request, optional argument buffer): the
// underlying call is variadic but conventionally takes at most one
// pointer-sized argument.
type (
	OpenFunc     func(path string, flags int, mode uint32) (int, error)
	CloseFunc    func(fd int) error
	ReadFunc     func(fd int, p []byte) (int, error)
	WriteFunc    func(fd int, p []byte) (int, error)
	IoctlFunc    func(fd int, req uint, arg []byte) (int, error)
	SocketFunc   func(domain, typ, proto int) (int, error)
	BindFunc     func(fd int, sa unix.Sockaddr) error
	RecvmsgFunc  func(fd int, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error)
	StatFunc     func(path string, st *unix.Stat_t) error
	FstatFunc    func(fd int, st *unix.Stat_t) error
	ReadlinkFunc func(path string, buf []byte) (int, error)
	AccessFunc   func(path string, mode uint32) error
	MkdirFunc    func(path string, mode uint32) error
	UnlinkFunc   func(path string) error
	ReadDirFunc  func(path string) ([]os.DirEntry, error)
)

// Table holds the host operation implementations by name.
type Table struct {
	entries map[string]any
}

// New returns a table with every name bound to the real host
// implementation.
func New() *Table {
	t := &Table{entries: make(map[string]any)}
	bindHost(t)
	return t
}

// Register binds a name to an implementation, replacing any previous
// binding. The implementation must have the signature associated with the
// name; the mismatch is detected at resolution time.
func (t *Table) Register(name string, impl any) {
	t.entries[name] = impl
}

// Resolve looks up the implementation of a named operation.
//
// Resolution happens once per distinct name per caller: callers keep the
// returned value for the lifetime of the process. A name that cannot be
// resolved, or resolves to an implementation of the wrong type, is fatal;
// the interception layer cannot function without its host calls.
func Resolve[F any](t *Table, name string) F {
	v, ok := t.entries[name]
	if !ok {
		fatalf("cannot resolve host call %q", name)
	}
	fn, ok := v.(F)
	if !ok {
		fatalf("host call %q has type %T, not %T", name, v, fn)
	}
	return fn
}

var osExit = os.Exit

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "devmock: "+format+"\n", args...)
	osExit(1)
	panic("unreachable")
}
