// Package uevent emulates the kernel object uevent netlink channel over
// local sockets.
//
// A program subscribing to kernel uevents opens an AF_NETLINK socket for
// the NETLINK_KOBJECT_UEVENT protocol. The emulator intercepts that
// socket with an AF_UNIX one bound under the testbed root, one socket
// path per descriptor: the testbed side delivers a synthesized event to
// every bound path, standing in for true multicast. Received messages are
// adjusted to claim kernel netlink origin and root credentials, because
// uevent consumers validate both before trusting a message.
package uevent

import (
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/stealthrocket/devmock/internal/envconf"
	"github.com/stealthrocket/devmock/internal/fdreg"
	"github.com/stealthrocket/devmock/internal/hostcall"
	"golang.org/x/sys/unix"
)

// monitorGroup is the netlink multicast group uevent monitors subscribe
// to and expect messages from.
const monitorGroup = 2

// socketState tracks one wrapped netlink descriptor.
type socketState struct {
	path string // bound socket path, empty until bind
}

// Emulator intercepts socket creation, binding, and message reception
// for kernel-uevent netlink sockets.
type Emulator struct {
	cfg     *envconf.Config
	sockets *fdreg.Registry[*socketState]
	log     *slog.Logger

	socket  hostcall.SocketFunc
	bind    hostcall.BindFunc
	recvmsg hostcall.RecvmsgFunc
	unlink  hostcall.UnlinkFunc
}

// NewEmulator returns an emulator over the given configuration and host
// call table.
func NewEmulator(cfg *envconf.Config, table *hostcall.Table, log *slog.Logger) *Emulator {
	return &Emulator{
		cfg:     cfg,
		sockets: fdreg.New[*socketState]("uevent sockets"),
		log:     log,
		socket:  hostcall.Resolve[hostcall.SocketFunc](table, hostcall.NameSocket),
		bind:    hostcall.Resolve[hostcall.BindFunc](table, hostcall.NameBind),
		recvmsg: hostcall.Resolve[hostcall.RecvmsgFunc](table, hostcall.NameRecvmsg),
		unlink:  hostcall.Resolve[hostcall.UnlinkFunc](table, hostcall.NameUnlink),
	}
}

// Socket creates a socket, substituting a local one for kernel-uevent
// netlink requests. The boolean reports whether the descriptor was
// wrapped.
func (e *Emulator) Socket(domain, typ, proto int) (int, bool, error) {
	if domain == unix.AF_NETLINK && proto == unix.NETLINK_KOBJECT_UEVENT {
		fd, err := e.socket(unix.AF_UNIX, typ, 0)
		if err != nil {
			return fd, true, err
		}
		e.sockets.Add(fd, &socketState{})
		e.log.Debug("wrapped uevent netlink socket", "fd", fd)
		return fd, true, nil
	}
	fd, err := e.socket(domain, typ, proto)
	return fd, false, err
}

// Bind binds a socket. Wrapped descriptors under a configured testbed
// bind to a deterministic per-descriptor path below the root; a stale
// path left by a closed descriptor of a previous run is removed first so
// the bind does not fail as already in use. Everything else passes
// through unchanged.
func (e *Emulator) Bind(fd int, sa unix.Sockaddr) error {
	st, wrapped := e.sockets.Get(fd)
	if !wrapped || e.cfg.Dir == "" {
		return e.bind(fd, sa)
	}

	path := fmt.Sprintf("%s/event%d", e.cfg.Dir, fd)
	_ = e.unlink(path)
	if err := e.bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		return err
	}
	st.path = path
	e.log.Debug("bound uevent socket", "fd", fd, "path", path)
	return nil
}

// Recvmsg receives a message. On wrapped descriptors a successful
// reception is adjusted to claim a kernel netlink sender on the uevent
// monitor group with root credentials.
func (e *Emulator) Recvmsg(fd int, p, oob []byte, flags int) (int, int, int, unix.Sockaddr, error) {
	n, oobn, recvflags, from, err := e.recvmsg(fd, p, oob, flags)
	if err != nil || n <= 0 {
		return n, oobn, recvflags, from, err
	}
	if _, wrapped := e.sockets.Get(fd); wrapped {
		from = &unix.SockaddrNetlink{
			Family: unix.AF_NETLINK,
			Groups: monitorGroup,
		}
		rewriteCredentials(oob[:oobn])
	}
	return n, oobn, recvflags, from, err
}

// Close unregisters a wrapped descriptor. It reports whether the
// descriptor was wrapped; the caller still closes the descriptor itself.
func (e *Emulator) Close(fd int) bool {
	if !e.sockets.Contains(fd) {
		return false
	}
	e.sockets.Remove(fd)
	return true
}

// rewriteCredentials overwrites the sender uid of an SCM_CREDENTIALS
// control message in place, claiming uid 0.
func rewriteCredentials(oob []byte) {
	if len(oob) < unix.CmsgLen(unix.SizeofUcred) {
		return
	}
	h := (*unix.Cmsghdr)(unsafe.Pointer(&oob[0]))
	if h.Level != unix.SOL_SOCKET || h.Type != unix.SCM_CREDENTIALS {
		return
	}
	cred := (*unix.Ucred)(unsafe.Pointer(&oob[unix.CmsgLen(0)]))
	cred.Uid = 0
}
