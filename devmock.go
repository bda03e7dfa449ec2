// Package devmock intercepts the device-facing system calls of a process
// and redirects them into a testbed, so programs talking to hardware can
// run against mock devices.
//
// A System is the interception context: it owns the configuration, the
// table of real host calls, and the emulation components. Code under test
// performs its device access through the System instead of calling the
// kernel directly; every operation decides per call whether to redirect,
// emulate, record, or pass through.
//
// The testbed root (DEVMOCK_DIR) mirrors the /dev and /sys trees with
// plain files standing in for device nodes. On top of path redirection
// the System emulates kernel uevent netlink traffic, rewrites stat
// results so mock files report device identities, replays recorded ioctl
// conversations, and records ioctl and byte-stream traffic of selected
// real devices for later replay.
package devmock

import (
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/stealthrocket/devmock/internal/devstat"
	"github.com/stealthrocket/devmock/internal/envconf"
	"github.com/stealthrocket/devmock/internal/hostcall"
	"github.com/stealthrocket/devmock/internal/ioctlmock"
	"github.com/stealthrocket/devmock/internal/redirect"
	"github.com/stealthrocket/devmock/internal/scriptlog"
	"github.com/stealthrocket/devmock/internal/uevent"
	"golang.org/x/sys/unix"
)

// System is the interception context. All methods are safe to call with
// descriptors the System never saw; such calls pass through to the host.
type System struct {
	cfg *envconf.Config
	log *slog.Logger

	open     hostcall.OpenFunc
	close    hostcall.CloseFunc
	read     hostcall.ReadFunc
	write    hostcall.WriteFunc
	stat     hostcall.StatFunc
	lstat    hostcall.StatFunc
	readlink hostcall.ReadlinkFunc
	access   hostcall.AccessFunc
	mkdir    hostcall.MkdirFunc
	readdir  hostcall.ReadDirFunc

	resolver *redirect.Resolver
	rewriter *devstat.Rewriter
	uevent   *uevent.Emulator
	ioctl    *ioctlmock.Engine
	script   *scriptlog.Recorder
}

type options struct {
	getenv func(string) string
	cfg    *envconf.Config
	log    *slog.Logger
	calls  []func(*hostcall.Table)
}

// Option configures a System.
type Option func(*options)

// WithEnviron sets the environment lookup used to load the configuration.
// The default is os.Getenv.
func WithEnviron(getenv func(string) string) Option {
	return func(o *options) { o.getenv = getenv }
}

// WithConfig installs a pre-built configuration, bypassing the
// environment entirely.
func WithConfig(cfg *envconf.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithCalls registers replacement host call implementations before the
// components resolve them. Tests use this to run against synthetic hosts.
func WithCalls(register func(*hostcall.Table)) Option {
	return func(o *options) { o.calls = append(o.calls, register) }
}

// NewSystem builds an interception context. Configuration errors are
// fatal, as is an unresolvable host call.
func NewSystem(opts ...Option) *System {
	o := options{getenv: os.Getenv}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	cfg := o.cfg
	if cfg == nil {
		cfg = envconf.Load(o.getenv)
	}
	table := hostcall.New()
	for _, register := range o.calls {
		register(table)
	}

	return &System{
		cfg: cfg,
		log: o.log,

		open:     hostcall.Resolve[hostcall.OpenFunc](table, hostcall.NameOpen),
		close:    hostcall.Resolve[hostcall.CloseFunc](table, hostcall.NameClose),
		read:     hostcall.Resolve[hostcall.ReadFunc](table, hostcall.NameRead),
		write:    hostcall.Resolve[hostcall.WriteFunc](table, hostcall.NameWrite),
		stat:     hostcall.Resolve[hostcall.StatFunc](table, hostcall.NameStat),
		lstat:    hostcall.Resolve[hostcall.StatFunc](table, hostcall.NameLstat),
		readlink: hostcall.Resolve[hostcall.ReadlinkFunc](table, hostcall.NameReadlink),
		access:   hostcall.Resolve[hostcall.AccessFunc](table, hostcall.NameAccess),
		mkdir:    hostcall.Resolve[hostcall.MkdirFunc](table, hostcall.NameMkdir),
		readdir:  hostcall.Resolve[hostcall.ReadDirFunc](table, hostcall.NameReadDir),

		resolver: redirect.NewResolver(cfg),
		rewriter: devstat.NewRewriter(cfg.Dir, o.log.With("component", "devstat")),
		uevent:   uevent.NewEmulator(cfg, table, o.log.With("component", "uevent")),
		ioctl:    ioctlmock.NewEngine(cfg, table, o.log.With("component", "ioctl")),
		script:   scriptlog.NewRecorder(cfg, table, o.log.With("component", "script")),
	}
}

// Open opens a path, redirecting device and sysfs paths into the testbed.
//
// A redirected open of a /dev path attaches an ioctl replay session; an
// open that passed through untouched is inspected for ioctl and script
// recording, so conversations with the real device it names can be
// captured.
func (s *System) Open(path string, flags int, mode uint32) (int, error) {
	resolved, redirected, err := s.resolver.Resolve(path)
	if err != nil {
		return -1, &fs.PathError{Op: "open", Path: path, Err: err}
	}
	fd, err := s.open(resolved, flags, mode)
	if err != nil {
		return fd, &fs.PathError{Op: "open", Path: path, Err: err}
	}
	if redirected {
		s.log.Debug("redirected open", "path", path, "resolved", resolved, "fd", fd)
		s.ioctl.OpenRedirected(fd, path)
	} else {
		s.ioctl.OpenPassthrough(fd)
		s.script.Open(fd)
	}
	return fd, nil
}

// OpenFile opens a path like Open and wraps the descriptor in an os.File.
func (s *System) OpenFile(path string, flags int, mode uint32) (*os.File, error) {
	fd, err := s.Open(path, flags, mode)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), path), nil
}

// Close releases the interception state attached to a descriptor and
// closes it. Recording components flush before the descriptor goes away.
func (s *System) Close(fd int) error {
	s.uevent.Close(fd)
	s.ioctl.Close(fd)
	s.script.Close(fd)
	return s.close(fd)
}

// Read reads from a descriptor, recording the received bytes when the
// descriptor's device is under script recording.
func (s *System) Read(fd int, p []byte) (int, error) {
	n, err := s.read(fd, p)
	if n > 0 {
		s.script.Record(scriptlog.OpRead, fd, p[:n])
	}
	return n, err
}

// Write writes to a descriptor, recording the sent bytes when the
// descriptor's device is under script recording.
func (s *System) Write(fd int, p []byte) (int, error) {
	n, err := s.write(fd, p)
	if n > 0 {
		s.script.Record(scriptlog.OpWrite, fd, p[:n])
	}
	return n, err
}

// ReadLine reads up to one line into p, stopping after a newline or when
// p is full. The bytes consumed are recorded as a single read: a
// line-buffered conversation lands in the script the way the device sent
// it, not byte by byte.
func (s *System) ReadLine(fd int, p []byte) (int, error) {
	n := 0
	var err error
	for n < len(p) {
		var m int
		m, err = s.read(fd, p[n:n+1])
		if err != nil || m == 0 {
			break
		}
		n += m
		if p[n-1] == '\n' {
			break
		}
	}
	if n > 0 {
		s.script.Record(scriptlog.OpRead, fd, p[:n])
	}
	return n, err
}

// Ioctl performs a device control call. Descriptors with a replay session
// are satisfied from their recorded conversation when it matches; all
// other calls go to the real device, recorded when the descriptor is the
// configured recording target.
func (s *System) Ioctl(fd int, req uint, arg []byte) (int, error) {
	return s.ioctl.Ioctl(fd, req, arg)
}

// Stat stats a path, following symlinks, with testbed redirection and
// device identity rewriting for redirected /dev entries.
func (s *System) Stat(path string, st *unix.Stat_t) error {
	return s.statCommon("stat", s.stat, path, st)
}

// Lstat stats a path without following the final symlink. Testbed
// symlinks pointing back into the real /dev still report a device type,
// so mocks backed by real ptys look like the ttys they stand in for.
func (s *System) Lstat(path string, st *unix.Stat_t) error {
	return s.statCommon("lstat", s.lstat, path, st)
}

func (s *System) statCommon(op string, stat hostcall.StatFunc, path string, st *unix.Stat_t) error {
	resolved, redirected, err := s.resolver.Resolve(path)
	if err != nil {
		return &fs.PathError{Op: op, Path: path, Err: err}
	}
	if err := stat(resolved, st); err != nil {
		return &fs.PathError{Op: op, Path: path, Err: err}
	}
	if redirected {
		s.rewriter.Apply(path, resolved, st)
	}
	return nil
}

// Readlink reads the target of a symlink, with testbed redirection.
func (s *System) Readlink(path string, buf []byte) (int, error) {
	resolved, _, err := s.resolver.Resolve(path)
	if err != nil {
		return -1, &fs.PathError{Op: "readlink", Path: path, Err: err}
	}
	n, err := s.readlink(resolved, buf)
	if err != nil {
		return n, &fs.PathError{Op: "readlink", Path: path, Err: err}
	}
	return n, nil
}

// Access checks accessibility of a path, with testbed redirection.
func (s *System) Access(path string, mode uint32) error {
	resolved, _, err := s.resolver.Resolve(path)
	if err != nil {
		return &fs.PathError{Op: "access", Path: path, Err: err}
	}
	if err := s.access(resolved, mode); err != nil {
		return &fs.PathError{Op: "access", Path: path, Err: err}
	}
	return nil
}

// Mkdir creates a directory, with testbed redirection. Programs that
// populate /sys or /dev subtrees at runtime end up writing into the
// testbed instead of the real trees.
func (s *System) Mkdir(path string, mode uint32) error {
	resolved, _, err := s.resolver.Resolve(path)
	if err != nil {
		return &fs.PathError{Op: "mkdir", Path: path, Err: err}
	}
	if err := s.mkdir(resolved, mode); err != nil {
		return &fs.PathError{Op: "mkdir", Path: path, Err: err}
	}
	return nil
}

// ReadDir lists a directory, with testbed redirection. A program
// enumerating /sys devices sees the mocked tree.
func (s *System) ReadDir(path string) ([]os.DirEntry, error) {
	resolved, _, err := s.resolver.Resolve(path)
	if err != nil {
		return nil, &fs.PathError{Op: "readdir", Path: path, Err: err}
	}
	entries, err := s.readdir(resolved)
	if err != nil {
		return entries, &fs.PathError{Op: "readdir", Path: path, Err: err}
	}
	return entries, nil
}

// Socket creates a socket. Kernel-uevent netlink sockets are substituted
// with local sockets bound under the testbed; see the uevent emulation.
func (s *System) Socket(domain, typ, proto int) (int, error) {
	fd, _, err := s.uevent.Socket(domain, typ, proto)
	return fd, err
}

// Bind binds a socket, placing wrapped uevent sockets at their
// per-descriptor testbed path.
func (s *System) Bind(fd int, sa unix.Sockaddr) error {
	return s.uevent.Bind(fd, sa)
}

// Recvmsg receives a message. On wrapped uevent sockets the sender is
// rewritten to claim kernel netlink origin with root credentials.
func (s *System) Recvmsg(fd int, p, oob []byte, flags int) (int, int, int, unix.Sockaddr, error) {
	return s.uevent.Recvmsg(fd, p, oob, flags)
}

// Broadcast delivers one synthesized uevent message to every subscriber
// bound under the testbed. This is the testbed side of the uevent
// emulation, used to announce mock device additions and removals.
func (s *System) Broadcast(message []byte) error {
	return uevent.Broadcast(s.cfg.Dir, message)
}
