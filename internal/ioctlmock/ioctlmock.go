// Package ioctlmock replays and records ioctl conversations.
//
// A descriptor opened on a testbed device path gets a replay session: its
// ioctls are satisfied from a recorded tree when the conversation
// matches, and forwarded to the real device otherwise. Independently, one
// environment-selected device may be recorded: its forwarded exchanges
// accumulate into a tree that is persisted when the descriptor closes.
package ioctlmock

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/klauspost/compress/zstd"
	"github.com/stealthrocket/devmock/internal/envconf"
	"github.com/stealthrocket/devmock/internal/fdreg"
	"github.com/stealthrocket/devmock/internal/hostcall"
	"github.com/stealthrocket/devmock/internal/ioctltree"
	"golang.org/x/sys/unix"
)

// session is the replay state attached to one descriptor. A session with
// no tree passes every call through to the real device.
type session struct {
	tree   ioctltree.Tree
	cursor ioctltree.Node
}

// Engine drives ioctl replay sessions and the single global recording.
type Engine struct {
	cfg      *envconf.Config
	sessions *fdreg.Registry[*session]
	log      *slog.Logger

	ioctl hostcall.IoctlFunc
	fstat hostcall.FstatFunc

	// global recording state: at most one descriptor records at a time;
	// the log and tree persist across opens so repeated opens of the
	// device append to one recorded session.
	recordFd   int
	recordLog  *os.File
	recordTree ioctltree.Tree
}

// NewEngine returns an engine over the given configuration and host call
// table.
func NewEngine(cfg *envconf.Config, table *hostcall.Table, log *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		sessions: fdreg.New[*session]("ioctl sessions"),
		log:      log,
		ioctl:    hostcall.Resolve[hostcall.IoctlFunc](table, hostcall.NameIoctl),
		fstat:    hostcall.Resolve[hostcall.FstatFunc](table, hostcall.NameFstat),
		recordFd: -1,
	}
}

// OpenRedirected attaches a replay session to a descriptor opened through
// the testbed. devPath is the original path the caller asked for; only
// /dev paths carry ioctl conversations.
func (e *Engine) OpenRedirected(fd int, devPath string) {
	if fd < 0 || !strings.HasPrefix(devPath, "/dev/") {
		return
	}
	s := new(session)
	e.sessions.Add(fd, s)
	s.tree = e.loadTree(devPath)
	if s.tree != nil {
		e.log.Debug("loaded ioctl replay tree",
			"fd", fd,
			"device", devPath,
			"exchanges", s.tree.Len())
	}
}

// loadTree reads the replay file for a device, trying the plain location
// first and a zstd-compressed variant second. A missing file simply means
// pass-through; a file that exists but holds no usable tree is fatal, a
// corrupt fixture must not silently behave as "no replay".
func (e *Engine) loadTree(devPath string) ioctltree.Tree {
	base := filepath.Join(e.cfg.Dir, "ioctl", devPath)

	var r io.Reader
	f, err := os.Open(base)
	if err == nil {
		defer f.Close()
		r = f
	} else {
		zf, zerr := os.Open(base + ".zst")
		if zerr != nil {
			return nil
		}
		defer zf.Close()
		dec, derr := zstd.NewReader(zf)
		if derr != nil {
			fatalf("failed to load ioctl record file for %s: %s", devPath, derr)
		}
		defer dec.Close()
		r = dec
	}

	tree, err := ioctltree.Read(r)
	if err != nil || tree == nil {
		fatalf("failed to load ioctl record file for %s: empty or invalid format", devPath)
	}
	return tree
}

// OpenPassthrough inspects a descriptor opened outside the testbed and
// marks it as the recording target when its device matches the configured
// record device. The record log is opened lazily on the first matching
// open and prior contents are loaded, so a new run appends to an earlier
// recorded session instead of discarding it.
func (e *Engine) OpenPassthrough(fd int) {
	if fd < 0 || e.cfg.IoctlRecord.Dev == 0 {
		return
	}
	if e.deviceOf(fd) != e.cfg.IoctlRecord.Dev {
		return
	}

	e.recordFd = fd

	if e.recordLog == nil {
		f, err := os.OpenFile(e.cfg.IoctlRecord.File, os.O_RDWR|os.O_CREATE, 0o666)
		if err != nil {
			fatalf("failed to open ioctl record file: %s", err)
		}
		e.recordLog = f
		tree, err := ioctltree.Read(f)
		if err != nil {
			fatalf("failed to load ioctl record file %s: %s", e.cfg.IoctlRecord.File, err)
		}
		e.recordTree = tree
	}
	e.log.Debug("recording ioctls", "fd", fd, "file", e.cfg.IoctlRecord.File)
}

// Emulate tries to satisfy an ioctl from the descriptor's replay tree.
// The boolean distinguishes "tree said nothing" from any result the tree
// may reply, including failures.
func (e *Engine) Emulate(fd int, req uint, arg []byte) (int, bool) {
	s, ok := e.sessions.Get(fd)
	if !ok || s.tree == nil {
		return 0, false
	}
	node, result, ok := s.tree.Execute(s.cursor, req, arg)
	if !ok {
		return 0, false
	}
	s.cursor = node
	e.log.Debug("emulated ioctl",
		"fd", fd,
		"request", fmt.Sprintf("%#x", req),
		"result", result)
	return result, true
}

// Ioctl runs the full emulate-or-forward path for a descriptor: replay
// when the conversation matches, forward to the real device otherwise,
// capturing forwarded successful exchanges on the recording descriptor.
func (e *Engine) Ioctl(fd int, req uint, arg []byte) (int, error) {
	if result, ok := e.Emulate(fd, req, arg); ok {
		return result, nil
	}

	recording := fd == e.recordFd && e.recordLog != nil
	var in []byte
	if recording {
		in = append([]byte(nil), arg...)
	}

	result, err := e.ioctl(fd, req, arg)
	if recording && err == nil {
		if e.recordTree == nil {
			e.recordTree = ioctltree.New()
		}
		e.recordTree.Insert(req, in, arg, result)
		if e.log.Enabled(context.Background(), slog.LevelDebug) {
			e.log.Debug("recorded ioctl exchange",
				"fd", fd,
				"request", fmt.Sprintf("%#x", req),
				"result", result,
				"argument", spew.Sdump(arg))
		}
	}
	return result, err
}

// Close tears down the state attached to a descriptor: the replay session
// is released, and if the descriptor was the recording target the
// accumulated tree is persisted as one consistent recorded session.
func (e *Engine) Close(fd int) {
	if _, ok := e.sessions.Get(fd); ok {
		e.sessions.Remove(fd)
	}
	if fd == e.recordFd {
		e.flushRecord()
		e.recordFd = -1
	}
}

// flushRecord rewrites the record log with the full accumulated tree. The
// log stays open: a later open of the record device continues the same
// session.
func (e *Engine) flushRecord() {
	if e.recordTree == nil || e.recordTree.Len() == 0 {
		return
	}
	if err := e.recordLog.Truncate(0); err != nil {
		fatalf("failed to rewrite ioctl record file: %s", err)
	}
	if _, err := e.recordLog.Seek(0, io.SeekStart); err != nil {
		fatalf("failed to rewrite ioctl record file: %s", err)
	}
	if _, err := e.recordTree.WriteTo(e.recordLog); err != nil {
		fatalf("failed to write ioctl record file: %s", err)
	}
	if err := e.recordLog.Sync(); err != nil {
		fatalf("failed to flush ioctl record file: %s", err)
	}
}

// deviceOf returns the device number of a descriptor, or zero when it
// does not refer to a character or block device.
func (e *Engine) deviceOf(fd int) uint64 {
	var st unix.Stat_t
	if err := e.fstat(fd, &st); err != nil {
		return 0
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFCHR, unix.S_IFBLK:
		return st.Rdev
	}
	return 0
}

var osExit = os.Exit

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "devmock: "+format+"\n", args...)
	osExit(1)
	panic("unreachable")
}
