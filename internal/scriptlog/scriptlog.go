// Package scriptlog records byte-level device conversations into replay
// scripts.
//
// A script is a sequence of stanzas "<op> <elapsed-ms> <payload>", one
// per line, where op is r or w and the payload is the escaped bytes of
// one burst of same-direction traffic. Control bytes are escaped as
// '^' + (byte+64) and a literal '^' is doubled, which keeps the
// transcript printable and diffable while round-tripping exactly.
package scriptlog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/stealthrocket/devmock/internal/envconf"
	"github.com/stealthrocket/devmock/internal/fdreg"
	"github.com/stealthrocket/devmock/internal/hostcall"
	"golang.org/x/sys/unix"
)

// Ops recorded in a script.
const (
	OpRead  = byte('r')
	OpWrite = byte('w')
)

const escapeMarker = byte('^')

// state tracks one recorded descriptor.
type state struct {
	log  *os.File
	last time.Time
	op   byte // 0 before the first stanza
}

// Recorder records the traffic of descriptors whose device matches a
// configured script record entry.
type Recorder struct {
	cfg    *envconf.Config
	states *fdreg.Registry[*state]
	log    *slog.Logger
	fstat  hostcall.FstatFunc
	now    func() time.Time

	// table maps a device number to its log path, built lazily from the
	// configured entries on the first open.
	table map[uint64]string
}

// NewRecorder returns a recorder over the given configuration and host
// call table.
func NewRecorder(cfg *envconf.Config, table *hostcall.Table, log *slog.Logger) *Recorder {
	return &Recorder{
		cfg:    cfg,
		states: fdreg.New[*state]("script recorders"),
		log:    log,
		fstat:  hostcall.Resolve[hostcall.FstatFunc](table, hostcall.NameFstat),
		now:    time.Now,
	}
}

// Open starts recording a descriptor when its underlying device is
// configured for script recording. The log file is created anew; the
// monotonic clock for the first stanza starts here.
func (r *Recorder) Open(fd int) {
	if fd < 0 {
		return
	}
	if r.table == nil {
		r.table = make(map[uint64]string, len(r.cfg.ScriptRecords))
		for _, rec := range r.cfg.ScriptRecords {
			r.table[rec.Dev] = rec.File
		}
	}
	if len(r.table) == 0 {
		return
	}

	dev := r.deviceOf(fd)
	path, ok := r.table[dev]
	if !ok {
		return
	}

	f, err := os.Create(path)
	if err != nil {
		fatalf("failed to open script record file: %s", err)
	}
	r.log.Debug("recording device script",
		"fd", fd,
		"major", unix.Major(dev),
		"minor", unix.Minor(dev),
		"file", path)
	r.states.Add(fd, &state{log: f, last: r.now()})
}

// Record appends one operation to the descriptor's script, if it is being
// recorded. Empty payloads record nothing: failed or zero-length reads
// and writes leave no trace.
//
// Operations separated by a measurable delay, or switching direction,
// start a new stanza; consecutive same-direction operations within the
// same millisecond merge into one.
func (r *Recorder) Record(op byte, fd int, data []byte) {
	st, ok := r.states.Get(fd)
	if !ok || len(data) == 0 {
		return
	}

	now := r.now()
	delta := now.Sub(st.last).Milliseconds()
	st.last = now

	if delta > 0 || st.op != op {
		if st.op != 0 {
			io.WriteString(st.log, "\n")
		}
		fmt.Fprintf(st.log, "%c %d ", op, delta)
	}
	st.log.Write(Escape(data))
	st.op = op
}

// Close stops recording a descriptor, flushing and releasing its log.
// Descriptors that were never recorded are ignored.
func (r *Recorder) Close(fd int) {
	st, ok := r.states.Get(fd)
	if !ok {
		return
	}
	r.states.Remove(fd)
	st.log.Close()
}

func (r *Recorder) deviceOf(fd int) uint64 {
	var st unix.Stat_t
	if err := r.fstat(fd, &st); err != nil {
		return 0
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFCHR, unix.S_IFBLK:
		return st.Rdev
	}
	return 0
}

// Escape encodes payload bytes for a script stanza.
func Escape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		switch {
		case b < 32:
			out = append(out, escapeMarker, b+64)
		case b == escapeMarker:
			out = append(out, escapeMarker, escapeMarker)
		default:
			out = append(out, b)
		}
	}
	return out
}

// Unescape decodes payload bytes from a script stanza. A trailing lone
// marker is an error.
func Unescape(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		b := data[i]
		if b != escapeMarker {
			out = append(out, b)
			continue
		}
		i++
		if i == len(data) {
			return nil, fmt.Errorf("scriptlog: truncated escape sequence")
		}
		if c := data[i]; c == escapeMarker {
			out = append(out, escapeMarker)
		} else {
			out = append(out, c-64)
		}
	}
	return out, nil
}

var osExit = os.Exit

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "devmock: "+format+"\n", args...)
	osExit(1)
	panic("unreachable")
}
