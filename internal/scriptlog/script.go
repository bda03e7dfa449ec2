package scriptlog

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Step is one parsed script stanza: wait Delay, then expect (for reads)
// or emit (for writes) Data.
type Step struct {
	Op    byte
	Delay time.Duration
	Data  []byte
}

// ReadScript parses a recorded script back into its steps. Payload bytes
// are unescaped exactly, so reading a script written by a Recorder
// recovers the original byte sequence.
func ReadScript(r io.Reader) ([]Step, error) {
	var steps []Step
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for s.Scan() {
		line++
		raw := s.Bytes()
		if len(raw) == 0 {
			continue
		}
		step, err := parseStep(raw)
		if err != nil {
			return nil, fmt.Errorf("scriptlog: line %d: %w", line, err)
		}
		steps = append(steps, step)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("scriptlog: %w", err)
	}
	return steps, nil
}

func parseStep(raw []byte) (Step, error) {
	if len(raw) < 2 || (raw[0] != OpRead && raw[0] != OpWrite) || raw[1] != ' ' {
		return Step{}, fmt.Errorf("invalid stanza header %q", raw)
	}
	rest := raw[2:]
	sp := bytes.IndexByte(rest, ' ')
	if sp < 0 {
		return Step{}, fmt.Errorf("stanza has no payload: %q", raw)
	}
	ms, err := strconv.ParseUint(string(rest[:sp]), 10, 64)
	if err != nil {
		return Step{}, fmt.Errorf("invalid delay %q", rest[:sp])
	}
	data, err := Unescape(rest[sp+1:])
	if err != nil {
		return Step{}, err
	}
	return Step{
		Op:    raw[0],
		Delay: time.Duration(ms) * time.Millisecond,
		Data:  data,
	}, nil
}
