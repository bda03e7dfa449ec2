// Package ioctltree stores recorded ioctl exchanges for one device.
//
// The replay engine only depends on the capability contract expressed by
// the Tree interface: load a tree from its serialized form, match a call
// against the node expected next, insert a newly observed exchange, and
// serialize the whole tree back. The representation behind the interface
// is free to change; the one here is a flat arena of exchanges in
// conversational order.
package ioctltree

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Node identifies a recorded exchange within a Tree. Nodes are opaque to
// callers; the engine only holds one as its session cursor.
type Node interface {
	node()
}

// Tree is the capability contract of a recorded ioctl conversation.
type Tree interface {
	// Execute tries to satisfy a call from the recorded conversation.
	//
	// Matching is biased toward conversational order: only the node
	// immediately following the cursor (or the first node for a nil
	// cursor) is considered; anything else is unmatched. On a match the
	// recorded output bytes are written back into arg, and the returned
	// node becomes the caller's new cursor.
	Execute(cursor Node, req uint, arg []byte) (Node, int, bool)

	// Insert appends a newly observed exchange. in holds the argument
	// bytes as submitted, out the argument bytes after the real call
	// returned result.
	Insert(req uint, in, out []byte, result int)

	// Len returns the number of recorded exchanges.
	Len() int

	// WriteTo serializes the whole tree.
	WriteTo(w io.Writer) (int64, error)
}

// New returns an empty tree.
func New() Tree {
	return new(tree)
}

// Read parses a serialized tree.
//
// Input holding no exchanges at all yields a nil Tree and no error;
// callers decide whether an empty source is acceptable. Unparsable input
// is an error.
func Read(r io.Reader) (Tree, error) {
	t := new(tree)
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for s.Scan() {
		line++
		text := strings.TrimSpace(s.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		x, err := parseExchange(text)
		if err != nil {
			return nil, fmt.Errorf("ioctltree: line %d: %w", line, err)
		}
		t.nodes = append(t.nodes, x)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("ioctltree: %w", err)
	}
	if len(t.nodes) == 0 {
		return nil, nil
	}
	return t, nil
}

// ioctl request encoding, asm-generic layout: two direction bits above a
// 14-bit argument size.
const (
	iocWrite    = 1
	iocRead     = 2
	iocDirShift = 30
)

func reqDir(req uint) uint { return (req >> iocDirShift) & 3 }

type exchange struct {
	req    uint
	in     []byte
	out    []byte
	result int
}

type tree struct {
	nodes []exchange
}

type nodeRef struct {
	t *tree
	i int
}

func (*nodeRef) node() {}

func (t *tree) Execute(cursor Node, req uint, arg []byte) (Node, int, bool) {
	next := 0
	if c, ok := cursor.(*nodeRef); ok && c.t == t {
		next = c.i + 1
	}
	if next >= len(t.nodes) {
		return nil, 0, false
	}
	x := &t.nodes[next]
	if x.req != req {
		return nil, 0, false
	}
	if !bytes.Equal(x.in, inputBytes(req, arg)) {
		return nil, 0, false
	}
	if reqDir(req)&iocRead != 0 {
		copy(arg, x.out)
	}
	return &nodeRef{t: t, i: next}, x.result, true
}

func (t *tree) Insert(req uint, in, out []byte, result int) {
	t.nodes = append(t.nodes, exchange{
		req:    req,
		in:     inputBytes(req, in),
		out:    append([]byte(nil), out...),
		result: result,
	})
}

func (t *tree) Len() int {
	return len(t.nodes)
}

// inputBytes selects the argument bytes that identify a call. Write and
// legacy (direction-less) requests are identified by their full argument;
// read-only requests carry no input worth comparing.
func inputBytes(req uint, arg []byte) []byte {
	dir := reqDir(req)
	if dir != 0 && dir&iocWrite == 0 {
		return nil
	}
	if len(arg) == 0 {
		return nil
	}
	return append([]byte(nil), arg...)
}

// Serialization is line based: one exchange per line as
// "<req-hex> <result> <in-hex|-> <out-hex|->", preceded by a comment
// header identifying the recording.
func (t *tree) WriteTo(w io.Writer) (int64, error) {
	var written int64
	n, err := fmt.Fprintf(w, "# devmock ioctl record %s\n", uuid.NewString())
	written += int64(n)
	if err != nil {
		return written, err
	}
	for i := range t.nodes {
		x := &t.nodes[i]
		n, err := fmt.Fprintf(w, "%x %d %s %s\n", x.req, x.result, hexOrDash(x.in), hexOrDash(x.out))
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func hexOrDash(b []byte) string {
	if len(b) == 0 {
		return "-"
	}
	return hex.EncodeToString(b)
}

func parseExchange(text string) (exchange, error) {
	fields := strings.Fields(text)
	if len(fields) != 4 {
		return exchange{}, fmt.Errorf("expected 4 fields, got %d", len(fields))
	}
	req, err := strconv.ParseUint(fields[0], 16, 64)
	if err != nil {
		return exchange{}, fmt.Errorf("invalid request %q", fields[0])
	}
	result, err := strconv.Atoi(fields[1])
	if err != nil {
		return exchange{}, fmt.Errorf("invalid result %q", fields[1])
	}
	in, err := bytesOrDash(fields[2])
	if err != nil {
		return exchange{}, fmt.Errorf("invalid input bytes %q", fields[2])
	}
	out, err := bytesOrDash(fields[3])
	if err != nil {
		return exchange{}, fmt.Errorf("invalid output bytes %q", fields[3])
	}
	return exchange{req: uint(req), in: in, out: out, result: result}, nil
}

func bytesOrDash(s string) ([]byte, error) {
	if s == "-" {
		return nil, nil
	}
	return hex.DecodeString(s)
}
