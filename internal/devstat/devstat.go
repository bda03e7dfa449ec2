// Package devstat rewrites stat results for testbed files under /dev so
// that plain files impersonate character or block devices.
//
// The testbed marks a block device by setting the sticky bit on the mock
// file; the bit has no meaning on device nodes, which makes it available
// as a marker. The synthetic device identity comes from a symlink under
// <root>/dev/.node/ whose target encodes major:minor.
package devstat

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Rewriter rewrites stat results against one testbed root.
type Rewriter struct {
	root string
	log  *slog.Logger
}

// NewRewriter returns a rewriter for the given testbed root.
func NewRewriter(root string, log *slog.Logger) *Rewriter {
	return &Rewriter{root: root, log: log}
}

// Apply rewrites st in place for a path that was redirected into the
// testbed. origPath is the path the caller asked for, resolvedPath its
// testbed location that was actually stat'ed.
//
// Only non-directories under /dev/ are rewritten. Symlinks pointing back
// into the real /dev (used to mock ttys with real ptys) keep their
// reported identity apart from the device type bits.
func (w *Rewriter) Apply(origPath, resolvedPath string, st *unix.Stat_t) {
	if !strings.HasPrefix(origPath, "/dev/") {
		return
	}
	if !w.emulated(resolvedPath, st.Mode) {
		return
	}

	if st.Mode&unix.S_ISVTX != 0 {
		st.Mode = st.Mode&^uint32(unix.S_IFMT|unix.S_ISVTX) | unix.S_IFBLK
	} else {
		st.Mode = st.Mode&^uint32(unix.S_IFMT) | unix.S_IFCHR
	}
	st.Rdev = w.rdev(strings.TrimPrefix(origPath, "/dev/"))
}

// emulated reports whether the testbed entry stands in for a device. A
// symlink counts only when it points into the real /dev; other symlinks
// stay symlinks. Directories are never devices.
func (w *Rewriter) emulated(path string, mode uint32) bool {
	if mode&unix.S_IFMT == unix.S_IFLNK {
		dest, err := os.Readlink(path)
		if err != nil {
			return false
		}
		return strings.HasPrefix(dest, "/dev/")
	}
	return mode&unix.S_IFMT != unix.S_IFDIR
}

// rdev resolves the synthetic device number for a node name by reading
// its identity link. An unreadable or undecodable link yields zero; the
// device type rewrite still stands, callers may not consult rdev at all.
func (w *Rewriter) rdev(nodename string) uint64 {
	link := filepath.Join(w.root, "dev", ".node", strings.ReplaceAll(nodename, "/", "_"))
	dest, err := os.Readlink(link)
	if err != nil {
		w.log.Debug("cannot read device identity link",
			"node", nodename,
			"link", link,
			"error", err)
		return 0
	}
	var major, minor uint32
	if n, err := fmt.Sscanf(dest, "%d:%d", &major, &minor); n != 2 || err != nil {
		w.log.Debug("cannot decode device identity link",
			"node", nodename,
			"target", dest)
		return 0
	}
	return unix.Mkdev(major, minor)
}
