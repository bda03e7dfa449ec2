// Package redirect rewrites device and sysfs paths into their testbed
// equivalents.
//
// Only /dev and /sys trees are ever redirected. A /dev path is redirected
// only if its testbed counterpart exists, so real device nodes outside
// the mock set remain reachable; /sys trees are expected to be fully
// mirrored and are rewritten unconditionally.
package redirect

import (
	"os"
	"strings"

	"github.com/stealthrocket/devmock/internal/envconf"
	"golang.org/x/sys/unix"
)

// maxPath bounds the length of a rewritten path. Exceeding it fails the
// call with ENAMETOOLONG instead of truncating.
const maxPath = 2 * unix.PathMax

// Resolver rewrites paths according to the testbed configuration.
type Resolver struct {
	cfg *envconf.Config
}

// NewResolver returns a resolver over the given configuration.
func NewResolver(cfg *envconf.Config) *Resolver {
	return &Resolver{cfg: cfg}
}

// Resolve maps a path to its testbed location.
//
// It returns the path to use for the host call and whether redirection
// took place. The only possible error is ENAMETOOLONG when the rewritten
// path would exceed the path length bound.
func (r *Resolver) Resolve(path string) (string, bool, error) {
	if r.cfg.Dir == "" {
		return path, false, nil
	}

	checkExist := false
	switch {
	case path == "/dev" || strings.HasPrefix(path, "/dev/"):
		checkExist = true
	case path == "/sys" || strings.HasPrefix(path, "/sys/"):
	default:
		return path, false, nil
	}

	if len(r.cfg.Dir)+len(path) >= maxPath {
		return "", false, unix.ENAMETOOLONG
	}

	if r.cfg.Disabled() {
		return path, false, nil
	}

	resolved := r.cfg.Dir + path
	if checkExist && !pathExists(resolved) {
		return path, false, nil
	}
	return resolved, true, nil
}

func pathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
