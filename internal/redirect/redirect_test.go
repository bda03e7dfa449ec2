package redirect_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stealthrocket/devmock/internal/assert"
	"github.com/stealthrocket/devmock/internal/envconf"
	"github.com/stealthrocket/devmock/internal/redirect"
	"golang.org/x/sys/unix"
)

func newResolver(dir string) *redirect.Resolver {
	cfg := envconf.Load(func(name string) string {
		if name == envconf.EnvDir {
			return dir
		}
		return ""
	})
	return redirect.NewResolver(cfg)
}

func mkdev(t *testing.T, root, path string) {
	t.Helper()
	full := filepath.Join(root, path)
	assert.OK(t, os.MkdirAll(filepath.Dir(full), 0o777))
	assert.OK(t, os.WriteFile(full, nil, 0o666))
}

func TestNoRootConfigured(t *testing.T) {
	r := newResolver("")
	p, redirected, err := r.Resolve("/dev/ttyUSB0")
	assert.OK(t, err)
	assert.Equal(t, redirected, false)
	assert.Equal(t, p, "/dev/ttyUSB0")
}

func TestNonDeviceHierarchyUnchanged(t *testing.T) {
	root := t.TempDir()
	r := newResolver(root)
	for _, path := range []string{"/etc/passwd", "/devices", "/system", "/", "/sysx"} {
		p, redirected, err := r.Resolve(path)
		assert.OK(t, err)
		assert.Equal(t, redirected, false)
		assert.Equal(t, p, path)
	}
}

func TestDevPathRedirectedWhenPresent(t *testing.T) {
	root := t.TempDir()
	mkdev(t, root, "dev/ttyUSB0")
	r := newResolver(root)

	p, redirected, err := r.Resolve("/dev/ttyUSB0")
	assert.OK(t, err)
	assert.Equal(t, redirected, true)
	assert.Equal(t, p, root+"/dev/ttyUSB0")
}

func TestDevPathFallsBackWhenAbsent(t *testing.T) {
	root := t.TempDir()
	r := newResolver(root)

	p, redirected, err := r.Resolve("/dev/ttyUSB0")
	assert.OK(t, err)
	assert.Equal(t, redirected, false)
	assert.Equal(t, p, "/dev/ttyUSB0")
}

func TestSysPathRedirectedWithoutExistenceCheck(t *testing.T) {
	root := t.TempDir()
	r := newResolver(root)

	p, redirected, err := r.Resolve("/sys/class/tty/ttyUSB0/dev")
	assert.OK(t, err)
	assert.Equal(t, redirected, true)
	assert.Equal(t, p, root+"/sys/class/tty/ttyUSB0/dev")
}

func TestBareDevAndSys(t *testing.T) {
	root := t.TempDir()
	assert.OK(t, os.MkdirAll(filepath.Join(root, "dev"), 0o777))
	r := newResolver(root)

	p, redirected, err := r.Resolve("/dev")
	assert.OK(t, err)
	assert.Equal(t, redirected, true)
	assert.Equal(t, p, root+"/dev")

	p, redirected, err = r.Resolve("/sys")
	assert.OK(t, err)
	assert.Equal(t, redirected, true)
	assert.Equal(t, p, root+"/sys")
}

func TestDisabledMarkerSuspendsRedirection(t *testing.T) {
	root := t.TempDir()
	mkdev(t, root, "dev/ttyUSB0")
	r := newResolver(root)

	assert.OK(t, os.WriteFile(filepath.Join(root, "disabled"), nil, 0o666))
	p, redirected, err := r.Resolve("/dev/ttyUSB0")
	assert.OK(t, err)
	assert.Equal(t, redirected, false)
	assert.Equal(t, p, "/dev/ttyUSB0")

	// removing the marker re-enables redirection without reconfiguring
	assert.OK(t, os.Remove(filepath.Join(root, "disabled")))
	_, redirected, err = r.Resolve("/dev/ttyUSB0")
	assert.OK(t, err)
	assert.Equal(t, redirected, true)
}

func TestOverlongPathFailsWithNameTooLong(t *testing.T) {
	root := t.TempDir()
	r := newResolver(root)

	long := "/sys/" + strings.Repeat("x", 2*unix.PathMax)
	_, _, err := r.Resolve(long)
	assert.Error(t, err, unix.ENAMETOOLONG)
}
