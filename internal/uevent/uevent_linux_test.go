package uevent_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stealthrocket/devmock/internal/assert"
	"github.com/stealthrocket/devmock/internal/envconf"
	"github.com/stealthrocket/devmock/internal/hostcall"
	"github.com/stealthrocket/devmock/internal/uevent"
	"golang.org/x/sys/unix"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEmulator(root string) *uevent.Emulator {
	cfg := envconf.Load(func(name string) string {
		if name == envconf.EnvDir {
			return root
		}
		return ""
	})
	return uevent.NewEmulator(cfg, hostcall.New(), discard())
}

func openWrapped(t *testing.T, e *uevent.Emulator) int {
	t.Helper()
	fd, wrapped, err := e.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM, unix.NETLINK_KOBJECT_UEVENT)
	assert.OK(t, err)
	assert.Equal(t, wrapped, true)
	t.Cleanup(func() {
		if e.Close(fd) {
			unix.Close(fd)
		}
	})
	return fd
}

func TestNonNetlinkSocketPassesThrough(t *testing.T) {
	e := newEmulator(t.TempDir())
	fd, wrapped, err := e.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	assert.OK(t, err)
	assert.Equal(t, wrapped, false)
	assert.Equal(t, e.Close(fd), false)
	assert.OK(t, unix.Close(fd))
}

func TestOtherNetlinkFamiliesPassThrough(t *testing.T) {
	e := newEmulator(t.TempDir())
	fd, wrapped, err := e.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_ROUTE)
	if err != nil {
		t.Skipf("cannot open routing netlink socket: %v", err)
	}
	assert.Equal(t, wrapped, false)
	assert.OK(t, unix.Close(fd))
}

func TestWrappedSocketReceivesBroadcast(t *testing.T) {
	root := t.TempDir()
	e := newEmulator(root)
	fd := openWrapped(t, e)

	assert.OK(t, e.Bind(fd, nil))

	message := []byte("add@/devices/pci0000:00/usb1/1-1\x00ACTION=add\x00DEVNAME=ttyUSB0\x00")
	assert.OK(t, uevent.Broadcast(root, message))

	buf := make([]byte, 4096)
	n, _, _, from, err := e.Recvmsg(fd, buf, nil, 0)
	assert.OK(t, err)
	assert.EqualBytes(t, buf[:n], message)

	sender, ok := from.(*unix.SockaddrNetlink)
	assert.True(t, ok, "sender must claim netlink origin")
	assert.Equal(t, sender.Family, uint16(unix.AF_NETLINK))
	assert.Equal(t, sender.Pid, uint32(0))
	assert.Equal(t, sender.Groups, uint32(2))
}

func TestWrappedSocketRewritesCredentials(t *testing.T) {
	root := t.TempDir()
	e := newEmulator(root)
	fd := openWrapped(t, e)

	assert.OK(t, e.Bind(fd, nil))
	assert.OK(t, unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1))

	assert.OK(t, uevent.Broadcast(root, []byte("remove@/devices/x\x00")))

	buf := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(unix.SizeofUcred))
	_, oobn, _, _, err := e.Recvmsg(fd, buf, oob, 0)
	assert.OK(t, err)
	assert.Less(t, 0, oobn)

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	assert.OK(t, err)
	assert.Equal(t, len(msgs), 1)
	cred, err := unix.ParseUnixCredentials(&msgs[0])
	assert.OK(t, err)
	assert.Equal(t, cred.Uid, uint32(0))
}

func TestBindWithoutRootPassesThrough(t *testing.T) {
	e := newEmulator("")
	fd := openWrapped(t, e)

	sa := &unix.SockaddrUnix{Name: ""} // autobind address
	assert.OK(t, e.Bind(fd, sa))
}

func TestRebindOverStaleSocketPath(t *testing.T) {
	root := t.TempDir()
	e := newEmulator(root)

	fd, wrapped, err := e.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM, unix.NETLINK_KOBJECT_UEVENT)
	assert.OK(t, err)
	assert.Equal(t, wrapped, true)
	assert.OK(t, e.Bind(fd, nil))
	e.Close(fd)
	assert.OK(t, unix.Close(fd))

	// the kernel hands out the lowest free descriptor number, so the
	// stale socket file bound above is typically still in the way; the
	// new bind must replace it instead of failing as already in use
	fd2, wrapped, err := e.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM, unix.NETLINK_KOBJECT_UEVENT)
	assert.OK(t, err)
	assert.Equal(t, wrapped, true)
	defer unix.Close(fd2)
	defer e.Close(fd2)
	assert.OK(t, e.Bind(fd2, nil))
}
