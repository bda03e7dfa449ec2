package hostcall

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

func bindHost(t *Table) {
	t.Register(NameOpen, OpenFunc(hostOpen))
	t.Register(NameClose, CloseFunc(unix.Close))
	t.Register(NameRead, ReadFunc(unix.Read))
	t.Register(NameWrite, WriteFunc(unix.Write))
	t.Register(NameIoctl, IoctlFunc(hostIoctl))
	t.Register(NameSocket, SocketFunc(unix.Socket))
	t.Register(NameBind, BindFunc(unix.Bind))
	t.Register(NameRecvmsg, RecvmsgFunc(unix.Recvmsg))
	t.Register(NameStat, StatFunc(unix.Stat))
	t.Register(NameLstat, StatFunc(unix.Lstat))
	t.Register(NameFstat, FstatFunc(unix.Fstat))
	t.Register(NameReadlink, ReadlinkFunc(unix.Readlink))
	t.Register(NameAccess, AccessFunc(hostAccess))
	t.Register(NameMkdir, MkdirFunc(unix.Mkdir))
	t.Register(NameUnlink, UnlinkFunc(unix.Unlink))
	t.Register(NameReadDir, ReadDirFunc(os.ReadDir))
}

func hostOpen(path string, flags int, mode uint32) (int, error) {
	return unix.Open(path, flags, mode)
}

func hostAccess(path string, mode uint32) error {
	return unix.Access(path, mode)
}

// hostIoctl forwards an ioctl with the address of the argument buffer, or
// zero when no argument is given.
func hostIoctl(fd int, req uint, arg []byte) (int, error) {
	var p unsafe.Pointer
	if len(arg) > 0 {
		p = unsafe.Pointer(&arg[0])
	}
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(p))
	if errno != 0 {
		return -1, errno
	}
	return int(r), nil
}
