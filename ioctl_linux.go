//go:build linux

package loopdev

import "golang.org/x/sys/unix"

// Loop device ioctl request codes from <linux/loop.h>.
const (
	loopSetFd       = 0x4C00
	loopClrFd       = 0x4C01
	loopSetStatus64 = 0x4C04
	loopGetStatus64 = 0x4C05
	loopSetCapacity = 0x4C07
	loopSetDirectIO = 0x4C08
	loopCtlGetFree  = 0x4C82
)

func ioctl(fd, req, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, arg)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}
