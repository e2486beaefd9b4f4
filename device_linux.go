//go:build linux

package loopdev

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"
)

// OpenDevice opens an existing loop device node such as /dev/loop0.
// The node is never created.
func OpenDevice(path string) (*LoopDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open loop device %s: %w", path, err)
	}
	return &LoopDevice{f: f}, nil
}

// Attach binds the backing file to the device with default options.
func (ld *LoopDevice) Attach(backing string) error {
	return ld.WithOptions().Attach(backing)
}

// AttachWithInfo binds the backing file to the device using a caller
// supplied status record.
func (ld *LoopDevice) AttachWithInfo(backing string, info *Info64) error {
	f, err := os.OpenFile(backing, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open backing file %s: %w", backing, err)
	}
	defer f.Close()
	return ld.attachFile(f, info, false)
}

// attachFile runs the two-stage attach sequence: bind the backing fd
// with LOOP_SET_FD, then push the status record with LOOP_SET_STATUS64.
// A failed status stage unwinds the bind so the device is not left
// half-attached; the unwind outcome is reported on the debug channel
// and never replaces the original error.
func (ld *LoopDevice) attachFile(backing *os.File, info *Info64, directIO bool) error {
	if info.FileName[0] == 0 {
		copy(info.FileName[:len(info.FileName)-1], backing.Name())
	}
	if _, err := ioctl(ld.f.Fd(), loopSetFd, backing.Fd()); err != nil {
		return fmt.Errorf("LOOP_SET_FD failed for %s: %w", ld.f.Name(), err)
	}
	if _, err := ioctl(ld.f.Fd(), loopSetStatus64, uintptr(unsafe.Pointer(info))); err != nil {
		if derr := ld.Detach(); derr != nil {
			log.L.WithError(derr).Debugf("failed to unwind %s after a rejected status record", ld.f.Name())
		}
		return fmt.Errorf("LOOP_SET_STATUS64 failed for %s: %w", ld.f.Name(), err)
	}
	if directIO {
		if err := ld.SetDirectIO(true); err != nil {
			return err
		}
	}
	return nil
}

// Detach unbinds the backing file with LOOP_CLR_FD. EBUSY means the
// device is still referenced, typically because it is mounted. The
// kernel finalizes detachment asynchronously once the last open
// reference to the device closes, so state queried immediately after a
// successful detach may still show the old binding for a short while.
func (ld *LoopDevice) Detach() error {
	if _, err := ioctl(ld.f.Fd(), loopClrFd, 0); err != nil {
		return fmt.Errorf("LOOP_CLR_FD failed for %s: %w", ld.f.Name(), err)
	}
	return nil
}

// SetCapacity tells the kernel to re-read the size of the backing
// file, for use after the file has grown. Fails with ENXIO when the
// device is unattached.
func (ld *LoopDevice) SetCapacity() error {
	if _, err := ioctl(ld.f.Fd(), loopSetCapacity, 0); err != nil {
		return fmt.Errorf("LOOP_SET_CAPACITY failed for %s: %w", ld.f.Name(), err)
	}
	return nil
}

// SetDirectIO toggles direct I/O on the backing file's I/O path. Fails
// when the running kernel or the backing filesystem does not support
// it.
func (ld *LoopDevice) SetDirectIO(enabled bool) error {
	arg := uintptr(0)
	if enabled {
		arg = 1
	}
	if _, err := ioctl(ld.f.Fd(), loopSetDirectIO, arg); err != nil {
		return fmt.Errorf("LOOP_SET_DIRECT_IO failed for %s: %w", ld.f.Name(), err)
	}
	return nil
}

// Status retrieves the current status record with LOOP_GET_STATUS64.
// Fails with ENXIO when the device is unattached.
func (ld *LoopDevice) Status() (*Info64, error) {
	var info Info64
	if _, err := ioctl(ld.f.Fd(), loopGetStatus64, uintptr(unsafe.Pointer(&info))); err != nil {
		return nil, fmt.Errorf("LOOP_GET_STATUS64 failed for %s: %w", ld.f.Name(), err)
	}
	return &info, nil
}

// Path resolves the canonical device node path by reading the symlink
// of the open handle under /proc/self/fd. The result is informational;
// an empty string is returned when resolution fails.
func (ld *LoopDevice) Path() string {
	p, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", ld.f.Fd()))
	if err != nil {
		return ""
	}
	return p
}

// Major returns the device node's major number.
func (ld *LoopDevice) Major() (uint32, error) {
	st, err := ld.stat()
	if err != nil {
		return 0, err
	}
	return unix.Major(uint64(st.Rdev)), nil
}

// Minor returns the device node's minor number.
func (ld *LoopDevice) Minor() (uint32, error) {
	st, err := ld.stat()
	if err != nil {
		return 0, err
	}
	return unix.Minor(uint64(st.Rdev)), nil
}

func (ld *LoopDevice) stat() (*unix.Stat_t, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(ld.f.Fd()), &st); err != nil {
		return nil, fmt.Errorf("fstat %s failed: %w", ld.f.Name(), err)
	}
	return &st, nil
}

// Close releases the handle to the device node. The kernel association
// with the backing file is left in place; call Detach to remove it.
func (ld *LoopDevice) Close() error {
	return ld.f.Close()
}
