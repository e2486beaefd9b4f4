//go:build linux

package loopdev

import (
	"fmt"
	"os"
)

// OpenControl opens the loop control device at ControlPath. Opening it
// commonly requires elevated privileges.
func OpenControl() (*LoopControl, error) {
	return OpenControlPath(ControlPath)
}

// OpenControlPath opens the loop control device at an explicit path.
func OpenControlPath(path string) (*LoopControl, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open loop control %s: %w", path, err)
	}
	return &LoopControl{f: f}, nil
}

// NextFree asks the kernel for an unused loop device and opens it. The
// kernel allocates a fresh device when none is free. Allocation can
// race with other processes; a subsequent attach may still fail with
// EBUSY and should be retried against a newly allocated device.
func (lc *LoopControl) NextFree() (*LoopDevice, error) {
	num, err := ioctl(lc.f.Fd(), loopCtlGetFree, 0)
	if err != nil {
		return nil, fmt.Errorf("LOOP_CTL_GET_FREE failed: %w", err)
	}
	return OpenDevice(fmt.Sprintf("%s%d", DevicePrefix, num))
}

// Close releases the control handle.
func (lc *LoopControl) Close() error {
	return lc.f.Close()
}
