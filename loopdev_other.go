//go:build !linux

package loopdev

import (
	"os"

	"github.com/containerd/errdefs"
)

// OpenControl opens the loop control device.
func OpenControl() (*LoopControl, error) {
	return nil, errdefs.ErrNotImplemented
}

// OpenControlPath opens the loop control device at an explicit path.
func OpenControlPath(path string) (*LoopControl, error) {
	return nil, errdefs.ErrNotImplemented
}

// NextFree asks the kernel for an unused loop device and opens it.
func (lc *LoopControl) NextFree() (*LoopDevice, error) {
	return nil, errdefs.ErrNotImplemented
}

// Close releases the control handle.
func (lc *LoopControl) Close() error {
	return errdefs.ErrNotImplemented
}

// OpenDevice opens an existing loop device node.
func OpenDevice(path string) (*LoopDevice, error) {
	return nil, errdefs.ErrNotImplemented
}

// Attach binds the backing file to the device with default options.
func (ld *LoopDevice) Attach(backing string) error {
	return errdefs.ErrNotImplemented
}

// AttachWithInfo binds the backing file to the device using a caller
// supplied status record.
func (ld *LoopDevice) AttachWithInfo(backing string, info *Info64) error {
	return errdefs.ErrNotImplemented
}

func (ld *LoopDevice) attachFile(backing *os.File, info *Info64, directIO bool) error {
	return errdefs.ErrNotImplemented
}

// Detach unbinds the backing file from the device.
func (ld *LoopDevice) Detach() error {
	return errdefs.ErrNotImplemented
}

// SetCapacity tells the kernel to re-read the size of the backing file.
func (ld *LoopDevice) SetCapacity() error {
	return errdefs.ErrNotImplemented
}

// SetDirectIO toggles direct I/O on the backing file's I/O path.
func (ld *LoopDevice) SetDirectIO(enabled bool) error {
	return errdefs.ErrNotImplemented
}

// Status retrieves the current status record of the device.
func (ld *LoopDevice) Status() (*Info64, error) {
	return nil, errdefs.ErrNotImplemented
}

// Path resolves the canonical device node path.
func (ld *LoopDevice) Path() string {
	return ""
}

// Major returns the device node's major number.
func (ld *LoopDevice) Major() (uint32, error) {
	return 0, errdefs.ErrNotImplemented
}

// Minor returns the device node's minor number.
func (ld *LoopDevice) Minor() (uint32, error) {
	return 0, errdefs.ErrNotImplemented
}

// Close releases the handle to the device node.
func (ld *LoopDevice) Close() error {
	return errdefs.ErrNotImplemented
}
