package loopdev

import (
	"fmt"
	"os"
)

// AttachOptions accumulates attach-time parameters for one loop
// device. The zero state maps to the kernel defaults: offset 0, size
// limit 0 (map to the end of the backing file), all flags clear. The
// builder is consumed by a single terminal Attach or AttachFromFile
// call.
type AttachOptions struct {
	dev      *LoopDevice
	info     Info64
	readOnly bool
	directIO bool
}

// WithOptions returns an options builder bound to this device.
func (ld *LoopDevice) WithOptions() *AttachOptions {
	return &AttachOptions{dev: ld}
}

// Offset sets the byte offset into the backing file where the mapped
// region starts.
func (o *AttachOptions) Offset(offset uint64) *AttachOptions {
	o.info.Offset = offset
	return o
}

// SizeLimit caps the mapped region in bytes. Zero maps to the end of
// the backing file.
func (o *AttachOptions) SizeLimit(limit uint64) *AttachOptions {
	o.info.SizeLimit = limit
	return o
}

// ReadOnly sets or clears the read-only flag. It also controls the
// open mode of the backing file: read-only attaches open it O_RDONLY.
func (o *AttachOptions) ReadOnly(ro bool) *AttachOptions {
	o.readOnly = ro
	o.setFlag(FlagReadOnly, ro)
	return o
}

// Autoclear sets or clears the autoclear flag. The kernel releases an
// autoclear device when the last open reference to it closes, without
// an explicit detach.
func (o *AttachOptions) Autoclear(on bool) *AttachOptions {
	o.setFlag(FlagAutoclear, on)
	return o
}

// PartScan sets or clears the partition-scan flag. The kernel scans
// the backing file for a partition table and exposes each partition as
// a pN sub-device.
func (o *AttachOptions) PartScan(on bool) *AttachOptions {
	o.setFlag(FlagPartScan, on)
	return o
}

// DirectIO requests direct I/O on the attached device. Unlike the
// other flags this is applied with a separate ioctl after the status
// record is set; its failure surfaces from the terminal attach call.
func (o *AttachOptions) DirectIO(on bool) *AttachOptions {
	o.directIO = on
	return o
}

func (o *AttachOptions) setFlag(bit uint32, on bool) {
	if on {
		o.info.Flags |= bit
	} else {
		o.info.Flags &^= bit
	}
}

// Attach opens the backing file and binds it to the device.
func (o *AttachOptions) Attach(backing string) error {
	flags := os.O_RDWR
	if o.readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(backing, flags, 0)
	if err != nil {
		return fmt.Errorf("failed to open backing file %s: %w", backing, err)
	}
	defer f.Close()
	return o.AttachFromFile(f)
}

// AttachFromFile binds an already-open backing file to the device.
func (o *AttachOptions) AttachFromFile(backing *os.File) error {
	return o.dev.attachFile(backing, &o.info, o.directIO)
}
