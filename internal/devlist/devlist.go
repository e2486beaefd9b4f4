// Package devlist enumerates loop devices through sysfs. It backs the
// losetup CLI's list subcommand and is not part of the core attach
// surface.
package devlist

// DefaultSysBlock is where the kernel exposes block devices.
const DefaultSysBlock = "/sys/block"

// Entry describes one loop device found under sysfs.
type Entry struct {
	// Name is the device node path, e.g. "/dev/loop0".
	Name string
	// Number is the loop device number.
	Number int
	// BackingFile is the attached file path, empty for a free device.
	BackingFile string
	// Offset is the byte offset into the backing file.
	Offset uint64
	// SizeLimit is the mapped size in bytes, 0 for the whole file.
	SizeLimit uint64
}

// Used reports whether the device has a backing file attached.
func (e *Entry) Used() bool {
	return e.BackingFile != ""
}

// ListOptions filters the devices returned by List.
type ListOptions struct {
	// OnlyFree restricts the result to unattached devices.
	OnlyFree bool
	// OnlyUsed restricts the result to attached devices.
	OnlyUsed bool
	// SysBlock overrides the sysfs block directory, for tests.
	SysBlock string
}
