// Package loopdev manages Linux loop devices: allocating a free device
// through /dev/loop-control and attaching or detaching regular files as
// the backing store of /dev/loopN nodes.
package loopdev

import "os"

// Loop device flag bits from <linux/loop.h>.
const (
	FlagReadOnly  = 1 << 0
	FlagAutoclear = 1 << 2
	FlagPartScan  = 1 << 3
	FlagDirectIO  = 1 << 4
)

// Info64 is the loop device status structure passed to
// LOOP_SET_STATUS64 and returned by LOOP_GET_STATUS64. The layout is
// bit-exact with the kernel's struct loop_info64 from <linux/loop.h>;
// field order, integer widths and array sizes are kernel ABI and must
// not change.
type Info64 struct {
	Device         uint64
	Inode          uint64
	Rdevice        uint64
	Offset         uint64
	SizeLimit      uint64
	Number         uint32
	EncryptType    uint32
	EncryptKeySize uint32
	Flags          uint32
	FileName       [64]byte
	CryptName      [64]byte
	EncryptKey     [32]byte
	Init           [2]uint64
}

// BackingFile returns the backing file path recorded in the status,
// trimmed at the first NUL.
func (info *Info64) BackingFile() string {
	for i, b := range info.FileName {
		if b == 0 {
			return string(info.FileName[:i])
		}
	}
	return string(info.FileName[:])
}

// LoopControl is a handle to the system-wide loop control device. It
// allocates unused loop devices on request.
type LoopControl struct {
	f *os.File
}

// LoopDevice is a handle to one numbered loop device node. The handle
// does not track attachment state; that is a property of the kernel
// object. Closing the handle does not detach the backing file.
type LoopDevice struct {
	f *os.File
}
