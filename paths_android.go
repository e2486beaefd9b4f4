//go:build android

package loopdev

const (
	// ControlPath is the loop control device node.
	ControlPath = "/dev/loop-control"

	// DevicePrefix is prepended to the allocated device index to form
	// the loop device node path. Android kernels expose loop devices
	// under the block subdirectory.
	DevicePrefix = "/dev/block/loop"
)
