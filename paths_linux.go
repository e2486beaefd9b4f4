//go:build linux && !android

package loopdev

const (
	// ControlPath is the loop control device node.
	ControlPath = "/dev/loop-control"

	// DevicePrefix is prepended to the allocated device index to form
	// the loop device node path.
	DevicePrefix = "/dev/loop"
)
