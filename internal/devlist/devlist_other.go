//go:build !linux

package devlist

import "github.com/containerd/errdefs"

// List walks sysfs and returns the loop devices it finds.
func List(opts ListOptions) ([]Entry, error) {
	return nil, errdefs.ErrNotImplemented
}

// Find returns the loop device attached to the given backing file.
func Find(backing string) (*Entry, error) {
	return nil, errdefs.ErrNotImplemented
}
