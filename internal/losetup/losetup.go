// Package losetup drives the system losetup utility. The integration
// tests use it to verify kernel state through an implementation
// independent of this module's own ioctl path.
package losetup

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Uint64 decodes numeric losetup columns. Old util-linux versions emit
// them as JSON strings, newer ones as numbers; both forms are accepted.
type Uint64 uint64

// UnmarshalJSON implements json unmarshalling for both encodings.
func (u *Uint64) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(data, `"`))
	if s == "" || s == "null" {
		*u = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid numeric field %s: %w", data, err)
	}
	*u = Uint64(v)
	return nil
}

// Device is one row of `losetup -J -l` output.
type Device struct {
	Name      string `json:"name"`
	SizeLimit Uint64 `json:"sizelimit"`
	Offset    Uint64 `json:"offset"`
	BackFile  string `json:"back-file"`
}

type listOutput struct {
	LoopDevices []Device `json:"loopdevices"`
}

// List returns the devices reported by `losetup -J -l`, optionally
// restricted to a single device node.
func List(dev string) ([]Device, error) {
	args := []string{"-J", "-l"}
	if dev != "" {
		args = append(args, dev)
	}
	out, err := exec.Command("losetup", args...).Output()
	if err != nil {
		return nil, fmt.Errorf("losetup %v failed: %w", args, err)
	}
	return parseList(out)
}

// Find returns the row for the given device node, or nil when losetup
// does not report it.
func Find(dev string) (*Device, error) {
	devices, err := List(dev)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].Name == dev {
			return &devices[i], nil
		}
	}
	return nil, nil
}

func parseList(out []byte) ([]Device, error) {
	// losetup prints nothing at all when no device matches.
	if len(bytes.TrimSpace(out)) == 0 {
		return nil, nil
	}
	var parsed listOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse losetup output: %w", err)
	}
	return parsed.LoopDevices, nil
}
