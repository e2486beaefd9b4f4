//go:build linux

package devlist

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// List walks sysfs and returns the loop devices it finds, in device
// number order.
func List(opts ListOptions) ([]Entry, error) {
	sysBlock := opts.SysBlock
	if sysBlock == "" {
		sysBlock = DefaultSysBlock
	}

	dirents, err := os.ReadDir(sysBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", sysBlock, err)
	}

	var entries []Entry
	for _, de := range dirents {
		name := de.Name()
		if !strings.HasPrefix(name, "loop") {
			continue
		}
		num, err := strconv.Atoi(strings.TrimPrefix(name, "loop"))
		if err != nil {
			continue
		}

		e := Entry{
			Name:   "/dev/" + name,
			Number: num,
		}

		// An unconfigured device has no loop/ subdirectory.
		loopDir := filepath.Join(sysBlock, name, "loop")
		if data, err := os.ReadFile(filepath.Join(loopDir, "backing_file")); err == nil {
			e.BackingFile = strings.TrimRight(string(data), "\n")
			e.Offset = readUint(filepath.Join(loopDir, "offset"))
			e.SizeLimit = readUint(filepath.Join(loopDir, "sizelimit"))
		}

		if opts.OnlyFree && e.Used() {
			continue
		}
		if opts.OnlyUsed && !e.Used() {
			continue
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Number < entries[j].Number })
	return entries, nil
}

// Find returns the loop device attached to the given backing file, or
// nil when no device is bound to it.
func Find(backing string) (*Entry, error) {
	absPath, err := filepath.Abs(backing)
	if err != nil {
		absPath = backing
	}

	entries, err := List(ListOptions{OnlyUsed: true})
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].BackingFile == absPath || entries[i].BackingFile == backing {
			return &entries[i], nil
		}
	}
	return nil, nil
}

func readUint(path string) uint64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
