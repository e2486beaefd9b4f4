//go:build linux

// Package testutil provides helpers shared by the root-gated
// integration tests. Importing it registers the -test.root flag.
package testutil

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/containerd/pkg/testutil"
	"golang.org/x/sys/unix"
)

// RequiresRoot skips the test unless it runs as root with -test.root.
func RequiresRoot(t testing.TB) {
	testutil.RequiresRoot(t)
}

// CreateBackingFile allocates a temp file of the given size and
// returns its path. The file is removed with the test's temp dir.
func CreateBackingFile(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backing.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create backing file: %v", err)
	}
	defer f.Close()
	if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err != nil {
		t.Fatalf("failed to allocate backing file: %v", err)
	}
	return path
}

// WriteMBR writes a DOS partition table with a single Linux partition
// to the start of the file. Start and length are in 512-byte sectors;
// only the LBA fields are filled in, which is all the kernel's msdos
// partition parser reads.
func WriteMBR(t *testing.T, path string, startSector, sectors uint32) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("failed to open %s: %v", path, err)
	}
	defer f.Close()

	var sector [512]byte
	entry := sector[446:462]
	entry[4] = 0x83 // Linux filesystem
	binary.LittleEndian.PutUint32(entry[8:12], startSector)
	binary.LittleEndian.PutUint32(entry[12:16], sectors)
	sector[510] = 0x55
	sector[511] = 0xAA

	if _, err := f.WriteAt(sector[:], 0); err != nil {
		t.Fatalf("failed to write partition table: %v", err)
	}
}
