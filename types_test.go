package loopdev

import (
	"testing"
	"unsafe"
)

// The status record is handed to the kernel verbatim; any drift from
// struct loop_info64 corrupts the exchange.
func TestInfo64Layout(t *testing.T) {
	var info Info64
	if size := unsafe.Sizeof(info); size != 232 {
		t.Fatalf("Info64 size = %d, want 232", size)
	}
	if off := unsafe.Offsetof(info.Number); off != 40 {
		t.Errorf("offset of Number = %d, want 40", off)
	}
	if off := unsafe.Offsetof(info.Flags); off != 52 {
		t.Errorf("offset of Flags = %d, want 52", off)
	}
	if off := unsafe.Offsetof(info.FileName); off != 56 {
		t.Errorf("offset of FileName = %d, want 56", off)
	}
	if off := unsafe.Offsetof(info.Init); off != 216 {
		t.Errorf("offset of Init = %d, want 216", off)
	}
}

func TestBackingFileTrimsAtNul(t *testing.T) {
	var info Info64
	copy(info.FileName[:], "/tmp/backing.img")
	if got := info.BackingFile(); got != "/tmp/backing.img" {
		t.Errorf("BackingFile() = %q, want /tmp/backing.img", got)
	}

	// A name filling the whole array has no terminator.
	for i := range info.FileName {
		info.FileName[i] = 'a'
	}
	if got := info.BackingFile(); len(got) != len(info.FileName) {
		t.Errorf("BackingFile() length = %d, want %d", len(got), len(info.FileName))
	}
}
