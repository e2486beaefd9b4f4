//go:build linux

package loopdev

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"

	"github.com/mdaffin/loopdev/internal/losetup"
	"github.com/mdaffin/loopdev/internal/testutil"
)

// Every test drives the same kernel-wide loop facility, so the suite
// is serialized through a package-level lock.
var loopMu sync.Mutex

func acquire(t *testing.T) {
	testutil.RequiresRoot(t)
	loopMu.Lock()
	t.Cleanup(loopMu.Unlock)
}

func nextFreeDevice(t *testing.T) *LoopDevice {
	t.Helper()
	lc, err := OpenControl()
	if err != nil {
		t.Fatalf("failed to open loop control: %v", err)
	}
	defer lc.Close()

	ld, err := lc.NextFree()
	if err != nil {
		t.Fatalf("failed to find a free loop device: %v", err)
	}
	return ld
}

// losetupFind looks the device up in the full losetup listing, or
// returns nil when it is not reported as attached.
func losetupFind(t *testing.T, path string) *losetup.Device {
	t.Helper()
	devices, err := losetup.List("")
	if err != nil {
		t.Fatalf("losetup list failed: %v", err)
	}
	for i := range devices {
		if devices[i].Name == path {
			return &devices[i]
		}
	}
	return nil
}

// eventually polls fn until it succeeds. The kernel finalizes detach
// and partition scans asynchronously, so state readbacks need a
// bounded retry window.
func eventually(t *testing.T, desc string, fn func() bool) {
	t.Helper()
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second
	err := backoff.Retry(func() error {
		if fn() {
			return nil
		}
		return errors.New(desc)
	}, policy)
	if err != nil {
		t.Fatalf("timed out waiting for %s", desc)
	}
}

func TestNextFree(t *testing.T) {
	acquire(t)

	ld := nextFreeDevice(t)
	defer ld.Close()

	path := ld.Path()
	if !strings.HasPrefix(path, DevicePrefix) {
		t.Fatalf("device path %q does not start with %q", path, DevicePrefix)
	}
	index, err := strconv.Atoi(strings.TrimPrefix(path, DevicePrefix))
	if err != nil || index < 0 {
		t.Fatalf("device path %q does not end in a non-negative index", path)
	}

	major, err := ld.Major()
	if err != nil {
		t.Fatalf("Major failed: %v", err)
	}
	if major != 7 {
		t.Errorf("major = %d, want 7 (loop)", major)
	}
}

func TestAttachDetachRoundTrip(t *testing.T) {
	acquire(t)

	backing := testutil.CreateBackingFile(t, 128*1024*1024)
	ld := nextFreeDevice(t)
	defer ld.Close()

	if err := ld.Attach(backing); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	dev, err := losetup.Find(ld.Path())
	if err != nil {
		t.Fatalf("losetup find failed: %v", err)
	}
	if dev == nil {
		t.Fatalf("losetup does not report %s as attached", ld.Path())
	}
	if dev.BackFile != backing {
		t.Errorf("losetup back-file = %q, want %q", dev.BackFile, backing)
	}

	status, err := ld.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if got := status.BackingFile(); got != backing {
		t.Errorf("status backing file = %q, want %q", got, backing)
	}

	if err := ld.Detach(); err != nil {
		t.Fatalf("Detach failed: %v", err)
	}
	eventually(t, "device to detach", func() bool {
		return losetupFind(t, ld.Path()) == nil
	})
}

func TestAttachOffsetSizeLimitReadback(t *testing.T) {
	acquire(t)

	const (
		offset    = 131072
		sizeLimit = 134217728
	)
	backing := testutil.CreateBackingFile(t, 128*1024*1024)
	ld := nextFreeDevice(t)
	defer ld.Close()

	err := ld.WithOptions().
		Offset(offset).
		SizeLimit(sizeLimit).
		Attach(backing)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer ld.Detach()

	status, err := ld.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Offset != offset {
		t.Errorf("status offset = %d, want %d", status.Offset, offset)
	}
	if status.SizeLimit != sizeLimit {
		t.Errorf("status size limit = %d, want %d", status.SizeLimit, sizeLimit)
	}

	dev, err := losetup.Find(ld.Path())
	if err != nil {
		t.Fatalf("losetup find failed: %v", err)
	}
	if dev == nil {
		t.Fatalf("losetup does not report %s as attached", ld.Path())
	}
	if uint64(dev.Offset) != offset || uint64(dev.SizeLimit) != sizeLimit {
		t.Errorf("losetup offset/sizelimit = %d/%d, want %d/%d",
			dev.Offset, dev.SizeLimit, offset, sizeLimit)
	}
}

// The kernel does not validate offset or size limit against the
// backing file size at attach time.
func TestAttachOverflowTolerated(t *testing.T) {
	const fileSize = 128 * 1024 * 1024

	for name, opts := range map[string]struct{ offset, sizeLimit uint64 }{
		"offset beyond EOF":    {offset: fileSize * 2},
		"sizelimit beyond EOF": {sizeLimit: fileSize * 2},
	} {
		t.Run(name, func(t *testing.T) {
			acquire(t)

			backing := testutil.CreateBackingFile(t, fileSize)
			ld := nextFreeDevice(t)
			defer ld.Close()

			err := ld.WithOptions().
				Offset(opts.offset).
				SizeLimit(opts.sizeLimit).
				Attach(backing)
			if err != nil {
				t.Fatalf("Attach failed: %v", err)
			}
			defer ld.Detach()

			status, err := ld.Status()
			if err != nil {
				t.Fatalf("Status failed: %v", err)
			}
			if status.Offset != opts.offset || status.SizeLimit != opts.sizeLimit {
				t.Errorf("status offset/sizelimit = %d/%d, want %d/%d",
					status.Offset, status.SizeLimit, opts.offset, opts.sizeLimit)
			}
		})
	}
}

func TestAttachBusyDevice(t *testing.T) {
	acquire(t)

	first := testutil.CreateBackingFile(t, 8*1024*1024)
	second := testutil.CreateBackingFile(t, 8*1024*1024)
	ld := nextFreeDevice(t)
	defer ld.Close()

	if err := ld.Attach(first); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer ld.Detach()

	err := ld.Attach(second)
	if err == nil {
		t.Fatal("expected attaching to a bound device to fail")
	}
	if !errors.Is(err, unix.EBUSY) {
		t.Errorf("expected EBUSY, got %v", err)
	}

	// The original binding must be untouched.
	status, err := ld.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if got := status.BackingFile(); got != first {
		t.Errorf("backing file = %q, want %q", got, first)
	}
}

func TestDetachUnattached(t *testing.T) {
	acquire(t)

	ld := nextFreeDevice(t)
	defer ld.Close()

	err := ld.Detach()
	if err == nil {
		t.Fatal("expected detaching an unattached device to fail")
	}
	if !errors.Is(err, unix.ENXIO) {
		t.Errorf("expected ENXIO, got %v", err)
	}
}

func TestAttachReadOnly(t *testing.T) {
	acquire(t)

	backing := testutil.CreateBackingFile(t, 8*1024*1024)
	if err := os.Chmod(backing, 0o444); err != nil {
		t.Fatalf("chmod failed: %v", err)
	}

	ld := nextFreeDevice(t)
	defer ld.Close()

	if err := ld.WithOptions().ReadOnly(true).Attach(backing); err != nil {
		t.Fatalf("read-only Attach failed: %v", err)
	}
	defer ld.Detach()

	status, err := ld.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Flags&FlagReadOnly == 0 {
		t.Errorf("read-only flag not set, flags = %#x", status.Flags)
	}
}

func TestAttachAutoclearFlag(t *testing.T) {
	acquire(t)

	backing := testutil.CreateBackingFile(t, 8*1024*1024)
	ld := nextFreeDevice(t)
	defer ld.Close()

	if err := ld.WithOptions().Autoclear(true).Attach(backing); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer ld.Detach()

	status, err := ld.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Flags&FlagAutoclear == 0 {
		t.Errorf("autoclear flag not set, flags = %#x", status.Flags)
	}
}

func TestSetCapacity(t *testing.T) {
	acquire(t)

	backing := testutil.CreateBackingFile(t, 8*1024*1024)
	ld := nextFreeDevice(t)
	defer ld.Close()

	if err := ld.SetCapacity(); err == nil {
		t.Error("expected SetCapacity on an unattached device to fail")
	}

	if err := ld.Attach(backing); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer ld.Detach()

	if err := os.Truncate(backing, 16*1024*1024); err != nil {
		t.Fatalf("failed to grow backing file: %v", err)
	}
	if err := ld.SetCapacity(); err != nil {
		t.Fatalf("SetCapacity failed: %v", err)
	}
}

func TestSetDirectIO(t *testing.T) {
	acquire(t)

	backing := testutil.CreateBackingFile(t, 8*1024*1024)
	ld := nextFreeDevice(t)
	defer ld.Close()

	if err := ld.Attach(backing); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer ld.Detach()

	if err := ld.SetDirectIO(true); err != nil {
		// tmpfs-backed temp dirs reject O_DIRECT.
		t.Skipf("direct I/O not supported here: %v", err)
	}
	if err := ld.SetDirectIO(false); err != nil {
		t.Fatalf("disabling direct I/O failed: %v", err)
	}
}

func TestPartScan(t *testing.T) {
	acquire(t)

	const sectors = 16384 // 8 MiB
	backing := testutil.CreateBackingFile(t, sectors*512)
	testutil.WriteMBR(t, backing, 2048, sectors-2048)

	ld := nextFreeDevice(t)
	defer ld.Close()

	if err := ld.WithOptions().PartScan(true).Attach(backing); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer ld.Detach()

	part := ld.Path() + "p1"
	eventually(t, "partition sub-device to appear", func() bool {
		_, err := os.Stat(part)
		return err == nil
	})

	if _, err := os.Stat(ld.Path() + "p2"); err == nil {
		t.Errorf("unexpected second partition node %sp2", ld.Path())
	}
}

// Concurrent allocators may be handed the same free index; the loser's
// attach fails with EBUSY and must retry on a fresh device. No two
// winners may share an index.
func TestConcurrentAllocation(t *testing.T) {
	acquire(t)

	const workers = 4
	backings := make([]string, workers)
	for i := range backings {
		backings[i] = testutil.CreateBackingFile(t, 8*1024*1024)
	}

	paths := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = attachWithRetry(backings[i])
		}(i)
	}
	wg.Wait()

	seen := make(map[string]int)
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d failed to attach: %v", i, errs[i])
		}
		if prev, ok := seen[paths[i]]; ok {
			t.Fatalf("workers %d and %d both attached to %s", prev, i, paths[i])
		}
		seen[paths[i]] = i

		ld, err := OpenDevice(paths[i])
		if err != nil {
			t.Fatalf("failed to reopen %s: %v", paths[i], err)
		}
		if err := ld.Detach(); err != nil {
			t.Errorf("failed to detach %s: %v", paths[i], err)
		}
		ld.Close()
	}
}

func attachWithRetry(backing string) (string, error) {
	lc, err := OpenControl()
	if err != nil {
		return "", err
	}
	defer lc.Close()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Millisecond

	var path string
	op := func() error {
		ld, err := lc.NextFree()
		if err != nil {
			return backoff.Permanent(err)
		}
		defer ld.Close()
		if err := ld.Attach(backing); err != nil {
			if errors.Is(err, unix.EBUSY) {
				return err
			}
			return backoff.Permanent(err)
		}
		path = ld.Path()
		return nil
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(policy, 20)); err != nil {
		return "", err
	}
	return path, nil
}
