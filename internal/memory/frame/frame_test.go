package frame_test

import (
	"testing"

	"github.com/retrodos/imm-dos-nx/internal/memory/frame"
)

func newTestAllocator(t *testing.T) *frame.Allocator {
	t.Helper()

	mm := []frame.MapEntry{
		{Base: 0, Length: 2 * 1024 * 1024, Type: frame.Usable},
	}

	a, err := frame.New(mm, frame.Extent{}, frame.Extent{}, nil)
	if err != nil {
		t.Fatalf("frame.New: %s", err)
	}

	return a
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := newTestAllocator(t)

	f, err := a.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame: %s", err)
	}

	if rc := a.Refcount(f); rc != 1 {
		t.Errorf("Refcount = %d, want 1", rc)
	}

	if err := a.FreeFrame(f); err != nil {
		t.Fatalf("FreeFrame: %s", err)
	}

	if rc := a.Refcount(f); rc != 0 {
		t.Errorf("Refcount after free = %d, want 0", rc)
	}
}

func TestDoubleFreeFails(t *testing.T) {
	a := newTestAllocator(t)

	f, _ := a.AllocFrame()
	_ = a.FreeFrame(f)

	if err := a.FreeFrame(f); err == nil {
		t.Errorf("expected error on double free")
	}
}

func TestAllocZeroedClearsContents(t *testing.T) {
	a := newTestAllocator(t)

	f, err := a.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame: %s", err)
	}

	b := a.Bytes(f)
	for i := range b {
		b[i] = 0xaa
	}

	_ = a.FreeFrame(f)

	f2, err := a.AllocZeroed()
	if err != nil {
		t.Fatalf("AllocZeroed: %s", err)
	}

	for i, v := range a.Bytes(f2) {
		if v != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, v)
			break
		}
	}
}

func TestOutOfMemory(t *testing.T) {
	a := newTestAllocator(t)

	var last error

	for i := 0; i < int(a.TotalFrames())+1; i++ {
		_, last = a.AllocFrame()
		if last != nil {
			break
		}
	}

	if last == nil {
		t.Fatalf("expected OutOfMemory once all frames are allocated")
	}
}

func TestRefcountInvariant(t *testing.T) {
	a := newTestAllocator(t)

	f, _ := a.AllocFrame()
	a.Ref(f) // shared, e.g. kernel-text mapping
	a.Ref(f)

	if rc := a.Refcount(f); rc != 3 {
		t.Errorf("Refcount = %d, want 3", rc)
	}

	if used := a.UsedFrames(); used != 1 {
		t.Errorf("UsedFrames = %d, want 1 (one frame, refcount 3)", used)
	}

	if a.UsedFrames() > a.UsableFrames() {
		t.Errorf("used frames %d exceeds usable frames %d", a.UsedFrames(), a.UsableFrames())
	}
}

func TestLowPoolReservedBelow1MiB(t *testing.T) {
	a := newTestAllocator(t)

	f, err := a.AllocLow()
	if err != nil {
		t.Fatalf("AllocLow: %s", err)
	}

	if f >= frame.Frame((1<<20)/frame.PageSize) {
		t.Errorf("AllocLow returned frame %s outside the <1MiB pool", f)
	}
}
