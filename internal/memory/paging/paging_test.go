package paging_test

import (
	"testing"

	"github.com/retrodos/imm-dos-nx/internal/memory/frame"
	"github.com/retrodos/imm-dos-nx/internal/memory/paging"
)

func newManager(t *testing.T) (*frame.Allocator, *paging.Manager) {
	t.Helper()

	mm := []frame.MapEntry{{Base: 0, Length: 16 * 1024 * 1024, Type: frame.Usable}}

	alloc, err := frame.New(mm, frame.Extent{}, frame.Extent{}, nil)
	if err != nil {
		t.Fatalf("frame.New: %s", err)
	}

	m, err := paging.NewManager(alloc, nil)
	if err != nil {
		t.Fatalf("paging.NewManager: %s", err)
	}

	return alloc, m
}

func TestNewDirectoryHasRecursiveMapping(t *testing.T) {
	_, m := newManager(t)

	d, err := m.NewDirectory()
	if err != nil {
		t.Fatalf("NewDirectory: %s", err)
	}

	if !d.HasRecursiveMapping() {
		t.Errorf("expected recursive self-mapping to be present")
	}
}

func TestMapTranslateRoundTrip(t *testing.T) {
	alloc, m := newManager(t)
	d, _ := m.NewDirectory()

	f, err := alloc.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame: %s", err)
	}

	virt := paging.VirtAddr(0x00400000)
	if err := d.Map(virt, f, paging.FlagWritable|paging.FlagUser); err != nil {
		t.Fatalf("Map: %s", err)
	}

	e, err := d.Translate(virt)
	if err != nil {
		t.Fatalf("Translate: %s", err)
	}

	if e.Frame() != f {
		t.Errorf("Translate frame = %s, want %s", e.Frame(), f)
	}

	if !e.Writable() || !e.User() {
		t.Errorf("flags not preserved: %v", e)
	}
}

func TestUnmapFreesFrame(t *testing.T) {
	alloc, m := newManager(t)
	d, _ := m.NewDirectory()

	f, _ := alloc.AllocFrame()
	virt := paging.VirtAddr(0x00400000)
	_ = d.Map(virt, f, paging.FlagWritable)

	if err := d.Unmap(virt); err != nil {
		t.Fatalf("Unmap: %s", err)
	}

	if alloc.Refcount(f) != 0 {
		t.Errorf("Refcount after unmap = %d, want 0", alloc.Refcount(f))
	}

	if _, err := d.Translate(virt); err == nil {
		t.Errorf("expected Translate to fail after Unmap")
	}
}

func TestKernelMappingVisibleToEveryDirectory(t *testing.T) {
	alloc, m := newManager(t)

	d1, _ := m.NewDirectory()
	_ = d1 // directory created before the kernel mapping below

	f, _ := alloc.AllocFrame()
	kvirt := paging.VirtAddr(0xC0100000)

	if err := m.MapKernel(kvirt, f, paging.FlagWritable); err != nil {
		t.Fatalf("MapKernel: %s", err)
	}

	d2, _ := m.NewDirectory()

	for _, d := range []*paging.Directory{d1, d2} {
		e, present := m.TranslateKernel(kvirt)
		if !present {
			t.Fatalf("kernel mapping not visible")
		}

		if e.Frame() != f {
			t.Errorf("kernel mapping frame mismatch for directory %v", d)
		}
	}
}

func TestMapRejectsKernelRange(t *testing.T) {
	alloc, m := newManager(t)
	d, _ := m.NewDirectory()

	f, _ := alloc.AllocFrame()

	if err := d.Map(paging.KernelBase, f, 0); err == nil {
		t.Errorf("expected Map to reject kernel-range virtual addresses")
	}
}

func TestStackAutoGrowthWithinGuardWindow(t *testing.T) {
	_, m := newManager(t)
	d, _ := m.NewDirectory()

	rl := &paging.RegionList{}
	stackFloor := paging.VirtAddr(0xBFFFF000)

	if err := rl.Insert(paging.Region{
		Start: stackFloor, Length: 0x1000,
		Kind: paging.KindStack, Writable: true, UserAccessible: true,
	}); err != nil {
		t.Fatalf("Insert: %s", err)
	}

	fault := paging.VirtAddr(0xBFFFE000) // one page below the floor

	if err := m.HandleFault(d, rl, fault, paging.FaultWrite); err != nil {
		t.Fatalf("HandleFault: %s", err)
	}

	if _, err := d.Translate(fault); err != nil {
		t.Errorf("expected stack region to grow to cover %s: %s", fault, err)
	}
}

func TestStackFaultOutsideGuardWindowFails(t *testing.T) {
	_, m := newManager(t)
	d, _ := m.NewDirectory()

	rl := &paging.RegionList{}
	_ = rl.Insert(paging.Region{
		Start: 0xBFFFF000, Length: 0x1000, Kind: paging.KindStack, Writable: true, UserAccessible: true,
	})

	farAway := paging.VirtAddr(0x00001000) // well below the 1 MiB guard window

	if err := m.HandleFault(d, rl, farAway, paging.FaultWrite); err == nil {
		t.Errorf("expected fault outside guard window to fail")
	}
}

func TestSetBrkGrowAndShrink(t *testing.T) {
	_, m := newManager(t)
	d, _ := m.NewDirectory()

	rl := &paging.RegionList{}
	_ = rl.Insert(paging.Region{
		Start: 0x00500000, Length: 0, Kind: paging.KindHeap, Writable: true, UserAccessible: true,
	})

	if err := m.SetBrk(d, rl, 0x00502000); err != nil {
		t.Fatalf("SetBrk grow: %s", err)
	}

	brk, ok := rl.Brk()
	if !ok || brk != 0x00502000 {
		t.Fatalf("Brk = %s, ok=%v, want 0x502000", brk, ok)
	}

	if _, err := d.Translate(0x00501000); err != nil {
		t.Errorf("expected page at 0x501000 to be mapped after growth")
	}

	if err := m.SetBrk(d, rl, 0x00500000); err != nil {
		t.Fatalf("SetBrk shrink: %s", err)
	}

	if _, err := d.Translate(0x00501000); err == nil {
		t.Errorf("expected page at 0x501000 to be unmapped after shrink")
	}
}

func TestForkEagerCopyIsIsolated(t *testing.T) {
	alloc, m := newManager(t)
	parent, _ := m.NewDirectory()

	f, _ := alloc.AllocFrame()
	virt := paging.VirtAddr(0x00400000)
	_ = parent.Map(virt, f, paging.FlagWritable|paging.FlagUser)

	copy(alloc.Bytes(f), []byte("parent"))

	child, err := m.Fork(parent, false)
	if err != nil {
		t.Fatalf("fork: %s", err)
	}

	childBytes, err := child.Bytes(virt)
	if err != nil {
		t.Fatalf("child Bytes: %s", err)
	}

	copy(childBytes, []byte("CHILD!"))

	parentBytes, _ := parent.Bytes(virt)
	if string(parentBytes[:6]) != "parent" {
		t.Errorf("parent memory mutated by child write: %q", parentBytes[:6])
	}
}
