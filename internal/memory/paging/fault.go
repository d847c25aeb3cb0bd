package paging

import (
	"github.com/retrodos/imm-dos-nx/internal/kerr"
	"github.com/retrodos/imm-dos-nx/internal/memory/frame"
)

// FaultKind classifies why HandleFault was called.
type FaultKind int

const (
	FaultRead FaultKind = iota
	FaultWrite
)

// HandleFault implements the page-fault contract: stack growth within the
// guard window, brk expansion (lazy growth on fault), and copy-on-write.
// Any other unmapped access returns BadAddress, which
// internal/trap's Kernel.HandlePageFault turns into process termination.
func (m *Manager) HandleFault(d *Directory, rl *RegionList, addr VirtAddr, kind FaultKind) error {
	if _, err := d.Translate(addr); err == nil {
		// Already mapped: this must be a CoW fault on write.
		if kind == FaultWrite {
			return m.handleCOW(d, addr)
		}

		return nil
	}

	region, ok := rl.Find(addr)
	if !ok {
		return m.handleStackGrowth(d, rl, addr)
	}

	if region.Kind == KindHeap || region.Backing == BackingZeroFill || region.Backing == BackingAnonymous {
		return m.faultInPage(d, addr, region)
	}

	return kerr.New(kerr.BadAddress, "paging.HandleFault: region has no lazy backing")
}

func (m *Manager) faultInPage(d *Directory, addr VirtAddr, region Region) error {
	f, err := m.alloc.AllocZeroed()
	if err != nil {
		return kerr.Wrap(kerr.OutOfMemory, "paging.HandleFault", err)
	}

	flags := Entry(0)
	if region.Writable {
		flags |= FlagWritable
	}

	if region.UserAccessible {
		flags |= FlagUser
	}

	return d.Map(pageAlign(uint32(addr)), f, flags)
}

// handleStackGrowth auto-extends the stack region if addr falls within the
// guard window below its current floor.
func (m *Manager) handleStackGrowth(d *Directory, rl *RegionList, addr VirtAddr) error {
	idx, ok := rl.FindKind(KindStack)
	if !ok {
		return kerr.New(kerr.BadAddress, "paging.HandleFault: no stack region")
	}

	region := rl.All()[idx]

	floor := uint32(region.Start)
	if uint32(addr) >= floor || floor-uint32(addr) > stackGuardWindow {
		return kerr.New(kerr.BadAddress, "paging.HandleFault: outside guard window")
	}

	newFloor := pageAlign(uint32(addr))

	for va := uint32(newFloor); va < floor; va += frame.PageSize {
		f, err := m.alloc.AllocZeroed()
		if err != nil {
			return kerr.Wrap(kerr.OutOfMemory, "paging.HandleFault: stack growth", err)
		}

		if err := d.Map(VirtAddr(va), f, FlagWritable|FlagUser); err != nil {
			return err
		}
	}

	region.Start = newFloor
	region.Length = uint32(region.End()) - uint32(newFloor)
	rl.Replace(idx, region)

	return nil
}

func (m *Manager) handleCOW(d *Directory, addr VirtAddr) error {
	pte, err := d.Translate(addr)
	if err != nil {
		return err
	}

	if !pte.COW() {
		return kerr.New(kerr.PermissionDenied, "paging.HandleFault: write to read-only page")
	}

	if m.alloc.Refcount(pte.Frame()) == 1 {
		// Sole owner: just flip the bit back to writable.
		return d.Remap(pageAlign(uint32(addr)), pte.Frame(), FlagWritable|FlagUser)
	}

	nf, err := m.alloc.AllocZeroed()
	if err != nil {
		return kerr.Wrap(kerr.OutOfMemory, "paging.HandleFault: cow copy", err)
	}

	copy(m.alloc.Bytes(nf), m.alloc.Bytes(pte.Frame()))

	if err := d.Remap(pageAlign(uint32(addr)), nf, FlagWritable|FlagUser); err != nil {
		return err
	}

	return m.alloc.FreeFrame(pte.Frame())
}

// SetBrk grows or shrinks the heap region to addr, 4 KiB granularity,
// allocating zeroed frames eagerly at the call.
func (m *Manager) SetBrk(d *Directory, rl *RegionList, addr VirtAddr) error {
	idx, ok := rl.FindKind(KindHeap)
	if !ok {
		return kerr.New(kerr.InvalidArgument, "paging.SetBrk: no heap region")
	}

	region := rl.All()[idx]
	oldEnd := uint32(region.End())
	newEnd := uint32(addr)

	switch {
	case newEnd > oldEnd:
		for va := oldEnd; va < newEnd; va += frame.PageSize {
			f, err := m.alloc.AllocZeroed()
			if err != nil {
				return kerr.Wrap(kerr.OutOfMemory, "paging.SetBrk", err)
			}

			if err := d.Map(VirtAddr(va), f, FlagWritable|FlagUser); err != nil {
				return err
			}
		}
	case newEnd < oldEnd:
		for va := newEnd; va < oldEnd; va += frame.PageSize {
			if err := d.Unmap(VirtAddr(pageAlign(va))); err != nil {
				return err
			}
		}
	}

	region.Length = newEnd - uint32(region.Start)
	rl.Replace(idx, region)

	return nil
}

// Brk returns the current end of the heap region.
func (rl *RegionList) Brk() (VirtAddr, bool) {
	idx, ok := rl.FindKind(KindHeap)
	if !ok {
		return 0, false
	}

	return rl.All()[idx].End(), true
}
