// Package paging implements the virtual memory manager: per-process
// page directories, the higher-half kernel mapping, the recursive
// self-mapping trick, and the temporary-mapping window.
//
// Like internal/memory/frame, this is a software model: a page directory is
// a Go struct that interprets 4 KiB of the simulated physical arena the way
// the x86 MMU would, instead of driving real hardware.
package paging

import (
	"encoding/binary"
	"fmt"

	"github.com/retrodos/imm-dos-nx/internal/kerr"
	"github.com/retrodos/imm-dos-nx/internal/log"
	"github.com/retrodos/imm-dos-nx/internal/memory/frame"
)

// VirtAddr is a 32-bit linear address.
type VirtAddr uint32

func (v VirtAddr) String() string { return fmt.Sprintf("%#010x", uint32(v)) }

// Fixed layout.
const (
	UserSpaceStart  VirtAddr = 0x00000000
	UserSpaceEnd    VirtAddr = 0xC0000000 // exclusive
	KernelBase      VirtAddr = 0xC0000000
	KernelStackTop  VirtAddr = 0xFFBFE000 // top page of the kernel stack; grows down
	TempMapAddr     VirtAddr = 0xFFBFF000
	RecursiveBase   VirtAddr = 0xFFC00000
	AddressSpaceTop VirtAddr = 0xFFFFFFFF

	kernelDirIndex0  = 768 // dirIndex(KernelBase)
	recursiveDirIdx  = 1023
	stackGuardWindow = 1 << 20 // 1 MiB guard window below the stack floor
)

func dirIndex(v VirtAddr) uint32  { return uint32(v) >> 22 }
func tblIndex(v VirtAddr) uint32  { return (uint32(v) >> 12) & 0x3ff }
func pageAlign(v uint32) VirtAddr { return VirtAddr(v &^ (frame.PageSize - 1)) }

// Entry is a page-directory or page-table entry: a frame number in the top
// 20 bits and flags in the bottom 12, exactly as x86 defines it.
type Entry uint32

const (
	FlagPresent  Entry = 1 << 0
	FlagWritable Entry = 1 << 1
	FlagUser     Entry = 1 << 2
	// FlagCOW is a software-defined bit (one of the entry's ignored/available
	// bits on real hardware) marking a page shared copy-on-write by fork.
	FlagCOW   Entry = 1 << 9
	flagsMask Entry = 0xfff
)

func NewEntry(f frame.Frame, flags Entry) Entry {
	return Entry(f)<<12 | (flags & flagsMask)
}

func (e Entry) Frame() frame.Frame { return frame.Frame(e >> 12) }
func (e Entry) Present() bool      { return e&FlagPresent != 0 }
func (e Entry) Writable() bool     { return e&FlagWritable != 0 }
func (e Entry) User() bool         { return e&FlagUser != 0 }
func (e Entry) COW() bool          { return e&FlagCOW != 0 }

func readEntry(page []byte, idx uint32) Entry {
	return Entry(binary.LittleEndian.Uint32(page[idx*4:]))
}

func writeEntry(page []byte, idx uint32, e Entry) {
	binary.LittleEndian.PutUint32(page[idx*4:], uint32(e))
}

// Manager owns the kernel half of every address space: the 256 shared page
// tables mapping 0xC0000000-0xFFFFFFFF, allocated once at boot so that every
// address space created afterwards sees the same frames -- and so every
// later kernel mapping (heap growth, new InitFS pages) is instantly visible
// to every existing process without walking the process table to patch
// their directories.
type Manager struct {
	alloc        *frame.Allocator
	kernelTables [256]frame.Frame
	master       [256]Entry
	log          *log.Logger
}

// NewManager allocates the master kernel page tables and returns a VMM ready
// to mint per-process address spaces.
func NewManager(alloc *frame.Allocator, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	m := &Manager{alloc: alloc, log: logger}

	for i := range m.kernelTables {
		tf, err := alloc.AllocZeroed()
		if err != nil {
			return nil, kerr.Wrap(kerr.OutOfMemory, "paging.NewManager", err)
		}

		m.kernelTables[i] = tf
		m.master[i] = NewEntry(tf, FlagPresent|FlagWritable)
	}

	m.log.Debug("vmm initialized", "kernel_tables", len(m.kernelTables))

	return m, nil
}

// MapKernel installs a mapping shared by every address space, for kernel
// text/data/heap and the in-memory InitFS image.
func (m *Manager) MapKernel(virt VirtAddr, phys frame.Frame, flags Entry) error {
	idx := dirIndex(virt)
	if idx < kernelDirIndex0 {
		return kerr.New(kerr.InvalidArgument, "paging.MapKernel: not a kernel address")
	}

	table := m.alloc.Bytes(m.kernelTables[idx-kernelDirIndex0])
	writeEntry(table, tblIndex(virt), NewEntry(phys, flags|FlagPresent))

	return nil
}

// TranslateKernel walks the shared kernel tables; kheap.Bytes and the tests
// use it.
func (m *Manager) TranslateKernel(virt VirtAddr) (Entry, bool) {
	idx := dirIndex(virt)
	if idx < kernelDirIndex0 {
		return 0, false
	}

	table := m.alloc.Bytes(m.kernelTables[idx-kernelDirIndex0])
	e := readEntry(table, tblIndex(virt))

	return e, e.Present()
}

// Directory is one process's page directory: the user half (entries
// 0-767), a copy of the kernel half (768-1023), and the recursive
// self-mapping at entry 1023.
type Directory struct {
	dir   frame.Frame
	alloc *frame.Allocator
	log   *log.Logger
}

// Frame returns the directory's own physical frame -- this is what a real
// kernel would load into CR3 on a context switch.
func (d *Directory) Frame() frame.Frame { return d.dir }

// NewDirectory allocates a directory frame, copies the 256 kernel entries
// from the master directory, and installs the recursive self-entry.
func (m *Manager) NewDirectory() (*Directory, error) {
	f, err := m.alloc.AllocZeroed()
	if err != nil {
		return nil, kerr.Wrap(kerr.OutOfMemory, "paging.NewDirectory", err)
	}

	page := m.alloc.Bytes(f)
	for i, e := range m.master {
		writeEntry(page, uint32(kernelDirIndex0+i), e)
	}

	writeEntry(page, recursiveDirIdx, NewEntry(f, FlagPresent|FlagWritable))

	return &Directory{dir: f, alloc: m.alloc, log: m.log}, nil
}

// HasRecursiveMapping reports whether the directory's last entry points back
// at itself.
func (d *Directory) HasRecursiveMapping() bool {
	e := readEntry(d.alloc.Bytes(d.dir), recursiveDirIdx)
	return e.Present() && e.Frame() == d.dir
}

// Map installs a private mapping in the user half of the directory. The
// caller is expected to already own one reference on phys (from
// frame.Allocator.AllocFrame); Map does not take an additional reference,
// matching the invariant that the sum of directory entries referencing a
// frame equals its refcount.
func (d *Directory) Map(virt VirtAddr, phys frame.Frame, flags Entry) error {
	if dirIndex(virt) >= kernelDirIndex0 {
		return kerr.New(kerr.PermissionDenied, "paging.Map: kernel range")
	}

	table, err := d.tableFor(virt, true)
	if err != nil {
		return err
	}

	ti := tblIndex(virt)
	if existing := readEntry(table, ti); existing.Present() {
		return kerr.New(kerr.Busy, "paging.Map: already mapped")
	}

	writeEntry(table, ti, NewEntry(phys, flags|FlagPresent))
	d.log.Debug("mapped", "virt", virt, "phys", phys, "flags", flags)

	return nil
}

// MapShared installs a mapping and takes an additional reference on phys,
// for frames intentionally shared between address spaces (e.g. a
// fork'd read-only page before it is written).
func (d *Directory) MapShared(virt VirtAddr, phys frame.Frame, flags Entry) error {
	d.alloc.Ref(phys)

	if err := d.Map(virt, phys, flags); err != nil {
		d.alloc.FreeFrame(phys) //nolint:errcheck // undo the Ref on failure

		return err
	}

	return nil
}

// Remap overwrites an existing mapping's frame and flags in place, used by
// copy-on-write fault handling to swap in a private copy.
func (d *Directory) Remap(virt VirtAddr, phys frame.Frame, flags Entry) error {
	table, err := d.tableFor(virt, false)
	if err != nil {
		return err
	}

	writeEntry(table, tblIndex(virt), NewEntry(phys, flags|FlagPresent))

	return nil
}

// Unmap removes a mapping and drops the frame's reference.
func (d *Directory) Unmap(virt VirtAddr) error {
	table, err := d.tableFor(virt, false)
	if err != nil {
		return err
	}

	ti := tblIndex(virt)

	pte := readEntry(table, ti)
	if !pte.Present() {
		return kerr.New(kerr.BadAddress, "paging.Unmap: not mapped")
	}

	writeEntry(table, ti, 0)

	return d.alloc.FreeFrame(pte.Frame())
}

// Translate walks the directory and returns the entry mapping virt.
func (d *Directory) Translate(virt VirtAddr) (Entry, error) {
	table, err := d.tableFor(virt, false)
	if err != nil {
		return 0, err
	}

	e := readEntry(table, tblIndex(virt))
	if !e.Present() {
		return 0, kerr.New(kerr.BadAddress, "paging.Translate")
	}

	return e, nil
}

// Bytes returns the simulated physical page backing virt, or an error if
// unmapped. This is how callers read/write process memory by virtual
// address (e.g. copying a syscall argument buffer).
func (d *Directory) Bytes(virt VirtAddr) ([]byte, error) {
	e, err := d.Translate(virt)
	if err != nil {
		return nil, err
	}

	return d.alloc.Bytes(e.Frame()), nil
}

func (d *Directory) tableFor(virt VirtAddr, create bool) ([]byte, error) {
	dirPage := d.alloc.Bytes(d.dir)
	pdIdx := dirIndex(virt)

	pde := readEntry(dirPage, pdIdx)
	if !pde.Present() {
		if !create {
			return nil, kerr.New(kerr.BadAddress, "paging: no page table")
		}

		tf, err := d.alloc.AllocZeroed()
		if err != nil {
			return nil, kerr.Wrap(kerr.OutOfMemory, "paging: page table", err)
		}

		pde = NewEntry(tf, FlagPresent|FlagWritable|FlagUser)
		writeEntry(dirPage, pdIdx, pde)
	}

	return d.alloc.Bytes(pde.Frame()), nil
}

// WithTemp maps phys into the reserved 0xFFBFF000 window, calls fn with the
// resulting page, then tears the mapping down. This is how frames get
// edited without switching CR3 -- a non-current directory's page table,
// for instance. The window's entry lives in a shared kernel page table, so
// every directory uses the same single slot, and it is not reentrant.
func (d *Directory) WithTemp(phys frame.Frame, fn func(window []byte)) error {
	table, err := d.tableFor(TempMapAddr, true)
	if err != nil {
		return err
	}

	ti := tblIndex(TempMapAddr)
	writeEntry(table, ti, NewEntry(phys, FlagPresent|FlagWritable))

	fn(d.alloc.Bytes(phys))

	writeEntry(table, ti, 0)
	d.log.Debug("invalidated TLB", "vaddr", TempMapAddr)

	return nil
}

// EditForeign edits another directory's page tables by mapping its
// directory frame into this directory's temp slot.
func (d *Directory) EditForeign(other *Directory, fn func(dirPage []byte)) error {
	return d.WithTemp(other.dir, fn)
}
