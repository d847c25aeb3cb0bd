// Package kheap implements the kernel heap allocator: a
// fixed virtual window in higher-half memory, backed by frames obtained
// from internal/memory/frame as the heap grows, serving arbitrary-size
// aligned allocations with a free-list plus small-object bins.
//
// It must be usable before any process exists, so it only depends on the
// frame allocator and the VMM's kernel-mapping half -- never on a process
// table or scheduler.
package kheap

import (
	"sort"
	"sync"

	"github.com/retrodos/imm-dos-nx/internal/kerr"
	"github.com/retrodos/imm-dos-nx/internal/log"
	"github.com/retrodos/imm-dos-nx/internal/memory/frame"
	"github.com/retrodos/imm-dos-nx/internal/memory/paging"
)

// Base and Limit bound the kernel heap's virtual window. They sit above the
// kernel's own text/data mapping and below the reserved top-of-address-space
// ranges.
const (
	Base  paging.VirtAddr = 0xD0000000
	Limit paging.VirtAddr = 0xE0000000

	minAlign = 16

	// Objects up to smallBinMax are served from fixed-size bins; larger
	// requests go to the general free list.
	smallBinMax = 512
)

var binSizes = []uint32{16, 32, 64, 128, 256, 512}

type block struct {
	addr paging.VirtAddr
	size uint32
}

// Heap is the kernel heap allocator.
type Heap struct {
	mu sync.Mutex

	manager *paging.Manager
	alloc   *frame.Allocator
	log     *log.Logger

	brk paging.VirtAddr // first unmapped address past the heap window

	bins     map[uint32][]block // free blocks, indexed by bin size
	freeList []block             // free blocks larger than smallBinMax, sorted by addr
}

// New creates a kernel heap allocator. The window starts unmapped; frames
// are obtained lazily as allocations grow it.
func New(manager *paging.Manager, alloc *frame.Allocator, logger *log.Logger) *Heap {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Heap{
		manager: manager,
		alloc:   alloc,
		log:     logger,
		brk:     Base,
		bins:    make(map[uint32][]block, len(binSizes)),
	}
}

func binFor(size uint32) (uint32, bool) {
	for _, b := range binSizes {
		if size <= b {
			return b, true
		}
	}

	return 0, false
}

// Alloc returns size bytes, aligned to align (rounded up to minAlign),
// backed by kernel-mapped frames.
func (h *Heap) Alloc(size, align uint32) (paging.VirtAddr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if align < minAlign {
		align = minAlign
	}

	if bin, ok := binFor(size); ok && align <= minAlign {
		if addr, ok := h.popBin(bin); ok {
			return addr, nil
		}

		return h.growAndTake(bin)
	}

	if addr, ok := h.popFreeList(size, align); ok {
		return addr, nil
	}

	return h.growAndTake(size)
}

// Free returns a previously allocated block to the heap.
func (h *Heap) Free(addr paging.VirtAddr, size uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if bin, ok := binFor(size); ok {
		h.bins[bin] = append(h.bins[bin], block{addr: addr, size: bin})
		return
	}

	h.freeList = append(h.freeList, block{addr: addr, size: size})
	sort.Slice(h.freeList, func(i, j int) bool { return h.freeList[i].addr < h.freeList[j].addr })
	h.coalesce()
}

func (h *Heap) popBin(size uint32) (paging.VirtAddr, bool) {
	list := h.bins[size]
	if len(list) == 0 {
		return 0, false
	}

	b := list[len(list)-1]
	h.bins[size] = list[:len(list)-1]

	return b.addr, true
}

func (h *Heap) popFreeList(size, align uint32) (paging.VirtAddr, bool) {
	for i, b := range h.freeList {
		start := alignUp(b.addr, align)
		pad := uint32(start - b.addr)

		if b.size < pad+size {
			continue
		}

		h.freeList = append(h.freeList[:i], h.freeList[i+1:]...)

		if remain := b.size - pad - size; remain > 0 {
			h.freeList = append(h.freeList, block{addr: start + paging.VirtAddr(size), size: remain})
		}

		if pad > 0 {
			h.freeList = append(h.freeList, block{addr: b.addr, size: pad})
		}

		return start, true
	}

	return 0, false
}

func alignUp(addr paging.VirtAddr, align uint32) paging.VirtAddr {
	a := uint32(align)
	return paging.VirtAddr((uint32(addr) + a - 1) &^ (a - 1))
}

// growAndTake maps enough fresh pages to satisfy size bytes and returns the
// start address of a block of exactly that size.
func (h *Heap) growAndTake(size uint32) (paging.VirtAddr, error) {
	start := h.brk
	pages := (uint32(size) + frame.PageSize - 1) / frame.PageSize

	if pages == 0 {
		pages = 1
	}

	if h.brk+paging.VirtAddr(pages*frame.PageSize) > Limit {
		return 0, kerr.New(kerr.OutOfMemory, "kheap.Alloc: window exhausted")
	}

	for i := uint32(0); i < pages; i++ {
		f, err := h.alloc.AllocZeroed()
		if err != nil {
			return 0, kerr.Wrap(kerr.OutOfMemory, "kheap.Alloc", err)
		}

		virt := h.brk + paging.VirtAddr(i*frame.PageSize)
		if err := h.manager.MapKernel(virt, f, paging.FlagWritable); err != nil {
			return 0, err
		}
	}

	mapped := pages * frame.PageSize
	h.brk += paging.VirtAddr(mapped)

	if mapped > size {
		h.freeList = append(h.freeList, block{addr: start + paging.VirtAddr(size), size: mapped - size})
	}

	return start, nil
}

// coalesce merges adjacent free blocks in the general free list.
func (h *Heap) coalesce() {
	if len(h.freeList) < 2 {
		return
	}

	merged := h.freeList[:1]

	for _, b := range h.freeList[1:] {
		last := &merged[len(merged)-1]
		if last.addr+paging.VirtAddr(last.size) == b.addr {
			last.size += b.size
			continue
		}

		merged = append(merged, b)
	}

	h.freeList = merged
}

// Bytes returns the kernel-mapped bytes backing a heap allocation. When the
// range lies within one page the result aliases the heap's memory and can
// be read or written directly; when it crosses a page boundary the result
// is a copy, and writes to it do not reach the heap.
func (h *Heap) Bytes(addr paging.VirtAddr, size uint32) ([]byte, error) {
	out := make([][]byte, 0, 1)

	for off := uint32(0); off < size; {
		e, ok := h.manager.TranslateKernel(paging.VirtAddr(uint32(addr) + off))
		if !ok {
			return nil, kerr.New(kerr.BadAddress, "kheap.Bytes")
		}

		pageOff := (uint32(addr) + off) % frame.PageSize
		n := frame.PageSize - pageOff
		if rem := size - off; n > rem {
			n = rem
		}

		out = append(out, h.alloc.Bytes(e.Frame())[pageOff:pageOff+n])
		off += n
	}

	if len(out) == 1 {
		return out[0], nil
	}

	// Spans more than one frame: flatten into a contiguous copy. Kernel
	// objects this large are rare enough that the copy cost doesn't matter.
	flat := make([]byte, 0, size)
	for _, s := range out {
		flat = append(flat, s...)
	}

	return flat, nil
}
