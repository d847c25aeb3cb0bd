// Package format loads executable images into a freshly minted address
// space: flat native binaries, DOS COM and MZ/EXE programs, and ELF (i386)
// binaries. Each loader is a process.Loader: given a directory and a frame
// allocator, it maps the program's regions and reports where execution
// should resume.
//
// Decoding each format's header is plain encoding/binary over a byte slice,
// in the same spirit as the emulator's object-code reader: a fixed header
// followed by a description of what to place where in memory.
package format

import (
	"github.com/retrodos/imm-dos-nx/internal/kerr"
	"github.com/retrodos/imm-dos-nx/internal/memory/frame"
	"github.com/retrodos/imm-dos-nx/internal/memory/paging"
	"github.com/retrodos/imm-dos-nx/internal/process"
)

// mapAnonymous allocates length bytes (rounded up to page granularity)
// starting at virt, filling them from src (zero-padded if src is shorter
// or empty), and returns the region describing the mapping.
func mapAnonymous(dir *paging.Directory, alloc *frame.Allocator, virt paging.VirtAddr, length uint32, writable bool, kind paging.Kind, src []byte) (paging.Region, error) {
	pages := (length + frame.PageSize - 1) / frame.PageSize
	if pages == 0 {
		pages = 1
	}

	flags := paging.FlagUser
	if writable {
		flags |= paging.FlagWritable
	}

	for i := uint32(0); i < pages; i++ {
		f, err := alloc.AllocZeroed()
		if err != nil {
			return paging.Region{}, kerr.Wrap(kerr.OutOfMemory, "format.mapAnonymous", err)
		}

		off := i * frame.PageSize
		if off < uint32(len(src)) {
			n := frame.PageSize
			if remain := uint32(len(src)) - off; remain < uint32(n) {
				n = int(remain)
			}

			copy(alloc.Bytes(f), src[off:off+uint32(n)])
		}

		va := paging.VirtAddr(uint32(virt) + off)
		if err := dir.Map(va, f, flags); err != nil {
			return paging.Region{}, err
		}
	}

	return paging.Region{
		Start:          virt,
		Length:         pages * frame.PageSize,
		Kind:           kind,
		Backing:        paging.BackingAnonymous,
		Writable:       writable,
		UserAccessible: true,
	}, nil
}

// mapStack allocates a single downward-growing stack region topped at top,
// sized initialLength, with a guard window handled later by page faults
// (internal/memory/paging's HandleFault).
func mapStack(dir *paging.Directory, alloc *frame.Allocator, top paging.VirtAddr, initialLength uint32) (paging.Region, error) {
	start := paging.VirtAddr(uint32(top) - initialLength)
	return mapAnonymous(dir, alloc, start, initialLength, true, paging.KindStack, nil)
}

var _ process.Loader = LoadFlat
