package format

import (
	"github.com/retrodos/imm-dos-nx/internal/kerr"
	"github.com/retrodos/imm-dos-nx/internal/memory/frame"
	"github.com/retrodos/imm-dos-nx/internal/memory/paging"
	"github.com/retrodos/imm-dos-nx/internal/process"
)

// DOSBase is the linear address a DOS process's conventional memory
// starts at. The guest's segment:offset addressing is not modeled; every
// DOS process gets its own address space, so reusing the same linear base
// across processes is harmless.
const DOSBase paging.VirtAddr = 0x00000000

// pspSize is the size of the Program Segment Prefix DOS programs expect
// at the start of their own segment.
const pspSize = 0x100

// comImageLimit is the largest program image a single 64 KiB COM segment
// can hold after reserving the PSP.
const comImageLimit = 0x10000 - pspSize

// LoadCOM loads a DOS .COM program: a single 64 KiB conventional-memory
// region, PSP at offset 0x000-0x0FF, program bytes at offset 0x100.
func LoadCOM(dir *paging.Directory, alloc *frame.Allocator, image []byte) (process.LoadResult, error) {
	if len(image) == 0 || len(image) > comImageLimit {
		return process.LoadResult{}, kerr.New(kerr.UnsupportedFormat, "format.LoadCOM: image too large")
	}

	seg := make([]byte, pspSize+len(image))
	buildPSP(seg, 0)
	copy(seg[pspSize:], image)

	region, err := mapAnonymous(dir, alloc, DOSBase, 0x10000, true, paging.KindDOSConventional, seg)
	if err != nil {
		return process.LoadResult{}, err
	}

	return process.LoadResult{
		Entry:     DOSBase + pspSize,
		StackTop:  DOSBase + 0xFFFE,
		Subsystem: process.SubsystemDOS,
		Regions:   []paging.Region{region},
	}, nil
}

// buildPSP writes a minimal Program Segment Prefix at the start of buf:
// an INT 0x20 at offset 0 (so a program that jumps to offset 0 terminates
// cleanly, the historical PSP convention) and the top-of-memory segment
// at offset 0x02, zero elsewhere.
func buildPSP(buf []byte, topSegment uint16) {
	buf[0] = 0xCD // INT
	buf[1] = 0x20
	buf[2] = byte(topSegment)
	buf[3] = byte(topSegment >> 8)
}
