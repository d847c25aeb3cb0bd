package format

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/retrodos/imm-dos-nx/internal/kerr"
	"github.com/retrodos/imm-dos-nx/internal/memory/frame"
	"github.com/retrodos/imm-dos-nx/internal/memory/paging"
	"github.com/retrodos/imm-dos-nx/internal/process"
)

// ELFStackTop is where a native ELF process's initial stack is placed,
// just below the top of user space.
const ELFStackTop paging.VirtAddr = 0xBFFFFFFF

const elfInitialStack = 256 * 1024

// LoadELF parses an ELF32 (i386) header and program header table, maps
// every PT_LOAD segment at its specified virtual address honoring the
// segment's read/write flags, and returns the entry point from the ELF
// header.
func LoadELF(dir *paging.Directory, alloc *frame.Allocator, image []byte) (process.LoadResult, error) {
	var ident [elf.EI_NIDENT]byte
	if len(image) < len(ident) {
		return process.LoadResult{}, kerr.New(kerr.UnsupportedFormat, "format.LoadELF: too small")
	}

	copy(ident[:], image)

	if ident[0] != '\x7f' || ident[1] != 'E' || ident[2] != 'L' || ident[3] != 'F' {
		return process.LoadResult{}, kerr.New(kerr.UnsupportedFormat, "format.LoadELF: bad magic")
	}

	if elf.Class(ident[elf.EI_CLASS]) != elf.ELFCLASS32 {
		return process.LoadResult{}, kerr.New(kerr.UnsupportedFormat, "format.LoadELF: not 32-bit")
	}

	var hdr elf.Header32
	if err := binary.Read(bytes.NewReader(image), binary.LittleEndian, &hdr); err != nil {
		return process.LoadResult{}, kerr.Wrap(kerr.UnsupportedFormat, "format.LoadELF", err)
	}

	if elf.Machine(hdr.Machine) != elf.EM_386 {
		return process.LoadResult{}, kerr.New(kerr.UnsupportedFormat, "format.LoadELF: not i386")
	}

	regions := make([]paging.Region, 0, hdr.Phnum)

	for i := uint16(0); i < hdr.Phnum; i++ {
		off := uint32(hdr.Phoff) + uint32(i)*uint32(hdr.Phentsize)
		if off+uint32(hdr.Phentsize) > uint32(len(image)) {
			return process.LoadResult{}, kerr.New(kerr.UnsupportedFormat, "format.LoadELF: phdr out of range")
		}

		var ph elf.Prog32
		if err := binary.Read(bytes.NewReader(image[off:]), binary.LittleEndian, &ph); err != nil {
			return process.LoadResult{}, kerr.Wrap(kerr.UnsupportedFormat, "format.LoadELF", err)
		}

		if elf.ProgType(ph.Type) != elf.PT_LOAD {
			continue
		}

		if ph.Off+ph.Filesz > uint32(len(image)) {
			return process.LoadResult{}, kerr.New(kerr.UnsupportedFormat, "format.LoadELF: segment out of range")
		}

		writable := elf.ProgFlag(ph.Flags)&elf.PF_W != 0

		region, err := mapAnonymous(dir, alloc, paging.VirtAddr(ph.Vaddr), ph.Memsz, writable, segmentKind(ph.Flags), image[ph.Off:ph.Off+ph.Filesz])
		if err != nil {
			return process.LoadResult{}, err
		}

		regions = append(regions, region)
	}

	stack, err := mapStack(dir, alloc, ELFStackTop, elfInitialStack)
	if err != nil {
		return process.LoadResult{}, err
	}

	regions = append(regions, stack)

	return process.LoadResult{
		Entry:     paging.VirtAddr(hdr.Entry),
		StackTop:  stack.End() - 4,
		Subsystem: process.SubsystemNative,
		Regions:   regions,
	}, nil
}

func segmentKind(flags uint32) paging.Kind {
	if elf.ProgFlag(flags)&elf.PF_X != 0 {
		return paging.KindCode
	}

	return paging.KindData
}
