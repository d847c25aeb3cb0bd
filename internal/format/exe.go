package format

import (
	"bytes"
	"encoding/binary"

	"github.com/retrodos/imm-dos-nx/internal/kerr"
	"github.com/retrodos/imm-dos-nx/internal/memory/frame"
	"github.com/retrodos/imm-dos-nx/internal/memory/paging"
	"github.com/retrodos/imm-dos-nx/internal/process"
)

// mzHeader is the on-disk MZ/EXE header, little-endian, as DOS loaders
// have read it since 1981.
type mzHeader struct {
	Magic      [2]byte
	CBLP       uint16 // bytes on last page of file
	CP         uint16 // pages in file
	CRLC       uint16 // relocation count
	CPARHDR    uint16 // header size in paragraphs
	MinAlloc   uint16
	MaxAlloc   uint16
	SS         uint16
	SP         uint16
	Checksum   uint16
	IP         uint16
	CS         uint16
	LFARLC     uint16 // offset of relocation table
	OVNO       uint16
}

const mzHeaderSize = 28

type mzReloc struct {
	Offset  uint16
	Segment uint16
}

// LoadEXE loads a DOS MZ/EXE program: parses the header, relocates far
// pointers against the segment the image is loaded at, and builds the PSP
// ahead of it exactly as LoadCOM does.
func LoadEXE(dir *paging.Directory, alloc *frame.Allocator, image []byte) (process.LoadResult, error) {
	if len(image) < mzHeaderSize || image[0] != 'M' || image[1] != 'Z' {
		return process.LoadResult{}, kerr.New(kerr.UnsupportedFormat, "format.LoadEXE: not an MZ header")
	}

	var hdr mzHeader
	if err := binary.Read(bytes.NewReader(image), binary.LittleEndian, &hdr); err != nil {
		return process.LoadResult{}, kerr.Wrap(kerr.UnsupportedFormat, "format.LoadEXE", err)
	}

	headerBytes := uint32(hdr.CPARHDR) * 16
	if headerBytes == 0 || headerBytes > uint32(len(image)) {
		return process.LoadResult{}, kerr.New(kerr.UnsupportedFormat, "format.LoadEXE: bad header size")
	}

	lastPage := uint32(hdr.CBLP)
	if lastPage == 0 {
		lastPage = 512
	}

	imageEnd := uint32(hdr.CP)*512 - (512 - lastPage)
	if imageEnd > uint32(len(image)) || imageEnd < headerBytes {
		return process.LoadResult{}, kerr.New(kerr.UnsupportedFormat, "format.LoadEXE: bad page count")
	}

	program := append([]byte(nil), image[headerBytes:imageEnd]...)

	// loadSegment is where paragraph 0 of the program (not the PSP) lands,
	// expressed in real-mode segment units.
	loadSegment := uint16(uint32(DOSBase)/16) + (pspSize / 16)

	relocTable := hdr.LFARLC
	for i := uint16(0); i < hdr.CRLC; i++ {
		relocOff := uint32(relocTable) + uint32(i)*4
		if relocOff+4 > uint32(len(image)) {
			return process.LoadResult{}, kerr.New(kerr.UnsupportedFormat, "format.LoadEXE: bad relocation table")
		}

		var r mzReloc
		_ = binary.Read(bytes.NewReader(image[relocOff:]), binary.LittleEndian, &r)

		patchAt := uint32(r.Segment)*16 + uint32(r.Offset)
		if patchAt+2 > uint32(len(program)) {
			continue // out-of-range relocation in a malformed image; skip rather than guess
		}

		seg := binary.LittleEndian.Uint16(program[patchAt:])
		binary.LittleEndian.PutUint16(program[patchAt:], seg+loadSegment)
	}

	seg := make([]byte, pspSize+len(program))
	buildPSP(seg, 0)
	copy(seg[pspSize:], program)

	totalSize := uint32(hdr.MaxAlloc)*16 + pspSize + uint32(len(program))
	if totalSize < uint32(len(seg)) {
		totalSize = uint32(len(seg))
	}

	region, err := mapAnonymous(dir, alloc, DOSBase, totalSize, true, paging.KindDOSConventional, seg)
	if err != nil {
		return process.LoadResult{}, err
	}

	entry := paging.VirtAddr(uint32(hdr.CS+loadSegment)*16 + uint32(hdr.IP))
	stackTop := paging.VirtAddr(uint32(hdr.SS+loadSegment)*16 + uint32(hdr.SP))

	return process.LoadResult{
		Entry:     entry,
		StackTop:  stackTop,
		Subsystem: process.SubsystemDOS,
		Regions:   []paging.Region{region},
	}, nil
}
