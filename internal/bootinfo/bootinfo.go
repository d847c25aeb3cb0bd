// Package bootinfo decodes the boot handoff structures the stage-2
// bootloader leaves behind: the BootStruct pointer and the e820-style
// memory map at physical 0x1000.
//
// Like internal/format, it is pure encoding/binary decoding: a small header
// followed by a run of fixed-size records.
package bootinfo

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/retrodos/imm-dos-nx/internal/kerr"
	"github.com/retrodos/imm-dos-nx/internal/memory/frame"
)

// Struct is the bootloader's handoff structure.
type Struct struct {
	InitFSStart uint32
	InitFSSize  uint32
}

// ReadStruct decodes the boot handoff structure from raw bytes.
func ReadStruct(b []byte) (Struct, error) {
	var s Struct

	if len(b) < 8 {
		return s, kerr.New(kerr.InvalidArgument, "bootinfo.ReadStruct: too small")
	}

	r := bytes.NewReader(b)
	if err := binary.Read(r, binary.LittleEndian, &s); err != nil {
		return s, kerr.Wrap(kerr.InvalidArgument, "bootinfo.ReadStruct", err)
	}

	return s, nil
}

// e820Entry is the raw 24-byte on-disk form of one memory-map record.
type e820Entry struct {
	Base   uint64
	Length uint64
	Type   uint32
	_      uint32 // ACPI 3.0 extended attributes, ignored
}

// ReadMemoryMap decodes the e820-style memory map at physical 0x1000: a
// little-endian u32 entry count followed by that many 24-byte entries.
func ReadMemoryMap(b []byte) ([]frame.MapEntry, error) {
	if len(b) < 4 {
		return nil, kerr.New(kerr.InvalidArgument, "bootinfo.ReadMemoryMap: too small")
	}

	count := binary.LittleEndian.Uint32(b[:4])
	r := bytes.NewReader(b[4:])

	entries := make([]frame.MapEntry, 0, count)

	for i := uint32(0); i < count; i++ {
		var raw e820Entry
		if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
			return nil, kerr.Wrap(kerr.InvalidArgument, fmt.Sprintf("bootinfo.ReadMemoryMap: entry %d", i), err)
		}

		entries = append(entries, frame.MapEntry{
			Base:   raw.Base,
			Length: raw.Length,
			Type:   regionType(raw.Type),
		})
	}

	return entries, nil
}

// regionType maps the e820 type code to frame.RegionType; unrecognized
// codes are conservatively treated as reserved.
func regionType(t uint32) frame.RegionType {
	switch t {
	case 1:
		return frame.Usable
	case 3:
		return frame.ACPIReclaimable
	case 4:
		return frame.ACPINVS
	case 5:
		return frame.BadMemory
	default:
		return frame.Reserved
	}
}
