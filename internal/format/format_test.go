package format_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/retrodos/imm-dos-nx/internal/format"
	"github.com/retrodos/imm-dos-nx/internal/memory/frame"
	"github.com/retrodos/imm-dos-nx/internal/memory/paging"
	"github.com/retrodos/imm-dos-nx/internal/process"
)

func newDir(t *testing.T) (*paging.Directory, *frame.Allocator) {
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

	dir, err := m.NewDirectory()
	if err != nil {
		t.Fatalf("NewDirectory: %s", err)
	}

	return dir, alloc
}

func TestLoadFlat(t *testing.T) {
	dir, alloc := newDir(t)

	image := []byte{0x90, 0x90, 0xf4} // nop, nop, hlt

	result, err := format.LoadFlat(dir, alloc, image)
	if err != nil {
		t.Fatalf("LoadFlat: %s", err)
	}

	if result.Entry != format.FlatBase {
		t.Errorf("entry = %s, want %s", result.Entry, format.FlatBase)
	}

	if result.Subsystem != process.SubsystemNative {
		t.Errorf("subsystem = %s, want Native", result.Subsystem)
	}

	b, err := dir.Bytes(format.FlatBase)
	if err != nil {
		t.Fatalf("Bytes: %s", err)
	}

	if b[0] != 0x90 || b[2] != 0xf4 {
		t.Errorf("image not copied correctly: %v", b[:3])
	}
}

func TestLoadCOMBuildsPSPAndProgram(t *testing.T) {
	dir, alloc := newDir(t)

	image := []byte{0xb4, 0x4c, 0xcd, 0x21} // mov ah,4c; int 21 (DOS terminate)

	result, err := format.LoadCOM(dir, alloc, image)
	if err != nil {
		t.Fatalf("LoadCOM: %s", err)
	}

	if result.Entry != format.DOSBase+0x100 {
		t.Errorf("entry = %s, want %s", result.Entry, format.DOSBase+0x100)
	}

	if result.Subsystem != process.SubsystemDOS {
		t.Errorf("subsystem = %s, want DOS", result.Subsystem)
	}

	psp, err := dir.Bytes(format.DOSBase)
	if err != nil {
		t.Fatalf("Bytes: %s", err)
	}

	if psp[0] != 0xCD || psp[1] != 0x20 {
		t.Errorf("PSP missing INT 0x20 stub: %v", psp[:2])
	}

	prog, err := dir.Bytes(format.DOSBase + 0x100)
	if err != nil {
		t.Fatalf("Bytes: %s", err)
	}

	if prog[0x100] != 0xb4 {
		t.Errorf("program not placed at offset 0x100: %v", prog[0x100:0x104])
	}
}

func TestLoadELFMapsEntryAndSegment(t *testing.T) {
	dir, alloc := newDir(t)

	const vaddr = 0x08048000
	code := []byte{0x90, 0x90, 0xcc}

	var buf bytes.Buffer

	hdr := elf.Header32{
		Machine:   uint16(elf.EM_386),
		Entry:     vaddr,
		Phoff:     uint32(binary.Size(elf.Header32{})),
		Phentsize: uint16(binary.Size(elf.Prog32{})),
		Phnum:     1,
	}
	hdr.Ident[0], hdr.Ident[1], hdr.Ident[2], hdr.Ident[3] = '\x7f', 'E', 'L', 'F'
	hdr.Ident[4] = byte(elf.ELFCLASS32)

	_ = binary.Write(&buf, binary.LittleEndian, hdr)

	ph := elf.Prog32{
		Type:   uint32(elf.PT_LOAD),
		Off:    uint32(binary.Size(elf.Header32{}) + binary.Size(elf.Prog32{})),
		Vaddr:  vaddr,
		Filesz: uint32(len(code)),
		Memsz:  uint32(len(code)),
		Flags:  uint32(elf.PF_X | elf.PF_R),
	}
	_ = binary.Write(&buf, binary.LittleEndian, ph)
	buf.Write(code)

	result, err := format.LoadELF(dir, alloc, buf.Bytes())
	if err != nil {
		t.Fatalf("LoadELF: %s", err)
	}

	if result.Entry != paging.VirtAddr(vaddr) {
		t.Errorf("entry = %s, want %#x", result.Entry, vaddr)
	}

	if result.Subsystem != process.SubsystemNative {
		t.Errorf("subsystem = %s, want Native", result.Subsystem)
	}

	b, err := dir.Bytes(paging.VirtAddr(vaddr))
	if err != nil {
		t.Fatalf("Bytes: %s", err)
	}

	if b[2] != 0xcc {
		t.Errorf("segment contents not mapped: %v", b[:3])
	}
}

func TestLoadELFRejectsBadMagic(t *testing.T) {
	dir, alloc := newDir(t)

	if _, err := format.LoadELF(dir, alloc, make([]byte, 64)); err == nil {
		t.Fatal("expected error for missing ELF magic")
	}
}
