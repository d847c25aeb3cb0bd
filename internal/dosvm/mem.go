package dosvm

import (
	"github.com/retrodos/imm-dos-nx/internal/kerr"
	"github.com/retrodos/imm-dos-nx/internal/memory/frame"
	"github.com/retrodos/imm-dos-nx/internal/memory/paging"
	"github.com/retrodos/imm-dos-nx/internal/process"
)

// linear computes a real-mode segment:offset's linear address.
func linear(seg, off uint32) uint32 {
	return (seg << 4) + off
}

// readByte reads one byte from p's address space at a linear address.
// Guest memory for a DOS process is always one flat mapped region
// (internal/format's LoadCOM/LoadEXE map the whole conventional-memory
// range up front), so this goes straight to the directory rather than
// through a region-list bounds check the way trap.ReadUser does for
// native syscall arguments.
func readByte(p *process.Process, addr uint32) (byte, error) {
	page, err := p.Dir.Bytes(paging.VirtAddr(addr &^ (frame.PageSize - 1)))
	if err != nil {
		return 0, kerr.Wrap(kerr.BadAddress, "dosvm.readByte", err)
	}

	return page[addr%frame.PageSize], nil
}

func writeByte(p *process.Process, addr uint32, b byte) error {
	page, err := p.Dir.Bytes(paging.VirtAddr(addr &^ (frame.PageSize - 1)))
	if err != nil {
		return kerr.Wrap(kerr.BadAddress, "dosvm.writeByte", err)
	}

	page[addr%frame.PageSize] = b

	return nil
}

func readWord(p *process.Process, addr uint32) (uint16, error) {
	lo, err := readByte(p, addr)
	if err != nil {
		return 0, err
	}

	hi, err := readByte(p, addr+1)
	if err != nil {
		return 0, err
	}

	return uint16(lo) | uint16(hi)<<8, nil
}

func writeWord(p *process.Process, addr uint32, v uint16) error {
	if err := writeByte(p, addr, byte(v)); err != nil {
		return err
	}

	return writeByte(p, addr+1, byte(v>>8))
}

// readBytes reads n bytes starting at addr into a fresh slice.
func readBytes(p *process.Process, addr uint32, n uint32) ([]byte, error) {
	out := make([]byte, n)

	for i := uint32(0); i < n; i++ {
		b, err := readByte(p, addr+i)
		if err != nil {
			return nil, err
		}

		out[i] = b
	}

	return out, nil
}

func writeBytes(p *process.Process, addr uint32, data []byte) error {
	for i, b := range data {
		if err := writeByte(p, addr+uint32(i), b); err != nil {
			return err
		}
	}

	return nil
}

// pushGuestWord pushes a 16-bit value onto the guest's real-mode stack,
// growing it downward per the x86 convention.
func pushGuestWord(p *process.Process, v uint16) error {
	sp := (uint32(p.Context.ESP) - 2) & 0xFFFF
	p.Context.ESP = sp

	return writeWord(p, linear(p.Context.SS, sp), v)
}

func popGuestWord(p *process.Process) (uint16, error) {
	sp := uint32(p.Context.ESP) & 0xFFFF

	v, err := readWord(p, linear(p.Context.SS, sp))
	if err != nil {
		return 0, err
	}

	p.Context.ESP = (sp + 2) & 0xFFFF

	return v, nil
}
