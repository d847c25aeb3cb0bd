package trap

import (
	"encoding/binary"

	"github.com/retrodos/imm-dos-nx/internal/kerr"
	"github.com/retrodos/imm-dos-nx/internal/memory/frame"
	"github.com/retrodos/imm-dos-nx/internal/memory/paging"
	"github.com/retrodos/imm-dos-nx/internal/process"
)

// pathPtrSize is the wire size of the {addr: u32, length: u32} structure a
// user-space path_ptr argument refers to.
const pathPtrSize = 8

// ReadUser copies length bytes starting at the user-space address addr out
// of p's address space, failing with BadAddress if any byte of the range
// falls outside a region p's own region list marks user-accessible.
func ReadUser(p *process.Process, addr, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}

	if err := checkUserRange(p, addr, length); err != nil {
		return nil, err
	}

	out := make([]byte, length)

	for off := uint32(0); off < length; {
		va := addr + off

		page, err := p.Dir.Bytes(paging.VirtAddr(va))
		if err != nil {
			return nil, kerr.Wrap(kerr.BadAddress, "trap.ReadUser", err)
		}

		pageOff := va % frame.PageSize
		n := frame.PageSize - pageOff

		if remain := length - off; remain < n {
			n = remain
		}

		copy(out[off:off+n], page[pageOff:pageOff+n])

		off += n
	}

	return out, nil
}

// WriteUser copies data into p's address space starting at the user-space
// address addr, subject to the same bounds check as ReadUser.
func WriteUser(p *process.Process, addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	length := uint32(len(data))
	if err := checkUserRange(p, addr, length); err != nil {
		return err
	}

	for off := uint32(0); off < length; {
		va := addr + off

		page, err := p.Dir.Bytes(paging.VirtAddr(va))
		if err != nil {
			return kerr.Wrap(kerr.BadAddress, "trap.WriteUser", err)
		}

		pageOff := va % frame.PageSize
		n := frame.PageSize - pageOff

		if remain := length - off; remain < n {
			n = remain
		}

		copy(page[pageOff:pageOff+n], data[off:off+n])

		off += n
	}

	return nil
}

// checkUserRange fails with BadAddress unless [addr, addr+length) lies
// entirely within a single region of p's region list that is marked
// user-accessible. Every native syscall argument that is a pointer goes
// through this before the kernel dereferences it.
func checkUserRange(p *process.Process, addr, length uint32) error {
	region, ok := p.Regions.Find(paging.VirtAddr(addr))
	if !ok || !region.UserAccessible {
		return kerr.New(kerr.BadAddress, "trap: user pointer outside mapped region")
	}

	end := uint64(addr) + uint64(length)
	if end > uint64(region.End()) {
		return kerr.New(kerr.BadAddress, "trap: user pointer range crosses region boundary")
	}

	return nil
}

// ReadPathString reads a {addr: u32, length: u32} structure at ptrAddr and
// returns the non-NUL-terminated string it describes -- the wire format
// every path_ptr and name_ptr syscall argument uses.
func ReadPathString(p *process.Process, ptrAddr uint32) (string, error) {
	raw, err := ReadUser(p, ptrAddr, pathPtrSize)
	if err != nil {
		return "", err
	}

	addr := binary.LittleEndian.Uint32(raw[0:4])
	length := binary.LittleEndian.Uint32(raw[4:8])

	str, err := ReadUser(p, addr, length)
	if err != nil {
		return "", err
	}

	return string(str), nil
}
