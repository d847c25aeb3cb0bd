package dosvm

import (
	"github.com/retrodos/imm-dos-nx/internal/kerr"
	"github.com/retrodos/imm-dos-nx/internal/process"
)

// serviceVideo handles int 0x10. Only AH=0x00 (set mode) is wired to a
// real driver; every other video function a DOS program might call
// (cursor positioning, scrolling, writing attributes) is out of scope
// for this monitor and is acknowledged as a no-op rather than killing
// the process over it.
func (m *Monitor) serviceVideo(p *process.Process) error {
	ah := byte(ax(p) >> 8)

	if ah == 0x00 && m.Video != nil {
		al := byte(ax(p))
		if err := m.Video.SetMode(uint32(al)); err != nil {
			return err
		}
	}

	return nil
}

// serviceKeyboard handles int 0x16. AH=0x00 blocks for a key; AH=0x01
// peeks and reports via ZF whether one is pending, the calling
// convention DOS programs poll in a loop.
func (m *Monitor) serviceKeyboard(p *process.Process) error {
	ah := byte(ax(p) >> 8)

	switch ah {
	case 0x00:
		if m.Keyboard == nil {
			setAL(p, 0)
			return nil
		}

		setAL(p, m.Keyboard.Read())

	case 0x01:
		if m.Keyboard == nil {
			setZF(p, true)
			return nil
		}

		code, ok := m.Keyboard.Peek()
		if !ok {
			setZF(p, true)
			return nil
		}

		setZF(p, false)
		setAL(p, code)

	default:
		setZF(p, true)
	}

	return nil
}

// serviceDOS handles int 0x21, the function dispatch DOS programs use
// for process control, character I/O and file access. Functions
// outside this set reflect into the guest's own handler the same as
// an unclaimed vector would.
func (m *Monitor) serviceDOS(p *process.Process) error {
	ah := byte(ax(p) >> 8)

	switch ah {
	case 0x00:
		m.terminate(p, 0)
		return nil

	case 0x4C:
		al := byte(ax(p))
		m.terminate(p, int32(al))

		return nil

	case 0x01, 0x08:
		code := byte(0)
		if m.Keyboard != nil {
			code = m.Keyboard.Read()
		}

		setAL(p, code)

		if ah == 0x01 {
			_, _ = p.Files.Write(1, []byte{code})
		}

		return nil

	case 0x02:
		dl := byte(p.Context.EDX)
		_, err := p.Files.Write(1, []byte{dl})

		return err

	case 0x09:
		s, err := readDollarString(p, linear(p.Context.DS, uint32(uint16(p.Context.EDX))))
		if err != nil {
			return err
		}

		_, err = p.Files.Write(1, []byte(s))

		return err

	case 0x3D:
		return m.dosOpen(p)

	case 0x3E:
		return m.dosClose(p)

	case 0x3F:
		return m.dosRead(p)

	case 0x40:
		return m.dosWrite(p)

	case 0x42:
		return m.dosSeek(p)

	default:
		return m.reflect(p, 0x21)
	}
}

func (m *Monitor) dosOpen(p *process.Process) error {
	path, err := readAsciiz(p, linear(p.Context.DS, uint32(uint16(p.Context.EDX))))
	if err != nil {
		return err
	}

	if !hasDrive(path) {
		path = p.CurrentDrive + "\\" + path
	}

	f, err := m.FS.Open(path)
	if err != nil {
		setCF(p, true)
		setAX(p, dosErrno(err))

		return nil
	}

	fd := p.Files.Install(f)
	handle := m.handlesFor(p.PID).install(fd)

	setCF(p, false)
	setAX(p, handle)

	return nil
}

func (m *Monitor) dosClose(p *process.Process) error {
	handle := uint16(p.Context.EBX)

	fd, ok := m.handlesFor(p.PID).lookup(handle)
	if !ok {
		setCF(p, true)
		setAX(p, 6) // invalid handle

		return nil
	}

	err := p.Files.Close(fd)
	m.handlesFor(p.PID).remove(handle)

	if err != nil {
		setCF(p, true)
		setAX(p, dosErrno(err))

		return nil
	}

	setCF(p, false)

	return nil
}

func (m *Monitor) dosRead(p *process.Process) error {
	handle := uint16(p.Context.EBX)
	count := uint16(p.Context.ECX)

	fd, ok := m.handlesFor(p.PID).lookup(handle)
	if !ok {
		setCF(p, true)
		setAX(p, 6)

		return nil
	}

	buf := make([]byte, count)

	n, err := p.Files.Read(fd, buf)
	if err != nil {
		setCF(p, true)
		setAX(p, dosErrno(err))

		return nil
	}

	if err := writeBytes(p, linear(p.Context.DS, uint32(uint16(p.Context.EDX))), buf[:n]); err != nil {
		return err
	}

	setCF(p, false)
	setAX(p, uint16(n))

	return nil
}

func (m *Monitor) dosWrite(p *process.Process) error {
	handle := uint16(p.Context.EBX)
	count := uint32(uint16(p.Context.ECX))

	fd, ok := m.handlesFor(p.PID).lookup(handle)
	if !ok {
		setCF(p, true)
		setAX(p, 6)

		return nil
	}

	buf, err := readBytes(p, linear(p.Context.DS, uint32(uint16(p.Context.EDX))), count)
	if err != nil {
		return err
	}

	n, err := p.Files.Write(fd, buf)
	if err != nil {
		setCF(p, true)
		setAX(p, dosErrno(err))

		return nil
	}

	setCF(p, false)
	setAX(p, uint16(n))

	return nil
}

func (m *Monitor) dosSeek(p *process.Process) error {
	handle := uint16(p.Context.EBX)
	al := byte(ax(p))

	fd, ok := m.handlesFor(p.PID).lookup(handle)
	if !ok {
		setCF(p, true)
		setAX(p, 6)

		return nil
	}

	if al != 0 {
		setCF(p, true)
		setAX(p, 1) // invalid function, relative seeks are out of scope

		return nil
	}

	offset := uint32(p.Context.ECX)<<16 | uint32(uint16(p.Context.EDX))

	pos, err := p.Files.Seek(fd, offset)
	if err != nil {
		setCF(p, true)
		setAX(p, dosErrno(err))

		return nil
	}

	p.Context.EDX = pos >> 16
	setAX(p, uint16(pos))
	setCF(p, false)

	return nil
}

func hasDrive(path string) bool {
	for i := 0; i < len(path); i++ {
		if path[i] == ':' {
			return true
		}

		if path[i] == '\\' || path[i] == '/' {
			return false
		}
	}

	return false
}

func readAsciiz(p *process.Process, addr uint32) (string, error) {
	var buf []byte

	for i := uint32(0); i < 128; i++ {
		b, err := readByte(p, addr+i)
		if err != nil {
			return "", err
		}

		if b == 0 {
			break
		}

		buf = append(buf, b)
	}

	return string(buf), nil
}

func readDollarString(p *process.Process, addr uint32) (string, error) {
	var buf []byte

	for i := uint32(0); i < 4096; i++ {
		b, err := readByte(p, addr+i)
		if err != nil {
			return "", err
		}

		if b == '$' {
			break
		}

		buf = append(buf, b)
	}

	return string(buf), nil
}

// dosErrno maps a kernel error to the conventional DOS extended-error
// code a carry-set AX returns, per the small set this monitor's own
// file operations can actually produce.
func dosErrno(err error) uint16 {
	kind, ok := kerr.As(err)
	if !ok {
		return 0x1F // general failure
	}

	switch kind {
	case kerr.NoSuchFile:
		return 0x02 // file not found
	case kerr.PermissionDenied:
		return 0x05 // access denied
	case kerr.InvalidArgument:
		return 0x0C // invalid access code
	case kerr.NotADirectory:
		return 0x06 // invalid handle
	default:
		return 0x1F
	}
}
