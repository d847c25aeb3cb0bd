package dosvm

import (
	"fmt"

	"github.com/retrodos/imm-dos-nx/internal/kerr"
	"github.com/retrodos/imm-dos-nx/internal/process"
)

// Real-mode opcodes this monitor decodes. Anything else reaching Fault
// terminates the process; there is no general-purpose instruction
// decoder behind this, only the handful of privileged forms a DOS
// program's #GP can plausibly be for.
const (
	opCLI      = 0xFA
	opSTI      = 0xFB
	opPUSHF    = 0x9C
	opPOPF     = 0x9D
	opINT      = 0xCD
	opIRET     = 0xCF
	opInALib   = 0xE4
	opInAXib   = 0xE5
	opInALdx   = 0xEC
	opInAXdx   = 0xED
	opOutIbAL  = 0xE6
	opOutIbAX  = 0xE7
	opOutDXAL  = 0xEE
	opOutDXAX  = 0xEF
)

// flagIF is EFLAGS bit 9, the real interrupt-enable flag. A VM86 guest
// never gets to see or set the real one; PUSHF/POPF/CLI/STI/IRET all
// go through the virtual shadow instead.
const flagIF = 1 << 9

// flagZF is EFLAGS bit 6. Unlike IF this one is not virtualized: a
// DOS program's ZF-testing code (e.g. int 0x16 AH=0x01) can safely see
// the real flag since nothing below ring 0 depends on it.
const flagZF = 1 << 6

func isPrefixByte(b byte) bool {
	switch b {
	case 0x66, 0x67, 0x2E, 0x36, 0x3E, 0x26, 0x64, 0x65:
		return true
	default:
		return false
	}
}

// fetchOpcode walks past any prefix bytes at cs:ip and returns the
// opcode byte along with the offset of the byte following it.
func fetchOpcode(p *process.Process, cs, ip uint32) (byte, uint32, error) {
	for {
		b, err := readByte(p, linear(cs, ip))
		if err != nil {
			return 0, 0, err
		}

		ip++

		if isPrefixByte(b) {
			continue
		}

		return b, ip, nil
	}
}

// Fault is the entry point trap.Kernel.VM86 calls on a #GP from a DOS
// process. It decodes exactly one instruction at the guest's cs:ip,
// emulates it if it is one of the privileged forms below, and leaves
// ip past it. Any other opcode is reported as an error, which the
// caller treats as fatal for the process.
func (m *Monitor) Fault(p *process.Process) error {
	cs := p.Context.CS

	op, ip, err := fetchOpcode(p, cs, p.Context.EIP)
	if err != nil {
		return err
	}

	switch op {
	case opCLI:
		m.setVirtualIF(p.PID, false)
		p.Context.EIP = ip

	case opSTI:
		m.setVirtualIF(p.PID, true)
		p.Context.EIP = ip

	case opPUSHF:
		flags := p.Context.EFlags &^ uint32(flagIF)
		if m.virtualIF(p.PID) {
			flags |= flagIF
		}

		if err := pushGuestWord(p, uint16(flags)); err != nil {
			return err
		}

		p.Context.EIP = ip

	case opPOPF:
		word, err := popGuestWord(p)
		if err != nil {
			return err
		}

		m.setVirtualIF(p.PID, word&flagIF != 0)
		p.Context.EIP = ip

	case opINT:
		vector, err := readByte(p, linear(cs, ip))
		if err != nil {
			return err
		}

		p.Context.EIP = ip + 1

		return m.serviceInterrupt(p, vector)

	case opIRET:
		ipw, err := popGuestWord(p)
		if err != nil {
			return err
		}

		csw, err := popGuestWord(p)
		if err != nil {
			return err
		}

		flagsw, err := popGuestWord(p)
		if err != nil {
			return err
		}

		p.Context.EIP = uint32(ipw)
		p.Context.CS = uint32(csw)
		m.setVirtualIF(p.PID, flagsw&flagIF != 0)

	case opInALib, opInAXib:
		// No real port space behind this monitor; reads come back all
		// ones, the conventional "nothing there" result.
		if op == opInALib {
			p.Context.EAX = p.Context.EAX&^0xFF | 0xFF
		} else {
			p.Context.EAX = p.Context.EAX&^0xFFFF | 0xFFFF
		}

		p.Context.EIP = ip + 1

	case opInALdx, opInAXdx:
		if op == opInALdx {
			p.Context.EAX = p.Context.EAX&^0xFF | 0xFF
		} else {
			p.Context.EAX = p.Context.EAX&^0xFFFF | 0xFFFF
		}

		p.Context.EIP = ip

	case opOutIbAL, opOutIbAX:
		p.Context.EIP = ip + 1

	case opOutDXAL, opOutDXAX:
		p.Context.EIP = ip

	default:
		return kerr.New(kerr.InvalidArgument, fmt.Sprintf("dosvm: unemulated opcode %#02x", op))
	}

	return nil
}

func setCF(p *process.Process, on bool) {
	if on {
		p.Context.EFlags |= 1
	} else {
		p.Context.EFlags &^= 1
	}
}

func setZF(p *process.Process, on bool) {
	if on {
		p.Context.EFlags |= flagZF
	} else {
		p.Context.EFlags &^= flagZF
	}
}

func ax(p *process.Process) uint16 { return uint16(p.Context.EAX) }
func setAX(p *process.Process, v uint16) {
	p.Context.EAX = p.Context.EAX&^0xFFFF | uint32(v)
}

func setAL(p *process.Process, v byte) {
	p.Context.EAX = p.Context.EAX&^0xFF | uint32(v)
}

// serviceInterrupt dispatches a software interrupt the guest executed.
// The kernel only services the fixed set of vectors DOS programs
// actually depend on for console, keyboard, process-exit and file
// access; everything else reflects into the guest's own IVT entry, the
// same as real hardware would do for an unclaimed vector.
func (m *Monitor) serviceInterrupt(p *process.Process, vector byte) error {
	switch vector {
	case 0x10:
		return m.serviceVideo(p)
	case 0x16:
		return m.serviceKeyboard(p)
	case 0x20:
		m.terminate(p, 0)
		return nil
	case 0x21:
		return m.serviceDOS(p)
	case 0x2F:
		// The multiplexer is where a TSR would answer AH=installation
		// checks; with no mechanism to run TSR code in the first place
		// there is nothing to answer with, so this is a no-op.
		return nil
	default:
		return m.reflect(p, vector)
	}
}

func (m *Monitor) terminate(p *process.Process, code int32) {
	m.Forget(p.PID)

	for _, waiter := range m.Table.Terminate(p, code) {
		m.Sched.Enqueue(waiter)
	}

	m.Sched.Yield()
}

// reflect delivers an unclaimed vector to the guest's own interrupt
// table: push flags/cs/ip, then load cs:ip from the guest's IVT entry
// at vector*4, exactly like real hardware's INT instruction would do
// in real mode.
func (m *Monitor) reflect(p *process.Process, vector byte) error {
	flags := p.Context.EFlags &^ uint32(flagIF)
	if m.virtualIF(p.PID) {
		flags |= flagIF
	}

	if err := pushGuestWord(p, uint16(flags)); err != nil {
		return err
	}

	if err := pushGuestWord(p, uint16(p.Context.CS)); err != nil {
		return err
	}

	if err := pushGuestWord(p, uint16(p.Context.EIP)); err != nil {
		return err
	}

	entry := uint32(vector) * 4

	ip, err := readWord(p, entry)
	if err != nil {
		return err
	}

	cs, err := readWord(p, entry+2)
	if err != nil {
		return err
	}

	p.Context.EIP = uint32(ip)
	p.Context.CS = uint32(cs)
	m.setVirtualIF(p.PID, false)

	return nil
}
