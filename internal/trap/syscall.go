package trap

import (
	"encoding/binary"

	"github.com/retrodos/imm-dos-nx/internal/kerr"
	"github.com/retrodos/imm-dos-nx/internal/kfs"
	"github.com/retrodos/imm-dos-nx/internal/process"
	"github.com/retrodos/imm-dos-nx/internal/sched"
)

// Native syscall method codes, entered via int 0x2b with EAX=method,
// EBX/ECX/EDX=arg0..arg2 and the result returned in EAX.
const (
	SysTerminate         = 0x00
	SysFork              = 0x01
	SysExec              = 0x02
	SysBrk               = 0x04
	SysSleep             = 0x05
	SysYield             = 0x06
	SysWait              = 0x09
	SysOpen              = 0x10
	SysRead              = 0x12
	SysWrite             = 0x13
	SysOpenDir           = 0x1A
	SysReadDir           = 0x1B
	SysSeek              = 0x1D
	SysChangeDrive       = 0x21
	SysGetCurrentDrive   = 0x22
	SysInstallIRQHandler = 0x40
	SysSetVideoMode      = 0x50
)

// direntrySize is the wire layout read_dir writes at entry_ptr: a 4-byte
// name length, 56 bytes of name (zero-padded, truncated if longer), a
// 4-byte size, and a 1-byte is-directory flag.
const (
	direntryNameCap = 56
	direntrySize    = 4 + direntryNameCap + 4 + 1
)

// Syscall dispatches one native syscall for p and returns the EAX result.
// Failures are encoded as kerr.Kind.Errno() rather than returned as a Go
// error: the caller is the trampoline that resumes p with EAX set to
// whatever this returns, and every recognized method already knows how to
// turn its own failures into that encoding.
func (k *Kernel) Syscall(p *process.Process, method, ebx, ecx, edx uint32) int32 {
	switch method {
	case SysTerminate:
		for _, waiter := range k.Table.Terminate(p, int32(ebx)) {
			k.Sched.Enqueue(waiter)
		}

		k.Sched.Yield()

		return 0

	case SysFork:
		child, err := k.Table.Fork(p)
		if err != nil {
			return errno(err)
		}

		k.Sched.Enqueue(child.PID)

		return int32(child.PID)

	case SysExec:
		path, err := ReadPathString(p, ebx)
		if err != nil {
			return errno(err)
		}

		if err := k.Table.Exec(p, path, process.Format(edx)); err != nil {
			return errno(err)
		}

		return 0

	case SysBrk:
		val, err := k.Table.Brk(p, ebx, ecx)
		if err != nil {
			return errno(err)
		}

		return int32(val)

	case SysSleep:
		k.Sched.Sleep(p, sched.MillisToTicks(ebx))
		return 0

	case SysYield:
		k.Sched.Yield()
		return 0

	case SysWait:
		code, err := k.Table.Wait(p, process.PID(ebx))
		if err != nil {
			return errno(err)
		}

		if p.State == process.Waiting {
			k.Sched.Wait(p, process.PID(ebx))
			return 0
		}

		if ecx != 0 {
			_ = WriteUser(p, ecx, le32(uint32(code)))
		}

		return code

	case SysOpen:
		return k.sysOpen(p, ebx)

	case SysRead:
		return k.sysRead(p, ebx, ecx, edx)

	case SysWrite:
		return k.sysWrite(p, ebx, ecx, edx)

	case SysOpenDir:
		return k.sysOpenDir(p, ebx)

	case SysReadDir:
		return k.sysReadDir(p, ebx, ecx)

	case SysSeek:
		pos, err := p.Files.Seek(int(ebx), ecx)
		if err != nil {
			return errno(err)
		}

		return int32(pos)

	case SysChangeDrive:
		name, err := ReadPathString(p, ebx)
		if err != nil {
			return errno(err)
		}

		p.CurrentDrive = name

		return 0

	case SysGetCurrentDrive:
		if err := WriteUser(p, ebx, []byte(p.CurrentDrive)); err != nil {
			return errno(err)
		}

		return int32(len(p.CurrentDrive))

	case SysInstallIRQHandler:
		if err := k.InstallIRQHandler(p, ebx, ecx, edx); err != nil {
			return errno(err)
		}

		return 0

	case SysSetVideoMode:
		if k.Video != nil {
			if err := k.Video.SetMode(ebx); err != nil {
				return errno(err)
			}
		}

		return 0

	default:
		return errno(kerr.New(kerr.InvalidArgument, "trap.Syscall: unrecognized method"))
	}
}

func (k *Kernel) sysOpen(p *process.Process, pathPtr uint32) int32 {
	path, err := ReadPathString(p, pathPtr)
	if err != nil {
		return errno(err)
	}

	f, err := k.FS.Open(path)
	if err != nil {
		return errno(err)
	}

	return int32(p.Files.Install(f))
}

func (k *Kernel) sysRead(p *process.Process, fd, bufPtr, max uint32) int32 {
	buf := make([]byte, max)

	n, err := p.Files.Read(int(fd), buf)
	if err != nil {
		return errno(err)
	}

	if err := WriteUser(p, bufPtr, buf[:n]); err != nil {
		return errno(err)
	}

	return int32(n)
}

func (k *Kernel) sysWrite(p *process.Process, fd, bufPtr, length uint32) int32 {
	buf, err := ReadUser(p, bufPtr, length)
	if err != nil {
		return errno(err)
	}

	n, err := p.Files.Write(int(fd), buf)
	if err != nil {
		return errno(err)
	}

	return int32(n)
}

func (k *Kernel) sysOpenDir(p *process.Process, pathPtr uint32) int32 {
	path, err := ReadPathString(p, pathPtr)
	if err != nil {
		return errno(err)
	}

	d, err := k.FS.OpenDir(path)
	if err != nil {
		return errno(err)
	}

	return int32(p.Files.InstallDir(d))
}

func (k *Kernel) sysReadDir(p *process.Process, handle, entryPtr uint32) int32 {
	entry, ok, err := p.Files.ReadDir(int(handle))
	if err != nil {
		return errno(err)
	}

	if !ok {
		return 0
	}

	if err := WriteUser(p, entryPtr, encodeDirEntry(entry)); err != nil {
		return errno(err)
	}

	return 1
}

func encodeDirEntry(e kfs.DirEntry) []byte {
	buf := make([]byte, direntrySize)

	name := e.Name
	if len(name) > direntryNameCap {
		name = name[:direntryNameCap]
	}

	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(name)))
	copy(buf[4:4+direntryNameCap], name)
	binary.LittleEndian.PutUint32(buf[4+direntryNameCap:8+direntryNameCap], e.Size)

	if e.IsDir {
		buf[8+direntryNameCap] = 1
	}

	return buf
}

func le32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)

	return buf
}

// errno turns any kernel error into the negative small-integer encoding a
// syscall returns in EAX.
func errno(err error) int32 {
	if kind, ok := kerr.As(err); ok {
		return kind.Errno()
	}

	return kerr.InvalidArgument.Errno()
}
