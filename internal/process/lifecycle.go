package process

import (
	"github.com/retrodos/imm-dos-nx/internal/kerr"
	"github.com/retrodos/imm-dos-nx/internal/memory/frame"
	"github.com/retrodos/imm-dos-nx/internal/memory/paging"
)

// Fork duplicates parent into a new child process: its address space
// (eager copy, see DESIGN.md), register context, and FD table. The
// child's saved EAX is zeroed so it resumes with a zero return value; the
// caller (the syscall 0x01 handler) sets the parent's EAX to the child's
// pid after Fork returns.
func (t *Table) Fork(parent *Process) (*Process, error) {
	childDir, err := t.manager.Fork(parent.Dir, false)
	if err != nil {
		return nil, kerr.Wrap(kerr.OutOfMemory, "process.Fork", err)
	}

	kstack, err := t.alloc.AllocZeroed()
	if err != nil {
		return nil, kerr.Wrap(kerr.OutOfMemory, "process.Fork", err)
	}

	t.mu.Lock()
	pid := t.nextPID + 1
	t.nextPID = pid
	t.mu.Unlock()

	child := &Process{
		PID:          pid,
		PPID:         parent.PID,
		State:        Runnable,
		Subsystem:    parent.Subsystem,
		Context:      parent.Context,
		Dir:          childDir,
		Regions:      parent.Regions.Clone(),
		Files:        parent.Files.Clone(),
		CurrentDrive: parent.CurrentDrive,
		KernelStack:  kstack,
	}

	child.Context.EAX = 0

	t.insert(child)
	t.log.Debug("forked", "parent", parent.PID, "child", child.PID)

	return child, nil
}

// Exec replaces p's address space with the program image loaded from the
// named file by the registered loader for format. On success it never
// returns to the caller's prior image: p's regions and register context
// describe the new program. On failure p is left running its original
// image and the error is returned for the syscall handler to translate
// into a DOS-style or native error code.
func (t *Table) Exec(p *Process, path string, format Format) error {
	loader := t.loaders[format]
	if loader == nil {
		return kerr.New(kerr.UnsupportedFormat, "process.Exec: no loader registered")
	}

	f, err := t.fs.Open(path)
	if err != nil {
		return kerr.Wrap(kerr.NoSuchFile, "process.Exec", err)
	}
	defer f.Close()

	size, err := f.Size()
	if err != nil {
		return kerr.Wrap(kerr.IOError, "process.Exec", err)
	}

	image := make([]byte, size)
	if _, err := f.ReadAt(image, 0); err != nil {
		return kerr.Wrap(kerr.IOError, "process.Exec", err)
	}

	newDir, err := t.manager.NewDirectory()
	if err != nil {
		return kerr.Wrap(kerr.OutOfMemory, "process.Exec", err)
	}

	result, err := loader(newDir, t.alloc, image)
	if err != nil {
		return err
	}

	// The old address space's frames are released only after the new one
	// loaded successfully -- a partially loaded exec must not destroy a
	// runnable process.
	oldDir := p.Dir
	oldRegions := p.Regions

	p.Dir = newDir
	p.Regions = paging.NewRegionList()
	p.Subsystem = result.Subsystem
	p.Context = Context{EIP: uint32(result.Entry), ESP: uint32(result.StackTop)}

	for _, r := range result.Regions {
		if err := p.Regions.Insert(r); err != nil {
			return err
		}
	}

	t.freeUserSpace(oldDir, oldRegions)

	t.log.Debug("exec", "pid", p.PID, "path", path, "format", format, "subsystem", result.Subsystem)

	return nil
}

// Terminate marks p Terminated, frees its user-space frames, closes its
// FD table, and wakes anyone waiting on it. The returned PIDs are the
// waiters that just transitioned Waiting -> Runnable; the caller must feed
// each one to Sched.Enqueue, since process does not import sched.
func (t *Table) Terminate(p *Process, code int32) []PID {
	if p.State == Terminated {
		return nil
	}

	t.freeUserSpace(p.Dir, p.Regions)
	p.Files.CloseAll()

	p.State = Terminated
	p.ExitCode = code

	t.mu.Lock()
	defer t.mu.Unlock()

	var woken []PID

	for _, waiter := range t.procs {
		if waiter.State == Waiting && waiter.WaitingFor == p.PID {
			waiter.State = Runnable
			woken = append(woken, waiter.PID)
		}
	}

	t.log.Debug("terminated", "pid", p.PID, "code", code)

	return woken
}

// Wait blocks parent until child is Terminated, then reaps it and returns
// its exit code. The caller (the scheduler) observes parent's State
// transition to Waiting and resumes it once the transition back to
// Runnable happens in Terminate.
func (t *Table) Wait(parent *Process, child PID) (int32, error) {
	t.mu.Lock()
	target, ok := t.procs[child]
	t.mu.Unlock()

	if !ok || target.PPID != parent.PID {
		return 0, kerr.New(kerr.NoSuchChild, "process.Wait")
	}

	if target.State != Terminated {
		parent.State = Waiting
		parent.WaitingFor = child

		return 0, nil // scheduler reinvokes once target.State == Terminated
	}

	code := target.ExitCode
	t.remove(child)

	return code, nil
}

// Brk implements the brk native syscall: mode 0 sets the heap end to arg
// (growing or shrinking it, allocating or releasing frames eagerly), mode 1
// queries the current heap end without changing it.
func (t *Table) Brk(p *Process, mode uint32, arg uint32) (uint32, error) {
	switch mode {
	case 0:
		if err := t.manager.SetBrk(p.Dir, p.Regions, paging.VirtAddr(arg)); err != nil {
			return 0, err
		}

		return arg, nil
	case 1:
		addr, ok := p.Regions.Brk()
		if !ok {
			return 0, kerr.New(kerr.InvalidArgument, "process.Brk: no heap region")
		}

		return uint32(addr), nil
	default:
		return 0, kerr.New(kerr.InvalidArgument, "process.Brk: bad mode")
	}
}

// HandleFault resolves a page fault against p's address space: stack
// growth, brk lazy fill, or copy-on-write, per internal/memory/paging's
// fault contract. An error here means the access was genuinely invalid and
// the caller should terminate p.
func (t *Table) HandleFault(p *Process, addr paging.VirtAddr, kind paging.FaultKind) error {
	return t.manager.HandleFault(p.Dir, p.Regions, addr, kind)
}

func (t *Table) freeUserSpace(dir *paging.Directory, regions *paging.RegionList) {
	for _, r := range regions.All() {
		for va := uint32(r.Start); va < uint32(r.End()); va += frame.PageSize {
			_ = dir.Unmap(paging.VirtAddr(va))
		}
	}
}
