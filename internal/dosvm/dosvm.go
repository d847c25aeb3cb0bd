// Package dosvm is the VM86 monitor: the trap-and-emulate layer that lets
// real-mode DOS programs run as ring-3 tasks with the CPU's VM flag set.
// Any privileged instruction or software interrupt a DOS process executes
// raises a general-protection fault and lands here with the guest's
// cs:ip, ss:sp and flags available on the process's saved Context.
//
// Monitor.Fault is what internal/trap calls first on a #GP from a DOS
// process -- decode one instruction, service it if it is one of the small
// set this monitor understands, and advance the guest past it. Returning
// an error here means the instruction is not emulated and the process is
// killed by the caller, not by this package.
package dosvm

import (
	"github.com/retrodos/imm-dos-nx/internal/kfs"
	"github.com/retrodos/imm-dos-nx/internal/log"
	"github.com/retrodos/imm-dos-nx/internal/process"
	"github.com/retrodos/imm-dos-nx/internal/sched"
)

// VideoDriver is the out-of-scope VGA driver int 0x10 AH=0x00 delegates
// to. A nil Video makes set-mode a no-op success.
type VideoDriver interface {
	SetMode(mode uint32) error
}

// Keyboard is the out-of-scope keyboard driver int 0x16 polls and blocks
// on. A nil Keyboard reports no key ever available, which is enough for a
// program that only checks before falling back to another input path.
type Keyboard interface {
	// Peek reports the next pending scan code without consuming it.
	Peek() (code byte, ok bool)
	// Read blocks until a key is available and consumes it.
	Read() byte
}

// dosHandles maps a process's DOS-visible file handles (as returned by
// AH=0x3D) to its kfs.Table fds, starting at 5 since 0-4 are reserved by
// convention for the standard DOS handles.
type dosHandles struct {
	next  uint16
	byDOS map[uint16]int
}

func newDOSHandles() *dosHandles {
	return &dosHandles{next: 5, byDOS: make(map[uint16]int)}
}

func (h *dosHandles) install(fd int) uint16 {
	handle := h.next
	h.next++
	h.byDOS[handle] = fd

	return handle
}

func (h *dosHandles) lookup(handle uint16) (int, bool) {
	fd, ok := h.byDOS[handle]
	return fd, ok
}

func (h *dosHandles) remove(handle uint16) {
	delete(h.byDOS, handle)
}

// Monitor holds the state the VM86 trap-and-emulate path needs: the
// process and scheduler interfaces it terminates/reschedules through
// (a DOS program's int 0x20 is a process-exit request serviced entirely
// inside this monitor, not a fault), the filesystem int 0x21's file
// functions open against, and the per-process virtual-interrupt-flag
// shadow and DOS handle table.
type Monitor struct {
	Table    *process.Table
	Sched    *sched.Scheduler
	FS       *kfs.Filesystem
	Video    VideoDriver
	Keyboard Keyboard

	log *log.Logger

	vif     map[process.PID]bool
	handles map[process.PID]*dosHandles
}

// New creates a Monitor wired to the kernel's process table, scheduler
// and filesystem. Wire Monitor.Fault into trap.Kernel.VM86.
func New(table *process.Table, scheduler *sched.Scheduler, fs *kfs.Filesystem, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Monitor{
		Table:   table,
		Sched:   scheduler,
		FS:      fs,
		log:     logger,
		vif:     make(map[process.PID]bool),
		handles: make(map[process.PID]*dosHandles),
	}
}

func (m *Monitor) handlesFor(pid process.PID) *dosHandles {
	h, ok := m.handles[pid]
	if !ok {
		h = newDOSHandles()
		m.handles[pid] = h
	}

	return h
}

// virtualIF reports the guest's shadow interrupt-enable flag. It starts
// true: a freshly loaded DOS program expects interrupts enabled.
func (m *Monitor) virtualIF(pid process.PID) bool {
	v, ok := m.vif[pid]
	if !ok {
		return true
	}

	return v
}

func (m *Monitor) setVirtualIF(pid process.PID, on bool) {
	m.vif[pid] = on
}

// Forget drops a terminated process's monitor-private state. The monitor's
// own terminate path (int 0x20, int 0x21 AH=0x4C) calls it; the trap
// core's fault-termination paths do not.
func (m *Monitor) Forget(pid process.PID) {
	delete(m.vif, pid)
	delete(m.handles, pid)
}
