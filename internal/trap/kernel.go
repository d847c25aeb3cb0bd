package trap

import (
	"github.com/retrodos/imm-dos-nx/internal/kerr"
	"github.com/retrodos/imm-dos-nx/internal/kfs"
	"github.com/retrodos/imm-dos-nx/internal/log"
	"github.com/retrodos/imm-dos-nx/internal/memory/paging"
	"github.com/retrodos/imm-dos-nx/internal/process"
	"github.com/retrodos/imm-dos-nx/internal/sched"
)

// VM86Monitor decodes and services a GP fault raised by a DOS process
// running under VM86. It returns nil if the fault was emulated and the
// process should resume, or an error if the instruction was not one it
// handles, in which case the kernel terminates the process.
//
// internal/dosvm provides the concrete implementation; trap only needs
// the shape, so there is no import from this package to that one.
type VM86Monitor func(p *process.Process) error

// VideoDriver is the out-of-scope VGA driver the set_video_mode syscall
// delegates to. A nil Video is a no-op success, since a bootable core with
// no attached display still needs the syscall to return cleanly.
type VideoDriver interface {
	SetMode(mode uint32) error
}

// IRQHandler is a registered user-mode handler for a hardware interrupt,
// installed by the install_irq_handler syscall.
type IRQHandler struct {
	HandlerVaddr uint32
	StackVaddr   uint32
	Owner        process.PID
}

// faultExitCode is the exit code processes receive when the kernel
// terminates them for a fault the process itself is responsible for
// (illegal instruction, unmapped access, unemulated VM86 opcode).
const faultExitCode = -1

// Kernel is the trap-handling core: it owns the IDT description, the
// syscall dispatch table, and the per-IRQ user-handler registrations, and
// holds the process table and scheduler it drives them through.
type Kernel struct {
	IDT *IDT

	Table *process.Table
	Sched *sched.Scheduler
	FS    *kfs.Filesystem
	Video VideoDriver

	VM86 VM86Monitor

	log *log.Logger

	irqHandlers [16]*IRQHandler
}

// New creates a Kernel wired to an already-populated process table and
// scheduler.
func New(table *process.Table, scheduler *sched.Scheduler, fs *kfs.Filesystem, logger *log.Logger) *Kernel {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Kernel{
		IDT:   NewIDT(),
		Table: table,
		Sched: scheduler,
		FS:    fs,
		log:   logger,
	}
}

// InstallIRQHandler registers owner's handler for irq. At most one handler
// may own an IRQ at a time.
func (k *Kernel) InstallIRQHandler(owner *process.Process, irq, handlerVaddr, stackVaddr uint32) error {
	if irq >= 16 {
		return kerr.New(kerr.InvalidArgument, "trap.InstallIRQHandler: bad irq")
	}

	if k.irqHandlers[irq] != nil {
		return kerr.New(kerr.Busy, "trap.InstallIRQHandler: irq already claimed")
	}

	k.irqHandlers[irq] = &IRQHandler{HandlerVaddr: handlerVaddr, StackVaddr: stackVaddr, Owner: owner.PID}
	k.log.Debug("irq handler installed", "irq", irq, "owner", owner.PID)

	return nil
}

// IRQHandlerFor returns the handler registered for irq, if any.
func (k *Kernel) IRQHandlerFor(irq uint32) (*IRQHandler, bool) {
	if irq >= 16 {
		return nil, false
	}

	h := k.irqHandlers[irq]

	return h, h != nil
}

// DispatchIRQ services a hardware interrupt. IRQ0 (the timer) always
// drives the scheduler tick regardless of whether a handler has claimed
// it. Any other IRQ with a registered handler is left recorded for
// whatever drives the owning process forward to deliver via a synthetic
// ring-3 stack frame and an iret-style return -- the same boundary
// internal/sched.Stepper draws around actually executing instructions, the
// upcall's machine-level delivery is outside this layer.
func (k *Kernel) DispatchIRQ(irq uint32) {
	if irq == 0 {
		k.Sched.Tick()
		return
	}

	if _, ok := k.IRQHandlerFor(irq); !ok {
		k.log.Debug("unclaimed irq", "irq", irq)
	}
}

// HandleGeneralProtectionFault demultiplexes a #GP: a DOS process gets
// first refusal via the VM86 monitor (privileged instructions and
// software interrupts under VM86 all raise #GP), and anything the
// monitor does not recognize, or any #GP from a native process, fatally
// terminates the process.
func (k *Kernel) HandleGeneralProtectionFault(p *process.Process) {
	if p.Subsystem == process.SubsystemDOS && k.VM86 != nil {
		if err := k.VM86(p); err == nil {
			return
		}
	}

	k.log.Debug("gp fault terminated process", "pid", p.PID)

	for _, waiter := range k.Table.Terminate(p, faultExitCode) {
		k.Sched.Enqueue(waiter)
	}

	k.Sched.Yield()
}

// HandlePageFault resolves a #PF through the VMM's fault contract (stack
// growth, brk lazy fill, copy-on-write); an address outside any of those
// cases terminates the process.
func (k *Kernel) HandlePageFault(p *process.Process, addr paging.VirtAddr, kind paging.FaultKind) {
	if err := k.Table.HandleFault(p, addr, kind); err != nil {
		k.log.Debug("page fault terminated process", "pid", p.PID, "addr", addr, "err", err)

		for _, waiter := range k.Table.Terminate(p, faultExitCode) {
			k.Sched.Enqueue(waiter)
		}

		k.Sched.Yield()
	}
}
