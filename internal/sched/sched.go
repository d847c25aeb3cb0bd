// Package sched implements the preemptive round-robin scheduler: a
// circular run queue of Runnable processes, a tick counter driven by the
// timer interrupt, and the voluntary-yield/sleep/wait transitions that
// move processes in and out of it.
//
// Generalized from the instruction-cycle loop that drives a single
// simulated CPU one step at a time -- context done check, step, service
// pending interrupts, repeat -- into a loop that decides which of many
// processes gets the next step instead of there being only one.
package sched

import (
	"context"

	"github.com/retrodos/imm-dos-nx/internal/kerr"
	"github.com/retrodos/imm-dos-nx/internal/log"
	"github.com/retrodos/imm-dos-nx/internal/process"
)

// DefaultQuantum is the number of ticks a process runs before involuntary
// preemption.
const DefaultQuantum = 5

// TickMillis is the period of the timer interrupt (IRQ0) driving Tick.
const TickMillis = 10

// MillisToTicks converts a sleep(ms) argument to a tick count, rounding up
// and never returning zero so sleep(0) still yields at least one tick.
func MillisToTicks(ms uint32) uint64 {
	ticks := (uint64(ms) + TickMillis - 1) / TickMillis
	if ticks == 0 {
		ticks = 1
	}

	return ticks
}

// Stepper advances the currently Running process by one quantum tick (or
// until it blocks or yields, whichever comes first); a non-nil error stops
// Run and is returned from it. The scheduler owns no CPU of its own; a
// Stepper is how the host supplies one.
type Stepper func(p *process.Process) error

// Scheduler tracks the Runnable queue and the currently Running process.
type Scheduler struct {
	table *process.Table
	log   *log.Logger

	queue   []process.PID
	current process.PID

	quantumLeft int
	tick        uint64

	idle process.PID
}

// New creates a scheduler around an already-populated process table. idle
// must be the pid of the process created by process.Table.CreateIdle.
func New(table *process.Table, idle process.PID, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Scheduler{
		table:       table,
		log:         logger,
		idle:        idle,
		current:     idle,
		quantumLeft: DefaultQuantum,
	}
}

// Enqueue places pid at the tail of the run queue, used when a process
// becomes Runnable: after fork, after waking from sleep, after its wait
// target terminates.
func (s *Scheduler) Enqueue(pid process.PID) {
	for _, q := range s.queue {
		if q == pid {
			return
		}
	}

	s.queue = append(s.queue, pid)
}

// Current returns the pid the scheduler considers Running.
func (s *Scheduler) Current() process.PID { return s.current }

// Tick advances the global tick counter, wakes any Sleeping process whose
// wake_tick has arrived, and charges the current process's quantum,
// rescheduling on expiry. It is called from the timer interrupt handler
// (internal/trap), once per IRQ0.
func (s *Scheduler) Tick() {
	s.tick++

	for _, p := range s.table.All() {
		if p.State == process.Sleeping && s.tick >= p.WakeTick {
			p.State = process.Runnable
			s.Enqueue(p.PID)
		}
	}

	s.quantumLeft--
	if s.quantumLeft <= 0 {
		s.reschedule()
	}
}

// Yield voluntarily relinquishes the current process's remaining quantum;
// the caller (syscall 0x06) is placed at the queue's tail.
func (s *Scheduler) Yield() {
	s.reschedule()
}

// reschedule moves the current process to the tail (if still Runnable) and
// picks the head of the queue, falling back to idle if the queue is empty.
func (s *Scheduler) reschedule() {
	if cur, err := s.table.Get(s.current); err == nil && cur.State == process.Running {
		cur.State = process.Runnable
		s.Enqueue(cur.PID)
	}

	next := s.idle

	for len(s.queue) > 0 {
		candidate := s.queue[0]
		s.queue = s.queue[1:]

		p, err := s.table.Get(candidate)
		if err != nil || p.State != process.Runnable {
			continue
		}

		next = candidate

		break
	}

	if p, err := s.table.Get(next); err == nil {
		p.State = process.Running
	}

	s.current = next
	s.quantumLeft = DefaultQuantum

	s.log.Debug("switched", "to", next, "tick", s.tick)
}

// Sleep transitions p to Sleeping until the tick counter reaches its
// current value plus durationTicks, then reschedules away from it.
func (s *Scheduler) Sleep(p *process.Process, durationTicks uint64) {
	p.State = process.Sleeping
	p.WakeTick = s.tick + durationTicks

	if p.PID == s.current {
		s.reschedule()
	}
}

// Wait transitions p to Waiting for child and reschedules away from it. p
// is not enqueued here -- it is not Runnable yet, and reschedule's queue
// drain would just discard it. The actual unblocking happens in
// process.Table.Terminate, which flips the waiter back to Runnable and
// returns its pid for the caller to feed to Enqueue.
func (s *Scheduler) Wait(p *process.Process, child process.PID) {
	if p.State != process.Waiting {
		return
	}

	if p.PID == s.current {
		s.reschedule()
	}
}

// Run drives the scheduler: step advances whatever process is Running for
// one quantum tick of work, then Run calls Tick itself. The loop exits when
// ctx is cancelled or when step returns an error.
func (s *Scheduler) Run(ctx context.Context, step Stepper) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cur, err := s.table.Get(s.current)
		if err != nil {
			return kerr.Wrap(kerr.NoSuchProcess, "sched.Run", err)
		}

		if err := step(cur); err != nil {
			return err
		}

		s.Tick()
	}
}
