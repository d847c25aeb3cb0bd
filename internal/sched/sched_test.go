package sched_test

import (
	"testing"

	"github.com/retrodos/imm-dos-nx/internal/kfs"
	"github.com/retrodos/imm-dos-nx/internal/memory/frame"
	"github.com/retrodos/imm-dos-nx/internal/memory/paging"
	"github.com/retrodos/imm-dos-nx/internal/process"
	"github.com/retrodos/imm-dos-nx/internal/sched"
)

func newFixture(t *testing.T) (*process.Table, *process.Process) {
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

	tbl := process.NewTable(m, alloc, kfs.NewFilesystem(), nil)

	idle, err := tbl.CreateIdle(0xC0001000)
	if err != nil {
		t.Fatalf("CreateIdle: %s", err)
	}

	return tbl, idle
}

func TestFallsBackToIdleWhenQueueEmpty(t *testing.T) {
	tbl, idle := newFixture(t)
	s := sched.New(tbl, idle.PID, nil)

	s.Yield()

	if s.Current() != idle.PID {
		t.Errorf("current = %s, want idle %s", s.Current(), idle.PID)
	}
}

func TestForkedChildGetsScheduledAfterParent(t *testing.T) {
	tbl, idle := newFixture(t)
	s := sched.New(tbl, idle.PID, nil)

	child, err := tbl.Fork(idle)
	if err != nil {
		t.Fatalf("Fork: %s", err)
	}

	s.Enqueue(idle.PID)
	s.Enqueue(child.PID)

	s.Yield() // off idle, onto head of queue (idle)
	if s.Current() != idle.PID {
		t.Fatalf("current = %s, want idle %s", s.Current(), idle.PID)
	}

	s.Yield() // idle requeued at tail, child now at head
	if s.Current() != child.PID {
		t.Fatalf("current = %s, want child %s", s.Current(), child.PID)
	}
}

func TestSleepRemovesFromRunningUntilWakeTick(t *testing.T) {
	tbl, idle := newFixture(t)
	s := sched.New(tbl, idle.PID, nil)

	child, err := tbl.Fork(idle)
	if err != nil {
		t.Fatalf("Fork: %s", err)
	}

	s.Enqueue(child.PID)
	s.Yield()

	if s.Current() != child.PID {
		t.Fatalf("current = %s, want child %s", s.Current(), child.PID)
	}

	s.Sleep(child, 3)

	if child.State != process.Sleeping {
		t.Fatalf("child state = %s, want Sleeping", child.State)
	}

	if s.Current() != idle.PID {
		t.Fatalf("current after sleep = %s, want idle", s.Current())
	}

	for i := 0; i < 3; i++ {
		s.Tick()
	}

	if child.State != process.Runnable {
		t.Fatalf("child state after ticks = %s, want Runnable", child.State)
	}
}

func TestWaitBlocksCallerUntilTerminateWakesIt(t *testing.T) {
	tbl, idle := newFixture(t)
	s := sched.New(tbl, idle.PID, nil)

	parent, err := tbl.Fork(idle)
	if err != nil {
		t.Fatalf("Fork parent: %s", err)
	}

	child, err := tbl.Fork(parent)
	if err != nil {
		t.Fatalf("Fork child: %s", err)
	}

	s.Enqueue(parent.PID)
	s.Yield()

	if s.Current() != parent.PID {
		t.Fatalf("current = %s, want parent %s", s.Current(), parent.PID)
	}

	if _, err := tbl.Wait(parent, child.PID); err != nil {
		t.Fatalf("Wait: %s", err)
	}

	s.Wait(parent, child.PID)

	if s.Current() == parent.PID {
		t.Fatal("waiting process must not remain current")
	}

	for _, pid := range tbl.Terminate(child, 5) {
		s.Enqueue(pid)
	}

	s.Tick()

	if parent.State != process.Runnable && parent.State != process.Running {
		t.Fatalf("parent state = %s, want Runnable/Running after child terminated", parent.State)
	}

	s.Yield()

	if s.Current() != parent.PID {
		t.Fatalf("current after wake = %s, want parent %s", s.Current(), parent.PID)
	}
}
