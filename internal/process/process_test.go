package process_test

import (
	"testing"

	"github.com/retrodos/imm-dos-nx/internal/kfs"
	"github.com/retrodos/imm-dos-nx/internal/memory/frame"
	"github.com/retrodos/imm-dos-nx/internal/memory/paging"
	"github.com/retrodos/imm-dos-nx/internal/process"
)

func newTable(t *testing.T) (*process.Table, *frame.Allocator) {
	t.Helper()

	mm := []frame.MapEntry{{Base: 0, Length: 32 * 1024 * 1024, Type: frame.Usable}}

	alloc, err := frame.New(mm, frame.Extent{}, frame.Extent{}, nil)
	if err != nil {
		t.Fatalf("frame.New: %s", err)
	}

	m, err := paging.NewManager(alloc, nil)
	if err != nil {
		t.Fatalf("paging.NewManager: %s", err)
	}

	fs := kfs.NewFilesystem()

	return process.NewTable(m, alloc, fs, nil), alloc
}

func TestCreateIdle(t *testing.T) {
	tbl, _ := newTable(t)

	idle, err := tbl.CreateIdle(0xC0001000)
	if err != nil {
		t.Fatalf("CreateIdle: %s", err)
	}

	if idle.PID != 0 || idle.State != process.Runnable {
		t.Fatalf("got pid=%s state=%s", idle.PID, idle.State)
	}

	if !idle.Dir.HasRecursiveMapping() {
		t.Error("idle process directory missing recursive mapping")
	}
}

func TestForkChildReturnsZero(t *testing.T) {
	tbl, _ := newTable(t)

	parent, err := tbl.CreateIdle(0xC0001000)
	if err != nil {
		t.Fatalf("CreateIdle: %s", err)
	}

	parent.Context.EAX = 42

	child, err := tbl.Fork(parent)
	if err != nil {
		t.Fatalf("Fork: %s", err)
	}

	if child.Context.EAX != 0 {
		t.Errorf("child EAX = %d, want 0", child.Context.EAX)
	}

	if child.PPID != parent.PID {
		t.Errorf("child PPID = %s, want %s", child.PPID, parent.PID)
	}

	if child.State != process.Runnable {
		t.Errorf("child state = %s, want Runnable", child.State)
	}
}

func TestWaitOnUnknownChildFails(t *testing.T) {
	tbl, _ := newTable(t)

	parent, err := tbl.CreateIdle(0xC0001000)
	if err != nil {
		t.Fatalf("CreateIdle: %s", err)
	}

	if _, err := tbl.Wait(parent, 999); err == nil {
		t.Fatal("expected NoSuchChild error")
	}
}

func TestWaitBlocksThenTerminateWakesIt(t *testing.T) {
	tbl, _ := newTable(t)

	parent, err := tbl.CreateIdle(0xC0001000)
	if err != nil {
		t.Fatalf("CreateIdle: %s", err)
	}

	child, err := tbl.Fork(parent)
	if err != nil {
		t.Fatalf("Fork: %s", err)
	}

	if _, err := tbl.Wait(parent, child.PID); err != nil {
		t.Fatalf("Wait: %s", err)
	}

	if parent.State != process.Waiting {
		t.Fatalf("parent state = %s, want Waiting", parent.State)
	}

	tbl.Terminate(child, 7)

	if parent.State != process.Runnable {
		t.Fatalf("parent state after terminate = %s, want Runnable", parent.State)
	}

	code, err := tbl.Wait(parent, child.PID)
	if err != nil {
		t.Fatalf("Wait after terminate: %s", err)
	}

	if code != 7 {
		t.Errorf("exit code = %d, want 7", code)
	}

	if _, err := tbl.Get(child.PID); err == nil {
		t.Error("child should be reaped from the table")
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	tbl, _ := newTable(t)

	p, err := tbl.CreateIdle(0xC0001000)
	if err != nil {
		t.Fatalf("CreateIdle: %s", err)
	}

	tbl.Terminate(p, 1)
	tbl.Terminate(p, 2)

	if p.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1 (second Terminate must be a no-op)", p.ExitCode)
	}
}
