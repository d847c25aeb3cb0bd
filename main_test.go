package main_test

import (
	"bufio"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/retrodos/imm-dos-nx/internal/boot"
	"github.com/retrodos/imm-dos-nx/internal/demofs"
	"github.com/retrodos/imm-dos-nx/internal/kfs"
	"github.com/retrodos/imm-dos-nx/internal/log"
	"github.com/retrodos/imm-dos-nx/internal/memory/frame"
	"github.com/retrodos/imm-dos-nx/internal/process"
	"github.com/retrodos/imm-dos-nx/internal/trap"
)

var logBuffer bufio.Writer

type testHarness struct {
	*testing.T
}

func (testHarness) Make() *boot.Kernel {
	drive := demofs.New("INIT:")
	drive.Seed("\\init.bin", make([]byte, 16))

	fs := kfs.NewFilesystem()
	fs.Mount(drive)

	k, err := boot.Boot(boot.Config{
		MemoryMap: []frame.MapEntry{{Base: 0, Length: 16 * 1024 * 1024, Type: frame.Usable}},
		FS:        fs,
	})
	if err != nil {
		panic(err)
	}

	return k
}

var (
	// timeout bounds the test: the scheduler loop never exits on its own
	// (idle always has something to step), so this is what ends it.
	timeout    = 200 * time.Millisecond
	statusTick = 25 * time.Millisecond
)

// Context creates a test context. The context is cancelled after a timeout.
func (testHarness) Context() (ctx context.Context,
	cause context.CancelCauseFunc,
	cancel context.CancelFunc,
) {
	ctx = context.Background()
	ctx, cause = context.WithCancelCause(ctx)
	ctx, cancel = context.WithTimeout(ctx, timeout)

	return ctx, func(err error) {
		logBuffer.Flush()
		cause(err)
	}, cancel
}

func TestMain(tt *testing.T) {
	t := testHarness{tt}
	start := time.Now()
	// Log only errors, to keep the run's output short.
	log.LogLevel.Set(log.Error)

	k := t.Make()

	p, err := k.Spawn("INIT:\\init.bin", process.FormatFlatNative)
	if err != nil {
		t.Fatalf("spawn: %s", err)
	}

	ctx, cause, cancel := t.Context()
	defer cancel()

	go func() {
		for {
			select {
			case <-time.After(statusTick):
				t.Log("in progress, current:", k.Sched.Current(), "state:", p.State)
			case <-ctx.Done():
				cancel()
			}
		}
	}()

	go func() {
		t.Logf("running")

		// Run only returns once ctx is cancelled: idle always gives the
		// Stepper something to do, so there is no natural end of work.
		err := k.Sched.Run(ctx, func(cur *process.Process) error {
			if cur.PID == k.Idle.PID {
				return nil
			}

			k.Trap.Syscall(cur, trap.SysTerminate, 0, 0, 0)

			return nil
		})

		cause(err)
	}()

	<-ctx.Done()

	elapsed := time.Since(start)
	err = context.Cause(ctx)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		t.Logf("test: ok, err: %s, elapsed: %s", err, elapsed)
	default:
		t.Errorf("test: error: %s: elapsed: %s, %s", err, elapsed, timeout)
	}

	if p.State != process.Terminated {
		t.Errorf("state = %s, want Terminated", p.State)
	}
}
