// immdos-demo is a minimal, non-interactive demonstration of the kernel:
// it boots against a synthesized memory map, spawns one process, and
// prints process state after each scheduler step.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/retrodos/imm-dos-nx/internal/boot"
	"github.com/retrodos/imm-dos-nx/internal/demofs"
	"github.com/retrodos/imm-dos-nx/internal/kfs"
	"github.com/retrodos/imm-dos-nx/internal/memory/frame"
	"github.com/retrodos/imm-dos-nx/internal/process"
	"github.com/retrodos/imm-dos-nx/internal/trap"
)

func main() {
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

	p, err := k.Spawn("INIT:\\init.bin", process.FormatFlatNative)
	if err != nil {
		panic(err)
	}

	fmt.Printf("spawned pid=%s entry=%#x state=%s\n", p.PID, p.Context.EIP, p.State)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_ = k.Sched.Run(ctx, func(cur *process.Process) error {
		fmt.Printf("step current=%s state=%s\n", cur.PID, cur.State)

		if cur.PID != k.Idle.PID {
			k.Trap.Syscall(cur, trap.SysTerminate, 0, 0, 0)
		}

		if p.State == process.Terminated {
			return fmt.Errorf("demo: %s exited, code=%d", p.PID, p.ExitCode)
		}

		return nil
	})

	fmt.Printf("final pid=%s state=%s code=%d\n", p.PID, p.State, p.ExitCode)
}
