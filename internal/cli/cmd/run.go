package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/retrodos/imm-dos-nx/internal/boot"
	"github.com/retrodos/imm-dos-nx/internal/cli"
	"github.com/retrodos/imm-dos-nx/internal/demofs"
	"github.com/retrodos/imm-dos-nx/internal/dosvm"
	"github.com/retrodos/imm-dos-nx/internal/hostconsole"
	"github.com/retrodos/imm-dos-nx/internal/kfs"
	"github.com/retrodos/imm-dos-nx/internal/log"
	"github.com/retrodos/imm-dos-nx/internal/memory/frame"
	"github.com/retrodos/imm-dos-nx/internal/process"
	"github.com/retrodos/imm-dos-nx/internal/trap"
)

var errProgramDone = errors.New("run: program terminated")

var formatsByName = map[string]process.Format{
	"flat": process.FormatFlatNative,
	"com":  process.FormatDOSCOM,
	"exe":  process.FormatDOSEXE,
	"elf":  process.FormatELF,
}

// Run is the "run" command: it loads a host file into a booted kernel's
// filesystem namespace and execs it as a process.
func Run() cli.Command {
	return &runCmd{format: "flat"}
}

type runCmd struct {
	format string
}

func (runCmd) Description() string {
	return "load and run a program file"
}

func (runCmd) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `
run [ -format flat|com|exe|elf ] program

Boot a kernel, load program as the given format, and spawn it. There is
no instruction-level interpreter behind this command (see the VM86
monitor and scheduler Stepper docs): run reports the process's loaded
state rather than the output of code it cannot execute.`)

	return err
}

func (r *runCmd) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.StringVar(&r.format, "format", "flat", "program format: flat, com, exe, or elf")

	return fs
}

func (r runCmd) Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int {
	if len(args) != 1 {
		logger.Error("run: expected exactly one program argument")
		return 1
	}

	format, ok := formatsByName[r.format]
	if !ok {
		logger.Error("run: unknown format", "format", r.format)
		return 1
	}

	image, err := os.ReadFile(args[0])
	if err != nil {
		logger.Error("run: reading program", "err", err)
		return 2
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	console, err := hostconsole.New(os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, hostconsole.ErrNoTTY) {
		logger.Error("run: host console", "err", err)
		return 2
	}

	var (
		consoleFile kfs.File
		keyboard    dosvm.Keyboard
	)

	if console != nil {
		consoleFile = console
		keyboard = console
		defer console.Close()
	}

	drive := demofs.New("INIT:")
	drive.Seed("\\run.bin", image)

	fs := kfs.NewFilesystem()
	fs.Mount(drive)

	k, err := boot.Boot(boot.Config{
		MemoryMap: []frame.MapEntry{{Base: 0, Length: 16 * 1024 * 1024, Type: frame.Usable}},
		FS:        fs,
		Console:   consoleFile,
		Keyboard:  keyboard,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("run: boot failed", "err", err)
		return 2
	}

	p, err := k.Spawn("INIT:\\run.bin", format)
	if err != nil {
		logger.Error("run: spawn failed", "err", err)
		return 2
	}

	logger.Info("loaded program",
		"file", args[0],
		"format", r.format,
		"pid", p.PID,
		"entry", fmt.Sprintf("%#x", p.Context.EIP),
	)

	step := func(cur *process.Process) error {
		if cur.PID != k.Idle.PID {
			k.Trap.Syscall(cur, trap.SysTerminate, 0, 0, 0)
		}

		if p.State == process.Terminated {
			return errProgramDone
		}

		return nil
	}

	err = k.Sched.Run(ctx, step)
	if err != nil && !errors.Is(err, errProgramDone) && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error(err.Error())
		return 2
	}

	logger.Info("program exited", "code", p.ExitCode)

	return 0
}
