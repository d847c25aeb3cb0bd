package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/retrodos/imm-dos-nx/internal/boot"
	"github.com/retrodos/imm-dos-nx/internal/cli"
	"github.com/retrodos/imm-dos-nx/internal/demofs"
	"github.com/retrodos/imm-dos-nx/internal/kfs"
	"github.com/retrodos/imm-dos-nx/internal/log"
	"github.com/retrodos/imm-dos-nx/internal/memory/frame"
	"github.com/retrodos/imm-dos-nx/internal/process"
	"github.com/retrodos/imm-dos-nx/internal/trap"
)

var errDemoDone = errors.New("boot: demo process terminated")

// Boot is the demonstration command: it brings up a kernel against a
// synthesized memory map and in-memory drive, spawns one native process,
// and drives the scheduler until the process terminates or a timeout
// elapses.
func Boot() cli.Command {
	return new(bootCmd)
}

type bootCmd struct {
	debug bool
	quiet bool
}

func (bootCmd) Description() string {
	return "boot a demonstration kernel"
}

func (bootCmd) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `
boot [ -debug | -quiet ]

Boot a kernel with a synthesized memory map and a single demonstration
process, and drive the scheduler until it exits or the demo times out.`)

	return err
}

func (b *bootCmd) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("boot", flag.ExitOnError)

	fs.BoolVar(&b.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&b.quiet, "quiet", false, "enable quiet output")

	return fs
}

func (b bootCmd) Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if b.quiet {
		log.LogLevel.Set(log.Error)
	}

	if b.debug {
		log.LogLevel.Set(log.Debug)
	}

	logger.Info("booting kernel")

	drive := demoDrive()
	fs := demoFilesystem(drive)

	k, err := boot.Boot(boot.Config{
		MemoryMap: []frame.MapEntry{{Base: 0, Length: 16 * 1024 * 1024, Type: frame.Usable}},
		FS:        fs,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("boot failed", "err", err)
		return 2
	}

	logger.Info("spawning init process")

	p, err := k.Spawn("INIT:\\init.bin", process.FormatFlatNative)
	if err != nil {
		logger.Error("spawn failed", "err", err)
		return 2
	}

	logger.Info("running scheduler")

	step := func(cur *process.Process) error {
		// There is no instruction-level decoder behind this command
		// (see internal/sched's Stepper doc): the demonstration
		// process's one "instruction" is to exit immediately, which is
		// enough to show fork/exec/schedule/terminate wired together
		// end to end.
		if cur.PID != k.Idle.PID {
			k.Trap.Syscall(cur, trap.SysTerminate, 0, 0, 0)
		}

		if p.State == process.Terminated {
			return errDemoDone
		}

		return nil
	}

	err = k.Sched.Run(ctx, step)

	switch {
	case errors.Is(err, errDemoDone):
		logger.Info("init exited", "code", p.ExitCode)
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn("boot demo timed out")
	case err != nil:
		logger.Error(err.Error())
		return 2
	}

	logger.Info("boot demo completed")

	return 0
}

// demoImage is the init program's image: its contents never execute (see
// the step function above), so its bytes are arbitrary.
var demoImage = make([]byte, 16)

func demoDrive() *demofs.Drive {
	drive := demofs.New("INIT:")
	drive.Seed("\\init.bin", demoImage)

	return drive
}

func demoFilesystem(drive *demofs.Drive) *kfs.Filesystem {
	fs := kfs.NewFilesystem()
	fs.Mount(drive)

	return fs
}
