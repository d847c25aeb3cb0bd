// Package boot assembles a running kernel out of the pieces the rest of
// this module provides: the frame allocator and paging manager from a
// physical memory map, the kernel heap, the filesystem namespace, the
// process table with every executable format loader registered, the
// scheduler, the native trap/syscall core, and the VM86 monitor wired
// as its DOS-subsystem fault handler.
//
// A stage-2 bootloader would hand this package a real e820 memory map
// and InitFS image (see internal/bootinfo); the CLI's "boot" command
// (internal/cli/cmd) instead synthesizes both, since there is no BIOS handoff to
// read when the kernel runs as a host process.
package boot

import (
	"github.com/retrodos/imm-dos-nx/internal/dosvm"
	"github.com/retrodos/imm-dos-nx/internal/format"
	"github.com/retrodos/imm-dos-nx/internal/kerr"
	"github.com/retrodos/imm-dos-nx/internal/kfs"
	"github.com/retrodos/imm-dos-nx/internal/log"
	"github.com/retrodos/imm-dos-nx/internal/memory/frame"
	"github.com/retrodos/imm-dos-nx/internal/memory/kheap"
	"github.com/retrodos/imm-dos-nx/internal/memory/paging"
	"github.com/retrodos/imm-dos-nx/internal/process"
	"github.com/retrodos/imm-dos-nx/internal/sched"
	"github.com/retrodos/imm-dos-nx/internal/trap"
)

// idleEntry is the kernel-space address the idle process's saved EIP
// resumes into. Nothing ever decodes real instructions there (see
// internal/sched's Stepper doc), so any address outside the user half
// of the address space will do; it only has to be one that never
// collides with a real mapping.
const idleEntry = 0xC0001000

// Config is everything a boot sequence needs supplied from outside:
// the physical memory layout and the devices backing the filesystem,
// video and keyboard a DOS process expects.
type Config struct {
	MemoryMap []frame.MapEntry
	FS        *kfs.Filesystem
	Video     dosvm.VideoDriver
	Keyboard  dosvm.Keyboard
	Console   kfs.File
	Logger    *log.Logger
}

// Kernel is the fully wired system produced by Boot.
type Kernel struct {
	Alloc  *frame.Allocator
	Paging *paging.Manager
	Heap   *kheap.Heap
	FS     *kfs.Filesystem
	Table  *process.Table
	Sched  *sched.Scheduler
	Trap   *trap.Kernel
	VM86   *dosvm.Monitor
	Idle   *process.Process

	console kfs.File
}

// Boot brings up a kernel from cfg: allocates the frame pool, builds the
// paging manager and heap, registers every format loader, creates the
// idle process, and wires the VM86 monitor into the trap core's fault
// path.
func Boot(cfg Config) (*Kernel, error) {
	if cfg.FS == nil {
		return nil, kerr.New(kerr.InvalidArgument, "boot.Boot: no filesystem")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.DefaultLogger()
	}

	alloc, err := frame.New(cfg.MemoryMap, frame.Extent{}, frame.Extent{}, logger)
	if err != nil {
		return nil, kerr.Wrap(kerr.OutOfMemory, "boot.Boot: frame.New", err)
	}

	pm, err := paging.NewManager(alloc, logger)
	if err != nil {
		return nil, kerr.Wrap(kerr.OutOfMemory, "boot.Boot: paging.NewManager", err)
	}

	heap := kheap.New(pm, alloc, logger)

	tbl := process.NewTable(pm, alloc, cfg.FS, logger)
	tbl.SetLoader(process.FormatFlatNative, format.LoadFlat)
	tbl.SetLoader(process.FormatDOSCOM, format.LoadCOM)
	tbl.SetLoader(process.FormatDOSEXE, format.LoadEXE)
	tbl.SetLoader(process.FormatELF, format.LoadELF)

	idle, err := tbl.CreateIdle(idleEntry)
	if err != nil {
		return nil, err
	}

	s := sched.New(tbl, idle.PID, logger)

	tk := trap.New(tbl, s, cfg.FS, logger)
	tk.Video = cfg.Video

	vm := dosvm.New(tbl, s, cfg.FS, logger)
	vm.Video = cfg.Video
	vm.Keyboard = cfg.Keyboard
	tk.VM86 = vm.Fault

	return &Kernel{
		Alloc:   alloc,
		Paging:  pm,
		Heap:    heap,
		FS:      cfg.FS,
		Table:   tbl,
		Sched:   s,
		Trap:    tk,
		VM86:    vm,
		Idle:    idle,
		console: cfg.Console,
	}, nil
}

// Spawn forks a fresh process off idle, gives it its own file table
// backed by the boot console at fd 0/1/2, loads path under format, and
// enqueues it to run.
func (k *Kernel) Spawn(path string, f process.Format) (*process.Process, error) {
	p, err := k.Table.Fork(k.Idle)
	if err != nil {
		return nil, err
	}

	p.Files = kfs.NewTable(k.console)

	if err := k.Table.Exec(p, path, f); err != nil {
		k.Table.Terminate(p, -1)
		return nil, err
	}

	k.Sched.Enqueue(p.PID)

	return p, nil
}
