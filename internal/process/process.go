// Package process implements the process table: the pid namespace, the
// per-process register context and address space, and the state machine
// that the scheduler drives.
//
// Generalized from the single hard-coded CPU context the emulator keeps
// (one PC/IR/PSR/register-file struct per machine) into a table of such
// contexts, one per process, keyed by pid instead of being the only
// machine in existence.
package process

import (
	"fmt"
	"sync"

	"github.com/retrodos/imm-dos-nx/internal/kerr"
	"github.com/retrodos/imm-dos-nx/internal/kfs"
	"github.com/retrodos/imm-dos-nx/internal/log"
	"github.com/retrodos/imm-dos-nx/internal/memory/frame"
	"github.com/retrodos/imm-dos-nx/internal/memory/paging"
)

// PID identifies a process. PID 0 is always the idle process.
type PID uint32

func (p PID) String() string { return fmt.Sprintf("pid#%d", uint32(p)) }

// State is a process's scheduling state.
type State int

const (
	Runnable State = iota
	Running
	Sleeping
	Waiting
	Terminated
)

func (s State) String() string {
	switch s {
	case Runnable:
		return "Runnable"
	case Running:
		return "Running"
	case Sleeping:
		return "Sleeping"
	case Waiting:
		return "Waiting"
	case Terminated:
		return "Terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Subsystem selects which instruction environment a process runs under.
type Subsystem int

const (
	SubsystemNative Subsystem = iota
	SubsystemDOS
)

func (s Subsystem) String() string {
	if s == SubsystemDOS {
		return "DOS"
	}

	return "Native"
}

// Context is the saved CPU register state for a process not currently
// Running. It is restored verbatim by the scheduler's context switch.
type Context struct {
	EAX, EBX, ECX, EDX uint32
	ESI, EDI, EBP, ESP uint32
	EIP                uint32
	EFlags             uint32
	CS, DS, ES, FS, GS, SS uint32
}

// Process is one entry in the process table.
type Process struct {
	PID   PID
	PPID  PID
	State State

	Subsystem Subsystem
	Context   Context

	Dir     *paging.Directory
	Regions *paging.RegionList
	Files   *kfs.Table

	// CurrentDrive is the drive name ("INIT:", a disk letter, ...)
	// relative paths resolve against, inherited across fork.
	CurrentDrive string

	// WakeTick is the global tick count at which a Sleeping process
	// becomes Runnable again.
	WakeTick uint64

	// WaitingFor is the child pid a Waiting process is blocked on.
	WaitingFor PID

	// ExitCode is valid once State == Terminated.
	ExitCode int32

	// KernelStack is the frame backing this process's private kernel
	// stack, switched to on every entry to ring 0.
	KernelStack frame.Frame
}

// Format names the executable format exec() accepts.
type Format int

const (
	FormatFlatNative Format = iota
	FormatDOSCOM
	FormatDOSEXE
	FormatELF
)

// LoadResult is what a format loader hands back to exec once it has mapped
// a program image into a process's address space.
type LoadResult struct {
	Entry     paging.VirtAddr
	StackTop  paging.VirtAddr
	Subsystem Subsystem
	Regions   []paging.Region
}

// Loader maps an executable image into dir, allocating frames from alloc,
// and reports where execution should resume.
type Loader func(dir *paging.Directory, alloc *frame.Allocator, image []byte) (LoadResult, error)

// Table is the system-wide process table.
type Table struct {
	mu      sync.Mutex
	procs   map[PID]*Process
	nextPID PID

	manager *paging.Manager
	alloc   *frame.Allocator
	fs      *kfs.Filesystem
	log     *log.Logger

	loaders [4]Loader
}

// NewTable creates an empty process table.
func NewTable(manager *paging.Manager, alloc *frame.Allocator, fs *kfs.Filesystem, logger *log.Logger) *Table {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Table{
		procs:   make(map[PID]*Process),
		manager: manager,
		alloc:   alloc,
		fs:      fs,
		log:     logger,
	}
}

// SetLoader registers the loader used for a given executable format.
func (t *Table) SetLoader(f Format, fn Loader) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loaders[f] = fn
}

// Get returns the process with the given pid.
func (t *Table) Get(pid PID) (*Process, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.procs[pid]
	if !ok {
		return nil, kerr.New(kerr.NoSuchProcess, "process.Get")
	}

	return p, nil
}

// All returns every process currently in the table, in unspecified order.
func (t *Table) All() []*Process {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Process, 0, len(t.procs))
	for _, p := range t.procs {
		out = append(out, p)
	}

	return out
}

// Children returns the pids whose PPID is parent and which have not yet
// been reaped.
func (t *Table) Children(parent PID) []PID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []PID

	for pid, p := range t.procs {
		if p.PPID == parent && pid != parent {
			out = append(out, pid)
		}
	}

	return out
}

func (t *Table) insert(p *Process) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.procs[p.PID] = p
}

func (t *Table) remove(pid PID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, pid)
}

// CreateIdle installs pid 0: a process with no user mappings whose register
// context resumes into a halt loop. The scheduler falls back to it when no
// other process is Runnable.
func (t *Table) CreateIdle(haltLoopEntry paging.VirtAddr) (*Process, error) {
	dir, err := t.manager.NewDirectory()
	if err != nil {
		return nil, kerr.Wrap(kerr.OutOfMemory, "process.CreateIdle", err)
	}

	kstack, err := t.alloc.AllocZeroed()
	if err != nil {
		return nil, kerr.Wrap(kerr.OutOfMemory, "process.CreateIdle", err)
	}

	idle := &Process{
		PID:         0,
		PPID:        0,
		State:       Runnable,
		Subsystem:   SubsystemNative,
		Dir:         dir,
		Regions:     paging.NewRegionList(),
		Files:       kfs.NewTable(nil),
		KernelStack: kstack,
		Context:     Context{EIP: uint32(haltLoopEntry)},
	}

	t.insert(idle)
	t.log.Debug("idle process created", "pid", idle.PID)

	return idle, nil
}
