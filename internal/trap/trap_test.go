package trap_test

import (
	"testing"

	"github.com/retrodos/imm-dos-nx/internal/kfs"
	"github.com/retrodos/imm-dos-nx/internal/memory/frame"
	"github.com/retrodos/imm-dos-nx/internal/memory/paging"
	"github.com/retrodos/imm-dos-nx/internal/process"
	"github.com/retrodos/imm-dos-nx/internal/sched"
	"github.com/retrodos/imm-dos-nx/internal/trap"
)

type memFile struct{ data []byte }

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if int(off) >= len(f.data) {
		return 0, nil
	}

	return copy(p, f.data[off:]), nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	end := int(off) + len(p)
	if end > len(f.data) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}

	copy(f.data[off:], p)

	return len(p), nil
}

func (f *memFile) Size() (uint32, error) { return uint32(len(f.data)), nil }
func (f *memFile) Close() error          { return nil }

type memDrive struct {
	name  string
	files map[string]*memFile
}

func (d *memDrive) Name() string { return d.name }

func (d *memDrive) Open(path string) (kfs.File, error) {
	f, ok := d.files[path]
	if !ok {
		f = &memFile{}
		d.files[path] = f
	}

	return f, nil
}

func (d *memDrive) OpenDir(path string) (kfs.Directory, error) { return nil, nil }

type fixture struct {
	tbl   *process.Table
	s     *sched.Scheduler
	k     *trap.Kernel
	idle  *process.Process
	fs    *kfs.Filesystem
	alloc *frame.Allocator
}

func newFixture(t *testing.T) *fixture {
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

	fs := kfs.NewFilesystem()
	fs.Mount(&memDrive{name: "INIT:", files: map[string]*memFile{}})

	tbl := process.NewTable(m, alloc, fs, nil)

	idle, err := tbl.CreateIdle(0xC0001000)
	if err != nil {
		t.Fatalf("CreateIdle: %s", err)
	}

	s := sched.New(tbl, idle.PID, nil)
	k := trap.New(tbl, s, fs, nil)

	return &fixture{tbl: tbl, s: s, k: k, idle: idle, fs: fs, alloc: alloc}
}

// userProcess forks a child off idle and maps one writable, user-accessible
// page at base so syscalls can read/write through it.
func (fx *fixture) userProcess(t *testing.T, base uint32) *process.Process {
	t.Helper()

	p, err := fx.tbl.Fork(fx.idle)
	if err != nil {
		t.Fatalf("Fork: %s", err)
	}

	f, err := fx.alloc.AllocZeroed()
	if err != nil {
		t.Fatalf("AllocZeroed: %s", err)
	}

	if err := p.Dir.Map(paging.VirtAddr(base), f, paging.FlagUser|paging.FlagWritable); err != nil {
		t.Fatalf("Map: %s", err)
	}

	if err := p.Regions.Insert(paging.Region{
		Start:          paging.VirtAddr(base),
		Length:         frame.PageSize,
		Kind:           paging.KindData,
		Backing:        paging.BackingAnonymous,
		Writable:       true,
		UserAccessible: true,
	}); err != nil {
		t.Fatalf("Insert region: %s", err)
	}

	return p
}

func TestUserPointerRoundTrip(t *testing.T) {
	fx := newFixture(t)
	p := fx.userProcess(t, 0x1000)

	if err := trap.WriteUser(p, 0x1000, []byte("hello")); err != nil {
		t.Fatalf("WriteUser: %s", err)
	}

	got, err := trap.ReadUser(p, 0x1000, 5)
	if err != nil {
		t.Fatalf("ReadUser: %s", err)
	}

	if string(got) != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
}

func TestUserPointerRejectsOutOfBounds(t *testing.T) {
	fx := newFixture(t)
	p := fx.userProcess(t, 0x1000)

	if _, err := trap.ReadUser(p, 0x1000, frame.PageSize+1); err == nil {
		t.Fatal("expected BadAddress for a range crossing the region boundary")
	}

	if _, err := trap.ReadUser(p, 0x9000, 4); err == nil {
		t.Fatal("expected BadAddress for an address outside any region")
	}
}

func TestSyscallForkEnqueuesChild(t *testing.T) {
	fx := newFixture(t)
	p := fx.userProcess(t, 0x1000)

	ret := fx.k.Syscall(p, trap.SysFork, 0, 0, 0)
	if ret <= 0 {
		t.Fatalf("fork returned %d, want a positive child pid", ret)
	}
}

func TestSyscallWaitBlocksUntilChildTerminates(t *testing.T) {
	fx := newFixture(t)
	parent := fx.userProcess(t, 0x1000)

	child, err := fx.tbl.Fork(parent)
	if err != nil {
		t.Fatalf("Fork: %s", err)
	}

	ret := fx.k.Syscall(parent, trap.SysWait, uint32(child.PID), 0, 0)
	if ret != 0 {
		t.Fatalf("wait on a still-running child returned %d, want 0", ret)
	}

	if parent.State != process.Waiting {
		t.Fatalf("parent state = %s, want Waiting", parent.State)
	}

	for _, pid := range fx.tbl.Terminate(child, 7) {
		fx.s.Enqueue(pid)
	}

	if parent.State != process.Runnable {
		t.Fatalf("parent state after child terminated = %s, want Runnable", parent.State)
	}

	fx.s.Yield()

	if fx.s.Current() != parent.PID {
		t.Fatalf("current after wake = %s, want parent %s", fx.s.Current(), parent.PID)
	}
}

func TestSyscallWaitOnTerminatedChildReapsImmediately(t *testing.T) {
	fx := newFixture(t)
	parent := fx.userProcess(t, 0x1000)

	child, err := fx.tbl.Fork(parent)
	if err != nil {
		t.Fatalf("Fork: %s", err)
	}

	fx.tbl.Terminate(child, 42)

	ret := fx.k.Syscall(parent, trap.SysWait, uint32(child.PID), 0, 0)
	if ret != 42 {
		t.Fatalf("wait returned %d, want exit code 42", ret)
	}
}

func TestSyscallOpenReadWrite(t *testing.T) {
	fx := newFixture(t)
	p := fx.userProcess(t, 0x1000)

	// path_ptr struct: {addr: u32, length: u32}
	path := "INIT:\\a.txt"
	if err := trap.WriteUser(p, 0x1100, []byte(path)); err != nil {
		t.Fatalf("write path bytes: %s", err)
	}

	ptr := make([]byte, 8)
	putLE32(ptr[0:4], 0x1100)
	putLE32(ptr[4:8], uint32(len(path)))

	if err := trap.WriteUser(p, 0x1200, ptr); err != nil {
		t.Fatalf("write path_ptr: %s", err)
	}

	fd := fx.k.Syscall(p, trap.SysOpen, 0x1200, 0, 0)
	if fd < 0 {
		t.Fatalf("open returned error %d", fd)
	}

	if err := trap.WriteUser(p, 0x1300, []byte("payload")); err != nil {
		t.Fatalf("write payload: %s", err)
	}

	n := fx.k.Syscall(p, trap.SysWrite, uint32(fd), 0x1300, 7)
	if n != 7 {
		t.Fatalf("write returned %d, want 7", n)
	}

	seekRet := fx.k.Syscall(p, trap.SysSeek, uint32(fd), 0, 0)
	if seekRet != 0 {
		t.Fatalf("seek returned %d, want 0", seekRet)
	}

	rn := fx.k.Syscall(p, trap.SysRead, uint32(fd), 0x1400, 7)
	if rn != 7 {
		t.Fatalf("read returned %d, want 7", rn)
	}

	got, err := trap.ReadUser(p, 0x1400, 7)
	if err != nil {
		t.Fatalf("ReadUser: %s", err)
	}

	if string(got) != "payload" {
		t.Errorf("got %q, want %q", got, "payload")
	}
}

func TestInstallIRQHandlerRejectsDoubleClaim(t *testing.T) {
	fx := newFixture(t)
	p := fx.userProcess(t, 0x1000)

	if ret := fx.k.Syscall(p, trap.SysInstallIRQHandler, 3, 0x2000, 0x3000); ret != 0 {
		t.Fatalf("first install returned %d, want 0", ret)
	}

	if ret := fx.k.Syscall(p, trap.SysInstallIRQHandler, 3, 0x2000, 0x3000); ret >= 0 {
		t.Fatalf("second install on the same irq returned %d, want a negative errno", ret)
	}
}

func TestHandleGeneralProtectionFaultTerminatesNativeProcess(t *testing.T) {
	fx := newFixture(t)
	p := fx.userProcess(t, 0x1000)

	fx.k.HandleGeneralProtectionFault(p)

	if p.State != process.Terminated {
		t.Fatalf("state = %s, want Terminated", p.State)
	}
}

func TestHandleGeneralProtectionFaultConsultsVM86MonitorForDOSProcess(t *testing.T) {
	fx := newFixture(t)
	p := fx.userProcess(t, 0x1000)
	p.Subsystem = process.SubsystemDOS

	called := false
	fx.k.VM86 = func(p *process.Process) error {
		called = true
		return nil
	}

	fx.k.HandleGeneralProtectionFault(p)

	if !called {
		t.Fatal("VM86 monitor was not consulted")
	}

	if p.State == process.Terminated {
		t.Fatal("process terminated despite the monitor emulating the fault")
	}
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
