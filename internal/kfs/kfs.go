// Package kfs defines the file-descriptor and open-file-record plumbing
// shared by every process, plus the supplier interfaces that an out-of-scope
// FAT driver and InitFS/CPIO reader would implement.
//
// A small interface a concrete implementation satisfies, registered by the
// kernel core and invoked without the core knowing the concrete type.
package kfs

import (
	"io"
	"sync"

	"github.com/retrodos/imm-dos-nx/internal/kerr"
)

// DirEntry is one entry returned by ReadDir.
type DirEntry struct {
	Name  string
	Size  uint32
	IsDir bool
}

// File is an open file, as supplied by a concrete Drive implementation.
// Drives out of scope for this core (FAT, InitFS/CPIO, device files) each
// provide their own File implementation.
type File interface {
	io.ReaderAt
	io.WriterAt
	Size() (uint32, error)
	Close() error
}

// Directory is an open directory handle.
type Directory interface {
	ReadDir() (DirEntry, bool, error) // entry, ok (false at end), error
	Close() error
}

// Drive is a named mounted filesystem, e.g. "INIT:", "DEV:", or a
// single-letter disk drive. Implementations (FAT driver, InitFS/CPIO
// reader, the device-file namespace) live outside this core's scope.
type Drive interface {
	Name() string
	Open(path string) (File, error)
	OpenDir(path string) (Directory, error)
}

// Filesystem is the namespace of mounted drives, addressed by the
// "DRIVE:\path" syntax DOS programs expect.
type Filesystem struct {
	mu     sync.RWMutex
	drives map[string]Drive
}

func NewFilesystem() *Filesystem {
	return &Filesystem{drives: make(map[string]Drive)}
}

// Mount registers a drive under its name.
func (fs *Filesystem) Mount(d Drive) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.drives[d.Name()] = d
}

// Resolve splits "DRIVE:\path\to\file" into a Drive and a driver-relative
// path, accepting both '\\' and '/' separators.
func (fs *Filesystem) Resolve(path string) (Drive, string, error) {
	drive, rest, ok := splitDrive(path)
	if !ok {
		return nil, "", kerr.New(kerr.InvalidArgument, "kfs.Resolve: missing drive")
	}

	name := drive + ":"

	fs.mu.RLock()
	d, ok := fs.drives[name]
	fs.mu.RUnlock()

	if !ok {
		return nil, "", kerr.New(kerr.NoSuchFile, "kfs.Resolve: no such drive: "+name)
	}

	return d, rest, nil
}

func splitDrive(path string) (drive, rest string, ok bool) {
	for i, r := range path {
		if r == ':' {
			return path[:i], path[i+1:], true
		}

		if !isDriveChar(r) {
			break
		}
	}

	return "", "", false
}

func isDriveChar(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}

// Open opens a path for reading and writing.
func (fs *Filesystem) Open(path string) (File, error) {
	d, rest, err := fs.Resolve(path)
	if err != nil {
		return nil, err
	}

	return d.Open(rest)
}

// OpenDir opens a path as a directory.
func (fs *Filesystem) OpenDir(path string) (Directory, error) {
	d, rest, err := fs.Resolve(path)
	if err != nil {
		return nil, err
	}

	return d.OpenDir(rest)
}

// openFile is the reference-counted open-file record, owned by the
// filesystem layer and pointed to by every process FD that shares it.
type openFile struct {
	mu       sync.Mutex
	file     File
	dir      Directory
	refcount int
	offset   uint32
}

// Table is a process's file-descriptor table: a map from a local handle to
// an open-file record. Handles 0, 1, 2 are preinstalled for
// terminal I/O.
type Table struct {
	mu      sync.Mutex
	entries map[int]*openFile
	next    int
}

// NewTable creates an FD table with stdin/stdout/stderr preinstalled,
// backed by term, a process's terminal file (see internal/dosvm for the DOS
// equivalent handle table).
func NewTable(term File) *Table {
	t := &Table{entries: make(map[int]*openFile), next: 3}

	for fd := 0; fd < 3; fd++ {
		t.entries[fd] = &openFile{file: term, refcount: 1}
	}

	return t
}

// Install adds an opened file and returns its new local handle.
func (t *Table) Install(f File) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	fd := t.next
	t.next++
	t.entries[fd] = &openFile{file: f, refcount: 1}

	return fd
}

// InstallDir adds an opened directory and returns its new local handle.
func (t *Table) InstallDir(d Directory) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	fd := t.next
	t.next++
	t.entries[fd] = &openFile{dir: d, refcount: 1}

	return fd
}

func (t *Table) lookup(fd int) (*openFile, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	of, ok := t.entries[fd]
	if !ok {
		return nil, kerr.New(kerr.InvalidArgument, "kfs: bad file descriptor")
	}

	return of, nil
}

// Read reads up to len(buf) bytes at the handle's current offset and
// advances it.
func (t *Table) Read(fd int, buf []byte) (int, error) {
	of, err := t.lookup(fd)
	if err != nil {
		return 0, err
	}

	of.mu.Lock()
	defer of.mu.Unlock()

	if of.file == nil {
		return 0, kerr.New(kerr.NotADirectory, "kfs.Read: directory handle")
	}

	n, err := of.file.ReadAt(buf, int64(of.offset))
	of.offset += uint32(n)

	if err == io.EOF {
		err = nil
	}

	return n, err
}

// Write writes buf at the handle's current offset and advances it.
func (t *Table) Write(fd int, buf []byte) (int, error) {
	of, err := t.lookup(fd)
	if err != nil {
		return 0, err
	}

	of.mu.Lock()
	defer of.mu.Unlock()

	if of.file == nil {
		return 0, kerr.New(kerr.NotADirectory, "kfs.Write: directory handle")
	}

	n, err := of.file.WriteAt(buf, int64(of.offset))
	of.offset += uint32(n)

	return n, err
}

// Seek sets the handle's offset, returning the new position.
func (t *Table) Seek(fd int, offset uint32) (uint32, error) {
	of, err := t.lookup(fd)
	if err != nil {
		return 0, err
	}

	of.mu.Lock()
	defer of.mu.Unlock()
	of.offset = offset

	return of.offset, nil
}

// ReadDir advances a directory handle, returning false when exhausted.
func (t *Table) ReadDir(fd int) (DirEntry, bool, error) {
	of, err := t.lookup(fd)
	if err != nil {
		return DirEntry{}, false, err
	}

	of.mu.Lock()
	defer of.mu.Unlock()

	if of.dir == nil {
		return DirEntry{}, false, kerr.New(kerr.NotADirectory, "kfs.ReadDir: file handle")
	}

	return of.dir.ReadDir()
}

// Close decrements the open-file record's refcount, closing it at zero.
func (t *Table) Close(fd int) error {
	t.mu.Lock()
	of, ok := t.entries[fd]
	if ok {
		delete(t.entries, fd)
	}
	t.mu.Unlock()

	if !ok {
		return kerr.New(kerr.InvalidArgument, "kfs.Close: bad file descriptor")
	}

	of.mu.Lock()
	defer of.mu.Unlock()

	of.refcount--
	if of.refcount > 0 {
		return nil
	}

	if of.file != nil {
		return of.file.Close()
	}

	if of.dir != nil {
		return of.dir.Close()
	}

	return nil
}

// Dup shares an existing handle's open-file record under a new local
// handle, incrementing its refcount -- used by fork to duplicate the FD
// table so parent and child share open-file records.
func (t *Table) Dup(fd int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	of, ok := t.entries[fd]
	if !ok {
		return 0, kerr.New(kerr.InvalidArgument, "kfs.Dup: bad file descriptor")
	}

	of.mu.Lock()
	of.refcount++
	of.mu.Unlock()

	nfd := t.next
	t.next++
	t.entries[nfd] = of

	return nfd, nil
}

// CloseAll closes every handle in the table, used by process termination.
func (t *Table) CloseAll() {
	t.mu.Lock()
	fds := make([]int, 0, len(t.entries))
	for fd := range t.entries {
		fds = append(fds, fd)
	}
	t.mu.Unlock()

	for _, fd := range fds {
		_ = t.Close(fd)
	}
}

// Clone duplicates every entry of t into a new table sharing the same
// open-file records, for fork.
func (t *Table) Clone() *Table {
	t.mu.Lock()
	defer t.mu.Unlock()

	nt := &Table{entries: make(map[int]*openFile, len(t.entries)), next: t.next}

	for fd, of := range t.entries {
		of.mu.Lock()
		of.refcount++
		of.mu.Unlock()
		nt.entries[fd] = of
	}

	return nt
}
