// Package demofs is a minimal in-memory kfs.Drive standing in for the
// real FAT/InitFS driver, which is out of this module's scope. It exists
// only so cmd/immdos, the CLI commands in internal/cli/cmd and the tests
// have something to mount and exec without real backing media.
package demofs

import (
	"sync"

	"github.com/retrodos/imm-dos-nx/internal/kerr"
	"github.com/retrodos/imm-dos-nx/internal/kfs"
)

type file struct {
	mu   sync.Mutex
	data []byte
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if int(off) >= len(f.data) {
		return 0, nil
	}

	return copy(p, f.data[off:]), nil
}

func (f *file) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	end := int(off) + len(p)
	if end > len(f.data) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}

	copy(f.data[off:], p)

	return len(p), nil
}

func (f *file) Size() (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return uint32(len(f.data)), nil
}

func (f *file) Close() error { return nil }

type dirEntry struct {
	name string
	size uint32
}

type directory struct {
	entries []dirEntry
	pos     int
}

func (d *directory) ReadDir() (kfs.DirEntry, bool, error) {
	if d.pos >= len(d.entries) {
		return kfs.DirEntry{}, false, nil
	}

	e := d.entries[d.pos]
	d.pos++

	return kfs.DirEntry{Name: e.name, Size: e.size}, true, nil
}

func (d *directory) Close() error { return nil }

// Drive is a named, entirely in-memory filesystem: only files installed
// with Seed exist (Open fails with NoSuchFile for any other path), there
// are no subdirectories, and OpenDir of the root lists the seeded files.
type Drive struct {
	name string

	mu    sync.Mutex
	files map[string]*file
}

// New creates a Drive named name (e.g. "INIT:").
func New(name string) *Drive {
	return &Drive{name: name, files: make(map[string]*file)}
}

func (d *Drive) Name() string { return d.name }

// Seed installs data under path before boot, e.g. the init program's
// image.
func (d *Drive) Seed(path string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f := &file{data: append([]byte(nil), data...)}
	d.files[path] = f
}

func (d *Drive) Open(path string) (kfs.File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.files[path]
	if !ok {
		return nil, kerr.New(kerr.NoSuchFile, "demofs.Open: "+path)
	}

	return f, nil
}

func (d *Drive) OpenDir(path string) (kfs.Directory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if path != "" && path != "\\" {
		return nil, kerr.New(kerr.NoSuchFile, "demofs.OpenDir: "+path)
	}

	entries := make([]dirEntry, 0, len(d.files))

	for name, f := range d.files {
		size, _ := f.Size()
		entries = append(entries, dirEntry{name: name, size: size})
	}

	return &directory{entries: entries}, nil
}
