package format

import (
	"github.com/retrodos/imm-dos-nx/internal/kerr"
	"github.com/retrodos/imm-dos-nx/internal/memory/frame"
	"github.com/retrodos/imm-dos-nx/internal/memory/paging"
	"github.com/retrodos/imm-dos-nx/internal/process"
)

// FlatBase is where a flat-binary-native image is mapped: low user memory,
// well clear of the DOS conventional-memory convention used by COM/EXE
// processes sharing the same linear layout.
const FlatBase paging.VirtAddr = 0x00100000

// FlatStackTop is the top of a flat native process's initial stack.
const FlatStackTop paging.VirtAddr = 0xBFFFFFFF

const flatInitialStack = 64 * 1024

// LoadFlat loads a flat binary: the whole file is code+data mapped
// read-write-executable at FlatBase, entry at the first byte.
func LoadFlat(dir *paging.Directory, alloc *frame.Allocator, image []byte) (process.LoadResult, error) {
	if len(image) == 0 {
		return process.LoadResult{}, kerr.New(kerr.UnsupportedFormat, "format.LoadFlat: empty image")
	}

	code, err := mapAnonymous(dir, alloc, FlatBase, uint32(len(image)), true, paging.KindCode, image)
	if err != nil {
		return process.LoadResult{}, err
	}

	stack, err := mapStack(dir, alloc, FlatStackTop, flatInitialStack)
	if err != nil {
		return process.LoadResult{}, err
	}

	return process.LoadResult{
		Entry:     FlatBase,
		StackTop:  stack.End() - 4,
		Subsystem: process.SubsystemNative,
		Regions:   []paging.Region{code, stack},
	}, nil
}
