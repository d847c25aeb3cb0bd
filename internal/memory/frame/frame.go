// Package frame implements the physical frame allocator.
//
// The allocator does not own real RAM: it owns a simulated physical address
// space, a single []byte arena backing every frame with a flat Go array
// instead of real silicon. Frame numbers are indices into that arena; the VMM
// (internal/memory/paging), the kernel heap (internal/memory/kheap) and the
// executable loaders (internal/format) are the only other packages that
// dereference frame contents directly.
package frame

import (
	"fmt"
	"sync"

	"github.com/retrodos/imm-dos-nx/internal/kerr"
	"github.com/retrodos/imm-dos-nx/internal/log"
)

// PageSize is the fixed frame size: 4 KiB.
const PageSize = 4096

// Frame identifies a physical page by number. Frame 0 is the first frame of
// the simulated arena.
type Frame uint32

func (f Frame) String() string {
	return fmt.Sprintf("frame#%d@%#08x", uint32(f), uint32(f)*PageSize)
}

// RegionType classifies an e820-style memory map entry.
type RegionType int

const (
	Usable RegionType = iota
	Reserved
	ACPIReclaimable
	ACPINVS
	BadMemory
)

// MapEntry is one entry of the boot memory map handed off at startup.
type MapEntry struct {
	Base   uint64
	Length uint64
	Type   RegionType
}

// Extent is a reserved physical range, e.g. the kernel image or the InitFS
// archive, expressed in frame numbers.
type Extent struct {
	Start Frame
	Count uint32
}

// Allocator tracks ownership of every frame in the simulated physical
// address space. The sum of all refcounts never exceeds the number of
// usable frames reported by the boot memory map.
type Allocator struct {
	mu sync.Mutex

	ram      []byte
	refcount []uint32
	usable   []bool

	// lowPoolLimit is the frame number boundary (exclusive) of the pool
	// reserved for VM86 guest memory below 1 MiB.
	lowPoolLimit Frame

	freeHint Frame // next frame to probe; avoids rescanning from zero every time

	usableCount uint32

	log *log.Logger
}

// New creates an allocator sized to the highest address named by the memory
// map, then reserves non-usable ranges plus the kernel and InitFS extents.
func New(memoryMap []MapEntry, kernel, initfs Extent, logger *log.Logger) (*Allocator, error) {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	var highest uint64

	for _, e := range memoryMap {
		if end := e.Base + e.Length; end > highest {
			highest = end
		}
	}

	totalFrames := uint32(highest / PageSize)
	if highest%PageSize != 0 {
		totalFrames++
	}

	a := &Allocator{
		ram:          make([]byte, uint64(totalFrames)*PageSize),
		refcount:     make([]uint32, totalFrames),
		usable:       make([]bool, totalFrames),
		lowPoolLimit: Frame((1 << 20) / PageSize), // 1 MiB
		log:          logger,
	}

	for _, e := range memoryMap {
		if e.Type != Usable {
			continue
		}

		start := Frame(e.Base / PageSize)
		end := Frame((e.Base + e.Length) / PageSize)

		for f := start; f < end && int(f) < len(a.usable); f++ {
			if !a.usable[f] {
				a.usable[f] = true
				a.usableCount++
			}
		}
	}

	a.reserveExtent(kernel)
	a.reserveExtent(initfs)

	a.log.Debug("frame allocator initialized",
		"total_frames", totalFrames,
		"usable_frames", a.usableCount,
	)

	return a, nil
}

func (a *Allocator) reserveExtent(e Extent) {
	for f := e.Start; f < e.Start+Frame(e.Count); f++ {
		if int(f) >= len(a.refcount) {
			continue
		}

		if a.refcount[f] == 0 {
			a.refcount[f] = 1
		}
	}
}

// AllocFrame returns an unused frame with refcount 1, or OutOfMemory.
func (a *Allocator) AllocFrame() (Frame, error) {
	return a.alloc(0, Frame(len(a.refcount)))
}

// AllocLow allocates from the pool of frames below 1 MiB, used for VM86
// guest memory where specific physical addresses are sometimes required.
func (a *Allocator) AllocLow() (Frame, error) {
	return a.alloc(0, a.lowPoolLimit)
}

// AllocZeroed allocates a frame and zeroes its contents before returning it.
func (a *Allocator) AllocZeroed() (Frame, error) {
	f, err := a.AllocFrame()
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	clear(a.Bytes(f))
	a.mu.Unlock()

	return f, nil
}

func (a *Allocator) alloc(lo, hi Frame) (Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := Frame(len(a.refcount))
	if hi > n {
		hi = n
	}

	for i := Frame(0); i < hi-lo; i++ {
		f := lo + (a.freeHint+i)%(hi-lo)
		if a.usable[f] && a.refcount[f] == 0 {
			a.refcount[f] = 1
			a.freeHint = f + 1

			return f, nil
		}
	}

	return 0, kerr.New(kerr.OutOfMemory, "frame.alloc")
}

// FreeFrame decrements the frame's refcount, releasing it when it reaches
// zero. Freeing an already-free frame is a double-free error.
func (a *Allocator) FreeFrame(f Frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if int(f) >= len(a.refcount) {
		return kerr.New(kerr.InvalidArgument, "frame.free")
	}

	if a.refcount[f] == 0 {
		return kerr.New(kerr.InvalidArgument, "frame.free: double free")
	}

	a.refcount[f]--

	return nil
}

// Ref increments a frame's refcount, for frames shared between address
// spaces such as kernel-text mappings.
func (a *Allocator) Ref(f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.refcount[f]++
}

// Refcount returns the current refcount of a frame; 0 means free.
func (a *Allocator) Refcount(f Frame) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if int(f) >= len(a.refcount) {
		return 0
	}

	return a.refcount[f]
}

// Bytes returns the 4 KiB slice of the simulated physical arena backing a
// frame. Callers -- the VMM walking page tables, the heap growing its
// region -- use this to read or write frame contents directly.
func (a *Allocator) Bytes(f Frame) []byte {
	start := uint64(f) * PageSize
	return a.ram[start : start+PageSize]
}

// TotalFrames returns the number of frames in the simulated arena.
func (a *Allocator) TotalFrames() uint32 {
	return uint32(len(a.refcount))
}

// UsableFrames returns the number of frames the memory map reported as
// usable.
func (a *Allocator) UsableFrames() uint32 {
	return a.usableCount
}

// UsedFrames returns the number of frames with a non-zero refcount. Used by
// tests asserting that the sum of refcounts never exceeds total usable
// frames.
func (a *Allocator) UsedFrames() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var used uint32

	for _, rc := range a.refcount {
		if rc > 0 {
			used++
		}
	}

	return used
}
