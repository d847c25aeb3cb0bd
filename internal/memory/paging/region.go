package paging

import (
	"sort"

	"github.com/retrodos/imm-dos-nx/internal/kerr"
)

// Kind is the purpose of a memory region.
type Kind int

const (
	KindCode Kind = iota
	KindData
	KindStack
	KindHeap
	KindMMap
	KindDOSConventional
	KindIVT
	KindBDA
	KindVGAShadow
)

// Backing describes where a region's contents come from.
type Backing int

const (
	BackingZeroFill Backing = iota
	BackingInitFSFile
	BackingAnonymous
	BackingDeviceMMIO
)

// Region is one entry in a process's ordered, non-overlapping list of
// virtual memory ranges. Stacks grow downward; the heap grows
// upward from just above the data region.
type Region struct {
	Start          VirtAddr
	Length         uint32
	Kind           Kind
	Backing        Backing
	Writable       bool
	UserAccessible bool
}

func (r Region) End() VirtAddr { return VirtAddr(uint32(r.Start) + r.Length) }

func (r Region) Contains(v VirtAddr) bool {
	return v >= r.Start && v < r.End()
}

func (r Region) overlaps(o Region) bool {
	return r.Start < o.End() && o.Start < r.End()
}

// RegionList is a process's ordered region list.
type RegionList struct {
	regions []Region
}

// NewRegionList returns an empty region list.
func NewRegionList() *RegionList {
	return &RegionList{}
}

// Insert adds a region, rejecting it if it overlaps an existing one.
func (rl *RegionList) Insert(r Region) error {
	for _, existing := range rl.regions {
		if existing.overlaps(r) {
			return kerr.New(kerr.InvalidArgument, "paging.RegionList.Insert: overlap")
		}
	}

	rl.regions = append(rl.regions, r)
	sort.Slice(rl.regions, func(i, j int) bool { return rl.regions[i].Start < rl.regions[j].Start })

	return nil
}

// Find returns the region containing v, if any.
func (rl *RegionList) Find(v VirtAddr) (Region, bool) {
	for _, r := range rl.regions {
		if r.Contains(v) {
			return r, true
		}
	}

	return Region{}, false
}

// FindKind returns the first region of the given kind.
func (rl *RegionList) FindKind(k Kind) (int, bool) {
	for i, r := range rl.regions {
		if r.Kind == k {
			return i, true
		}
	}

	return 0, false
}

// Replace overwrites the region at index i.
func (rl *RegionList) Replace(i int, r Region) {
	rl.regions[i] = r
}

// RemoveAll clears the list, used by exec when replacing the image.
func (rl *RegionList) RemoveAll() []Region {
	old := rl.regions
	rl.regions = nil

	return old
}

// All returns a copy of the region list.
func (rl *RegionList) All() []Region {
	out := make([]Region, len(rl.regions))
	copy(out, rl.regions)

	return out
}

// Clone deep-copies the list, used by fork.
func (rl *RegionList) Clone() *RegionList {
	return &RegionList{regions: append([]Region(nil), rl.regions...)}
}
