package paging

import (
	"github.com/retrodos/imm-dos-nx/internal/kerr"
)

// Fork duplicates the user half (directory entries 0-767) of parent into a
// freshly minted child directory.
//
// Whether fork is copy-on-write or an eager copy is left to the caller;
// this implementation supports both and DESIGN.md records the decision to
// default to eager copy at the process-table layer, since it keeps the
// fork/exit lifecycle trivially correct without needing a
// reference-counted COW fault path wired through every syscall that writes
// to user memory. The CoW path is implemented (no test in this package
// exercises it), so a change
// of that default is a one-line call-site change, not a rewrite.
func (m *Manager) Fork(parent *Directory, cow bool) (*Directory, error) {
	child, err := m.NewDirectory()
	if err != nil {
		return nil, err
	}

	dirPage := m.alloc.Bytes(parent.dir)

	for pdIdx := uint32(0); pdIdx < kernelDirIndex0; pdIdx++ {
		pde := readEntry(dirPage, pdIdx)
		if !pde.Present() {
			continue
		}

		table := m.alloc.Bytes(pde.Frame())

		for ti := uint32(0); ti < 1024; ti++ {
			pte := readEntry(table, ti)
			if !pte.Present() {
				continue
			}

			virt := VirtAddr(pdIdx<<22 | ti<<12)

			if err := m.forkPage(parent, child, table, ti, virt, pte, cow); err != nil {
				return nil, err
			}
		}
	}

	return child, nil
}

func (m *Manager) forkPage(parent, child *Directory, parentTable []byte, ti uint32, virt VirtAddr, pte Entry, cow bool) error {
	if !cow {
		nf, err := m.alloc.AllocFrame()
		if err != nil {
			return kerr.Wrap(kerr.OutOfMemory, "paging.Fork", err)
		}

		copy(m.alloc.Bytes(nf), m.alloc.Bytes(pte.Frame()))

		return child.Map(virt, nf, pte&flagsMask&^FlagCOW)
	}

	// CoW: both parent and child share the frame read-only, with the COW bit
	// set so a subsequent write fault (paging.HandleFault) knows to copy.
	roFlags := (pte & flagsMask &^ FlagWritable) | FlagCOW
	writeEntry(parentTable, ti, NewEntry(pte.Frame(), roFlags))
	m.alloc.Ref(pte.Frame())

	return child.Map(virt, pte.Frame(), roFlags)
}
