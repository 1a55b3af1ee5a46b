package vmm

import (
	"gopherboot/loader/mem"
	"unsafe"
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// entry returns a pointer to the index-th entry of the table stored in frame.
func (b *Builder) entry(table mem.Frame, index uintptr) *pageTableEntry {
	return (*pageTableEntry)(unsafe.Pointer(&b.phys.Frame(table)[index<<mem.PointerShift]))
}

// walk performs a page table walk for the given virtual address starting at
// the root table. It calls the supplied walkFn with the page table entry that
// corresponds to each page table level. The walk stops when walkFn returns
// false, when an entry is not present or when it reaches a leaf entry.
func (b *Builder) walk(virtAddr uintptr, walkFn pageTableWalker) {
	table := b.root
	for level := uint8(0); level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte := b.entry(table, entryIndex)

		if !walkFn(level, pte) {
			return
		}

		if !pte.HasFlags(FlagPresent) || pte.HasFlags(FlagHugePage) {
			return
		}

		table = pte.Frame()
	}
}

// addrEnd returns the address of the next size boundary after addr or end,
// whichever comes first. size must be a power of two.
func addrEnd(addr, end, size uintptr) uintptr {
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}
