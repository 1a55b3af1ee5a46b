// Package vmm builds the 4-level x86-64 page table hierarchy the kernel runs
// on after the hand-off. Tables are allocated from the bootstrap frame
// allocator and accessed through a mem.PhysMemory arena so the hierarchy can
// be built and inspected without an MMU.
package vmm

import (
	"gopherboot/loader"
	"gopherboot/loader/mem"

	"github.com/sirupsen/logrus"
)

var (
	errMappingConflict = &loader.Error{Module: "vmm", Message: "virtual page already mapped to a different frame or with different permissions", Kind: loader.MappingConflict}
	errMisaligned      = &loader.Error{Module: "vmm", Message: "mapping addresses must be page aligned and canonical", Kind: loader.MappingConflict}
	errDirectMapSize   = &loader.Error{Module: "vmm", Message: "physical memory does not fit in the direct map", Kind: loader.MappingConflict}
	errGuardViolation  = &loader.Error{Module: "vmm", Message: "mapping overlaps a guard page", Kind: loader.GuardViolation}
	errGuardMapped     = &loader.Error{Module: "vmm", Message: "guard page is already mapped", Kind: loader.GuardViolation}

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &loader.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page", Kind: loader.InvalidHandoff}
)

// FrameAllocator provides zeroable physical frames for new page tables.
type FrameAllocator interface {
	AllocFrame() (mem.Frame, *loader.Error)
}

// Builder constructs a page table hierarchy. A Builder is not safe for
// concurrent use.
type Builder struct {
	phys  mem.PhysMemory
	alloc FrameAllocator
	log   logrus.FieldLogger

	root mem.Frame

	// guards holds the pages reserved with ReserveGuard.
	guards map[mem.Page]struct{}

	// tableCount tracks the number of allocated tables including the root.
	tableCount uint64

	// HugePages enables 2M and 1G leaves for the direct map.
	HugePages bool
}

// NewBuilder allocates and clears the root (PML4) table.
func NewBuilder(phys mem.PhysMemory, alloc FrameAllocator, log logrus.FieldLogger) (*Builder, *loader.Error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	b := &Builder{
		phys:   phys,
		alloc:  alloc,
		log:    log.WithField("module", "vmm"),
		guards: make(map[mem.Page]struct{}),
	}

	root, err := b.newTable()
	if err != nil {
		return nil, err
	}
	b.root = root
	return b, nil
}

// Root returns the frame holding the top-level table. Its address is the
// value loaded into CR3.
func (b *Builder) Root() mem.Frame {
	return b.root
}

// TableCount returns the number of page tables allocated so far.
func (b *Builder) TableCount() uint64 {
	return b.tableCount
}

// newTable allocates a frame and clears its contents.
func (b *Builder) newTable() (mem.Frame, *loader.Error) {
	frame, err := b.alloc.AllocFrame()
	if err != nil {
		return mem.InvalidFrame, err
	}

	mem.ClearFrames(b.phys, frame, 1)
	b.tableCount++
	return frame, nil
}

// ReserveGuard marks the page at virtAddr as a guard page. The page stays
// unmapped and any later attempt to map it fails with a GuardViolation.
func (b *Builder) ReserveGuard(virtAddr uintptr) *loader.Error {
	if virtAddr&(mem.PageSize-1) != 0 || !mem.Canonical(virtAddr) {
		return errMisaligned
	}

	if _, _, err := b.Translate(virtAddr); err == nil {
		b.log.WithField("page", hex(virtAddr)).Error("guard page is mapped")
		return errGuardMapped
	}

	b.guards[mem.PageFromAddress(virtAddr)] = struct{}{}
	b.log.WithField("page", hex(virtAddr)).Debug("reserved guard page")
	return nil
}

// IsGuard returns true if virtAddr lies inside a reserved guard page.
func (b *Builder) IsGuard(virtAddr uintptr) bool {
	_, ok := b.guards[mem.PageFromAddress(virtAddr)]
	return ok
}

// overlapsGuard returns the first guard page inside [start, end).
func (b *Builder) overlapsGuard(start, end uintptr) (uintptr, bool) {
	for page := range b.guards {
		if guard := page.Address(); guard >= start && guard < end {
			return guard, true
		}
	}
	return 0, false
}
