package vmm

import (
	"fmt"
	"gopherboot/loader"
	"gopherboot/loader/mem"

	"github.com/sirupsen/logrus"
)

// Map establishes a mapping between pages consecutive virtual pages starting
// at virtAddr and the physical frames starting at physAddr. Missing
// intermediate tables are allocated from the frame allocator and cleared.
// FlagPresent is implied.
//
// Mapping a page to the frame and permissions it is already mapped to is a
// no-op; a mapping that disagrees with an existing one fails with a
// MappingConflict. Mapping a reserved guard page fails with a GuardViolation.
func (b *Builder) Map(virtAddr, physAddr uintptr, pages uint64, flags PageTableEntryFlag) *loader.Error {
	return b.mapRange(virtAddr, physAddr, uintptr(pages)<<mem.PageShift, flags, false)
}

// MapDirect maps all physical memory described by regions at KMemStart so
// that every physical address p is reachable at KMemStart+p. The mapping is
// RW and non-executable and covers [0, end) where end is the highest region
// end, including holes between regions.
func (b *Builder) MapDirect(regions []mem.Region) *loader.Error {
	end := uintptr(mem.PhysicalEnd(regions))
	end = (end + mem.PageSize - 1) &^ (mem.PageSize - 1)

	if end > mem.DirectMapSize {
		b.log.WithFields(logrus.Fields{
			"phys_end":        hex(end),
			"direct_map_size": hex(mem.DirectMapSize),
		}).Error("physical memory too large for direct map")
		return errDirectMapSize
	}

	if err := b.mapRange(mem.KMemStart, 0, end, FlagRW|FlagNoExecute, b.HugePages); err != nil {
		return err
	}

	b.log.WithFields(logrus.Fields{
		"virt":   hex(mem.KMemStart),
		"size":   hex(end),
		"tables": b.tableCount,
	}).Info("direct map installed")
	return nil
}

// MapStack maps a kernel stack of pages frames starting at physAddr so that
// its lowest page is bottom. The stack is RW and non-executable. A stack that
// overlaps a guard page fails with a GuardViolation; a stack whose lowest
// page is directly above the guard page is fine.
func (b *Builder) MapStack(bottom uintptr, pages uint64, physAddr uintptr) *loader.Error {
	if err := b.Map(bottom, physAddr, pages, FlagRW|FlagNoExecute); err != nil {
		return err
	}

	b.log.WithFields(logrus.Fields{
		"bottom": hex(bottom),
		"top":    hex(bottom + uintptr(pages)<<mem.PageShift),
	}).Info("stack mapped")
	return nil
}

// IdentityMap maps pages frames starting at physAddr to the same virtual
// addresses. It is used to keep the hand-off trampoline reachable across the
// page table switch.
func (b *Builder) IdentityMap(physAddr uintptr, pages uint64, flags PageTableEntryFlag) *loader.Error {
	return b.Map(physAddr, physAddr, pages, flags)
}

// mapRange maps size bytes at virtAddr to physAddr. When huge is set, 1G and
// 2M leaves are used wherever both addresses are suitably aligned and the
// remaining range covers the whole leaf.
func (b *Builder) mapRange(virtAddr, physAddr, size uintptr, flags PageTableEntryFlag, huge bool) *loader.Error {
	pageSizeMinus1 := mem.PageSize - 1
	if virtAddr&pageSizeMinus1 != 0 || physAddr&pageSizeMinus1 != 0 || !mem.Canonical(virtAddr) {
		b.log.WithFields(logrus.Fields{"virt": hex(virtAddr), "phys": hex(physAddr)}).Error("bad mapping request")
		return errMisaligned
	}

	end := virtAddr + size
	if end < virtAddr || (size != 0 && !mem.Canonical(end-1)) {
		return errMisaligned
	}

	if guard, ok := b.overlapsGuard(virtAddr, end); ok {
		b.log.WithFields(logrus.Fields{
			"guard": hex(guard),
			"start": hex(virtAddr),
			"end":   hex(end),
		}).Error("mapping overlaps guard page")
		return errGuardViolation
	}

	flags = (flags | FlagPresent) &^ FlagHugePage
	for virt, phys := virtAddr, physAddr; virt < end; {
		level := uint8(pageLevels - 1)
		if huge {
			for _, l := range []uint8{1, 2} {
				sz := leafSize(l)
				if virt&(sz-1) == 0 && phys&(sz-1) == 0 && end-virt >= sz {
					level = l
					break
				}
			}
		}

		if err := b.mapLeaf(virt, phys, level, flags); err != nil {
			return err
		}

		sz := leafSize(level)
		virt, phys = virt+sz, phys+sz
	}

	return nil
}

// mapLeaf installs a single leaf entry at the requested level.
func (b *Builder) mapLeaf(virtAddr, physAddr uintptr, leafLevel uint8, flags PageTableEntryFlag) *loader.Error {
	var err *loader.Error

	leafFlags := flags
	if leafLevel != pageLevels-1 {
		leafFlags |= FlagHugePage
	}

	b.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == leafLevel {
			if pte.HasFlags(FlagPresent) {
				if pte.Flags() != leafFlags || pte.Frame().Address() != physAddr {
					err = b.conflict(virtAddr, physAddr, pteLevel, *pte, leafFlags)
				}
				return false
			}

			*pte = 0
			pte.SetFrame(mem.FrameFromAddress(physAddr))
			pte.SetFlags(leafFlags)
			return false
		}

		// An existing larger leaf already covers this address; it is
		// only acceptable if it translates to the same frame with the
		// same permissions.
		if pte.HasFlags(FlagPresent | FlagHugePage) {
			offset := virtAddr & (leafSize(pteLevel) - 1)
			if pte.Flags() != flags|FlagHugePage || pte.Frame().Address()+offset != physAddr {
				err = b.conflict(virtAddr, physAddr, pteLevel, *pte, leafFlags)
			}
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mem.Frame
			newTableFrame, err = b.newTable()
			if err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)
		}

		return true
	})

	return err
}

func (b *Builder) conflict(virtAddr, physAddr uintptr, level uint8, existing pageTableEntry, flags PageTableEntryFlag) *loader.Error {
	b.log.WithFields(logrus.Fields{
		"virt":           hex(virtAddr),
		"phys":           hex(physAddr),
		"level":          level,
		"existing_frame": hex(existing.Frame().Address()),
		"existing_flags": existing.Flags().String(),
		"flags":          flags.String(),
	}).Error("mapping conflict")
	return errMappingConflict
}

func hex(v uintptr) string {
	return fmt.Sprintf("0x%x", v)
}
