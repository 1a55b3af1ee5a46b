package mmap

import (
	"gopherboot/loader/firmware"
	"gopherboot/loader/mem"

	"github.com/google/btree"
)

// rank orders region types by how restrictive they are. When two firmware
// descriptors overlap, the overlapping frames get the higher ranked type.
func rank(t mem.RegionType) int {
	switch t {
	case mem.Usable:
		return 0
	case mem.FirmwareReclaimable:
		return 1
	case mem.LoaderCode:
		return 2
	case mem.LoaderData:
		return 3
	case mem.Acpi:
		return 4
	case mem.MMIO:
		return 5
	case mem.Reserved:
		return 6
	default:
		return 7
	}
}

// descriptorLess orders descriptors by start address, then end address, then
// type so that identical firmware entries collapse into one tree item.
func descriptorLess(a, b firmware.Descriptor) bool {
	switch {
	case a.PhysAddr != b.PhysAddr:
		return a.PhysAddr < b.PhysAddr
	case a.Length != b.Length:
		return a.Length < b.Length
	default:
		return a.Type < b.Type
	}
}

// normalize page-aligns a descriptor. Reported addresses may not be
// page-aligned; usable memory is shrunk to whole frames while every other type
// is grown so that a partially reserved frame is never handed out.
func normalize(d firmware.Descriptor) (firmware.Descriptor, bool) {
	const pageSizeMinus1 = uint64(mem.PageSize - 1)

	if d.Length == 0 {
		return d, false
	}

	start, end := d.PhysAddr, d.PhysAddr+d.Length
	if end < start {
		// wrapped around; clamp to the top of the physical address space
		end = 1 << mem.PhysAddrBits
	}

	if d.Type == mem.Usable {
		start = (start + pageSizeMinus1) &^ pageSizeMinus1
		end &^= pageSizeMinus1
	} else {
		start &^= pageSizeMinus1
		end = (end + pageSizeMinus1) &^ pageSizeMinus1
	}

	if end <= start {
		return d, false
	}

	return firmware.Descriptor{PhysAddr: start, Length: end - start, Type: d.Type}, true
}

// flatten converts a set of possibly overlapping descriptors into a sorted,
// non-overlapping list of regions. The address space is cut at every
// descriptor boundary; each resulting interval takes the most restrictive type
// of the descriptors covering it and runs of the same type are merged.
func flatten(descriptors *btree.BTreeG[firmware.Descriptor]) []mem.Region {
	boundaries := btree.NewOrderedG[uint64](8)
	descriptors.Ascend(func(d firmware.Descriptor) bool {
		boundaries.ReplaceOrInsert(d.PhysAddr)
		boundaries.ReplaceOrInsert(d.PhysAddr + d.Length)
		return true
	})

	var (
		regions   []mem.Region
		prev      uint64
		firstEdge = true
	)

	boundaries.Ascend(func(edge uint64) bool {
		if firstEdge {
			prev, firstEdge = edge, false
			return true
		}

		start, end := prev, edge
		prev = edge

		covered, typ := false, mem.Usable
		descriptors.AscendLessThan(firmware.Descriptor{PhysAddr: end}, func(d firmware.Descriptor) bool {
			if d.PhysAddr+d.Length > start {
				if !covered || rank(d.Type) > rank(typ) {
					typ = d.Type
				}
				covered = true
			}
			return true
		})

		if !covered {
			return true
		}

		pages := (end - start) >> mem.PageShift
		if n := len(regions); n != 0 && regions[n-1].Type == typ && regions[n-1].End() == start {
			regions[n-1].Pages += pages
			return true
		}

		regions = append(regions, mem.Region{Start: start, Pages: pages, Type: typ})
		return true
	})

	return regions
}
