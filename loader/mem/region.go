package mem

// RegionType classifies a physical memory region.
type RegionType uint32

const (
	// Usable memory is free for the bootstrap allocator and the kernel.
	Usable RegionType = iota

	// Reserved memory must never be touched.
	Reserved

	// FirmwareReclaimable memory is owned by firmware boot services and can
	// be reclaimed by the kernel once it no longer needs firmware services.
	FirmwareReclaimable

	// LoaderCode holds the loader executable.
	LoaderCode

	// LoaderData holds buffers the firmware allocated on behalf of the
	// loader (the memory map buffer, the kernel file contents).
	LoaderData

	// MMIO marks memory-mapped device registers.
	MMIO

	// Acpi marks ACPI tables that the kernel may reclaim after parsing.
	Acpi

	// BadMemory marks frames the firmware reported as faulty.
	BadMemory

	// Bootstrap marks frames consumed while building the hand-off state:
	// page tables, the loaded kernel image, the kernel stack and the
	// BootInfo block. They belong to the kernel after the hand-off.
	Bootstrap
)

// String implements fmt.Stringer for RegionType.
func (t RegionType) String() string {
	switch t {
	case Usable:
		return "usable"
	case Reserved:
		return "reserved"
	case FirmwareReclaimable:
		return "firmware (reclaimable)"
	case LoaderCode:
		return "loader code"
	case LoaderData:
		return "loader data"
	case MMIO:
		return "MMIO"
	case Acpi:
		return "ACPI"
	case BadMemory:
		return "bad memory"
	case Bootstrap:
		return "bootstrap"
	default:
		return "unknown"
	}
}

// Region describes a run of physical frames that share a classification.
type Region struct {
	// The physical address for this memory region.
	Start uint64

	// The number of pages in the region.
	Pages uint64

	// The type of this region.
	Type RegionType
}

// End returns the physical address following the last byte of the region.
func (r Region) End() uint64 {
	return r.Start + r.Pages<<PageShift
}

// StartFrame returns the first frame of the region.
func (r Region) StartFrame() Frame {
	return Frame(r.Start >> PageShift)
}

// EndFrame returns the frame following the last frame of the region.
func (r Region) EndFrame() Frame {
	return Frame(r.End() >> PageShift)
}

// PhysicalEnd returns the end of the physical span described by a list of
// regions, i.e. the highest region end address.
func PhysicalEnd(regions []Region) uint64 {
	var end uint64
	for _, r := range regions {
		if e := r.End(); e > end {
			end = e
		}
	}
	return end
}
