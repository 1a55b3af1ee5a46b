package firmware

import (
	"encoding/binary"
	"gopherboot/loader/mem"
)

const (
	// efiDescriptorSize is the size of a version 1 EFI_MEMORY_DESCRIPTOR.
	efiDescriptorSize = 40

	// e820DescriptorSize is the size of a packed e820 entry.
	e820DescriptorSize = 20
)

// EFI_MEMORY_TYPE values.
const (
	EfiReservedMemoryType uint32 = iota
	EfiLoaderCode
	EfiLoaderData
	EfiBootServicesCode
	EfiBootServicesData
	EfiRuntimeServicesCode
	EfiRuntimeServicesData
	EfiConventionalMemory
	EfiUnusableMemory
	EfiACPIReclaimMemory
	EfiACPIMemoryNVS
	EfiMemoryMappedIO
	EfiMemoryMappedIOPortSpace
	EfiPalCode
	EfiPersistentMemory
	EfiUnacceptedMemoryType
)

// e820 type values.
const (
	E820Usable   uint32 = 1
	E820Reserved uint32 = 2
	E820Acpi     uint32 = 3
	E820Nvs      uint32 = 4
	E820Bad      uint32 = 5
)

// Descriptor is a decoded firmware memory descriptor. Descriptors are not
// guaranteed to be page aligned, sorted or non-overlapping.
type Descriptor struct {
	// The physical address of the first byte.
	PhysAddr uint64

	// The length in bytes.
	Length uint64

	// The normalized classification.
	Type mem.RegionType
}

// DescriptorVisitor is invoked by VisitDescriptors for each decoded entry. The
// visitor must return true to continue or false to abort the scan.
type DescriptorVisitor func(d Descriptor) bool

// VisitDescriptors decodes the memory map in buf according to info and invokes
// visitor for each entry. It returns false if the buffer cannot be decoded
// with the reported descriptor size and version.
func VisitDescriptors(buf []byte, info MapInfo, visitor DescriptorVisitor) bool {
	var minSize int
	switch info.DescriptorVersion {
	case DescriptorEFI1:
		minSize = efiDescriptorSize
	case DescriptorE820:
		minSize = e820DescriptorSize
	default:
		return false
	}

	if info.DescriptorSize < minSize || info.Size > len(buf) || info.Size%info.DescriptorSize != 0 {
		return false
	}

	for off := 0; off < info.Size; off += info.DescriptorSize {
		var d Descriptor
		entry := buf[off : off+info.DescriptorSize]

		switch info.DescriptorVersion {
		case DescriptorEFI1:
			d.Type = efiRegionType(binary.LittleEndian.Uint32(entry[0:]))
			d.PhysAddr = binary.LittleEndian.Uint64(entry[8:])
			d.Length = binary.LittleEndian.Uint64(entry[24:]) << mem.PageShift
		case DescriptorE820:
			d.PhysAddr = binary.LittleEndian.Uint64(entry[0:])
			d.Length = binary.LittleEndian.Uint64(entry[8:])
			d.Type = e820RegionType(binary.LittleEndian.Uint32(entry[16:]))
		}

		if !visitor(d) {
			break
		}
	}

	return true
}

// efiRegionType maps an EFI memory type to a RegionType. Boot services memory
// is still in use by the firmware while the loader runs so it is reported as
// reclaimable rather than usable. Unknown types are mapped to Reserved.
func efiRegionType(t uint32) mem.RegionType {
	switch t {
	case EfiConventionalMemory:
		return mem.Usable
	case EfiBootServicesCode, EfiBootServicesData:
		return mem.FirmwareReclaimable
	case EfiLoaderCode:
		return mem.LoaderCode
	case EfiLoaderData:
		return mem.LoaderData
	case EfiACPIReclaimMemory:
		return mem.Acpi
	case EfiUnusableMemory:
		return mem.BadMemory
	case EfiMemoryMappedIO, EfiMemoryMappedIOPortSpace:
		return mem.MMIO
	default:
		return mem.Reserved
	}
}

// e820RegionType maps an e820 type to a RegionType. Any unknown value is
// mapped to Reserved.
func e820RegionType(t uint32) mem.RegionType {
	switch t {
	case E820Usable:
		return mem.Usable
	case E820Acpi:
		return mem.Acpi
	case E820Bad:
		return mem.BadMemory
	default:
		return mem.Reserved
	}
}

// PutEFIDescriptor encodes a version 1 EFI descriptor into b which must be at
// least 40 bytes long.
func PutEFIDescriptor(b []byte, efiType uint32, physAddr, pages uint64) {
	binary.LittleEndian.PutUint32(b[0:], efiType)
	binary.LittleEndian.PutUint32(b[4:], 0)
	binary.LittleEndian.PutUint64(b[8:], physAddr)
	binary.LittleEndian.PutUint64(b[16:], 0)
	binary.LittleEndian.PutUint64(b[24:], pages)
	binary.LittleEndian.PutUint64(b[32:], 0)
}

// PutE820Descriptor encodes an e820 entry into b which must be at least 20
// bytes long.
func PutE820Descriptor(b []byte, e820Type uint32, physAddr, length uint64) {
	binary.LittleEndian.PutUint64(b[0:], physAddr)
	binary.LittleEndian.PutUint64(b[8:], length)
	binary.LittleEndian.PutUint32(b[16:], e820Type)
}
