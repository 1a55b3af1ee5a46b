// Package hosted emulates the firmware and CPU collaborators of the loader so
// the complete hand-off can run as an ordinary process.
package hosted

import (
	"gopherboot/loader/config"
	"gopherboot/loader/firmware"
	"gopherboot/loader/mem"
	"sort"

	"github.com/mohae/deepcopy"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var efiTypes = map[string]uint32{
	"reserved":              firmware.EfiReservedMemoryType,
	"loader_code":           firmware.EfiLoaderCode,
	"loader_data":           firmware.EfiLoaderData,
	"boot_services_code":    firmware.EfiBootServicesCode,
	"boot_services_data":    firmware.EfiBootServicesData,
	"runtime_services_code": firmware.EfiRuntimeServicesCode,
	"runtime_services_data": firmware.EfiRuntimeServicesData,
	"conventional":          firmware.EfiConventionalMemory,
	"unusable":              firmware.EfiUnusableMemory,
	"acpi_reclaim":          firmware.EfiACPIReclaimMemory,
	"acpi_nvs":              firmware.EfiACPIMemoryNVS,
	"mmio":                  firmware.EfiMemoryMappedIO,
	"mmio_port":             firmware.EfiMemoryMappedIOPortSpace,
	"pal_code":              firmware.EfiPalCode,
	"persistent":            firmware.EfiPersistentMemory,
}

var pixelFormats = map[string]firmware.PixelFormat{
	"rgb":     firmware.PixelRGB,
	"bgr":     firmware.PixelBGR,
	"bitmask": firmware.PixelBitmask,
	"blt":     firmware.PixelBltOnly,
}

type entry struct {
	efiType uint32
	start   uint64
	pages   uint64
}

// Firmware emulates UEFI boot services for a machine described by a
// config.Machine. Pool allocations and file reads carve loader data out of
// conventional memory and change the map key, like real firmware does.
type Firmware struct {
	machine config.Machine
	entries []entry
	key     uint64
	churn   int

	exitChurn int
	exited    bool

	// Queries counts QueryMemoryMap calls and Exits counts ExitBootServices
	// calls.
	Queries int
	Exits   int

	mappings [][]byte
	log      logrus.FieldLogger
}

// NewFirmware returns a firmware emulator for machine. The machine
// description is copied; the emulator never modifies it.
func NewFirmware(machine config.Machine, log logrus.FieldLogger) (*Firmware, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	fw := &Firmware{
		machine: deepcopy.Copy(machine).(config.Machine),
		key:     1,
		churn:   machine.MapChurn,

		exitChurn: machine.ExitChurn,
		log:       log.WithField("module", "hosted"),
	}

	for _, r := range fw.machine.Regions {
		t, ok := efiTypes[r.Type]
		if !ok {
			return nil, errors.Errorf("region at 0x%x: unknown memory type %q", r.Start, r.Type)
		}
		if r.Start&uint64(mem.PageSize-1) != 0 {
			return nil, errors.Errorf("region at 0x%x is not page aligned", r.Start)
		}
		fw.entries = append(fw.entries, entry{efiType: t, start: r.Start, pages: r.Pages})
	}

	if fb := fw.machine.Framebuffer; fb != nil && !fw.machine.Headless {
		if _, ok := pixelFormats[fb.Format]; !ok {
			return nil, errors.Errorf("framebuffer: unknown pixel format %q", fb.Format)
		}
	}

	return fw, nil
}

func (fw *Firmware) descriptorInfo() firmware.MapInfo {
	info := firmware.MapInfo{Key: fw.key}
	if fw.machine.DescriptorFormat == "e820" {
		info.DescriptorVersion = firmware.DescriptorE820
		info.DescriptorSize = 20
	} else {
		info.DescriptorVersion = firmware.DescriptorEFI1
		info.DescriptorSize = fw.machine.DescriptorSize
	}
	info.Size = len(fw.entries) * info.DescriptorSize
	return info
}

// QueryMemoryMap implements firmware.Firmware.
func (fw *Firmware) QueryMemoryMap(buf []byte) (firmware.MapInfo, error) {
	fw.Queries++

	info := fw.descriptorInfo()
	if len(buf) < info.Size {
		return info, firmware.ErrBufferTooSmall
	}

	for i, e := range fw.entries {
		b := buf[i*info.DescriptorSize : (i+1)*info.DescriptorSize]
		for j := range b {
			b[j] = 0
		}

		if info.DescriptorVersion == firmware.DescriptorE820 {
			firmware.PutE820Descriptor(b, e820Type(e.efiType), e.start, e.pages<<mem.PageShift)
		} else {
			firmware.PutEFIDescriptor(b, e.efiType, e.start, e.pages)
		}
	}

	if fw.churn > 0 {
		fw.churn--
		fw.key++
		info.Key = fw.key
	}

	return info, nil
}

func e820Type(efiType uint32) uint32 {
	switch efiType {
	case firmware.EfiConventionalMemory, firmware.EfiLoaderCode, firmware.EfiLoaderData,
		firmware.EfiBootServicesCode, firmware.EfiBootServicesData:
		return firmware.E820Usable
	case firmware.EfiACPIReclaimMemory:
		return firmware.E820Acpi
	case firmware.EfiACPIMemoryNVS:
		return firmware.E820Nvs
	case firmware.EfiUnusableMemory:
		return firmware.E820Bad
	default:
		return firmware.E820Reserved
	}
}

// AllocatePool implements firmware.Firmware.
func (fw *Firmware) AllocatePool(size int) ([]byte, error) {
	if fw.exited {
		return nil, firmware.ErrExited
	}
	if size < 0 {
		return nil, errors.Errorf("invalid pool size %d", size)
	}

	if err := fw.carve(uint64(size)); err != nil {
		return nil, err
	}
	return make([]byte, size), nil
}

// carve reserves loader data pages for size bytes from the top of the
// highest conventional region that can hold them.
func (fw *Firmware) carve(size uint64) error {
	pages := (size + uint64(mem.PageSize) - 1) >> mem.PageShift
	if pages == 0 {
		pages = 1
	}

	for i := len(fw.entries) - 1; i >= 0; i-- {
		e := &fw.entries[i]
		if e.efiType != firmware.EfiConventionalMemory || e.pages < pages {
			continue
		}

		e.pages -= pages
		carved := entry{
			efiType: firmware.EfiLoaderData,
			start:   e.start + e.pages<<mem.PageShift,
			pages:   pages,
		}
		fw.entries = append(fw.entries, carved)
		if e.pages == 0 {
			fw.entries = append(fw.entries[:i], fw.entries[i+1:]...)
		}
		sort.Slice(fw.entries, func(a, b int) bool { return fw.entries[a].start < fw.entries[b].start })

		fw.key++
		fw.log.WithFields(logrus.Fields{
			"start": carved.start,
			"pages": pages,
			"key":   fw.key,
		}).Debug("allocated loader data")
		return nil
	}

	return errors.Errorf("EFI_OUT_OF_RESOURCES: no room for %d pages", pages)
}

// Framebuffer implements firmware.Firmware.
func (fw *Firmware) Framebuffer() (firmware.Framebuffer, error) {
	if fw.exited {
		return firmware.Framebuffer{}, firmware.ErrExited
	}

	fb := fw.machine.Framebuffer
	if fb == nil || fw.machine.Headless {
		return firmware.Framebuffer{}, firmware.ErrNotAvailable
	}

	stride := fb.Stride
	if stride == 0 {
		stride = fb.Width
	}

	return firmware.Framebuffer{
		PhysAddr: fb.PhysAddr,
		Width:    fb.Width,
		Height:   fb.Height,
		Stride:   stride,
		Format:   pixelFormats[fb.Format],
		Size:     uint64(stride) * uint64(fb.Height) * 4,
	}, nil
}

// ReadFile implements firmware.Firmware. Boot volume paths are resolved
// through the machine's file table.
func (fw *Firmware) ReadFile(path string) ([]byte, error) {
	if fw.exited {
		return nil, firmware.ErrExited
	}

	hostPath, ok := fw.machine.Files[path]
	if !ok {
		return nil, errors.Wrapf(firmware.ErrNotFound, "%s", path)
	}

	data, err := fw.mapFile(hostPath)
	if err != nil {
		return nil, err
	}

	if err := fw.carve(uint64(len(data))); err != nil {
		return nil, err
	}
	return data, nil
}

// Info implements firmware.Firmware.
func (fw *Firmware) Info() firmware.Info {
	vendor, err := firmware.EncodeString(fw.machine.Vendor)
	if err != nil {
		fw.log.WithError(err).Warn("cannot encode firmware vendor")
	}

	return firmware.Info{
		Vendor:   vendor,
		Revision: fw.machine.Revision,
		RSDP:     fw.machine.RSDP,
	}
}

// ExitBootServices implements firmware.Firmware. A key that does not match
// the current map is refused with firmware.ErrMapChanged.
func (fw *Firmware) ExitBootServices(key uint64) error {
	fw.Exits++

	switch {
	case fw.exited:
		return errors.Wrap(firmware.ErrExited, "exit boot services")
	case fw.exitChurn > 0:
		// a firmware event changed the map after it was read
		fw.exitChurn--
		fw.key++
		return firmware.ErrMapChanged
	case key != fw.key:
		fw.log.WithFields(logrus.Fields{
			"key":     key,
			"current": fw.key,
		}).Debug("stale memory map key")
		return firmware.ErrMapChanged
	}

	fw.exited = true
	fw.log.WithField("key", key).Debug("boot services exited")
	return nil
}

// Trampoline returns the physical address of the emulated loader code page.
func (fw *Firmware) Trampoline() uintptr {
	return uintptr(fw.machine.Trampoline)
}
