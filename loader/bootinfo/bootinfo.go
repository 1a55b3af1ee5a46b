// Package bootinfo assembles the BootInfo block handed to the kernel and
// defines its binary encoding.
package bootinfo

import (
	"bytes"
	"encoding/binary"
	"gopherboot/loader"
	"gopherboot/loader/firmware"
	"gopherboot/loader/mem"
)

const (
	// Magic identifies a BootInfo block ("GOPHBOOT" in little-endian).
	Magic = uint64(0x544f4f4248504f47)

	// Version is the encoding version produced by Encode.
	Version = uint32(1)
)

var errCorruptBlock = &loader.Error{Module: "bootinfo", Message: "corrupt boot info block", Kind: loader.InvalidHandoff}

// Framebuffer describes the framebuffer as seen by the kernel.
type Framebuffer struct {
	PhysAddr uint64

	// VirtAddr is the address of the first pixel inside the boot-info
	// window.
	VirtAddr uint64

	Width, Height, Stride uint32
	Format                firmware.PixelFormat
	Size                  uint64
}

// Facts carries the hand-off facts the kernel needs to take over the machine.
type Facts struct {
	// PhysicalEnd is the end of the physical memory covered by the direct
	// map.
	PhysicalEnd uint64

	// The virtual bounds of the loaded kernel image, its guard page and its
	// stack.
	KernelStart, KernelEnd uint64
	GuardPage              uint64
	StackBottom, StackTop  uint64

	// PageTableRoot is the physical address of the PML4 table.
	PageTableRoot uint64

	FirmwareVendor   string
	FirmwareRevision uint32

	// RSDP is the physical address of the ACPI root pointer or 0.
	RSDP uint64

	// BootLog is the tail of the loader log.
	BootLog []byte
}

// BootInfo is the decoded form of the block handed to the kernel.
type BootInfo struct {
	// Regions is the final memory map. Frames consumed by the hand-off are
	// reported as Bootstrap.
	Regions []mem.Region

	// Framebuffer is nil when booting headless.
	Framebuffer *Framebuffer

	Facts Facts
}

// header is the fixed-size block header. All offsets are relative to the
// start of the block.
type header struct {
	Magic          uint64
	Version        uint32
	Size           uint32
	FactsOff       uint32
	FramebufferOff uint32
	RegionsOff     uint32
	RegionCount    uint32
	VendorOff      uint32
	VendorLen      uint32
	LogOff         uint32
	LogLen         uint32
}

type factsEntry struct {
	PhysicalEnd      uint64
	KernelStart      uint64
	KernelEnd        uint64
	GuardPage        uint64
	StackBottom      uint64
	StackTop         uint64
	PageTableRoot    uint64
	RSDP             uint64
	FirmwareRevision uint32
	_                uint32
}

type framebufferEntry struct {
	PhysAddr uint64
	VirtAddr uint64
	Width    uint32
	Height   uint32
	Stride   uint32
	Format   uint32
	Size     uint64
}

type regionEntry struct {
	Start uint64
	Pages uint64
	Type  uint32
	_     uint32
}

var (
	headerSize      = binary.Size(header{})
	factsSize       = binary.Size(factsEntry{})
	framebufferSize = binary.Size(framebufferEntry{})
	regionSize      = binary.Size(regionEntry{})
)

// EncodedSize returns the size of a block holding regionCount regions, a
// framebuffer, a vendor string of vendorLen bytes and logLen bytes of log.
func EncodedSize(regionCount, vendorLen, logLen int) int {
	return headerSize + factsSize + framebufferSize + regionCount*regionSize + vendorLen + logLen
}

// Encode serializes info.
func Encode(info *BootInfo) []byte {
	hdr := header{
		Magic:       Magic,
		Version:     Version,
		FactsOff:    uint32(headerSize),
		RegionCount: uint32(len(info.Regions)),
	}

	off := headerSize + factsSize
	if info.Framebuffer != nil {
		hdr.FramebufferOff = uint32(off)
		off += framebufferSize
	}
	hdr.RegionsOff = uint32(off)
	off += len(info.Regions) * regionSize
	hdr.VendorOff, hdr.VendorLen = uint32(off), uint32(len(info.Facts.FirmwareVendor))
	off += len(info.Facts.FirmwareVendor)
	hdr.LogOff, hdr.LogLen = uint32(off), uint32(len(info.Facts.BootLog))
	off += len(info.Facts.BootLog)
	hdr.Size = uint32(off)

	var buf bytes.Buffer
	buf.Grow(off)

	// Writes to a bytes.Buffer cannot fail.
	_ = binary.Write(&buf, binary.LittleEndian, &hdr)
	_ = binary.Write(&buf, binary.LittleEndian, &factsEntry{
		PhysicalEnd:      info.Facts.PhysicalEnd,
		KernelStart:      info.Facts.KernelStart,
		KernelEnd:        info.Facts.KernelEnd,
		GuardPage:        info.Facts.GuardPage,
		StackBottom:      info.Facts.StackBottom,
		StackTop:         info.Facts.StackTop,
		PageTableRoot:    info.Facts.PageTableRoot,
		RSDP:             info.Facts.RSDP,
		FirmwareRevision: info.Facts.FirmwareRevision,
	})

	if fb := info.Framebuffer; fb != nil {
		_ = binary.Write(&buf, binary.LittleEndian, &framebufferEntry{
			PhysAddr: fb.PhysAddr,
			VirtAddr: fb.VirtAddr,
			Width:    fb.Width,
			Height:   fb.Height,
			Stride:   fb.Stride,
			Format:   uint32(fb.Format),
			Size:     fb.Size,
		})
	}

	for _, r := range info.Regions {
		_ = binary.Write(&buf, binary.LittleEndian, &regionEntry{Start: r.Start, Pages: r.Pages, Type: uint32(r.Type)})
	}

	buf.WriteString(info.Facts.FirmwareVendor)
	buf.Write(info.Facts.BootLog)
	return buf.Bytes()
}

// Decode parses a block produced by Encode.
func Decode(b []byte) (*BootInfo, *loader.Error) {
	var hdr header
	if len(b) < headerSize {
		return nil, errCorruptBlock
	}
	_ = binary.Read(bytes.NewReader(b), binary.LittleEndian, &hdr)

	if hdr.Magic != Magic || hdr.Version != Version || int(hdr.Size) > len(b) {
		return nil, errCorruptBlock
	}
	b = b[:hdr.Size]

	section := func(off, size uint32) ([]byte, bool) {
		end := uint64(off) + uint64(size)
		if end > uint64(len(b)) {
			return nil, false
		}
		return b[off:end], true
	}

	info := new(BootInfo)

	raw, ok := section(hdr.FactsOff, uint32(factsSize))
	if !ok {
		return nil, errCorruptBlock
	}
	var facts factsEntry
	_ = binary.Read(bytes.NewReader(raw), binary.LittleEndian, &facts)
	info.Facts = Facts{
		PhysicalEnd:      facts.PhysicalEnd,
		KernelStart:      facts.KernelStart,
		KernelEnd:        facts.KernelEnd,
		GuardPage:        facts.GuardPage,
		StackBottom:      facts.StackBottom,
		StackTop:         facts.StackTop,
		PageTableRoot:    facts.PageTableRoot,
		RSDP:             facts.RSDP,
		FirmwareRevision: facts.FirmwareRevision,
	}

	if hdr.FramebufferOff != 0 {
		if raw, ok = section(hdr.FramebufferOff, uint32(framebufferSize)); !ok {
			return nil, errCorruptBlock
		}
		var fb framebufferEntry
		_ = binary.Read(bytes.NewReader(raw), binary.LittleEndian, &fb)
		info.Framebuffer = &Framebuffer{
			PhysAddr: fb.PhysAddr,
			VirtAddr: fb.VirtAddr,
			Width:    fb.Width,
			Height:   fb.Height,
			Stride:   fb.Stride,
			Format:   firmware.PixelFormat(fb.Format),
			Size:     fb.Size,
		}
	}

	if uint64(hdr.RegionCount)*uint64(regionSize) > uint64(len(b)) {
		return nil, errCorruptBlock
	}
	if raw, ok = section(hdr.RegionsOff, hdr.RegionCount*uint32(regionSize)); !ok {
		return nil, errCorruptBlock
	}
	entries := make([]regionEntry, hdr.RegionCount)
	_ = binary.Read(bytes.NewReader(raw), binary.LittleEndian, entries)
	info.Regions = make([]mem.Region, 0, len(entries))
	for _, e := range entries {
		info.Regions = append(info.Regions, mem.Region{Start: e.Start, Pages: e.Pages, Type: mem.RegionType(e.Type)})
	}

	if raw, ok = section(hdr.VendorOff, hdr.VendorLen); !ok {
		return nil, errCorruptBlock
	}
	info.Facts.FirmwareVendor = string(raw)

	if raw, ok = section(hdr.LogOff, hdr.LogLen); !ok {
		return nil, errCorruptBlock
	}
	info.Facts.BootLog = append([]byte(nil), raw...)

	return info, nil
}
