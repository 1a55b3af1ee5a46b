package bootinfo

import (
	"fmt"
	"gopherboot/loader"
	"gopherboot/loader/bootlog"
	"gopherboot/loader/firmware"
	"gopherboot/loader/mem"
	"gopherboot/loader/vmm"

	"github.com/sirupsen/logrus"
)

var (
	errWindowFull    = &loader.Error{Module: "bootinfo", Message: "boot info and framebuffer do not fit in the boot info window", Kind: loader.OutOfMemory}
	errBlockTooSmall = &loader.Error{Module: "bootinfo", Message: "final memory map does not fit in the boot info block", Kind: loader.OutOfMemory}
)

// FrameAllocator is the part of the bootstrap allocator used by the
// assembler.
type FrameAllocator interface {
	AllocFrames(count uint64) (mem.Frame, *loader.Error)
	Allocations() []mem.Region
	Freeze()
}

// Mapper installs mappings in the kernel page tables.
type Mapper interface {
	Map(virtAddr, physAddr uintptr, pages uint64, flags vmm.PageTableEntryFlag) *loader.Error
}

// Assembler builds the BootInfo block. It must run after every other
// bootstrap allocation; once it is done the allocator is frozen.
type Assembler struct {
	Alloc  FrameAllocator
	Mapper Mapper
	Phys   mem.PhysMemory

	// BootLog is snapshotted into the block if set.
	BootLog *bootlog.RingBuffer

	Log logrus.FieldLogger
}

// Assemble allocates and maps the BootInfo block at BootInfoStart, maps the
// framebuffer (if any) right after it, freezes the allocator and encodes the
// final memory map together with facts into the block. It returns the
// virtual address of the block and its decoded contents.
func (a *Assembler) Assemble(regions []mem.Region, fb *firmware.Framebuffer, facts Facts) (uintptr, *BootInfo, *loader.Error) {
	log := a.log()

	var fbStart, fbPages uintptr
	if fb != nil {
		fbStart = uintptr(fb.PhysAddr) &^ (mem.PageSize - 1)
		fbEnd := (uintptr(fb.PhysAddr+fb.Size) + mem.PageSize - 1) &^ (mem.PageSize - 1)
		fbPages = (fbEnd - fbStart) >> mem.PageShift
	}

	blockPages, maxRegions := a.blockSize(regions, fbPages, len(facts.FirmwareVendor))
	windowPages := blockPages + fbPages
	if windowPages > mem.BootInfoSize>>mem.PageShift || !mem.InBootInfoWindow(mem.BootInfoStart+windowPages<<mem.PageShift-1) {
		log.WithFields(logrus.Fields{
			"block_pages":       blockPages,
			"framebuffer_pages": fbPages,
		}).Error("boot info window exhausted")
		return 0, nil, errWindowFull
	}

	frame, err := a.Alloc.AllocFrames(uint64(blockPages))
	if err != nil {
		return 0, nil, err
	}
	mem.ClearFrames(a.Phys, frame, uint64(blockPages))

	if err = a.Mapper.Map(mem.BootInfoStart, frame.Address(), uint64(blockPages), vmm.FlagRW|vmm.FlagNoExecute); err != nil {
		return 0, nil, err
	}

	info := &BootInfo{Facts: facts}

	if fb != nil {
		fbVirt := mem.BootInfoStart + blockPages<<mem.PageShift
		if err = a.Mapper.Map(fbVirt, fbStart, uint64(fbPages), vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return 0, nil, err
		}

		info.Framebuffer = &Framebuffer{
			PhysAddr: fb.PhysAddr,
			VirtAddr: uint64(fbVirt + uintptr(fb.PhysAddr) - fbStart),
			Width:    fb.Width,
			Height:   fb.Height,
			Stride:   fb.Stride,
			Format:   fb.Format,
			Size:     fb.Size,
		}
	}

	a.Alloc.Freeze()
	info.Regions = FinalMap(regions, a.Alloc.Allocations())
	if len(info.Regions) > maxRegions {
		log.WithFields(logrus.Fields{
			"regions":  len(info.Regions),
			"capacity": maxRegions,
		}).Error("boot info block too small")
		return 0, nil, errBlockTooSmall
	}

	log.WithFields(logrus.Fields{
		"virt":    fmt.Sprintf("0x%x", mem.BootInfoStart),
		"phys":    fmt.Sprintf("0x%x", frame.Address()),
		"pages":   blockPages,
		"regions": len(info.Regions),
	}).Info("boot info assembled")

	if a.BootLog != nil {
		info.Facts.BootLog = a.BootLog.Snapshot()
	}

	mem.Write(a.Phys, frame.Address(), Encode(info))
	return mem.BootInfoStart, info, nil
}

// blockSize returns the number of pages needed for the block and the number
// of regions it can hold. The final map is not known until the allocator is
// frozen, so the block is sized for the worst case: every run handed out so
// far, plus the block itself and the page tables needed to map the window,
// may split a usable region in three.
func (a *Assembler) blockSize(regions []mem.Region, fbPages uintptr, vendorLen int) (uintptr, int) {
	var (
		runs       = len(a.Alloc.Allocations())
		blockPages = uintptr(1)
		maxRegions int
	)

	for {
		windowPages := blockPages + fbPages

		// pdpt + pd + one pt per 512 pages
		pending := 1 + 2 + int((windowPages+entriesPerTable-1)/entriesPerTable)

		maxRegions = len(regions) + 2*(runs+pending)
		size := uintptr(EncodedSize(maxRegions, vendorLen, bootlog.TailSize))
		pages := (size + mem.PageSize - 1) >> mem.PageShift
		if pages <= blockPages {
			return blockPages, maxRegions
		}
		blockPages = pages
	}
}

const entriesPerTable = 512

func (a *Assembler) log() logrus.FieldLogger {
	if a.Log == nil {
		return logrus.StandardLogger().WithField("module", "bootinfo")
	}
	return a.Log.WithField("module", "bootinfo")
}

// FinalMap returns regions with the frames covered by runs reclassified as
// Bootstrap. runs must be sorted and lie inside Usable regions. Adjacent
// regions of the same type are merged.
func FinalMap(regions, runs []mem.Region) []mem.Region {
	var out []mem.Region
	push := func(r mem.Region) {
		if r.Pages == 0 {
			return
		}
		if n := len(out); n != 0 && out[n-1].Type == r.Type && out[n-1].End() == r.Start {
			out[n-1].Pages += r.Pages
			return
		}
		out = append(out, r)
	}

	for _, r := range regions {
		if r.Type != mem.Usable {
			push(r)
			continue
		}

		cursor := r.Start
		for _, run := range runs {
			start, end := run.Start, run.End()
			if end <= cursor || start >= r.End() {
				continue
			}
			if start < cursor {
				start = cursor
			}
			if end > r.End() {
				end = r.End()
			}

			push(mem.Region{Start: cursor, Pages: (start - cursor) >> mem.PageShift, Type: mem.Usable})
			push(mem.Region{Start: start, Pages: (end - start) >> mem.PageShift, Type: mem.Bootstrap})
			cursor = end
		}
		push(mem.Region{Start: cursor, Pages: (r.End() - cursor) >> mem.PageShift, Type: mem.Usable})
	}

	return out
}
