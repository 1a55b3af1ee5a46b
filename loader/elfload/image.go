// Package elfload validates and loads the kernel ELF image.
package elfload

import (
	"bytes"
	"debug/elf"
	"fmt"
	"gopherboot/loader"
	"gopherboot/loader/mem"
	"gopherboot/loader/vmm"
	"sort"

	"github.com/sirupsen/logrus"
)

var (
	errBadMagic          = &loader.Error{Module: "elfload", Message: "kernel image is not an ELF file", Kind: loader.UnsupportedImageFormat}
	errUnsupportedTarget = &loader.Error{Module: "elfload", Message: "kernel image is not a little-endian ELF64 x86-64 executable", Kind: loader.UnsupportedImageFormat}
	errParse             = &loader.Error{Module: "elfload", Message: "kernel image headers are malformed", Kind: loader.MalformedImage}
	errNoLoadSegments    = &loader.Error{Module: "elfload", Message: "kernel image has no loadable segments", Kind: loader.MalformedImage}
	errBadSegment        = &loader.Error{Module: "elfload", Message: "kernel image contains an invalid loadable segment", Kind: loader.MalformedImage}
	errSegmentOverlap    = &loader.Error{Module: "elfload", Message: "kernel image segments share a page", Kind: loader.MalformedImage}
	errBadEntry          = &loader.Error{Module: "elfload", Message: "kernel entry point is not inside an executable segment", Kind: loader.MalformedImage}
	errStackOverflow     = &loader.Error{Module: "elfload", Message: "kernel stack does not fit above the kernel image", Kind: loader.GuardViolation}
	errNotLoaded         = &loader.Error{Module: "elfload", Message: "kernel segments must be loaded before they are mapped", Kind: loader.InvalidHandoff}
)

// Segment describes a loadable kernel segment.
type Segment struct {
	// The link address of the first byte.
	VirtAddr uintptr

	// The in-memory size; bytes past FileSize are zero.
	MemSize uint64

	// The location of the initialized bytes in the image.
	FileOffset uint64
	FileSize   uint64

	// The ELF permission bits.
	Flags elf.ProgFlag

	// PhysAddr is the physical address backing VirtAddr. It is set by
	// Image.Load.
	PhysAddr uintptr
}

// pageStart returns the address of the first page spanned by the segment.
func (s *Segment) pageStart() uintptr {
	return s.VirtAddr &^ (mem.PageSize - 1)
}

// pageEnd returns the address following the last page spanned by the segment.
func (s *Segment) pageEnd() uintptr {
	return (s.VirtAddr + uintptr(s.MemSize) + mem.PageSize - 1) &^ (mem.PageSize - 1)
}

// Pages returns the number of pages spanned by the segment.
func (s *Segment) Pages() uint64 {
	return uint64(s.pageEnd()-s.pageStart()) >> mem.PageShift
}

// MapFlags converts the ELF permissions to page table flags. Segments are
// always readable; they are writable if PF_W is set and non-executable unless
// PF_X is set.
func (s *Segment) MapFlags() vmm.PageTableEntryFlag {
	var flags vmm.PageTableEntryFlag
	if s.Flags&elf.PF_W != 0 {
		flags |= vmm.FlagRW
	}
	if s.Flags&elf.PF_X == 0 {
		flags |= vmm.FlagNoExecute
	}
	return flags
}

// Image is a validated kernel image together with the placement of its stack.
type Image struct {
	// Entry is the virtual address of the kernel entry point.
	Entry uintptr

	// Segments holds the loadable segments sorted by address.
	Segments []Segment

	// Start and End are the page-aligned bounds of the loaded image.
	Start, End uintptr

	// GuardPage is the unmapped page directly above the image.
	GuardPage uintptr

	// StackBottom and StackTop bound the kernel stack placed directly above
	// the guard page.
	StackBottom, StackTop uintptr

	data []byte
	log  logrus.FieldLogger
}

// Parse validates a kernel image. The image must be a little-endian ELF64
// x86-64 executable whose loadable segments live in the kernel region, do not
// share pages and include the entry point in an executable segment. The
// kernel stack of stackPages pages is placed above a guard page following the
// image; DefaultStackPages is used if stackPages is zero.
//
// Parse neither allocates nor maps memory.
func Parse(data []byte, stackPages uint64, log logrus.FieldLogger) (*Image, *loader.Error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("module", "elfload")

	if len(data) < elf.EI_NIDENT || !bytes.Equal(data[:len(elf.ELFMAG)], []byte(elf.ELFMAG)) {
		log.WithField("size", len(data)).Error("missing ELF magic")
		return nil, errBadMagic
	}

	if elf.Class(data[elf.EI_CLASS]) != elf.ELFCLASS64 || elf.Data(data[elf.EI_DATA]) != elf.ELFDATA2LSB {
		log.WithFields(logrus.Fields{
			"class": elf.Class(data[elf.EI_CLASS]).String(),
			"data":  elf.Data(data[elf.EI_DATA]).String(),
		}).Error("unsupported ELF encoding")
		return nil, errUnsupportedTarget
	}

	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		log.WithError(err).Error("cannot parse ELF headers")
		return nil, errParse
	}

	if f.Machine != elf.EM_X86_64 || f.Type != elf.ET_EXEC {
		log.WithFields(logrus.Fields{
			"machine": f.Machine.String(),
			"type":    f.Type.String(),
		}).Error("unsupported ELF target")
		return nil, errUnsupportedTarget
	}

	img := &Image{
		Entry: uintptr(f.Entry),
		data:  data,
		log:   log,
	}

	for idx, prg := range f.Progs {
		if prg.Type != elf.PT_LOAD || prg.Memsz == 0 {
			continue
		}

		if reason := checkProg(&prg.ProgHeader, uint64(len(data))); reason != "" {
			log.WithFields(logrus.Fields{
				"index":  idx,
				"vaddr":  fmt.Sprintf("0x%x", prg.Vaddr),
				"reason": reason,
			}).Error("invalid loadable segment")
			return nil, errBadSegment
		}

		img.Segments = append(img.Segments, Segment{
			VirtAddr:   uintptr(prg.Vaddr),
			MemSize:    prg.Memsz,
			FileOffset: prg.Off,
			FileSize:   prg.Filesz,
			Flags:      prg.Flags,
		})
	}

	if len(img.Segments) == 0 {
		log.Error("no PT_LOAD segments")
		return nil, errNoLoadSegments
	}

	sort.Slice(img.Segments, func(i, j int) bool {
		return img.Segments[i].VirtAddr < img.Segments[j].VirtAddr
	})

	for i := 1; i < len(img.Segments); i++ {
		if prev, cur := &img.Segments[i-1], &img.Segments[i]; prev.pageEnd() > cur.pageStart() {
			log.WithFields(logrus.Fields{
				"first":  fmt.Sprintf("0x%x", prev.VirtAddr),
				"second": fmt.Sprintf("0x%x", cur.VirtAddr),
			}).Error("segments share a page")
			return nil, errSegmentOverlap
		}
	}

	if !img.entryIsExecutable() {
		log.WithField("entry", fmt.Sprintf("0x%x", img.Entry)).Error("entry point outside executable segments")
		return nil, errBadEntry
	}

	img.Start = img.Segments[0].pageStart()
	img.End = img.Segments[len(img.Segments)-1].pageEnd()

	if stackPages == 0 {
		stackPages = mem.DefaultStackPages
	}

	img.GuardPage = img.End
	img.StackBottom = img.GuardPage + mem.GuardPages*mem.PageSize
	img.StackTop = img.StackBottom + uintptr(stackPages)<<mem.PageShift
	if img.StackBottom <= img.End || img.StackTop <= img.StackBottom || stackPages > uint64(^uintptr(0)>>mem.PageShift) {
		log.WithFields(logrus.Fields{
			"image_end":   fmt.Sprintf("0x%x", img.End),
			"stack_pages": stackPages,
		}).Error("stack overflows the address space")
		return nil, errStackOverflow
	}

	log.WithFields(logrus.Fields{
		"entry":    fmt.Sprintf("0x%x", img.Entry),
		"start":    fmt.Sprintf("0x%x", img.Start),
		"end":      fmt.Sprintf("0x%x", img.End),
		"segments": len(img.Segments),
	}).Info("kernel image validated")

	return img, nil
}

// checkProg validates a single PT_LOAD header and returns a reason if it is
// invalid.
func checkProg(prg *elf.ProgHeader, fileSize uint64) string {
	switch {
	case prg.Filesz > prg.Memsz:
		return "filesz exceeds memsz"
	case prg.Off+prg.Filesz < prg.Off || prg.Off+prg.Filesz > fileSize:
		return "file range outside the image"
	case prg.Align == 0 || prg.Align%uint64(mem.PageSize) != 0:
		return "alignment is not a multiple of the page size"
	case !mem.InKernelRegion(uintptr(prg.Vaddr)):
		return "vaddr below the kernel region"
	case prg.Vaddr+prg.Memsz < prg.Vaddr || prg.Vaddr+prg.Memsz+uint64(mem.PageSize) < prg.Vaddr:
		return "segment overflows the address space"
	}
	return ""
}

// entryIsExecutable returns true if the entry point lies inside a loadable
// executable segment.
func (img *Image) entryIsExecutable() bool {
	for _, seg := range img.Segments {
		if seg.Flags&elf.PF_X != 0 && img.Entry >= seg.VirtAddr && img.Entry-seg.VirtAddr < uintptr(seg.MemSize) {
			return true
		}
	}
	return false
}

// Size returns the number of bytes spanned by the loaded image.
func (img *Image) Size() mem.Size {
	return mem.Size(img.End - img.Start)
}
