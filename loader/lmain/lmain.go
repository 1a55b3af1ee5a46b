// Package lmain drives the hand-off from firmware to kernel.
package lmain

import (
	"fmt"
	"gopherboot/loader"
	"gopherboot/loader/bootinfo"
	"gopherboot/loader/bootlog"
	"gopherboot/loader/config"
	"gopherboot/loader/elfload"
	"gopherboot/loader/firmware"
	"gopherboot/loader/handoff"
	"gopherboot/loader/mem"
	"gopherboot/loader/mmap"
	"gopherboot/loader/pmm"
	"gopherboot/loader/vmm"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	errNoFramebuffer  = &loader.Error{Module: "lmain", Message: "firmware provides no linear framebuffer", Kind: loader.FirmwareQueryFailed}
	errFramebuffer    = &loader.Error{Module: "lmain", Message: "framebuffer query failed", Kind: loader.FirmwareQueryFailed}
	errReadKernel     = &loader.Error{Module: "lmain", Message: "cannot read kernel image", Kind: loader.FirmwareQueryFailed}
	errSelfCheck      = &loader.Error{Module: "lmain", Message: "hand-off address space is incomplete", Kind: loader.InvalidHandoff}
	errGuardReachable = &loader.Error{Module: "lmain", Message: "guard page is mapped", Kind: loader.GuardViolation}
	errNoTrampoline   = &loader.Error{Module: "lmain", Message: "trampoline must not live in the first page of memory", Kind: loader.InvalidHandoff}
)

// trampolinePages is the number of pages identity mapped around the
// trampoline; the switch code may straddle a page boundary.
const trampolinePages = 2

// Context holds the collaborators of a boot. There is no global loader
// state; everything Boot touches is reachable from here.
type Context struct {
	Firmware firmware.Firmware
	Phys     mem.PhysMemory
	CPU      handoff.CPU
	Config   *config.Config

	Log     logrus.FieldLogger
	BootLog *bootlog.RingBuffer

	// Trampoline is the physical address of the code that switches to the
	// kernel address space.
	Trampoline uintptr
}

// Result describes the address space that was handed to the kernel.
type Result struct {
	Params   handoff.Params
	BootInfo *bootinfo.BootInfo
	Image    *elfload.Image
	Builder  *vmm.Builder
}

// Boot loads the kernel, builds its address space and transfers control to
// it. With a CPU that drives real hardware Boot only returns on failure.
// Every failure is reported before any change to the CPU state is made.
func Boot(ctx *Context) (*Result, *loader.Error) {
	cfg := ctx.Config
	if cfg == nil {
		cfg = config.Default()
	}

	log := ctx.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("module", "lmain")

	// Identity mapping page 0 would let kernel null dereferences succeed.
	trampoline := mem.AlignDown(ctx.Trampoline, mem.PageSize)
	if trampoline == 0 {
		log.WithField("trampoline", fmt.Sprintf("0x%x", ctx.Trampoline)).Error("invalid trampoline address")
		return nil, errNoTrampoline
	}

	fb, err := queryFramebuffer(ctx.Firmware, cfg.AllowHeadless, log)
	if err != nil {
		return nil, err
	}

	data, rerr := ctx.Firmware.ReadFile(cfg.KernelPath)
	if rerr != nil {
		log.WithError(rerr).WithField("path", cfg.KernelPath).Error("cannot read kernel image")
		return nil, errReadKernel
	}
	log.WithFields(logrus.Fields{
		"path": cfg.KernelPath,
		"size": len(data),
	}).Info("kernel image read")

	img, err := elfload.Parse(data, cfg.StackPages, ctx.Log)
	if err != nil {
		return nil, err
	}

	fwInfo := ctx.Firmware.Info()
	vendor, verr := firmware.DecodeString(fwInfo.Vendor)
	if verr != nil {
		log.WithError(verr).Warn("cannot decode firmware vendor")
	}

	// Exiting boot services is the last firmware call: from here on the
	// memory map is frozen and conventional memory belongs to the loader.
	collector := &mmap.Collector{MaxRetries: cfg.MapRetries, Log: ctx.Log}
	regions, err := collector.CollectAndExit(ctx.Firmware)
	if err != nil {
		return nil, err
	}

	alloc := pmm.NewBootMemAllocator(regions, ctx.Log)

	builder, err := vmm.NewBuilder(ctx.Phys, alloc, ctx.Log)
	if err != nil {
		return nil, err
	}
	builder.HugePages = cfg.HugePages

	if err = builder.MapDirect(regions); err != nil {
		return nil, err
	}

	if err = img.Load(alloc, ctx.Phys); err != nil {
		return nil, err
	} else if err = img.Map(builder); err != nil {
		return nil, err
	} else if err = builder.ReserveGuard(img.GuardPage); err != nil {
		return nil, err
	}

	stackPages := uint64(img.StackTop-img.StackBottom) >> mem.PageShift
	stackFrame, err := alloc.AllocFrames(stackPages)
	if err != nil {
		return nil, err
	}
	mem.ClearFrames(ctx.Phys, stackFrame, stackPages)
	if err = builder.MapStack(img.StackBottom, stackPages, stackFrame.Address()); err != nil {
		return nil, err
	}

	if err = builder.IdentityMap(trampoline, trampolinePages, 0); err != nil {
		return nil, err
	}

	asm := &bootinfo.Assembler{
		Alloc:   alloc,
		Mapper:  builder,
		Phys:    ctx.Phys,
		BootLog: ctx.BootLog,
		Log:     ctx.Log,
	}
	facts := bootinfo.Facts{
		PhysicalEnd:      mem.PhysicalEnd(regions),
		KernelStart:      uint64(img.Start),
		KernelEnd:        uint64(img.End),
		GuardPage:        uint64(img.GuardPage),
		StackBottom:      uint64(img.StackBottom),
		StackTop:         uint64(img.StackTop),
		PageTableRoot:    uint64(builder.Root().Address()),
		FirmwareVendor:   vendor,
		FirmwareRevision: fwInfo.Revision,
		RSDP:             fwInfo.RSDP,
	}
	infoAddr, info, err := asm.Assemble(regions, fb, facts)
	if err != nil {
		return nil, err
	}

	params := handoff.Params{
		PageTableRoot: builder.Root().Address(),
		StackTop:      img.StackTop,
		Entry:         img.Entry,
		BootInfo:      infoAddr,
	}
	if err = selfCheck(builder, img, params, trampoline, log); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"tables":          builder.TableCount(),
		"bootstrap_pages": alloc.AllocCount(),
	}).Info("address space ready")

	res := &Result{Params: params, BootInfo: info, Image: img, Builder: builder}
	if err = handoff.Transfer(ctx.CPU, params, ctx.Log); err != nil {
		return nil, err
	}
	return res, nil
}

// queryFramebuffer returns the linear framebuffer or nil when booting
// headless. A framebuffer that only supports blitting is treated as absent.
func queryFramebuffer(fw firmware.Firmware, allowHeadless bool, log logrus.FieldLogger) (*firmware.Framebuffer, *loader.Error) {
	fb, err := fw.Framebuffer()
	switch {
	case errors.Is(err, firmware.ErrNotAvailable), err == nil && fb.Format == firmware.PixelBltOnly:
		if !allowHeadless {
			log.Error("no linear framebuffer and headless boot is disabled")
			return nil, errNoFramebuffer
		}
		log.Warn("no linear framebuffer; booting headless")
		return nil, nil
	case err != nil:
		log.WithError(err).Error("framebuffer query failed")
		return nil, errFramebuffer
	}

	log.WithFields(logrus.Fields{
		"phys":   fmt.Sprintf("0x%x", fb.PhysAddr),
		"width":  fb.Width,
		"height": fb.Height,
		"format": fb.Format.String(),
	}).Info("framebuffer found")
	return &fb, nil
}

// selfCheck walks the new page tables for every address the kernel touches
// before it can set up its own mappings.
func selfCheck(b *vmm.Builder, img *elfload.Image, p handoff.Params, trampoline uintptr, log logrus.FieldLogger) *loader.Error {
	for _, check := range []struct {
		name string
		addr uintptr
	}{
		{"entry", p.Entry},
		{"stack", p.StackTop - 8},
		{"boot_info", p.BootInfo},
		{"trampoline", trampoline},
		{"trampoline_end", trampoline + trampolinePages*mem.PageSize - 1},
		{"page_tables", mem.DirectMapped(p.PageTableRoot)},
	} {
		if _, _, err := b.Translate(check.addr); err != nil {
			log.WithFields(logrus.Fields{
				"what": check.name,
				"addr": fmt.Sprintf("0x%x", check.addr),
			}).Error("address not mapped")
			return errSelfCheck
		}
	}

	if _, _, err := b.Translate(img.GuardPage); err == nil {
		log.WithField("addr", fmt.Sprintf("0x%x", img.GuardPage)).Error("guard page translates")
		return errGuardReachable
	}
	return nil
}
