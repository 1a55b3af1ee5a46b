// Package handoff transfers control from the loader to the kernel.
package handoff

import (
	"fmt"
	"gopherboot/loader"
	"gopherboot/loader/mem"

	"github.com/sirupsen/logrus"
)

// StackAlignment is the alignment required for the kernel stack top.
const StackAlignment = 16

var (
	errBadRoot     = &loader.Error{Module: "handoff", Message: "page table root is not a page aligned physical address", Kind: loader.InvalidHandoff}
	errBadStack    = &loader.Error{Module: "handoff", Message: "stack top is not a 16-byte aligned kernel address", Kind: loader.InvalidHandoff}
	errBadEntry    = &loader.Error{Module: "handoff", Message: "entry point is not a kernel address", Kind: loader.InvalidHandoff}
	errBadBootInfo = &loader.Error{Module: "handoff", Message: "boot info pointer is not a kernel address", Kind: loader.InvalidHandoff}
)

// Params holds the machine state the kernel starts with.
type Params struct {
	// PageTableRoot is the physical address loaded into CR3.
	PageTableRoot uintptr

	// StackTop is the address one past the highest stack byte. The
	// kernel starts with RSP = StackTop-8 pointing at a zero return
	// address.
	StackTop uintptr

	// Entry is the kernel entry point.
	Entry uintptr

	// BootInfo is passed to the kernel in RDI.
	BootInfo uintptr
}

// CPU switches the address space and jumps to the kernel in one
// uninterrupted sequence. Implementations that drive real hardware never
// return.
type CPU interface {
	Enter(p Params)
}

// Validate checks that p describes a sane kernel entry state.
func (p Params) Validate() *loader.Error {
	switch {
	case p.PageTableRoot == 0 || p.PageTableRoot&(mem.PageSize-1) != 0 || p.PageTableRoot>>mem.PhysAddrBits != 0:
		return errBadRoot
	case p.StackTop == 0 || p.StackTop&(StackAlignment-1) != 0 || !kernelHalf(p.StackTop-1):
		return errBadStack
	case !kernelHalf(p.Entry):
		return errBadEntry
	case !kernelHalf(p.BootInfo):
		return errBadBootInfo
	}
	return nil
}

// kernelHalf returns true if virtAddr is a canonical higher-half address.
func kernelHalf(virtAddr uintptr) bool {
	return virtAddr >= mem.KMemStart && mem.Canonical(virtAddr)
}

// Transfer validates p and hands control to the kernel. With a CPU that
// drives real hardware Transfer does not return on success.
func Transfer(cpu CPU, p Params, log logrus.FieldLogger) *loader.Error {
	if log == nil {
		log = logrus.StandardLogger()
	}

	fields := logrus.Fields{
		"module":    "handoff",
		"cr3":       fmt.Sprintf("0x%x", p.PageTableRoot),
		"rsp":       fmt.Sprintf("0x%x", p.StackTop-8),
		"rip":       fmt.Sprintf("0x%x", p.Entry),
		"boot_info": fmt.Sprintf("0x%x", p.BootInfo),
	}

	if err := p.Validate(); err != nil {
		log.WithFields(fields).Error(err.Message)
		return err
	}

	log.WithFields(fields).Info("jumping to kernel")
	cpu.Enter(p)
	return nil
}
