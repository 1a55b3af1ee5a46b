package handoff

import "reflect"

// NativeCPU enters the kernel on the CPU the loader runs on. It must only be
// used while running in ring 0 with interrupts routed to the firmware.
type NativeCPU struct{}

// Enter loads CR3, switches to the kernel stack and jumps to the entry
// point. It never returns.
func (NativeCPU) Enter(p Params) {
	enterKernel(p.PageTableRoot, p.StackTop, p.Entry, p.BootInfo)
}

// TrampolineAddr returns the address of the code that performs the switch.
// The page holding it must be identity mapped in the new page tables so the
// instructions after the CR3 load can still be fetched.
func TrampolineAddr() uintptr {
	return reflect.ValueOf(enterKernel).Pointer()
}

// enterKernel disables interrupts, loads root into CR3, sets RSP to
// stackTop-8 holding a zero return address, places bootInfo in RDI and jumps
// to entry.
func enterKernel(root, stackTop, entry, bootInfo uintptr)
