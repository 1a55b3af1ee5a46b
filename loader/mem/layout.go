package mem

// The virtual layout below is a compile-time contract between the loader and
// the kernel; both sides must agree on it bit-for-bit.
//
//	KMemStart      0xffff800000000000  direct map of physical memory
//	BootInfoStart  0xffff810000000000  1G boot-info window
//	KernelStart    0xffff810040000000  kernel image, then guard page, then stack
const (
	// KMemStart is the base of the direct physical map: every physical
	// address p is reachable at KMemStart + p.
	KMemStart = uintptr(0xffff800000000000)

	// BootInfoStart is the base of the window holding the BootInfo block
	// and the framebuffer mapping.
	BootInfoStart = uintptr(0xffff810000000000)

	// BootInfoSize is the size of the boot-info window.
	BootInfoSize = uintptr(Gb)

	// KernelStart is the base of the kernel code/data region. It always
	// starts a fixed BootInfoSize above BootInfoStart regardless of how
	// much of the window the BootInfo block uses.
	KernelStart = BootInfoStart + BootInfoSize

	// DirectMapSize is the largest physical span that fits in the direct map
	// before it would run into the boot-info window.
	DirectMapSize = BootInfoStart - KMemStart

	// GuardPages is the number of unmapped pages between the kernel image
	// and its stack.
	GuardPages = 1

	// DefaultStackPages is the size of the initial kernel stack.
	DefaultStackPages = 3
)

// DirectMapped returns the direct map virtual address for physAddr.
func DirectMapped(physAddr uintptr) uintptr {
	return KMemStart + physAddr
}

// Canonical returns true if virtAddr is a canonical 48-bit address.
func Canonical(virtAddr uintptr) bool {
	upper := virtAddr >> (VirtAddrBits - 1)
	return upper == 0 || upper == (^uintptr(0))>>(VirtAddrBits-1)
}

// InKernelRegion returns true if virtAddr lies in the kernel code/data region.
func InKernelRegion(virtAddr uintptr) bool {
	return virtAddr >= KernelStart
}

// InBootInfoWindow returns true if virtAddr lies in the boot-info window.
func InBootInfoWindow(virtAddr uintptr) bool {
	return virtAddr >= BootInfoStart && virtAddr-BootInfoStart < BootInfoSize
}
