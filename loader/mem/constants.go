package mem

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// PhysAddrBits is the number of bits that may be set in a physical
	// address.
	PhysAddrBits = 52

	// VirtAddrBits is the number of implemented virtual address bits. The
	// bits above it must be a sign extension of bit VirtAddrBits-1.
	VirtAddrBits = 48
)
