package mem

import "unsafe"

// PhysMemory provides access to the contents of physical frames. Page tables,
// the loaded kernel image and the BootInfo block are all written through it,
// so the same code can run against real memory or against an arena in a test.
type PhysMemory interface {
	// Frame returns a PageSize long writable view of the given frame.
	Frame(f Frame) []byte
}

// IdentityMemory is the PhysMemory used while firmware boot services are
// still active: the firmware runs with physical memory identity mapped so a
// frame can be accessed at its own physical address.
type IdentityMemory struct{}

// Frame implements PhysMemory.
func (IdentityMemory) Frame(f Frame) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(f.Address())), PageSize)
}

// SparseMemory is an arena of frames indexed by frame number. Frames are
// backed lazily on first access. Callers must still clear the frames they
// allocate since real memory makes no such promise.
type SparseMemory struct {
	frames map[Frame]*[PageSize]byte
}

// NewSparseMemory returns an empty arena.
func NewSparseMemory() *SparseMemory {
	return &SparseMemory{frames: make(map[Frame]*[PageSize]byte)}
}

// Frame implements PhysMemory.
func (m *SparseMemory) Frame(f Frame) []byte {
	page, ok := m.frames[f]
	if !ok {
		page = new([PageSize]byte)
		m.frames[f] = page
	}
	return page[:]
}

// Touched returns the number of frames that have been accessed.
func (m *SparseMemory) Touched() int {
	return len(m.frames)
}

// Read copies len(p) bytes starting at physAddr into p. The range may span
// multiple frames.
func Read(m PhysMemory, physAddr uintptr, p []byte) {
	for len(p) > 0 {
		off := physAddr & (PageSize - 1)
		n := copy(p, m.Frame(FrameFromAddress(physAddr))[off:])
		p = p[n:]
		physAddr += uintptr(n)
	}
}

// Write copies p into physical memory starting at physAddr. The range may span
// multiple frames.
func Write(m PhysMemory, physAddr uintptr, p []byte) {
	for len(p) > 0 {
		off := physAddr & (PageSize - 1)
		n := copy(m.Frame(FrameFromAddress(physAddr))[off:], p)
		p = p[n:]
		physAddr += uintptr(n)
	}
}

// Memset sets every byte of target to value. Instead of using a for loop, it
// uses log2(len(target)) copy calls which should give us a speed boost as page
// contents are always aligned.
func Memset(target []byte, value byte) {
	if len(target) == 0 {
		return
	}

	// Set first element and make log2(size) optimized copies
	target[0] = value
	for index := 1; index < len(target); index *= 2 {
		copy(target[index:], target[:index])
	}
}

// ClearFrames zeroes count frames starting at f.
func ClearFrames(m PhysMemory, f Frame, count uint64) {
	for ; count > 0; count, f = count-1, f+1 {
		Memset(m.Frame(f), 0)
	}
}
