// Package firmware defines the narrow interface through which the loader
// consumes firmware services and the decoders that turn firmware-specific
// encodings into loader types.
package firmware

import "errors"

var (
	// ErrBufferTooSmall is returned by QueryMemoryMap when the supplied
	// buffer cannot hold the map. The returned MapInfo.Size carries the
	// required size.
	ErrBufferTooSmall = errors.New("firmware: buffer too small")

	// ErrMapChanged is returned by QueryMemoryMap when the map changed while
	// it was being copied out.
	ErrMapChanged = errors.New("firmware: memory map changed")

	// ErrNotAvailable is returned by Framebuffer when no linear framebuffer
	// can be provided.
	ErrNotAvailable = errors.New("firmware: not available")

	// ErrNotFound is returned by ReadFile when the path does not exist.
	ErrNotFound = errors.New("firmware: not found")

	// ErrExited is returned by boot services called after ExitBootServices
	// succeeded.
	ErrExited = errors.New("firmware: boot services exited")
)

// DescriptorVersion identifies the encoding of the entries returned by
// QueryMemoryMap.
type DescriptorVersion uint32

const (
	// DescriptorE820 is the legacy BIOS/multiboot encoding:
	// {base uint64, length uint64, type uint32}.
	DescriptorE820 DescriptorVersion = 0

	// DescriptorEFI1 is EFI_MEMORY_DESCRIPTOR version 1:
	// {type uint32, pad uint32, phys uint64, virt uint64, pages uint64,
	// attribute uint64}.
	DescriptorEFI1 DescriptorVersion = 1
)

// MapInfo describes the result of a memory map query.
type MapInfo struct {
	// Size is the number of bytes written to the buffer or, together with
	// ErrBufferTooSmall, the number of bytes required.
	Size int

	// Key changes every time the firmware memory map changes.
	Key uint64

	// DescriptorSize is the stride between two entries in the buffer. It
	// may be larger than the structure the version describes.
	DescriptorSize int

	// DescriptorVersion selects the entry encoding.
	DescriptorVersion DescriptorVersion
}

// PixelFormat describes the layout of a framebuffer pixel.
type PixelFormat uint32

const (
	// PixelRGB is a 32bpp format with red in the lowest byte.
	PixelRGB PixelFormat = iota

	// PixelBGR is a 32bpp format with blue in the lowest byte.
	PixelBGR

	// PixelBitmask uses the channel masks reported by the firmware.
	PixelBitmask

	// PixelBltOnly indicates that no linear framebuffer is available.
	PixelBltOnly
)

// String implements fmt.Stringer for PixelFormat.
func (f PixelFormat) String() string {
	switch f {
	case PixelRGB:
		return "rgb"
	case PixelBGR:
		return "bgr"
	case PixelBitmask:
		return "bitmask"
	case PixelBltOnly:
		return "blt-only"
	default:
		return "unknown"
	}
}

// Framebuffer describes the linear framebuffer set up by the firmware.
type Framebuffer struct {
	// The framebuffer physical address.
	PhysAddr uint64

	// Width and height in pixels.
	Width, Height uint32

	// Pixels per scan line.
	Stride uint32

	// Pixel layout.
	Format PixelFormat

	// Size of the framebuffer in bytes.
	Size uint64
}

// Info carries the firmware facts that are forwarded to the kernel.
type Info struct {
	// Vendor is the firmware vendor as a NUL terminated UCS-2 string.
	Vendor []byte

	// Revision is the firmware revision.
	Revision uint32

	// RSDP is the physical address of the ACPI root pointer (0 if none).
	RSDP uint64
}

// Firmware is implemented by the firmware environment the loader runs under.
// Implementations are not expected to be safe for concurrent use.
type Firmware interface {
	// QueryMemoryMap copies the current memory map into buf.
	QueryMemoryMap(buf []byte) (MapInfo, error)

	// AllocatePool allocates a buffer owned by the loader. Doing so may
	// change the memory map.
	AllocatePool(size int) ([]byte, error)

	// Framebuffer returns the active framebuffer.
	Framebuffer() (Framebuffer, error)

	// ReadFile returns the contents of the file at path on the boot volume.
	ReadFile(path string) ([]byte, error)

	// Info returns the firmware facts.
	Info() Info

	// ExitBootServices hands the machine over to the loader. key must be
	// the key of the latest memory map; ErrMapChanged is returned if the map
	// changed since. Only QueryMemoryMap and ExitBootServices may be called
	// after a failed attempt and only QueryMemoryMap after a successful one.
	ExitBootServices(key uint64) error
}
