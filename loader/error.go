// Package loader contains the types shared by every stage of the hand-off
// sequence that takes the machine from firmware-hosted execution to the kernel
// entry point.
package loader

// ErrorKind classifies a loader error. Every kind is fatal to the boot
// attempt; the kind only tells the caller which stage refused to continue.
type ErrorKind uint8

const (
	// FirmwareQueryFailed is reported when the memory map or framebuffer
	// query did not stabilize or was refused by the firmware.
	FirmwareQueryFailed ErrorKind = iota + 1

	// OutOfMemory is reported when the bootstrap allocator exhausted the
	// usable regions (or a bounded window ran out of pages).
	OutOfMemory

	// MappingConflict is reported when a virtual page would alias two
	// different physical frames or permission sets.
	MappingConflict

	// MalformedImage is reported when the kernel image is structurally
	// invalid or links outside the kernel region.
	MalformedImage

	// UnsupportedImageFormat is reported for images that are well formed but
	// not something this loader can run (wrong magic, class or machine).
	UnsupportedImageFormat

	// GuardViolation is reported when a mapping would cover the mandatory
	// guard page below the kernel stack.
	GuardViolation

	// InvalidHandoff is reported when the trampoline parameters fail
	// validation right before the jump.
	InvalidHandoff
)

// String implements fmt.Stringer for ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case FirmwareQueryFailed:
		return "firmware query failed"
	case OutOfMemory:
		return "out of memory"
	case MappingConflict:
		return "mapping conflict"
	case MalformedImage:
		return "malformed image"
	case UnsupportedImageFormat:
		return "unsupported image format"
	case GuardViolation:
		return "guard violation"
	case InvalidHandoff:
		return "invalid handoff"
	default:
		return "unknown"
	}
}

// Error describes a loader error. Loader errors are defined as package-level
// variables that are pointers to the Error structure; the details of a
// particular failure are reported through the boot log instead of being
// formatted into the message.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// The error class.
	Kind ErrorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Is reports whether target is a loader error of the same kind. It allows
// callers to match on the taxonomy with errors.Is regardless of which module
// raised the error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Module == "" || t.Module == e.Module)
}

// Sentinel values that can be passed to errors.Is to match an error class
// raised by any module.
var (
	ErrFirmwareQueryFailed    = &Error{Kind: FirmwareQueryFailed, Message: FirmwareQueryFailed.String()}
	ErrOutOfMemory            = &Error{Kind: OutOfMemory, Message: OutOfMemory.String()}
	ErrMappingConflict        = &Error{Kind: MappingConflict, Message: MappingConflict.String()}
	ErrMalformedImage         = &Error{Kind: MalformedImage, Message: MalformedImage.String()}
	ErrUnsupportedImageFormat = &Error{Kind: UnsupportedImageFormat, Message: UnsupportedImageFormat.String()}
	ErrGuardViolation         = &Error{Kind: GuardViolation, Message: GuardViolation.String()}
	ErrInvalidHandoff         = &Error{Kind: InvalidHandoff, Message: InvalidHandoff.String()}
)
