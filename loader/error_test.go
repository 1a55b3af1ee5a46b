package loader

import (
	"errors"
	"testing"
)

func TestLoaderError(t *testing.T) {
	err := &Error{
		Module:  "foo",
		Message: "error message",
		Kind:    MappingConflict,
	}

	if err.Error() != err.Message {
		t.Fatalf("expected to err.Error() to return %q; got %q", err.Message, err.Error())
	}

	if !errors.Is(err, ErrMappingConflict) {
		t.Fatal("expected error to match ErrMappingConflict")
	}

	if errors.Is(err, ErrOutOfMemory) {
		t.Fatal("expected error not to match ErrOutOfMemory")
	}

	if errors.Is(err, &Error{Module: "bar", Kind: MappingConflict}) {
		t.Fatal("expected module mismatch to prevent a match")
	}
}

func TestErrorKindString(t *testing.T) {
	specs := []struct {
		kind ErrorKind
		exp  string
	}{
		{FirmwareQueryFailed, "firmware query failed"},
		{OutOfMemory, "out of memory"},
		{MappingConflict, "mapping conflict"},
		{MalformedImage, "malformed image"},
		{UnsupportedImageFormat, "unsupported image format"},
		{GuardViolation, "guard violation"},
		{InvalidHandoff, "invalid handoff"},
		{ErrorKind(0), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.kind.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}
