package mem

import (
	"bytes"
	"testing"
)

func TestMemset(t *testing.T) {
	// memset with a 0 size should be a no-op
	Memset(nil, 0x00)

	for pageCount := 1; pageCount <= 10; pageCount++ {
		buf := make([]byte, int(PageSize)*pageCount)
		for i := 0; i < len(buf); i++ {
			buf[i] = 0xFE
		}

		Memset(buf, 0x00)

		for i := 0; i < len(buf); i++ {
			if got := buf[i]; got != 0x00 {
				t.Errorf("[block with %d pages] expected byte: %d to be 0x00; got 0x%x", pageCount, i, got)
			}
		}
	}
}

func TestSparseMemory(t *testing.T) {
	m := NewSparseMemory()

	if got := len(m.Frame(Frame(42))); got != int(PageSize) {
		t.Fatalf("expected frame view of %d bytes; got %d", PageSize, got)
	}

	// Write a buffer that straddles frames 0, 1 and 2
	data := bytes.Repeat([]byte{0xaa, 0x55}, 3000)
	Write(m, PageSize-100, data)

	got := make([]byte, len(data))
	Read(m, PageSize-100, got)
	if !bytes.Equal(got, data) {
		t.Fatal("expected Read to return the bytes written by Write")
	}

	// frame 42 plus the three frames written above
	if exp := 4; m.Touched() != exp {
		t.Fatalf("expected %d touched frames; got %d", exp, m.Touched())
	}

	ClearFrames(m, Frame(0), 3)
	Read(m, PageSize-100, got)
	if !bytes.Equal(got, make([]byte, len(got))) {
		t.Fatal("expected ClearFrames to zero the frame contents")
	}
}
