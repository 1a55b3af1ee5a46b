// Package bootlog captures the loader's log output so that its tail can be
// handed to the kernel inside the BootInfo block.
package bootlog

import "io"

// ringBufferSize defines size of the ring buffer that buffers the loader log.
// Its default size is selected so the captured tail fits in a single page of
// the BootInfo block. The ring buffer size must always be a power of 2.
const ringBufferSize = 4096

// TailSize is the maximum number of bytes that Snapshot returns.
const TailSize = ringBufferSize - 1

// RingBuffer models a ring buffer of size ringBufferSize. Once full, new
// writes overwrite the oldest bytes.
type RingBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
}

// Write writes len(p) bytes from p to the RingBuffer.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.rIndex == rb.wIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Read reads up to len(p) bytes into p. It returns the number of bytes read (0
// <= n <= len(p)) and any error encountered.
func (rb *RingBuffer) Read(p []byte) (n int, err error) {
	switch {
	case rb.rIndex < rb.wIndex:
		// read up to min(wIndex - rIndex, len(p)) bytes
		n = rb.wIndex - rb.rIndex
		if pLen := len(p); pLen < n {
			n = pLen
		}

		copy(p, rb.buffer[rb.rIndex:rb.rIndex+n])
		rb.rIndex += n

		return n, nil
	case rb.rIndex > rb.wIndex:
		// Read up to min(len(buf) - rIndex, len(p)) bytes
		n = len(rb.buffer) - rb.rIndex
		if pLen := len(p); pLen < n {
			n = pLen
		}

		copy(p, rb.buffer[rb.rIndex:rb.rIndex+n])
		rb.rIndex += n

		if rb.rIndex == len(rb.buffer) {
			rb.rIndex = 0
		}

		return n, nil
	default: // rIndex == wIndex
		return 0, io.EOF
	}
}

// Len returns the number of unread bytes.
func (rb *RingBuffer) Len() int {
	return (rb.wIndex - rb.rIndex) & (ringBufferSize - 1)
}

// Snapshot returns a copy of the unread bytes without consuming them.
func (rb *RingBuffer) Snapshot() []byte {
	out := make([]byte, 0, rb.Len())
	if rb.rIndex <= rb.wIndex {
		return append(out, rb.buffer[rb.rIndex:rb.wIndex]...)
	}
	out = append(out, rb.buffer[rb.rIndex:]...)
	return append(out, rb.buffer[:rb.wIndex]...)
}
