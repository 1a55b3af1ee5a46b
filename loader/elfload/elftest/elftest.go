// Package elftest builds ELF64 images for tests.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

const (
	headerSize  = 64
	progHdrSize = 56
	pageSize    = 0x1000
)

// Segment describes a PT_LOAD segment. MemSize defaults to len(Data).
type Segment struct {
	VirtAddr uint64
	Data     []byte
	MemSize  uint64
	Flags    elf.ProgFlag

	// Align defaults to the page size.
	Align uint64
}

// Image describes an ELF executable. Machine defaults to EM_X86_64 and Type to
// ET_EXEC.
type Image struct {
	Entry    uint64
	Machine  elf.Machine
	Type     elf.Type
	Segments []Segment
}

// Bytes encodes the image. Each segment's contents start on a fresh page at
// a file offset congruent to its virtual address.
func (img Image) Bytes() []byte {
	machine, typ := img.Machine, img.Type
	if machine == 0 {
		machine = elf.EM_X86_64
	}
	if typ == 0 {
		typ = elf.ET_EXEC
	}

	hdr := elf.Header64{
		Type:      uint16(typ),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     img.Entry,
		Phoff:     headerSize,
		Ehsize:    headerSize,
		Phentsize: progHdrSize,
		Phnum:     uint16(len(img.Segments)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var (
		progs   []elf.Prog64
		offset  = uint64(pageSize)
		payload [][]byte
	)
	for _, seg := range img.Segments {
		memSize, align := seg.MemSize, seg.Align
		if memSize == 0 {
			memSize = uint64(len(seg.Data))
		}
		if align == 0 {
			align = pageSize
		}

		off := offset + seg.VirtAddr%pageSize
		progs = append(progs, elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(seg.Flags),
			Off:    off,
			Vaddr:  seg.VirtAddr,
			Paddr:  seg.VirtAddr,
			Filesz: uint64(len(seg.Data)),
			Memsz:  memSize,
			Align:  align,
		})
		payload = append(payload, seg.Data)
		offset = (off + uint64(len(seg.Data)) + pageSize - 1) &^ (pageSize - 1)
	}

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, &hdr)
	for i := range progs {
		_ = binary.Write(&buf, binary.LittleEndian, &progs[i])
	}

	out := make([]byte, offset)
	copy(out, buf.Bytes())
	for i, data := range payload {
		copy(out[progs[i].Off:], data)
	}
	return out
}

// SetProgField patches a 64-bit field of the index-th program header.
func SetProgField(image []byte, index int, field int, value uint64) {
	binary.LittleEndian.PutUint64(image[headerSize+index*progHdrSize+field:], value)
}

// Program header field offsets for SetProgField.
const (
	ProgOff    = 8
	ProgVaddr  = 16
	ProgFilesz = 32
	ProgMemsz  = 40
	ProgAlign  = 48
)
