package elfload

import (
	"fmt"
	"gopherboot/loader"
	"gopherboot/loader/mem"
	"gopherboot/loader/vmm"

	"github.com/sirupsen/logrus"
)

// FrameAllocator hands out physically contiguous frame runs.
type FrameAllocator interface {
	AllocFrames(count uint64) (mem.Frame, *loader.Error)
}

// Load copies every segment into freshly allocated frames. Bytes between the
// end of the file contents and the end of the segment are zeroed, as are the
// bytes preceding an unaligned segment start.
func (img *Image) Load(alloc FrameAllocator, phys mem.PhysMemory) *loader.Error {
	for i := range img.Segments {
		seg := &img.Segments[i]

		pages := seg.Pages()
		frame, err := alloc.AllocFrames(pages)
		if err != nil {
			return err
		}

		mem.ClearFrames(phys, frame, pages)

		pageOffset := seg.VirtAddr & (mem.PageSize - 1)
		seg.PhysAddr = frame.Address() + pageOffset
		mem.Write(phys, seg.PhysAddr, img.data[seg.FileOffset:seg.FileOffset+seg.FileSize])

		img.log.WithFields(logrus.Fields{
			"vaddr": fmt.Sprintf("0x%x", seg.VirtAddr),
			"paddr": fmt.Sprintf("0x%x", seg.PhysAddr),
			"pages": pages,
			"perm":  seg.MapFlags().String(),
		}).Info("loaded segment")
	}

	return nil
}

// Map installs the loaded segments at their link addresses with their ELF
// permissions.
func (img *Image) Map(b *vmm.Builder) *loader.Error {
	for i := range img.Segments {
		seg := &img.Segments[i]
		if seg.PhysAddr == 0 {
			return errNotLoaded
		}

		if err := b.Map(seg.pageStart(), seg.PhysAddr&^(mem.PageSize-1), seg.Pages(), seg.MapFlags()); err != nil {
			return err
		}
	}

	return nil
}
