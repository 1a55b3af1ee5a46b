// Package pmm provides the bootstrap physical frame allocator.
package pmm

import (
	"gopherboot/loader"
	"gopherboot/loader/mem"

	"github.com/sirupsen/logrus"
)

var (
	errBootAllocOutOfMemory = &loader.Error{Module: "boot_mem_alloc", Message: "out of memory", Kind: loader.OutOfMemory}
	errBootAllocFrozen      = &loader.Error{Module: "boot_mem_alloc", Message: "allocator frozen", Kind: loader.OutOfMemory}
)

// BootMemAllocator implements a rudimentary physical memory allocator which is
// used while building the hand-off state.
//
// The allocator scans the frozen memory map returned by the collector and
// hands out contiguous runs of frames from Usable regions. Allocations are
// tracked via a cursor that contains the next free frame; the cursor only
// moves forward so frames are never handed out twice.
//
// Due to the way that the allocator works, it is not possible to free
// allocated frames. Every handed out run is recorded so the final memory map
// given to the kernel can report it as Bootstrap memory.
type BootMemAllocator struct {
	regions []mem.Region

	// regionIndex and nextFrame form the allocation cursor.
	regionIndex int
	nextFrame   mem.Frame

	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	runs   []mem.Region
	frozen bool

	log logrus.FieldLogger
}

// NewBootMemAllocator returns an allocator serving frames from the Usable
// entries of regions, which must be sorted and non-overlapping.
func NewBootMemAllocator(regions []mem.Region, log logrus.FieldLogger) *BootMemAllocator {
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &BootMemAllocator{
		regions: regions,
		log:     log.WithField("module", "boot_mem_alloc"),
	}
}

// AllocFrame reserves the next available free frame.
func (alloc *BootMemAllocator) AllocFrame() (mem.Frame, *loader.Error) {
	return alloc.AllocFrames(1)
}

// AllocFrames reserves count physically contiguous frames that lie inside a
// single Usable region and returns the first one. If the current region
// cannot satisfy the request its remaining frames are skipped. Physical frame
// 0 is never handed out.
//
// AllocFrames returns an error if no more memory can be allocated. A failed
// request leaves the cursor untouched.
func (alloc *BootMemAllocator) AllocFrames(count uint64) (mem.Frame, *loader.Error) {
	if alloc.frozen {
		return mem.InvalidFrame, errBootAllocFrozen
	}

	if count == 0 {
		return mem.InvalidFrame, errBootAllocOutOfMemory
	}

	for index := alloc.regionIndex; index < len(alloc.regions); index++ {
		region := alloc.regions[index]
		if region.Type != mem.Usable {
			continue
		}

		startFrame, endFrame := region.StartFrame(), region.EndFrame()
		if index == alloc.regionIndex && alloc.nextFrame > startFrame {
			startFrame = alloc.nextFrame
		}
		if startFrame == 0 {
			startFrame = 1
		}

		if startFrame >= endFrame || uint64(endFrame-startFrame) < count {
			continue
		}

		alloc.regionIndex = index
		alloc.nextFrame = startFrame + mem.Frame(count)
		alloc.allocCount += count
		alloc.recordRun(startFrame, count)
		return startFrame, nil
	}

	alloc.log.WithFields(logrus.Fields{
		"requested": count,
		"allocated": alloc.allocCount,
	}).Error("out of memory")
	return mem.InvalidFrame, errBootAllocOutOfMemory
}

func (alloc *BootMemAllocator) recordRun(frame mem.Frame, count uint64) {
	start := uint64(frame.Address())
	if last := len(alloc.runs) - 1; last >= 0 && alloc.runs[last].End() == start {
		alloc.runs[last].Pages += count
		return
	}

	alloc.runs = append(alloc.runs, mem.Region{Start: start, Pages: count, Type: mem.Bootstrap})
}

// AllocCount returns the number of frames handed out so far.
func (alloc *BootMemAllocator) AllocCount() uint64 {
	return alloc.allocCount
}

// Allocations returns the handed out frame runs, sorted by address, with
// adjacent runs merged. All runs are typed as Bootstrap.
func (alloc *BootMemAllocator) Allocations() []mem.Region {
	runs := make([]mem.Region, len(alloc.runs))
	copy(runs, alloc.runs)
	return runs
}

// Freeze prevents any further allocation. It is called once the final memory
// map has been captured so that it cannot go stale.
func (alloc *BootMemAllocator) Freeze() {
	alloc.frozen = true
	alloc.log.WithFields(logrus.Fields{
		"frames": alloc.allocCount,
		"runs":   len(alloc.runs),
	}).Debug("allocator frozen")
}
