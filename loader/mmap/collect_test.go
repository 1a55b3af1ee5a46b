package mmap

import (
	"errors"
	"gopherboot/loader"
	"gopherboot/loader/bootlog"
	"gopherboot/loader/firmware"
	"gopherboot/loader/mem"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type efiEntry struct {
	typ   uint32
	phys  uint64
	pages uint64
}

// fakeFirmware serves a fixed EFI memory map. Every pool allocation changes
// the map key; churn makes the next N successful queries report a new key and
// exitChurn makes the next N exit attempts find the map changed.
type fakeFirmware struct {
	entries   []efiEntry
	key       uint64
	churn     int
	exitChurn int
	queries   int
	allocs    int
	exits     int
	exitedKey uint64
	queryErr  error
	allocErr  error
	exitErr   error
}

const testDescriptorSize = 48

func (f *fakeFirmware) QueryMemoryMap(buf []byte) (firmware.MapInfo, error) {
	f.queries++
	info := firmware.MapInfo{
		Size:              len(f.entries) * testDescriptorSize,
		DescriptorSize:    testDescriptorSize,
		DescriptorVersion: firmware.DescriptorEFI1,
	}
	if f.queryErr != nil {
		return info, f.queryErr
	}
	if len(buf) < info.Size {
		return info, firmware.ErrBufferTooSmall
	}
	for i, e := range f.entries {
		firmware.PutEFIDescriptor(buf[i*testDescriptorSize:], e.typ, e.phys, e.pages)
	}
	if f.churn > 0 {
		f.churn--
		f.key++
	}
	info.Key = f.key
	return info, nil
}

func (f *fakeFirmware) AllocatePool(size int) ([]byte, error) {
	if f.allocErr != nil {
		return nil, f.allocErr
	}
	f.allocs++
	f.key++
	return make([]byte, size), nil
}

func (f *fakeFirmware) Framebuffer() (firmware.Framebuffer, error) {
	return firmware.Framebuffer{}, firmware.ErrNotAvailable
}

func (f *fakeFirmware) ReadFile(string) ([]byte, error) { return nil, firmware.ErrNotFound }

func (f *fakeFirmware) Info() firmware.Info { return firmware.Info{} }

func (f *fakeFirmware) ExitBootServices(key uint64) error {
	f.exits++
	switch {
	case f.exitErr != nil:
		return f.exitErr
	case f.exitChurn > 0:
		f.exitChurn--
		f.key++
		return firmware.ErrMapChanged
	case key != f.key:
		return firmware.ErrMapChanged
	}
	f.exitedKey = key
	return nil
}

func collector() *Collector {
	return &Collector{Log: bootlog.Discard()}
}

func TestCollectNormalizesMap(t *testing.T) {
	specs := []struct {
		entries []efiEntry
		exp     []mem.Region
	}{
		// unsorted entries are sorted and adjacent usable entries merged
		{
			[]efiEntry{
				{firmware.EfiConventionalMemory, 0x100000, 0x100},
				{firmware.EfiConventionalMemory, 0x0, 0x9f},
				{firmware.EfiReservedMemoryType, 0x9f000, 0x61},
				{firmware.EfiConventionalMemory, 0x200000, 0x100},
			},
			[]mem.Region{
				{Start: 0x0, Pages: 0x9f, Type: mem.Usable},
				{Start: 0x9f000, Pages: 0x61, Type: mem.Reserved},
				{Start: 0x100000, Pages: 0x200, Type: mem.Usable},
			},
		},
		// zero-length entries are dropped
		{
			[]efiEntry{
				{firmware.EfiConventionalMemory, 0x1000, 0x10},
				{firmware.EfiACPIReclaimMemory, 0x8000, 0},
			},
			[]mem.Region{
				{Start: 0x1000, Pages: 0x10, Type: mem.Usable},
			},
		},
		// overlapping entries resolve to the more restrictive type
		{
			[]efiEntry{
				{firmware.EfiConventionalMemory, 0x0, 0x100},
				{firmware.EfiUnusableMemory, 0x10000, 0x2},
				{firmware.EfiBootServicesData, 0x80000, 0x100},
			},
			[]mem.Region{
				{Start: 0x0, Pages: 0x10, Type: mem.Usable},
				{Start: 0x10000, Pages: 0x2, Type: mem.BadMemory},
				{Start: 0x12000, Pages: 0x6e, Type: mem.Usable},
				{Start: 0x80000, Pages: 0x100, Type: mem.FirmwareReclaimable},
			},
		},
		// adjacent entries of different types stay separate
		{
			[]efiEntry{
				{firmware.EfiLoaderCode, 0x1000, 0x1},
				{firmware.EfiLoaderData, 0x2000, 0x1},
				{firmware.EfiConventionalMemory, 0x3000, 0x1},
			},
			[]mem.Region{
				{Start: 0x1000, Pages: 0x1, Type: mem.LoaderCode},
				{Start: 0x2000, Pages: 0x1, Type: mem.LoaderData},
				{Start: 0x3000, Pages: 0x1, Type: mem.Usable},
			},
		},
	}

	for specIndex, spec := range specs {
		fw := &fakeFirmware{entries: spec.entries}
		got, err := collector().Collect(fw)
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}
		if diff := cmp.Diff(spec.exp, got); diff != "" {
			t.Errorf("[spec %d] region mismatch (-want +got):\n%s", specIndex, diff)
		}
	}
}

func TestCollectWaitsForStableKey(t *testing.T) {
	fw := &fakeFirmware{
		entries: []efiEntry{{firmware.EfiConventionalMemory, 0x0, 0x10}},
		churn:   2,
	}

	if _, err := collector().Collect(fw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// size query, a query that records the key, a query that sees it change
	// and a final confirming query
	if exp := 4; fw.queries != exp {
		t.Fatalf("expected %d queries; got %d", exp, fw.queries)
	}
	if fw.allocs != 1 {
		t.Fatalf("expected a single pool allocation; got %d", fw.allocs)
	}
}

func TestCollectErrors(t *testing.T) {
	specs := []struct {
		fw         *fakeFirmware
		maxRetries uint64
	}{
		// firmware refuses the query
		{&fakeFirmware{entries: []efiEntry{{firmware.EfiConventionalMemory, 0, 1}}, queryErr: errors.New("EFI_INVALID_PARAMETER")}, 0},
		// pool allocation fails
		{&fakeFirmware{entries: []efiEntry{{firmware.EfiConventionalMemory, 0, 1}}, allocErr: errors.New("EFI_OUT_OF_RESOURCES")}, 0},
		// map never stabilizes
		{&fakeFirmware{entries: []efiEntry{{firmware.EfiConventionalMemory, 0, 1}}, churn: 100}, 4},
		// nothing usable
		{&fakeFirmware{entries: []efiEntry{{firmware.EfiReservedMemoryType, 0, 1}}}, 0},
	}

	for specIndex, spec := range specs {
		c := collector()
		c.MaxRetries = spec.maxRetries
		_, err := c.Collect(spec.fw)
		if !errors.Is(err, loader.ErrFirmwareQueryFailed) {
			t.Errorf("[spec %d] expected a FirmwareQueryFailed error; got %v", specIndex, err)
		}
	}
}

func TestCollectAndExit(t *testing.T) {
	specs := []struct {
		exitChurn  int
		expQueries int
		expExits   int
	}{
		// size query, copy, confirming copy and a single exit
		{0, 3, 1},
		// every refused exit is followed by a copy and a confirming copy
		// into the same buffer
		{2, 7, 3},
	}

	for specIndex, spec := range specs {
		fw := &fakeFirmware{
			entries:   []efiEntry{{firmware.EfiConventionalMemory, 0x0, 0x10}},
			exitChurn: spec.exitChurn,
		}

		regions, err := collector().CollectAndExit(fw)
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}
		if exp := []mem.Region{{Start: 0, Pages: 0x10, Type: mem.Usable}}; !cmp.Equal(exp, regions) {
			t.Errorf("[spec %d] expected regions %v; got %v", specIndex, exp, regions)
		}

		if fw.queries != spec.expQueries {
			t.Errorf("[spec %d] expected %d queries; got %d", specIndex, spec.expQueries, fw.queries)
		}
		if fw.exits != spec.expExits {
			t.Errorf("[spec %d] expected %d exit attempts; got %d", specIndex, spec.expExits, fw.exits)
		}
		if fw.allocs != 1 {
			t.Errorf("[spec %d] expected the map buffer to be allocated once; got %d allocations", specIndex, fw.allocs)
		}
		if fw.exitedKey != fw.key {
			t.Errorf("[spec %d] expected exit with the latest key %d; got %d", specIndex, fw.key, fw.exitedKey)
		}
	}
}

func TestCollectAndExitErrors(t *testing.T) {
	specs := []struct {
		fw         *fakeFirmware
		maxRetries uint64
		expExits   int
	}{
		// the map cannot be collected so exit is never attempted
		{&fakeFirmware{entries: []efiEntry{{firmware.EfiConventionalMemory, 0, 1}}, queryErr: errors.New("EFI_INVALID_PARAMETER")}, 0, 0},
		// firmware refuses to exit
		{&fakeFirmware{entries: []efiEntry{{firmware.EfiConventionalMemory, 0, 1}}, exitErr: errors.New("EFI_INVALID_PARAMETER")}, 0, 1},
		// the map changes before every exit attempt
		{&fakeFirmware{entries: []efiEntry{{firmware.EfiConventionalMemory, 0, 1}}, exitChurn: 100}, 4, 5},
	}

	for specIndex, spec := range specs {
		c := collector()
		c.MaxRetries = spec.maxRetries
		if _, err := c.CollectAndExit(spec.fw); !errors.Is(err, loader.ErrFirmwareQueryFailed) {
			t.Errorf("[spec %d] expected a FirmwareQueryFailed error; got %v", specIndex, err)
		}
		if spec.fw.exits != spec.expExits {
			t.Errorf("[spec %d] expected %d exit attempts; got %d", specIndex, spec.expExits, spec.fw.exits)
		}
	}
}

func TestNormalize(t *testing.T) {
	specs := []struct {
		in    firmware.Descriptor
		exp   firmware.Descriptor
		expOK bool
	}{
		{
			firmware.Descriptor{PhysAddr: 0x1010, Length: 0x2ff0, Type: mem.Usable},
			firmware.Descriptor{PhysAddr: 0x2000, Length: 0x2000, Type: mem.Usable},
			true,
		},
		{
			firmware.Descriptor{PhysAddr: 0x1010, Length: 0x10, Type: mem.Reserved},
			firmware.Descriptor{PhysAddr: 0x1000, Length: 0x1000, Type: mem.Reserved},
			true,
		},
		{
			firmware.Descriptor{PhysAddr: 0x1010, Length: 0x10, Type: mem.Usable},
			firmware.Descriptor{},
			false,
		},
	}

	for specIndex, spec := range specs {
		got, ok := normalize(spec.in)
		if ok != spec.expOK {
			t.Errorf("[spec %d] expected ok to be %t", specIndex, spec.expOK)
			continue
		}
		if ok && got != spec.exp {
			t.Errorf("[spec %d] expected %+v; got %+v", specIndex, spec.exp, got)
		}
	}
}
