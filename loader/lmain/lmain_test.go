package lmain

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"gopherboot/hosted"
	"gopherboot/loader"
	"gopherboot/loader/bootinfo"
	"gopherboot/loader/bootlog"
	"gopherboot/loader/config"
	"gopherboot/loader/elfload/elftest"
	"gopherboot/loader/firmware"
	"gopherboot/loader/mem"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/sirupsen/logrus"
)

var (
	textAddr  = uint64(mem.KernelStart)
	dataAddr  = uint64(mem.KernelStart) + 0x1000
	textBytes = []byte{0xfa, 0xf4, 0xeb, 0xfd} // cli; hlt; jmp .-1
	dataBytes = []byte("gopherboot")
)

func kernelImage() elftest.Image {
	return elftest.Image{
		Entry: textAddr,
		Segments: []elftest.Segment{
			{VirtAddr: textAddr, Data: textBytes, Flags: elf.PF_R | elf.PF_X},
			{VirtAddr: dataAddr, Data: dataBytes, MemSize: 0x1800, Flags: elf.PF_R | elf.PF_W},
		},
	}
}

type fixture struct {
	ctx *Context
	cpu *hosted.RecordingCPU
	fw  *hosted.Firmware
}

// newFixture writes kernel to a temporary file and wires it into a hosted
// machine described by cfg. A nil kernel leaves the boot volume empty.
func newFixture(t *testing.T, cfg *config.Config, kernel []byte) *fixture {
	t.Helper()

	if kernel != nil {
		path := filepath.Join(t.TempDir(), "kernel.elf")
		if err := os.WriteFile(path, kernel, 0o644); err != nil {
			t.Fatal(err)
		}
		cfg.Machine.Files[cfg.KernelPath] = path
	}

	log, rb := bootlog.New(io.Discard, logrus.DebugLevel)
	fw, err := hosted.NewFirmware(cfg.Machine, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = fw.Close() })

	cpu := new(hosted.RecordingCPU)
	return &fixture{
		ctx: &Context{
			Firmware:   fw,
			Phys:       mem.NewSparseMemory(),
			CPU:        cpu,
			Config:     cfg,
			Log:        log,
			BootLog:    rb,
			Trampoline: fw.Trampoline(),
		},
		cpu: cpu,
		fw:  fw,
	}
}

func TestBoot(t *testing.T) {
	specs := []struct {
		descriptorFormat string
		hugePages        bool
		exitChurn        int
	}{
		{"efi", true, 0},
		{"efi", false, 0},
		{"e820", true, 0},
		{"efi", true, 2},
	}

	for specIndex, spec := range specs {
		cfg := config.Default()
		cfg.Machine.DescriptorFormat = spec.descriptorFormat
		cfg.HugePages = spec.hugePages
		cfg.Machine.ExitChurn = spec.exitChurn

		f := newFixture(t, cfg, kernelImage().Bytes())
		res, err := Boot(f.ctx)
		if err != nil {
			t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
		}

		if !f.cpu.Entered {
			t.Fatalf("[spec %d] expected the CPU to enter the kernel", specIndex)
		}
		if exp := spec.exitChurn + 1; f.fw.Exits != exp {
			t.Errorf("[spec %d] expected %d exit boot services calls; got %d", specIndex, exp, f.fw.Exits)
		}
		if _, ferr := f.fw.AllocatePool(1); !errors.Is(ferr, firmware.ErrExited) {
			t.Errorf("[spec %d] expected boot services to be exited; got %v", specIndex, ferr)
		}
		if f.cpu.Params != res.Params {
			t.Errorf("[spec %d] expected CPU params %+v; got %+v", specIndex, res.Params, f.cpu.Params)
		}

		p := f.cpu.Params
		if p.Entry != uintptr(textAddr) {
			t.Errorf("[spec %d] expected entry 0x%x; got 0x%x", specIndex, textAddr, p.Entry)
		}
		if p.BootInfo != mem.BootInfoStart {
			t.Errorf("[spec %d] expected boot info at 0x%x; got 0x%x", specIndex, mem.BootInfoStart, p.BootInfo)
		}

		// text page, data pages, guard page and the default stack
		expStackTop := mem.KernelStart + (1+2+1+mem.DefaultStackPages)*mem.PageSize
		if p.StackTop != expStackTop {
			t.Errorf("[spec %d] expected stack top 0x%x; got 0x%x", specIndex, expStackTop, p.StackTop)
		}

		if p.PageTableRoot != res.Builder.Root().Address() {
			t.Errorf("[spec %d] expected CR3 0x%x; got 0x%x", specIndex, res.Builder.Root().Address(), p.PageTableRoot)
		}

		b := res.Builder
		entryPhys, _, terr := b.Translate(p.Entry)
		if terr != nil {
			t.Fatalf("[spec %d] entry does not translate: %v", specIndex, terr)
		}
		got := make([]byte, len(textBytes))
		mem.Read(f.ctx.Phys, entryPhys, got)
		if !bytes.Equal(got, textBytes) {
			t.Errorf("[spec %d] expected kernel text %x at entry; got %x", specIndex, textBytes, got)
		}

		if _, _, terr = b.Translate(res.Image.GuardPage); terr == nil {
			t.Errorf("[spec %d] expected guard page 0x%x to be unmapped", specIndex, res.Image.GuardPage)
		}

		if phys, _, terr := b.Translate(mem.KMemStart + 0x7000123); terr != nil || phys != 0x7000123 {
			t.Errorf("[spec %d] expected direct map to translate to 0x7000123; got 0x%x, %v", specIndex, phys, terr)
		}

		// the switch code may run into the page after the trampoline
		trampoline := f.fw.Trampoline()
		for _, addr := range []uintptr{trampoline, trampoline + mem.PageSize + 0x10} {
			if phys, _, terr := b.Translate(addr); terr != nil || phys != addr {
				t.Errorf("[spec %d] expected 0x%x to be identity mapped; got 0x%x, %v", specIndex, addr, phys, terr)
			}
		}
		if _, _, terr := b.Translate(0); terr == nil {
			t.Errorf("[spec %d] expected page 0 to be unmapped", specIndex)
		}

		// the kernel reaches its page tables through the direct map
		root := res.Builder.Root().Address()
		if phys, _, terr := b.Translate(mem.DirectMapped(root)); terr != nil || phys != root {
			t.Errorf("[spec %d] expected page table root to be direct mapped; got 0x%x, %v", specIndex, phys, terr)
		}

		checkBootInfo(t, specIndex, f, res, spec.descriptorFormat == "efi")
	}
}

// checkBootInfo decodes the block the kernel would find in RDI. e820 maps
// report loader data as usable so expLoaderData is only set for EFI maps.
func checkBootInfo(t *testing.T, specIndex int, f *fixture, res *Result, expLoaderData bool) {
	t.Helper()

	phys, _, err := res.Builder.Translate(res.Params.BootInfo)
	if err != nil {
		t.Fatalf("[spec %d] boot info does not translate: %v", specIndex, err)
	}

	block := make([]byte, 16*mem.PageSize)
	mem.Read(f.ctx.Phys, phys, block)
	info, err := bootinfo.Decode(block)
	if err != nil {
		t.Fatalf("[spec %d] cannot decode boot info: %v", specIndex, err)
	}

	if diff := cmp.Diff(res.BootInfo, info, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("[spec %d] decoded boot info mismatch (-want +got):\n%s", specIndex, diff)
	}

	facts := info.Facts
	if facts.FirmwareVendor != "EDK II" {
		t.Errorf("[spec %d] expected vendor %q; got %q", specIndex, "EDK II", facts.FirmwareVendor)
	}
	if facts.KernelStart != uint64(mem.KernelStart) || facts.StackTop != uint64(res.Params.StackTop) {
		t.Errorf("[spec %d] unexpected kernel facts: %+v", specIndex, facts)
	}
	if facts.PhysicalEnd != 0x100000000 {
		t.Errorf("[spec %d] expected physical end 0x100000000; got 0x%x", specIndex, facts.PhysicalEnd)
	}
	if !bytes.Contains(facts.BootLog, []byte("boot info assembled")) {
		t.Errorf("[spec %d] expected boot log tail in boot info; got %q", specIndex, facts.BootLog)
	}

	if info.Framebuffer == nil {
		t.Fatalf("[spec %d] expected a framebuffer", specIndex)
	}
	if !mem.InBootInfoWindow(uintptr(info.Framebuffer.VirtAddr)) {
		t.Errorf("[spec %d] expected framebuffer inside the boot info window; got 0x%x", specIndex, info.Framebuffer.VirtAddr)
	}

	var bootstrap, loaderData uint64
	for i, r := range info.Regions {
		if i > 0 && info.Regions[i-1].End() > r.Start {
			t.Errorf("[spec %d] regions %d and %d overlap", specIndex, i-1, i)
		}
		switch r.Type {
		case mem.Bootstrap:
			bootstrap += r.Pages
		case mem.LoaderData:
			loaderData += r.Pages
		}
	}

	if bootstrap == 0 {
		t.Errorf("[spec %d] expected bootstrap regions in the final map", specIndex)
	}
	if expLoaderData && loaderData == 0 {
		t.Errorf("[spec %d] expected the kernel file to be reported as loader data", specIndex)
	}
}

func TestBootHeadless(t *testing.T) {
	for _, allow := range []bool{false, true} {
		cfg := config.Default()
		cfg.Machine.Headless = true
		cfg.AllowHeadless = allow

		f := newFixture(t, cfg, kernelImage().Bytes())
		res, err := Boot(f.ctx)

		if !allow {
			if !errors.Is(err, loader.ErrFirmwareQueryFailed) {
				t.Errorf("expected a firmware query error; got %v", err)
			}
			if f.cpu.Entered {
				t.Error("expected the CPU not to be entered")
			}
			continue
		}

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.BootInfo.Framebuffer != nil {
			t.Errorf("expected no framebuffer; got %+v", res.BootInfo.Framebuffer)
		}
	}
}

func TestBootBltOnlyFramebuffer(t *testing.T) {
	cfg := config.Default()
	cfg.Machine.Framebuffer.Format = "blt"

	f := newFixture(t, cfg, kernelImage().Bytes())
	if _, err := Boot(f.ctx); !errors.Is(err, loader.ErrFirmwareQueryFailed) {
		t.Fatalf("expected a firmware query error; got %v", err)
	}

	cfg = config.Default()
	cfg.Machine.Framebuffer.Format = "blt"
	cfg.AllowHeadless = true

	f = newFixture(t, cfg, kernelImage().Bytes())
	res, err := Boot(f.ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.BootInfo.Framebuffer != nil {
		t.Errorf("expected a blt-only framebuffer to be ignored; got %+v", res.BootInfo.Framebuffer)
	}
}

func TestBootErrors(t *testing.T) {
	userSpace := kernelImage()
	userSpace.Segments[0].VirtAddr = 0x400000
	userSpace.Entry = 0x400000

	arm := kernelImage()
	arm.Machine = elf.EM_AARCH64

	tinyMachine := func(cfg *config.Config) {
		cfg.Machine.Regions = []config.Region{
			{Start: 0x0, Pages: 0x10, Type: "conventional"},
		}
		cfg.Machine.Framebuffer = nil
		cfg.AllowHeadless = true
	}

	specs := []struct {
		descr   string
		kernel  []byte
		setup   func(*config.Config)
		expKind loader.ErrorKind
	}{
		{"missing kernel", nil, nil, loader.FirmwareQueryFailed},
		{"not an ELF file", []byte("MZ\x90\x00"), nil, loader.UnsupportedImageFormat},
		{"wrong machine", arm.Bytes(), nil, loader.UnsupportedImageFormat},
		{"segment outside kernel region", userSpace.Bytes(), nil, loader.MalformedImage},
		{"out of memory", kernelImage().Bytes(), tinyMachine, loader.OutOfMemory},
		{"map never settles", kernelImage().Bytes(), func(cfg *config.Config) { cfg.Machine.MapChurn = 100 }, loader.FirmwareQueryFailed},
		{"map changes on every exit", kernelImage().Bytes(), func(cfg *config.Config) { cfg.Machine.ExitChurn = 100 }, loader.FirmwareQueryFailed},
		{"trampoline in page 0", kernelImage().Bytes(), func(cfg *config.Config) { cfg.Machine.Trampoline = 0 }, loader.InvalidHandoff},
		{"trampoline inside page 0", kernelImage().Bytes(), func(cfg *config.Config) { cfg.Machine.Trampoline = 0x10 }, loader.InvalidHandoff},
	}

	for _, spec := range specs {
		cfg := config.Default()
		if spec.setup != nil {
			spec.setup(cfg)
		}

		f := newFixture(t, cfg, spec.kernel)
		res, err := Boot(f.ctx)
		if err == nil {
			t.Errorf("[%s] expected an error", spec.descr)
			continue
		}
		if err.Kind != spec.expKind {
			t.Errorf("[%s] expected error kind %s; got %s (%v)", spec.descr, spec.expKind, err.Kind, err)
		}
		if res != nil {
			t.Errorf("[%s] expected no result", spec.descr)
		}
		if f.cpu.Entered {
			t.Errorf("[%s] expected the CPU not to be entered", spec.descr)
		}
		if spec.expKind == loader.InvalidHandoff && f.fw.Exits != 0 {
			t.Errorf("[%s] expected the trampoline to be rejected before exiting boot services", spec.descr)
		}
	}
}

// wrappedFramebuffer reports a missing framebuffer wrapped the way firmware
// drivers annotate their errors.
type wrappedFramebuffer struct {
	*hosted.Firmware
}

func (w wrappedFramebuffer) Framebuffer() (firmware.Framebuffer, error) {
	return firmware.Framebuffer{}, fmt.Errorf("graphics output protocol: %w", firmware.ErrNotAvailable)
}

func TestBootWrappedFramebufferError(t *testing.T) {
	for _, allow := range []bool{false, true} {
		cfg := config.Default()
		cfg.AllowHeadless = allow

		f := newFixture(t, cfg, kernelImage().Bytes())
		f.ctx.Firmware = wrappedFramebuffer{f.fw}

		res, err := Boot(f.ctx)
		if !allow {
			if err != errNoFramebuffer {
				t.Errorf("expected a missing framebuffer to be reported; got %v", err)
			}
			continue
		}

		if err != nil {
			t.Fatalf("expected a headless boot; got %v", err)
		}
		if res.BootInfo.Framebuffer != nil {
			t.Errorf("expected no framebuffer; got %+v", res.BootInfo.Framebuffer)
		}
	}
}
