package cli

import (
	"context"
	"flag"
	"fmt"
	"gopherboot/hosted"
	"gopherboot/loader/bootinfo"
	"gopherboot/loader/bootlog"
	"gopherboot/loader/config"
	"gopherboot/loader/lmain"
	"gopherboot/loader/mem"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	configPath string
	kernelPath string
	dumpPath   string
	logLevel   string
	headless   bool
}

// Name implements subcommands.Command.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.
func (*Boot) Synopsis() string {
	return "boots a kernel image on an emulated machine"
}

// Usage implements subcommands.Command.
func (*Boot) Usage() string {
	return `boot [flags] - load the kernel, build its address space and print the state
the CPU would enter the kernel with.
`
}

// SetFlags implements subcommands.Command.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.configPath, "config", "", "TOML file with the loader configuration and machine description.")
	f.StringVar(&b.kernelPath, "kernel", "", "host path of the kernel image; overrides the machine's file table.")
	f.StringVar(&b.dumpPath, "dump", "", "write the boot info block to this file.")
	f.StringVar(&b.logLevel, "log-level", "", "override the configured log level.")
	f.BoolVar(&b.headless, "allow-headless", false, "boot even if the machine has no linear framebuffer.")
}

// Execute implements subcommands.Command.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	e := envFrom(args)
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg := config.Default()
	if b.configPath != "" {
		var err error
		if cfg, err = config.Load(b.configPath); err != nil {
			return e.errorf("%v", err)
		}
	}
	if b.kernelPath != "" {
		if cfg.Machine.Files == nil {
			cfg.Machine.Files = make(map[string]string)
		}
		cfg.Machine.Files[cfg.KernelPath] = b.kernelPath
	}
	if b.logLevel != "" {
		cfg.LogLevel = b.logLevel
	}
	if b.headless {
		cfg.AllowHeadless = true
	}
	if err := cfg.Validate(); err != nil {
		return e.errorf("%v", err)
	}

	log, rb := bootlog.New(e.stderr, cfg.Level())
	fw, err := hosted.NewFirmware(cfg.Machine, log)
	if err != nil {
		return e.errorf("%v", err)
	}
	defer fw.Close()

	var (
		cpu  = new(hosted.RecordingCPU)
		phys = mem.NewSparseMemory()
	)
	res, lerr := lmain.Boot(&lmain.Context{
		Firmware:   fw,
		Phys:       phys,
		CPU:        cpu,
		Config:     cfg,
		Log:        log,
		BootLog:    rb,
		Trampoline: fw.Trampoline(),
	})
	if lerr != nil {
		log.WithFields(logrus.Fields{
			"module": lerr.Module,
			"kind":   lerr.Kind.String(),
		}).Error("boot failed")
		return e.errorf("[%s] %s", lerr.Module, lerr.Message)
	}

	w := tabwriter.NewWriter(e.stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "CR3\t0x%016x\n", cpu.Params.PageTableRoot)
	fmt.Fprintf(w, "RSP\t0x%016x\n", cpu.Params.StackTop-8)
	fmt.Fprintf(w, "RIP\t0x%016x\n", cpu.Params.Entry)
	fmt.Fprintf(w, "RDI\t0x%016x\n", cpu.Params.BootInfo)
	fmt.Fprintf(w, "page tables\t%d\n", res.Builder.TableCount())
	fmt.Fprintf(w, "frames touched\t%d\n", phys.Touched())
	fmt.Fprintf(w, "map queries\t%d\n", fw.Queries)
	fmt.Fprintf(w, "exit attempts\t%d\n", fw.Exits)
	if err = w.Flush(); err != nil {
		return e.errorf("%v", err)
	}

	if b.dumpPath != "" {
		blockPhys, _, terr := res.Builder.Translate(cpu.Params.BootInfo)
		if terr != nil {
			return e.errorf("boot info block: %s", terr.Message)
		}

		info := res.BootInfo
		block := make([]byte, bootinfo.EncodedSize(len(info.Regions), len(info.Facts.FirmwareVendor), len(info.Facts.BootLog)))
		mem.Read(phys, blockPhys, block)
		if err = os.WriteFile(b.dumpPath, block, 0o644); err != nil {
			return e.errorf("%v", err)
		}
	}

	return subcommands.ExitSuccess
}
