package cli

import (
	"context"
	"flag"
	"fmt"
	"gopherboot/loader/bootinfo"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
)

// BootInfo implements subcommands.Command for the "bootinfo" command.
type BootInfo struct {
	showLog bool
}

// Name implements subcommands.Command.
func (*BootInfo) Name() string {
	return "bootinfo"
}

// Synopsis implements subcommands.Command.
func (*BootInfo) Synopsis() string {
	return "decodes a boot info block written by boot -dump"
}

// Usage implements subcommands.Command.
func (*BootInfo) Usage() string {
	return "bootinfo [flags] <file>\n"
}

// SetFlags implements subcommands.Command.
func (bi *BootInfo) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&bi.showLog, "log", false, "print the embedded boot log.")
}

// Execute implements subcommands.Command.
func (bi *BootInfo) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	e := envFrom(args)
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	data, err := os.ReadFile(f.Arg(0))
	if err != nil {
		return e.errorf("%v", err)
	}

	info, derr := bootinfo.Decode(data)
	if derr != nil {
		return e.errorf("%s: %s", f.Arg(0), derr.Message)
	}

	if err = printBootInfo(e.stdout, info); err != nil {
		return e.errorf("%v", err)
	}

	if bi.showLog {
		fmt.Fprintf(e.stdout, "\n%s", info.Facts.BootLog)
	}
	return subcommands.ExitSuccess
}

func printBootInfo(out io.Writer, info *bootinfo.BootInfo) error {
	facts := info.Facts
	w := tabwriter.NewWriter(out, 0, 8, 1, ' ', 0)

	fmt.Fprintf(w, "firmware\t%s rev 0x%x\n", facts.FirmwareVendor, facts.FirmwareRevision)
	fmt.Fprintf(w, "rsdp\t0x%x\n", facts.RSDP)
	fmt.Fprintf(w, "physical end\t0x%x\n", facts.PhysicalEnd)
	fmt.Fprintf(w, "page table root\t0x%x\n", facts.PageTableRoot)
	fmt.Fprintf(w, "kernel\t0x%016x - 0x%016x\n", facts.KernelStart, facts.KernelEnd)
	fmt.Fprintf(w, "guard page\t0x%016x\n", facts.GuardPage)
	fmt.Fprintf(w, "stack\t0x%016x - 0x%016x\n", facts.StackBottom, facts.StackTop)
	if fb := info.Framebuffer; fb != nil {
		fmt.Fprintf(w, "framebuffer\t%dx%d %s stride %d at 0x%x (virt 0x%x)\n",
			fb.Width, fb.Height, fb.Format, fb.Stride, fb.PhysAddr, fb.VirtAddr)
	} else {
		fmt.Fprintf(w, "framebuffer\tnone\n")
	}

	fmt.Fprintf(w, "\nregion\tstart\tend\tpages\ttype\n")
	for i, r := range info.Regions {
		fmt.Fprintf(w, "%d\t0x%010x\t0x%010x\t%d\t%s\n", i, r.Start, r.End(), r.Pages, r.Type)
	}
	return w.Flush()
}
