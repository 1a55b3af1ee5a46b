package cli

import (
	"context"
	"flag"
	"fmt"
	"gopherboot/loader/mem"
	"text/tabwriter"

	"github.com/google/subcommands"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct{}

// Name implements subcommands.Command.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.
func (*Layout) Synopsis() string {
	return "prints the virtual address layout the kernel is entered with"
}

// Usage implements subcommands.Command.
func (*Layout) Usage() string {
	return "layout\n"
}

// SetFlags implements subcommands.Command.
func (*Layout) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.
func (*Layout) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	e := envFrom(args)
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	w := tabwriter.NewWriter(e.stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "direct map\t0x%016x\t%s\n", mem.KMemStart, sizeString(mem.DirectMapSize))
	fmt.Fprintf(w, "boot info\t0x%016x\t%s\n", mem.BootInfoStart, sizeString(mem.BootInfoSize))
	fmt.Fprintf(w, "kernel\t0x%016x\t\n", mem.KernelStart)
	fmt.Fprintf(w, "guard pages\t%d\t\n", mem.GuardPages)
	fmt.Fprintf(w, "default stack\t%d pages\t\n", mem.DefaultStackPages)
	if err := w.Flush(); err != nil {
		return e.errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

func sizeString(size uintptr) string {
	units := []struct {
		size mem.Size
		name string
	}{
		{mem.Tb, "T"},
		{mem.Gb, "G"},
		{mem.Mb, "M"},
		{mem.Kb, "K"},
	}
	for _, u := range units {
		if mem.Size(size) >= u.size && mem.Size(size)%u.size == 0 {
			return fmt.Sprintf("%d%s", mem.Size(size)/u.size, u.name)
		}
	}
	return fmt.Sprintf("%d", size)
}
