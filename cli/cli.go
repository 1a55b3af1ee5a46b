// Package cli implements the gopherboot command line. The commands drive the
// loader against an emulated machine and inspect its output.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/google/subcommands"
)

// env is passed to every command as its first argument.
type env struct {
	stdout io.Writer
	stderr io.Writer
}

func (e *env) errorf(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(e.stderr, "[gopherboot] error: "+format+"\n", args...)
	return subcommands.ExitFailure
}

func envFrom(args []any) *env {
	return args[0].(*env)
}

func newCommander(f *flag.FlagSet) *subcommands.Commander {
	cdr := subcommands.NewCommander(f, "gopherboot")
	cdr.Register(cdr.HelpCommand(), "")
	cdr.Register(cdr.FlagsCommand(), "")
	cdr.Register(cdr.CommandsCommand(), "")
	cdr.Register(new(Boot), "")
	cdr.Register(new(BootInfo), "")
	cdr.Register(new(Layout), "")
	return cdr
}

// Main runs the command line in args (without the program name) and returns
// the process exit code.
func Main(args []string, stdout, stderr io.Writer) int {
	f := flag.NewFlagSet("gopherboot", flag.ContinueOnError)
	f.SetOutput(stderr)

	cdr := newCommander(f)
	if err := f.Parse(args); err != nil {
		return int(subcommands.ExitUsageError)
	}

	return int(cdr.Execute(context.Background(), &env{stdout: stdout, stderr: stderr}))
}
