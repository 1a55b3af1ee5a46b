package main

import (
	"gopherboot/cli"
	"os"
)

// main runs the loader against an emulated machine. On real hardware the
// loader is entered by the firmware instead and uses handoff.NativeCPU.
func main() {
	os.Exit(cli.Main(os.Args[1:], os.Stdout, os.Stderr))
}
