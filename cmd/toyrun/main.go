// toyrun loads a textual assembly file and executes it.
//
// Usage:
//
//	toyrun [-mem bytes] [-steps n] program.asm
//
// Program output goes to stdout. The process exit status is the
// program's exit status; load errors and faults exit with status 1
// after a diagnostic on stderr.
package main

import (
	"flag"
	"fmt"
	"os"

	"toycc/pkg/asm"
	"toycc/pkg/cpu"
)

func main() {
	memSize := flag.Int("mem", cpu.DefaultMemSize, "memory size in bytes")
	maxSteps := flag.Int("steps", cpu.DefaultMaxSteps, "maximum instructions to execute")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-mem bytes] [-steps n] program.asm\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	text, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	prog, err := asm.Parse(string(text))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", flag.Arg(0), err)
		os.Exit(1)
	}

	machine := cpu.New(*memSize)
	machine.MaxSteps = *maxSteps
	if err := machine.Load(prog); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", flag.Arg(0), err)
		os.Exit(1)
	}
	if err := machine.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(int(machine.ExitCode))
}
