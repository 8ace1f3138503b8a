// toycc compiles a source file to textual assembly.
//
// Usage:
//
//	toycc [-o output.asm] program.c
//
// Without -o, the assembly is written to stdout.
package main

import (
	"flag"
	"fmt"
	"os"

	"toycc/pkg/compiler"
)

func main() {
	output := flag.String("o", "", "write assembly to this file instead of stdout")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-o output.asm] program.c\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	src, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	text, err := compiler.CompileToText(string(src))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", flag.Arg(0), err)
		os.Exit(1)
	}

	if *output == "" {
		fmt.Print(text)
		return
	}
	if err := os.WriteFile(*output, []byte(text), 0o644); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
