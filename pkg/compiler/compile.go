// Package compiler translates a small C-like language into the
// assembly program model of pkg/asm: lexer, recursive-descent parser
// and a single-pass code generator over the AST.
package compiler

import "toycc/pkg/asm"

// Compile runs the full pipeline on one source file and returns the
// generated program.
func Compile(src string) (asm.Program, error) {
	tokens, err := Lex(src)
	if err != nil {
		return nil, err
	}
	stmts, err := NewParser(tokens).Parse()
	if err != nil {
		return nil, err
	}
	return NewCodeGen().Generate(stmts)
}

// CompileToText compiles src and renders the program in the textual
// assembly format.
func CompileToText(src string) (string, error) {
	prog, err := Compile(src)
	if err != nil {
		return "", err
	}
	return prog.String(), nil
}
