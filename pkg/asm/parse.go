package asm

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ErrMalformedInstruction is wrapped by every loader error so callers
// can distinguish unparseable text from I/O failures.
var ErrMalformedInstruction = errors.New("malformed instruction")

// Mnemonic tables keyed by operand shape, inverted from the String
// tables in asm.go so the two cannot drift apart.
var (
	threeRegByName  = invert(threeRegOps)
	regRegImmByName = invert(regRegImmOps)
	branchByName    = invert(branchOps)
)

func invert(m map[Op]string) map[string]Op {
	out := make(map[string]Op, len(m))
	for op, name := range m {
		out[name] = op
	}
	return out
}

// Parse reads the line-oriented text format back into a Program.
// Each line is a label definition ("name:", optionally followed by an
// instruction), an instruction or directive, a comment ("#"), or
// blank. Label targets are not resolved here; that is the simulator
// loader's job.
func Parse(text string) (Program, error) {
	var prog Program
	for i, raw := range strings.Split(text, "\n") {
		lineNo := i + 1
		line := raw
		if hash := strings.IndexByte(line, '#'); hash >= 0 && !inQuotes(line, hash) {
			line = line[:hash]
		}
		line = strings.TrimSpace(line)

		// Peel off leading label definitions.
		for {
			colon := strings.IndexByte(line, ':')
			if colon <= 0 || inQuotes(line, colon) {
				break
			}
			name := strings.TrimSpace(line[:colon])
			if strings.ContainsAny(name, " \t") {
				break
			}
			if !isIdentifier(name) {
				return nil, fmt.Errorf("line %d: %w: invalid label %q", lineNo, ErrMalformedInstruction, name)
			}
			prog = append(prog, Instruction{Op: OpLabel, Target: name})
			line = strings.TrimSpace(line[colon+1:])
		}
		if line == "" {
			continue
		}

		in, err := parseInstruction(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w: %v", lineNo, ErrMalformedInstruction, err)
		}
		prog = append(prog, in)
	}
	return prog, nil
}

func parseInstruction(line string) (Instruction, error) {
	mnemonic := line
	rest := ""
	if sep := strings.IndexAny(line, " \t"); sep >= 0 {
		mnemonic = line[:sep]
		rest = strings.TrimSpace(line[sep+1:])
	}
	mnemonic = strings.ToLower(mnemonic)

	if mnemonic == ".asciiz" {
		text, err := strconv.Unquote(rest)
		if err != nil {
			return Instruction{}, fmt.Errorf(".asciiz wants a quoted string, got %q", rest)
		}
		return Instruction{Op: OpAsciiz, Text: text}, nil
	}

	ops := splitOperands(rest)

	switch mnemonic {
	case "nop":
		if err := arity(mnemonic, ops, 0); err != nil {
			return Instruction{}, err
		}
		return Instruction{Op: OpNop}, nil

	case "syscall":
		if err := arity(mnemonic, ops, 0); err != nil {
			return Instruction{}, err
		}
		return Instruction{Op: OpSyscall}, nil

	case ".word":
		if err := arity(mnemonic, ops, 1); err != nil {
			return Instruction{}, err
		}
		imm, err := parseImm(ops[0])
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{Op: OpWord, Imm: imm}, nil

	case "li":
		if err := arity(mnemonic, ops, 2); err != nil {
			return Instruction{}, err
		}
		rd, err := ParseReg(ops[0])
		if err != nil {
			return Instruction{}, err
		}
		imm, err := parseImm(ops[1])
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{Op: OpLi, Rd: rd, Imm: imm}, nil

	case "la":
		if err := arity(mnemonic, ops, 2); err != nil {
			return Instruction{}, err
		}
		rd, err := ParseReg(ops[0])
		if err != nil {
			return Instruction{}, err
		}
		if !isIdentifier(ops[1]) {
			return Instruction{}, fmt.Errorf("la wants a label, got %q", ops[1])
		}
		return Instruction{Op: OpLa, Rd: rd, Target: ops[1]}, nil

	case "move":
		if err := arity(mnemonic, ops, 2); err != nil {
			return Instruction{}, err
		}
		rd, err := ParseReg(ops[0])
		if err != nil {
			return Instruction{}, err
		}
		rs, err := ParseReg(ops[1])
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{Op: OpMove, Rd: rd, Rs: rs}, nil

	case "lw", "sw":
		if err := arity(mnemonic, ops, 2); err != nil {
			return Instruction{}, err
		}
		reg, err := ParseReg(ops[0])
		if err != nil {
			return Instruction{}, err
		}
		offset, base, err := parseMemOperand(ops[1])
		if err != nil {
			return Instruction{}, err
		}
		if mnemonic == "lw" {
			return Instruction{Op: OpLw, Rd: reg, Rs: base, Offset: offset}, nil
		}
		return Instruction{Op: OpSw, Rt: reg, Rs: base, Offset: offset}, nil

	case "j", "jal":
		if err := arity(mnemonic, ops, 1); err != nil {
			return Instruction{}, err
		}
		if !isIdentifier(ops[0]) {
			return Instruction{}, fmt.Errorf("%s wants a label, got %q", mnemonic, ops[0])
		}
		op := OpJ
		if mnemonic == "jal" {
			op = OpJal
		}
		return Instruction{Op: op, Target: ops[0]}, nil

	case "jr":
		if err := arity(mnemonic, ops, 1); err != nil {
			return Instruction{}, err
		}
		rs, err := ParseReg(ops[0])
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{Op: OpJr, Rs: rs}, nil
	}

	if op, ok := threeRegByName[mnemonic]; ok {
		if err := arity(mnemonic, ops, 3); err != nil {
			return Instruction{}, err
		}
		rd, err := ParseReg(ops[0])
		if err != nil {
			return Instruction{}, err
		}
		rs, err := ParseReg(ops[1])
		if err != nil {
			return Instruction{}, err
		}
		rt, err := ParseReg(ops[2])
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{Op: op, Rd: rd, Rs: rs, Rt: rt}, nil
	}

	if op, ok := regRegImmByName[mnemonic]; ok {
		if err := arity(mnemonic, ops, 3); err != nil {
			return Instruction{}, err
		}
		rd, err := ParseReg(ops[0])
		if err != nil {
			return Instruction{}, err
		}
		rs, err := ParseReg(ops[1])
		if err != nil {
			return Instruction{}, err
		}
		imm, err := parseImm(ops[2])
		if err != nil {
			return Instruction{}, err
		}
		return Instruction{Op: op, Rd: rd, Rs: rs, Imm: imm}, nil
	}

	if op, ok := branchByName[mnemonic]; ok {
		if err := arity(mnemonic, ops, 3); err != nil {
			return Instruction{}, err
		}
		rd, err := ParseReg(ops[0])
		if err != nil {
			return Instruction{}, err
		}
		rs, err := ParseReg(ops[1])
		if err != nil {
			return Instruction{}, err
		}
		if !isIdentifier(ops[2]) {
			return Instruction{}, fmt.Errorf("%s wants a label, got %q", mnemonic, ops[2])
		}
		return Instruction{Op: op, Rd: rd, Rs: rs, Target: ops[2]}, nil
	}

	return Instruction{}, fmt.Errorf("unknown mnemonic %q", mnemonic)
}

func arity(mnemonic string, ops []string, want int) error {
	if len(ops) != want {
		return fmt.Errorf("%s expects %d operands, got %d", mnemonic, want, len(ops))
	}
	return nil
}

func splitOperands(rest string) []string {
	if rest == "" {
		return nil
	}
	parts := strings.Split(rest, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseMemOperand splits "offset($reg)" into its parts.
func parseMemOperand(s string) (int32, Reg, error) {
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return 0, 0, fmt.Errorf("invalid memory operand %q", s)
	}
	offset := int32(0)
	if open > 0 {
		v, err := parseImm(s[:open])
		if err != nil {
			return 0, 0, fmt.Errorf("invalid offset in %q", s)
		}
		offset = v
	}
	base, err := ParseReg(s[open+1 : len(s)-1])
	if err != nil {
		return 0, 0, err
	}
	return offset, base, nil
}

func parseImm(s string) (int32, error) {
	v, err := strconv.ParseInt(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid immediate %q", s)
	}
	return int32(v), nil
}

// inQuotes reports whether byte position idx falls inside a quoted
// string literal, so '#' and ':' inside .asciiz payloads are ignored.
func inQuotes(line string, idx int) bool {
	quoted := false
	for i := 0; i < idx; i++ {
		if line[i] == '"' && (i == 0 || line[i-1] != '\\') {
			quoted = !quoted
		}
	}
	return quoted
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if i == 0 {
			if !unicode.IsLetter(r) && r != '_' {
				return false
			}
			continue
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			return false
		}
	}
	return true
}
