// Package asm defines the assembly program model shared by the code
// generator and the simulator: typed instructions, the textual
// serialization, and the loader that parses the text back.
package asm

import (
	"fmt"
	"strconv"
	"strings"
)

// Reg identifies one of the 32 machine registers.
type Reg uint8

const (
	Zero Reg = iota // hard-wired zero: reads 0, writes discarded
	AT              // assembler temporary (reserved)
	V0              // return value / syscall service number
	V1
	A0 // argument 1 / syscall argument
	A1
	A2
	A3
	T0 // caller-saved scratch, allocated by the code generator
	T1
	T2
	T3
	T4
	T5
	T6
	T7
	S0 // callee-saved (reserved, unused by the generator)
	S1
	S2
	S3
	S4
	S5
	S6
	S7
	T8
	T9
	K0
	K1
	GP
	SP // stack pointer
	FP // frame pointer
	RA // return address (instruction index written by jal)

	NumRegs = 32
)

var regNames = [NumRegs]string{
	"$zero", "$at", "$v0", "$v1",
	"$a0", "$a1", "$a2", "$a3",
	"$t0", "$t1", "$t2", "$t3", "$t4", "$t5", "$t6", "$t7",
	"$s0", "$s1", "$s2", "$s3", "$s4", "$s5", "$s6", "$s7",
	"$t8", "$t9", "$k0", "$k1", "$gp", "$sp", "$fp", "$ra",
}

func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return fmt.Sprintf("$?%d", uint8(r))
}

// ParseReg maps a "$name" operand back to its register number.
func ParseReg(s string) (Reg, error) {
	for i, name := range regNames {
		if s == name {
			return Reg(i), nil
		}
	}
	return 0, fmt.Errorf("invalid register %q", s)
}

// Op is the closed set of instruction kinds. Every Op has defined
// execution semantics in pkg/cpu; the loader rejects anything else.
type Op int

const (
	OpNop Op = iota

	// Register loads
	OpLi   // li rd, imm
	OpLa   // la rd, label (data label -> memory address)
	OpMove // move rd, rs

	// Three-register arithmetic/logic
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpRem
	OpAnd
	OpOr
	OpXor
	OpSlt
	OpSltu

	// Register-immediate arithmetic/logic
	OpAddi
	OpAndi
	OpOri
	OpXori

	// Memory
	OpLw // lw rd, offset(rs)
	OpSw // sw rt, offset(rs)

	// Control transfer
	OpBeq // beq rs, rt, label
	OpBne // bne rs, rt, label
	OpJ   // j label
	OpJal // jal label
	OpJr  // jr rs

	OpSyscall

	// Non-executing program elements
	OpLabel  // label marker: Target holds the name
	OpWord   // .word data: Imm holds the value
	OpAsciiz // .asciiz data: Text holds the string
)

var threeRegOps = map[Op]string{
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpDiv: "div", OpRem: "rem",
	OpAnd: "and", OpOr: "or", OpXor: "xor", OpSlt: "slt", OpSltu: "sltu",
}

var regRegImmOps = map[Op]string{
	OpAddi: "addi", OpAndi: "andi", OpOri: "ori", OpXori: "xori",
}

var branchOps = map[Op]string{
	OpBeq: "beq", OpBne: "bne",
}

// Instruction is one tagged operation. Which fields are meaningful
// depends on Op; unused fields stay zero.
type Instruction struct {
	Op     Op
	Rd     Reg    // destination (or compared register for branches)
	Rs     Reg    // first source / base register
	Rt     Reg    // second source / stored register
	Imm    int32  // immediate operand or .word value
	Offset int32  // signed byte offset for lw/sw
	Target string // label operand, or the name of an OpLabel marker
	Text   string // payload of .asciiz
}

// Program is an ordered sequence of instructions, label markers and
// data directives. It is the system's unit of exchange: the generator
// builds one, the serializer writes it out, the loader reads it back.
type Program []Instruction

// String renders the program in the line-oriented text format. Labels
// are flush left, everything else is indented. Parsing the result
// with Parse reproduces the program exactly.
func (p Program) String() string {
	var sb strings.Builder
	for _, in := range p {
		sb.WriteString(in.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

func (in Instruction) String() string {
	switch in.Op {
	case OpNop:
		return "    nop"
	case OpLi:
		return fmt.Sprintf("    li %s, %d", in.Rd, in.Imm)
	case OpLa:
		return fmt.Sprintf("    la %s, %s", in.Rd, in.Target)
	case OpMove:
		return fmt.Sprintf("    move %s, %s", in.Rd, in.Rs)
	case OpLw:
		return fmt.Sprintf("    lw %s, %d(%s)", in.Rd, in.Offset, in.Rs)
	case OpSw:
		return fmt.Sprintf("    sw %s, %d(%s)", in.Rt, in.Offset, in.Rs)
	case OpJ:
		return fmt.Sprintf("    j %s", in.Target)
	case OpJal:
		return fmt.Sprintf("    jal %s", in.Target)
	case OpJr:
		return fmt.Sprintf("    jr %s", in.Rs)
	case OpSyscall:
		return "    syscall"
	case OpLabel:
		return in.Target + ":"
	case OpWord:
		return fmt.Sprintf("    .word %d", in.Imm)
	case OpAsciiz:
		return fmt.Sprintf("    .asciiz %s", strconv.Quote(in.Text))
	}
	if m, ok := threeRegOps[in.Op]; ok {
		return fmt.Sprintf("    %s %s, %s, %s", m, in.Rd, in.Rs, in.Rt)
	}
	if m, ok := regRegImmOps[in.Op]; ok {
		return fmt.Sprintf("    %s %s, %s, %d", m, in.Rd, in.Rs, in.Imm)
	}
	if m, ok := branchOps[in.Op]; ok {
		return fmt.Sprintf("    %s %s, %s, %s", m, in.Rd, in.Rs, in.Target)
	}
	return fmt.Sprintf("    ?op%d", in.Op)
}
