package cpu

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"toycc/pkg/asm"
)

// run loads and executes a program on a fresh machine, returning the
// machine and any fault.
func run(t *testing.T, prog asm.Program) (*CPU, error) {
	t.Helper()
	c := New()
	c.Output = &bytes.Buffer{}
	if err := c.Load(prog); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return c, c.Run()
}

// exitWith wraps a body in the exit syscall so Run terminates cleanly.
func exitWith(body ...asm.Instruction) asm.Program {
	return append(asm.Program(body),
		asm.Instruction{Op: asm.OpLi, Rd: asm.V0, Imm: SysExit},
		asm.Instruction{Op: asm.OpSyscall},
	)
}

func TestArithmetic(t *testing.T) {
	cases := []struct {
		name string
		op   asm.Op
		a, b int32
		want int32
	}{
		{"add", asm.OpAdd, 7, 5, 12},
		{"add negative", asm.OpAdd, -7, 5, -2},
		{"sub", asm.OpSub, 7, 5, 2},
		{"sub underflow", asm.OpSub, 5, 7, -2},
		{"mul", asm.OpMul, -3, 4, -12},
		{"div", asm.OpDiv, 17, 5, 3},
		{"div negative", asm.OpDiv, -17, 5, -3},
		{"rem", asm.OpRem, 17, 5, 2},
		{"rem negative", asm.OpRem, -17, 5, -2},
		{"and", asm.OpAnd, 0b1100, 0b1010, 0b1000},
		{"or", asm.OpOr, 0b1100, 0b1010, 0b1110},
		{"xor", asm.OpXor, 0b1100, 0b1010, 0b0110},
		{"slt true", asm.OpSlt, -1, 0, 1},
		{"slt false", asm.OpSlt, 0, -1, 0},
		{"sltu wraps", asm.OpSltu, -1, 0, 0}, // 0xffffffff is large unsigned
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := run(t, exitWith(
				asm.Instruction{Op: asm.OpLi, Rd: asm.T0, Imm: tc.a},
				asm.Instruction{Op: asm.OpLi, Rd: asm.T1, Imm: tc.b},
				asm.Instruction{Op: tc.op, Rd: asm.T2, Rs: asm.T0, Rt: asm.T1},
			))
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got := int32(c.Regs[asm.T2]); got != tc.want {
				t.Errorf("%s(%d, %d) = %d, want %d", tc.name, tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestImmediateOps(t *testing.T) {
	c, err := run(t, exitWith(
		asm.Instruction{Op: asm.OpLi, Rd: asm.T0, Imm: 0x0f0f},
		asm.Instruction{Op: asm.OpAddi, Rd: asm.T1, Rs: asm.T0, Imm: -15},
		asm.Instruction{Op: asm.OpAndi, Rd: asm.T2, Rs: asm.T0, Imm: 0xff},
		asm.Instruction{Op: asm.OpOri, Rd: asm.T3, Rs: asm.T0, Imm: 0xf0},
		asm.Instruction{Op: asm.OpXori, Rd: asm.T4, Rs: asm.T0, Imm: 1},
	))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	checks := []struct {
		reg  asm.Reg
		want uint32
	}{
		{asm.T1, 0x0f00},
		{asm.T2, 0x0f},
		{asm.T3, 0x0fff},
		{asm.T4, 0x0f0e},
	}
	for _, ck := range checks {
		if c.Regs[ck.reg] != ck.want {
			t.Errorf("%s = %#x, want %#x", ck.reg, c.Regs[ck.reg], ck.want)
		}
	}
}

func TestZeroRegisterWritesDiscarded(t *testing.T) {
	c, err := run(t, exitWith(
		asm.Instruction{Op: asm.OpLi, Rd: asm.Zero, Imm: 99},
		asm.Instruction{Op: asm.OpMove, Rd: asm.T0, Rs: asm.Zero},
	))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.Regs[asm.Zero] != 0 {
		t.Errorf("$zero = %d after write, want 0", c.Regs[asm.Zero])
	}
	if c.Regs[asm.T0] != 0 {
		t.Errorf("$t0 = %d, want 0", c.Regs[asm.T0])
	}
}

func TestLoadStore(t *testing.T) {
	c, err := run(t, exitWith(
		asm.Instruction{Op: asm.OpLi, Rd: asm.T0, Imm: 0x2000},
		asm.Instruction{Op: asm.OpLi, Rd: asm.T1, Imm: -123456},
		asm.Instruction{Op: asm.OpSw, Rt: asm.T1, Rs: asm.T0, Offset: 8},
		asm.Instruction{Op: asm.OpLw, Rd: asm.T2, Rs: asm.T0, Offset: 8},
	))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := int32(c.Regs[asm.T2]); got != -123456 {
		t.Errorf("loaded %d, want -123456", got)
	}
}

func TestBranches(t *testing.T) {
	// beq taken skips the poison value; bne not taken falls through.
	c, err := run(t, exitWith(
		asm.Instruction{Op: asm.OpLi, Rd: asm.T0, Imm: 3},
		asm.Instruction{Op: asm.OpLi, Rd: asm.T1, Imm: 3},
		asm.Instruction{Op: asm.OpBeq, Rd: asm.T0, Rs: asm.T1, Target: "skip"},
		asm.Instruction{Op: asm.OpLi, Rd: asm.T2, Imm: 111},
		asm.Instruction{Op: asm.OpLabel, Target: "skip"},
		asm.Instruction{Op: asm.OpBne, Rd: asm.T0, Rs: asm.T1, Target: "skip2"},
		asm.Instruction{Op: asm.OpLi, Rd: asm.T3, Imm: 222},
		asm.Instruction{Op: asm.OpLabel, Target: "skip2"},
	))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.Regs[asm.T2] != 0 {
		t.Errorf("beq not taken: $t2 = %d", c.Regs[asm.T2])
	}
	if c.Regs[asm.T3] != 222 {
		t.Errorf("bne wrongly taken: $t3 = %d", c.Regs[asm.T3])
	}
}

func TestCountdownLoop(t *testing.T) {
	c, err := run(t, asm.Program{
		{Op: asm.OpLi, Rd: asm.T0, Imm: 10},
		{Op: asm.OpLabel, Target: "loop"},
		{Op: asm.OpAddi, Rd: asm.T1, Rs: asm.T1, Imm: 1},
		{Op: asm.OpAddi, Rd: asm.T0, Rs: asm.T0, Imm: -1},
		{Op: asm.OpBne, Rd: asm.T0, Rs: asm.Zero, Target: "loop"},
		{Op: asm.OpLi, Rd: asm.V0, Imm: SysExit},
		{Op: asm.OpSyscall},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.Regs[asm.T1] != 10 {
		t.Errorf("loop body ran %d times, want 10", c.Regs[asm.T1])
	}
}

func TestLoopIterationCountInMemory(t *testing.T) {
	// The loop bumps a counter word in memory every iteration, so the
	// iteration count survives in the memory image after the run.
	c, err := run(t, asm.Program{
		{Op: asm.OpLa, Rd: asm.T0, Target: "counter"},
		{Op: asm.OpLi, Rd: asm.T1, Imm: 7},
		{Op: asm.OpLabel, Target: "loop"},
		{Op: asm.OpLw, Rd: asm.T2, Rs: asm.T0, Offset: 0},
		{Op: asm.OpAddi, Rd: asm.T2, Rs: asm.T2, Imm: 1},
		{Op: asm.OpSw, Rt: asm.T2, Rs: asm.T0, Offset: 0},
		{Op: asm.OpAddi, Rd: asm.T1, Rs: asm.T1, Imm: -1},
		{Op: asm.OpBne, Rd: asm.T1, Rs: asm.Zero, Target: "loop"},
		{Op: asm.OpLi, Rd: asm.V0, Imm: SysExit},
		{Op: asm.OpSyscall},
		{Op: asm.OpLabel, Target: "counter"},
		{Op: asm.OpWord, Imm: 0},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := binary.LittleEndian.Uint32(c.Memory[DataBase:]); got != 7 {
		t.Errorf("counter word = %d, want 7", got)
	}
}

func TestJalJr(t *testing.T) {
	c, err := run(t, asm.Program{
		{Op: asm.OpJal, Target: "sub"},
		{Op: asm.OpLi, Rd: asm.V0, Imm: SysExit},
		{Op: asm.OpSyscall},
		{Op: asm.OpLabel, Target: "sub"},
		{Op: asm.OpLi, Rd: asm.T0, Imm: 77},
		{Op: asm.OpJr, Rs: asm.RA},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.Regs[asm.T0] != 77 {
		t.Errorf("$t0 = %d, want 77", c.Regs[asm.T0])
	}
	if c.Regs[asm.RA] != 1 {
		t.Errorf("$ra = %d, want 1", c.Regs[asm.RA])
	}
}

func TestRunOffEndHaltsCleanly(t *testing.T) {
	c, err := run(t, asm.Program{
		{Op: asm.OpLi, Rd: asm.T0, Imm: 1},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !c.Halted {
		t.Error("machine not halted")
	}
	if c.Fault != nil {
		t.Errorf("unexpected fault %v", c.Fault)
	}
}

func TestPrintIntSyscall(t *testing.T) {
	var out bytes.Buffer
	c := New()
	c.Output = &out
	prog := exitWith(
		asm.Instruction{Op: asm.OpLi, Rd: asm.A0, Imm: -42},
		asm.Instruction{Op: asm.OpLi, Rd: asm.V0, Imm: SysPrintInt},
		asm.Instruction{Op: asm.OpSyscall},
	)
	if err := c.Load(prog); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := c.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "-42" {
		t.Errorf("output %q, want %q", out.String(), "-42")
	}
}

func TestPrintStrSyscall(t *testing.T) {
	var out bytes.Buffer
	c := New()
	c.Output = &out
	prog := asm.Program{
		{Op: asm.OpLa, Rd: asm.A0, Target: "msg"},
		{Op: asm.OpLi, Rd: asm.V0, Imm: SysPrintStr},
		{Op: asm.OpSyscall},
		{Op: asm.OpLi, Rd: asm.V0, Imm: SysExit},
		{Op: asm.OpSyscall},
		{Op: asm.OpLabel, Target: "msg"},
		{Op: asm.OpAsciiz, Text: "hello\n"},
	}
	if err := c.Load(prog); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := c.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "hello\n" {
		t.Errorf("output %q, want %q", out.String(), "hello\n")
	}
}

func TestExitSyscallStatus(t *testing.T) {
	c, err := run(t, asm.Program{
		{Op: asm.OpLi, Rd: asm.A0, Imm: 7},
		{Op: asm.OpLi, Rd: asm.V0, Imm: SysExit},
		{Op: asm.OpSyscall},
		// Must not execute.
		{Op: asm.OpLi, Rd: asm.A0, Imm: 99},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", c.ExitCode)
	}
	if c.Regs[asm.A0] != 7 {
		t.Errorf("execution continued past exit: $a0 = %d", c.Regs[asm.A0])
	}
}

func TestUnknownSyscallFaults(t *testing.T) {
	_, err := run(t, asm.Program{
		{Op: asm.OpLi, Rd: asm.V0, Imm: 99},
		{Op: asm.OpSyscall},
	})
	if !errors.Is(err, ErrUnknownSyscall) {
		t.Fatalf("err = %v, want ErrUnknownSyscall", err)
	}
}

func TestWordData(t *testing.T) {
	c, err := run(t, asm.Program{
		{Op: asm.OpLa, Rd: asm.T0, Target: "vals"},
		{Op: asm.OpLw, Rd: asm.T1, Rs: asm.T0, Offset: 0},
		{Op: asm.OpLw, Rd: asm.T2, Rs: asm.T0, Offset: 4},
		{Op: asm.OpLi, Rd: asm.V0, Imm: SysExit},
		{Op: asm.OpSyscall},
		{Op: asm.OpLabel, Target: "vals"},
		{Op: asm.OpWord, Imm: 31337},
		{Op: asm.OpWord, Imm: -1},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.Regs[asm.T1] != 31337 {
		t.Errorf("vals[0] = %d, want 31337", c.Regs[asm.T1])
	}
	if int32(c.Regs[asm.T2]) != -1 {
		t.Errorf("vals[1] = %d, want -1", int32(c.Regs[asm.T2]))
	}
}

func TestMisalignedAccessFaults(t *testing.T) {
	_, err := run(t, asm.Program{
		{Op: asm.OpLi, Rd: asm.T0, Imm: 0x1002},
		{Op: asm.OpLw, Rd: asm.T1, Rs: asm.T0, Offset: 0},
	})
	if !errors.Is(err, ErrMisalignedAccess) {
		t.Fatalf("err = %v, want ErrMisalignedAccess", err)
	}
}

func TestOutOfBoundsFaults(t *testing.T) {
	// One word past the end of memory: aligned, but out of range.
	c := New()
	c.Output = &bytes.Buffer{}
	prog := asm.Program{
		{Op: asm.OpLi, Rd: asm.T0, Imm: int32(len(c.Memory))},
		{Op: asm.OpLw, Rd: asm.T1, Rs: asm.T0, Offset: 0},
	}
	if err := c.Load(prog); err != nil {
		t.Fatalf("Load: %v", err)
	}
	err := c.Run()
	if !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("err = %v, want ErrOutOfBounds", err)
	}
	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatal("error is not a *Fault")
	}
	if fault.Index != 1 {
		t.Errorf("fault index = %d, want 1", fault.Index)
	}
}

func TestDivisionByZeroFaults(t *testing.T) {
	for _, op := range []asm.Op{asm.OpDiv, asm.OpRem} {
		_, err := run(t, asm.Program{
			{Op: asm.OpLi, Rd: asm.T0, Imm: 5},
			{Op: op, Rd: asm.T1, Rs: asm.T0, Rt: asm.Zero},
		})
		if !errors.Is(err, ErrDivisionByZero) {
			t.Fatalf("op %v: err = %v, want ErrDivisionByZero", op, err)
		}
	}
}

func TestStepLimitFaults(t *testing.T) {
	c := New()
	c.Output = &bytes.Buffer{}
	c.MaxSteps = 100
	prog := asm.Program{
		{Op: asm.OpLabel, Target: "spin"},
		{Op: asm.OpJ, Target: "spin"},
	}
	if err := c.Load(prog); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := c.Run(); !errors.Is(err, ErrStepLimitExceeded) {
		t.Fatalf("err = %v, want ErrStepLimitExceeded", err)
	}
}

func TestUndefinedLabelAtLoad(t *testing.T) {
	c := New()
	err := c.Load(asm.Program{
		{Op: asm.OpJ, Target: "nowhere"},
	})
	if !errors.Is(err, ErrUndefinedLabel) {
		t.Fatalf("err = %v, want ErrUndefinedLabel", err)
	}
}

func TestLaOfCodeLabelAtLoad(t *testing.T) {
	c := New()
	err := c.Load(asm.Program{
		{Op: asm.OpLabel, Target: "code"},
		{Op: asm.OpLa, Rd: asm.T0, Target: "code"},
	})
	if !errors.Is(err, ErrUndefinedLabel) {
		t.Fatalf("err = %v, want ErrUndefinedLabel", err)
	}
}

func TestDuplicateLabelAtLoad(t *testing.T) {
	c := New()
	err := c.Load(asm.Program{
		{Op: asm.OpLabel, Target: "x"},
		{Op: asm.OpNop},
		{Op: asm.OpLabel, Target: "x"},
		{Op: asm.OpNop},
	})
	if !errors.Is(err, ErrDuplicateLabel) {
		t.Fatalf("err = %v, want ErrDuplicateLabel", err)
	}
}

func TestStackPointerStartsAtTop(t *testing.T) {
	c := New(4096)
	if c.Regs[asm.SP] != 4096 {
		t.Errorf("$sp = %d, want 4096", c.Regs[asm.SP])
	}
	if len(c.Memory) != 4096 {
		t.Errorf("memory size = %d, want 4096", len(c.Memory))
	}
}

func TestStepAfterFaultIsNoop(t *testing.T) {
	c := New()
	if err := c.Load(asm.Program{
		{Op: asm.OpLi, Rd: asm.T0, Imm: 2},
		{Op: asm.OpLw, Rd: asm.T1, Rs: asm.T0, Offset: 0},
		{Op: asm.OpLi, Rd: asm.T2, Imm: 5},
	}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	c.Step()
	c.Step() // faults
	if c.Fault == nil {
		t.Fatal("no fault recorded")
	}
	c.Step()
	if c.Regs[asm.T2] != 0 {
		t.Error("instruction executed after fault")
	}
}
