// Package cpu simulates the MIPS-subset machine the code generator
// targets: a 32-register file, a byte-addressable memory image, and a
// fetch/decode/execute loop over the assembly program model.
package cpu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"toycc/pkg/asm"
)

const (
	// DefaultMemSize is the size of the memory image in bytes.
	DefaultMemSize = 64 * 1024
	// DataBase is the address where .word/.asciiz data is placed at load time.
	DataBase = 0x1000
	// DefaultMaxSteps bounds runaway programs so test suites stay deterministic.
	DefaultMaxSteps = 1_000_000
)

// Syscall service numbers, read from $v0.
const (
	SysPrintInt = 1  // prints int32($a0) in decimal
	SysPrintStr = 4  // prints the NUL-terminated string at $a0
	SysExit     = 10 // halts with exit status $a0
)

// Load-time errors.
var (
	ErrUndefinedLabel = errors.New("undefined label")
	ErrDuplicateLabel = errors.New("duplicate label")
)

// Run-time fault causes.
var (
	ErrMisalignedAccess  = errors.New("misaligned access")
	ErrOutOfBounds       = errors.New("address out of bounds")
	ErrDivisionByZero    = errors.New("division by zero")
	ErrStepLimitExceeded = errors.New("step limit exceeded")
	ErrUnknownSyscall    = errors.New("unknown syscall")
)

// Fault records why and where execution stopped abnormally.
type Fault struct {
	Index int   // index of the offending instruction
	Err   error // one of the fault cause sentinels, possibly wrapped
}

func (f *Fault) Error() string {
	return fmt.Sprintf("fault at instruction %d: %v", f.Index, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// CPU owns all machine state. One instance runs one program; nothing
// is shared between instances.
type CPU struct {
	Regs   [asm.NumRegs]uint32
	PC     int // index of the next instruction to fetch
	Memory []byte

	Halted   bool
	Fault    *Fault
	ExitCode int32 // valid once Halted via the exit syscall

	// Output receives syscall writes. If nil, os.Stdout is used.
	Output io.Writer

	// MaxSteps bounds the number of executed instructions.
	MaxSteps int

	steps int

	code       []asm.Instruction // executable entries only
	codeIndex  []int             // resolved branch/jump target per code entry
	dataAddr   []uint32          // resolved data address per code entry (la)
	codeLabels map[string]int
	dataLabels map[string]uint32
}

// New creates a machine with a zeroed register file, the stack
// pointer at the top of memory, and the default step limit. An
// optional memory size overrides DefaultMemSize.
func New(memSize ...int) *CPU {
	size := DefaultMemSize
	if len(memSize) > 0 && memSize[0] > 0 {
		size = memSize[0]
	}
	c := &CPU{
		Memory:   make([]byte, size),
		MaxSteps: DefaultMaxSteps,
	}
	c.Regs[asm.SP] = uint32(size)
	return c
}

func (c *CPU) outputSink() io.Writer {
	if c.Output != nil {
		return c.Output
	}
	return os.Stdout
}

// Load installs a program: data directives are copied into memory
// starting at DataBase, labels are bound, and every label reference
// is resolved to an instruction index or data address. Any unresolved
// or duplicate label fails here, before the first step.
func (c *CPU) Load(prog asm.Program) error {
	c.codeLabels = make(map[string]int)
	c.dataLabels = make(map[string]uint32)
	c.code = c.code[:0]

	dataPtr := uint32(DataBase)
	var pending []string

	bind := func(names []string, isData bool, idx int, addr uint32) error {
		for _, name := range names {
			if _, dup := c.codeLabels[name]; dup {
				return fmt.Errorf("%w: %q", ErrDuplicateLabel, name)
			}
			if _, dup := c.dataLabels[name]; dup {
				return fmt.Errorf("%w: %q", ErrDuplicateLabel, name)
			}
			if isData {
				c.dataLabels[name] = addr
			} else {
				c.codeLabels[name] = idx
			}
		}
		return nil
	}

	for _, in := range prog {
		switch in.Op {
		case asm.OpLabel:
			pending = append(pending, in.Target)

		case asm.OpWord:
			if err := bind(pending, true, 0, dataPtr); err != nil {
				return err
			}
			pending = pending[:0]
			if int(dataPtr)+4 > len(c.Memory) {
				return fmt.Errorf("%w: data section exceeds memory", ErrOutOfBounds)
			}
			binary.LittleEndian.PutUint32(c.Memory[dataPtr:], uint32(in.Imm))
			dataPtr += 4

		case asm.OpAsciiz:
			if err := bind(pending, true, 0, dataPtr); err != nil {
				return err
			}
			pending = pending[:0]
			if int(dataPtr)+len(in.Text)+1 > len(c.Memory) {
				return fmt.Errorf("%w: data section exceeds memory", ErrOutOfBounds)
			}
			copy(c.Memory[dataPtr:], in.Text)
			c.Memory[dataPtr+uint32(len(in.Text))] = 0
			dataPtr += uint32(len(in.Text)) + 1

		default:
			if err := bind(pending, false, len(c.code), 0); err != nil {
				return err
			}
			pending = pending[:0]
			c.code = append(c.code, in)
		}
	}
	// Trailing labels point one past the last instruction.
	if err := bind(pending, false, len(c.code), 0); err != nil {
		return err
	}

	c.codeIndex = make([]int, len(c.code))
	c.dataAddr = make([]uint32, len(c.code))
	for i, in := range c.code {
		switch in.Op {
		case asm.OpBeq, asm.OpBne, asm.OpJ, asm.OpJal:
			idx, ok := c.codeLabels[in.Target]
			if !ok {
				return fmt.Errorf("%w: %q", ErrUndefinedLabel, in.Target)
			}
			c.codeIndex[i] = idx
		case asm.OpLa:
			addr, ok := c.dataLabels[in.Target]
			if !ok {
				return fmt.Errorf("%w: %q (la wants a data label)", ErrUndefinedLabel, in.Target)
			}
			c.dataAddr[i] = addr
		}
	}

	c.PC = 0
	c.steps = 0
	c.Halted = false
	c.Fault = nil
	return nil
}

// setReg writes a register; writes to $zero are silently discarded.
func (c *CPU) setReg(r asm.Reg, v uint32) {
	if r != asm.Zero {
		c.Regs[r] = v
	}
}

func (c *CPU) fault(idx int, err error) {
	c.Fault = &Fault{Index: idx, Err: err}
}

// checkedAddr validates a word access at base+offset.
func (c *CPU) checkedAddr(in asm.Instruction) (uint32, error) {
	addr := c.Regs[in.Rs] + uint32(in.Offset)
	if addr%4 != 0 {
		return 0, fmt.Errorf("%w: address 0x%x", ErrMisalignedAccess, addr)
	}
	if uint64(addr)+4 > uint64(len(c.Memory)) {
		return 0, fmt.Errorf("%w: address 0x%x, memory size 0x%x", ErrOutOfBounds, addr, len(c.Memory))
	}
	return addr, nil
}

// Step fetches, decodes and executes a single instruction. It is a
// no-op once the machine is halted or faulted.
func (c *CPU) Step() {
	if c.Halted || c.Fault != nil {
		return
	}
	if c.PC < 0 || c.PC >= len(c.code) {
		c.Halted = true
		return
	}
	if c.steps >= c.MaxSteps {
		c.fault(c.PC, ErrStepLimitExceeded)
		return
	}
	c.steps++

	idx := c.PC
	in := c.code[idx]
	c.PC++

	switch in.Op {
	case asm.OpNop:
		// No operation.

	case asm.OpLi:
		c.setReg(in.Rd, uint32(in.Imm))

	case asm.OpLa:
		c.setReg(in.Rd, c.dataAddr[idx])

	case asm.OpMove:
		c.setReg(in.Rd, c.Regs[in.Rs])

	case asm.OpAdd:
		c.setReg(in.Rd, c.Regs[in.Rs]+c.Regs[in.Rt])

	case asm.OpSub:
		c.setReg(in.Rd, c.Regs[in.Rs]-c.Regs[in.Rt])

	case asm.OpMul:
		c.setReg(in.Rd, c.Regs[in.Rs]*c.Regs[in.Rt])

	case asm.OpDiv:
		if c.Regs[in.Rt] == 0 {
			c.fault(idx, ErrDivisionByZero)
			return
		}
		c.setReg(in.Rd, uint32(int32(c.Regs[in.Rs])/int32(c.Regs[in.Rt])))

	case asm.OpRem:
		if c.Regs[in.Rt] == 0 {
			c.fault(idx, ErrDivisionByZero)
			return
		}
		c.setReg(in.Rd, uint32(int32(c.Regs[in.Rs])%int32(c.Regs[in.Rt])))

	case asm.OpAnd:
		c.setReg(in.Rd, c.Regs[in.Rs]&c.Regs[in.Rt])

	case asm.OpOr:
		c.setReg(in.Rd, c.Regs[in.Rs]|c.Regs[in.Rt])

	case asm.OpXor:
		c.setReg(in.Rd, c.Regs[in.Rs]^c.Regs[in.Rt])

	case asm.OpSlt:
		if int32(c.Regs[in.Rs]) < int32(c.Regs[in.Rt]) {
			c.setReg(in.Rd, 1)
		} else {
			c.setReg(in.Rd, 0)
		}

	case asm.OpSltu:
		if c.Regs[in.Rs] < c.Regs[in.Rt] {
			c.setReg(in.Rd, 1)
		} else {
			c.setReg(in.Rd, 0)
		}

	case asm.OpAddi:
		c.setReg(in.Rd, c.Regs[in.Rs]+uint32(in.Imm))

	case asm.OpAndi:
		c.setReg(in.Rd, c.Regs[in.Rs]&uint32(in.Imm))

	case asm.OpOri:
		c.setReg(in.Rd, c.Regs[in.Rs]|uint32(in.Imm))

	case asm.OpXori:
		c.setReg(in.Rd, c.Regs[in.Rs]^uint32(in.Imm))

	case asm.OpLw:
		addr, err := c.checkedAddr(in)
		if err != nil {
			c.fault(idx, err)
			return
		}
		c.setReg(in.Rd, binary.LittleEndian.Uint32(c.Memory[addr:]))

	case asm.OpSw:
		addr, err := c.checkedAddr(in)
		if err != nil {
			c.fault(idx, err)
			return
		}
		binary.LittleEndian.PutUint32(c.Memory[addr:], c.Regs[in.Rt])

	case asm.OpBeq:
		if c.Regs[in.Rd] == c.Regs[in.Rs] {
			c.PC = c.codeIndex[idx]
		}

	case asm.OpBne:
		if c.Regs[in.Rd] != c.Regs[in.Rs] {
			c.PC = c.codeIndex[idx]
		}

	case asm.OpJ:
		c.PC = c.codeIndex[idx]

	case asm.OpJal:
		c.setReg(asm.RA, uint32(c.PC))
		c.PC = c.codeIndex[idx]

	case asm.OpJr:
		c.PC = int(c.Regs[in.Rs])

	case asm.OpSyscall:
		if err := c.syscall(); err != nil {
			c.fault(idx, err)
			return
		}

	default:
		c.fault(idx, fmt.Errorf("unexecutable instruction %v", in.Op))
	}
}

func (c *CPU) syscall() error {
	switch c.Regs[asm.V0] {
	case SysPrintInt:
		fmt.Fprintf(c.outputSink(), "%d", int32(c.Regs[asm.A0]))
	case SysPrintStr:
		s, err := c.readString(c.Regs[asm.A0])
		if err != nil {
			return err
		}
		io.WriteString(c.outputSink(), s)
	case SysExit:
		c.ExitCode = int32(c.Regs[asm.A0])
		c.Halted = true
	default:
		return fmt.Errorf("%w: service %d", ErrUnknownSyscall, c.Regs[asm.V0])
	}
	return nil
}

// readString reads the NUL-terminated string starting at addr.
func (c *CPU) readString(addr uint32) (string, error) {
	start := addr
	for {
		if addr >= uint32(len(c.Memory)) {
			return "", fmt.Errorf("%w: unterminated string at 0x%x", ErrOutOfBounds, start)
		}
		if c.Memory[addr] == 0 {
			return string(c.Memory[start:addr]), nil
		}
		addr++
	}
}

// Run steps until the machine halts or faults. A fault is returned
// as the error; a clean halt returns nil.
func (c *CPU) Run() error {
	for !c.Halted && c.Fault == nil {
		c.Step()
	}
	if c.Fault != nil {
		return c.Fault
	}
	return nil
}
