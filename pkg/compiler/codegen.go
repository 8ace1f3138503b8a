package compiler

import (
	"errors"
	"fmt"

	"toycc/pkg/asm"
)

var (
	// ErrUnresolvedSymbol reports a reference to a variable or
	// function that was never declared.
	ErrUnresolvedSymbol = errors.New("unresolved symbol")
	// ErrUnsupportedConstruct reports source the generator has no
	// translation for.
	ErrUnsupportedConstruct = errors.New("unsupported construct")
	// ErrRegisterExhausted reports that an expression needs more
	// scratch registers than the machine provides.
	ErrRegisterExhausted = errors.New("scratch registers exhausted")
)

// scratchRegs is the pool of caller-saved registers the generator
// hands out for expression evaluation, in preference order.
var scratchRegs = [...]asm.Reg{
	asm.T0, asm.T1, asm.T2, asm.T3, asm.T4,
	asm.T5, asm.T6, asm.T7, asm.T8, asm.T9,
}

// CodeGen holds all state for one translation of an AST into an
// assembly program. It is single-use: create, call Generate, discard.
type CodeGen struct {
	prog asm.Program
	syms *SymbolTable

	// free is a LIFO of available scratch registers; live tracks the
	// allocated ones in allocation order so calls can save them.
	free []asm.Reg
	live []asm.Reg

	// funcs maps every declared function name to its arity.
	funcs map[string]int

	// Interned string literals, emitted as .asciiz data at the end.
	strings     map[string]string
	stringOrder []string

	epilogue  string // label of the current function's epilogue
	nextLabel int
}

func NewCodeGen() *CodeGen {
	return &CodeGen{
		syms:    NewSymbolTable(),
		funcs:   make(map[string]int),
		strings: make(map[string]string),
	}
}

// Generate translates a list of top-level function declarations into
// a complete program: a startup stub that calls main and exits with
// its result, the function bodies, then the pooled string data.
func (g *CodeGen) Generate(stmts []Stmt) (asm.Program, error) {
	var fns []*FunctionDecl
	for _, st := range stmts {
		fn, ok := st.(*FunctionDecl)
		if !ok {
			return nil, fmt.Errorf("%w: %s at top level (only function declarations allowed)", ErrUnsupportedConstruct, st)
		}
		if _, dup := g.funcs[fn.Name]; dup {
			return nil, fmt.Errorf("function %q declared twice", fn.Name)
		}
		g.funcs[fn.Name] = len(fn.Params)
		fns = append(fns, fn)
	}
	if _, ok := g.funcs["main"]; !ok {
		return nil, fmt.Errorf("%w: no main function", ErrUnresolvedSymbol)
	}

	g.emitLabel("__start")
	g.emit(asm.Instruction{Op: asm.OpJal, Target: "main"})
	g.emit(asm.Instruction{Op: asm.OpMove, Rd: asm.A0, Rs: asm.V0})
	g.emit(asm.Instruction{Op: asm.OpLi, Rd: asm.V0, Imm: sysExit})
	g.emit(asm.Instruction{Op: asm.OpSyscall})

	for _, fn := range fns {
		if err := g.genFunction(fn); err != nil {
			return nil, err
		}
	}

	for _, s := range g.stringOrder {
		g.emitLabel(g.strings[s])
		g.emit(asm.Instruction{Op: asm.OpAsciiz, Text: s})
	}
	return g.prog, nil
}

// Syscall service numbers the generated code uses. They mirror the
// simulator's contract.
const (
	sysPrintInt = 1
	sysPrintStr = 4
	sysExit     = 10
)

//  Emission helpers

func (g *CodeGen) emit(in asm.Instruction) {
	g.prog = append(g.prog, in)
}

func (g *CodeGen) emitLabel(name string) {
	g.emit(asm.Instruction{Op: asm.OpLabel, Target: name})
}

func (g *CodeGen) newLabel(prefix string) string {
	g.nextLabel++
	return fmt.Sprintf("%s_%d", prefix, g.nextLabel)
}

// push spills a register to a fresh stack slot.
func (g *CodeGen) push(r asm.Reg) {
	g.emit(asm.Instruction{Op: asm.OpAddi, Rd: asm.SP, Rs: asm.SP, Imm: -WordSize})
	g.emit(asm.Instruction{Op: asm.OpSw, Rt: r, Rs: asm.SP})
}

// pop reloads the top stack slot into a register and releases the slot.
func (g *CodeGen) pop(r asm.Reg) {
	g.emit(asm.Instruction{Op: asm.OpLw, Rd: r, Rs: asm.SP})
	g.emit(asm.Instruction{Op: asm.OpAddi, Rd: asm.SP, Rs: asm.SP, Imm: WordSize})
}

func (g *CodeGen) internString(s string) string {
	if label, ok := g.strings[s]; ok {
		return label
	}
	label := fmt.Sprintf("str_%d", len(g.stringOrder))
	g.strings[s] = label
	g.stringOrder = append(g.stringOrder, s)
	return label
}

//  Register pool

func (g *CodeGen) resetPool() {
	g.free = g.free[:0]
	for i := len(scratchRegs) - 1; i >= 0; i-- {
		g.free = append(g.free, scratchRegs[i])
	}
	g.live = g.live[:0]
}

func (g *CodeGen) allocReg() (asm.Reg, error) {
	if len(g.free) == 0 {
		return 0, ErrRegisterExhausted
	}
	r := g.free[len(g.free)-1]
	g.free = g.free[:len(g.free)-1]
	g.live = append(g.live, r)
	return r, nil
}

func (g *CodeGen) release(r asm.Reg) {
	for i, lr := range g.live {
		if lr == r {
			g.live = append(g.live[:i], g.live[i+1:]...)
			g.free = append(g.free, r)
			return
		}
	}
	panic(fmt.Sprintf("release of unallocated register %s", r))
}

//  Functions

func (g *CodeGen) genFunction(fn *FunctionDecl) error {
	g.syms.EnterFunction()
	defer g.syms.ExitFunction()
	g.resetPool()
	g.epilogue = fn.Name + "__exit"

	g.emitLabel(fn.Name)
	g.emit(asm.Instruction{Op: asm.OpAddi, Rd: asm.SP, Rs: asm.SP, Imm: -8})
	g.emit(asm.Instruction{Op: asm.OpSw, Rt: asm.RA, Rs: asm.SP, Offset: 4})
	g.emit(asm.Instruction{Op: asm.OpSw, Rt: asm.FP, Rs: asm.SP, Offset: 0})
	g.emit(asm.Instruction{Op: asm.OpMove, Rd: asm.FP, Rs: asm.SP})

	// Frame size is not known until the body has allocated every
	// local, so emit a placeholder and patch it afterwards.
	frameIdx := len(g.prog)
	g.emit(asm.Instruction{Op: asm.OpAddi, Rd: asm.SP, Rs: asm.SP})

	seen := make(map[string]bool)
	for i, p := range fn.Params {
		if seen[p] {
			return fmt.Errorf("function %q: parameter %q declared twice", fn.Name, p)
		}
		seen[p] = true
		sym := g.syms.DefineParam(p, i)
		if i < 4 {
			g.emit(asm.Instruction{
				Op: asm.OpSw, Rt: asm.A0 + asm.Reg(i), Rs: asm.FP,
				Offset: int32(sym.Offset),
			})
		}
	}

	if err := g.genStmt(fn.Body); err != nil {
		return fmt.Errorf("function %q: %w", fn.Name, err)
	}

	// Fall off the end of the body: return 0.
	g.emit(asm.Instruction{Op: asm.OpLi, Rd: asm.V0})

	g.emitLabel(g.epilogue)
	g.emit(asm.Instruction{Op: asm.OpMove, Rd: asm.SP, Rs: asm.FP})
	g.emit(asm.Instruction{Op: asm.OpLw, Rd: asm.FP, Rs: asm.SP, Offset: 0})
	g.emit(asm.Instruction{Op: asm.OpLw, Rd: asm.RA, Rs: asm.SP, Offset: 4})
	g.emit(asm.Instruction{Op: asm.OpAddi, Rd: asm.SP, Rs: asm.SP, Imm: 8})
	g.emit(asm.Instruction{Op: asm.OpJr, Rs: asm.RA})

	g.prog[frameIdx].Imm = -int32(g.syms.FrameBytes())
	return nil
}

//  Statements

func (g *CodeGen) genStmt(st Stmt) error {
	switch s := st.(type) {
	case *BlockStmt:
		g.syms.EnterScope()
		defer g.syms.ExitScope()
		for _, inner := range s.Stmts {
			if err := g.genStmt(inner); err != nil {
				return err
			}
		}
		return nil

	case *VariableDecl:
		sym, fresh := g.syms.Allocate(s.Name)
		if !fresh {
			return fmt.Errorf("variable %q redeclared", s.Name)
		}
		if s.Init == nil {
			return nil
		}
		r, err := g.genExpr(s.Init)
		if err != nil {
			return err
		}
		g.emit(asm.Instruction{Op: asm.OpSw, Rt: r, Rs: asm.FP, Offset: int32(sym.Offset)})
		g.release(r)
		return nil

	case *Assignment:
		ref, ok := s.Left.(*VarRef)
		if !ok {
			return fmt.Errorf("%w: assignment target %s is not a variable", ErrUnsupportedConstruct, s.Left)
		}
		sym, ok := g.syms.Lookup(ref.Name)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnresolvedSymbol, ref.Name)
		}
		r, err := g.genExpr(s.Value)
		if err != nil {
			return err
		}
		g.emit(asm.Instruction{Op: asm.OpSw, Rt: r, Rs: asm.FP, Offset: int32(sym.Offset)})
		g.release(r)
		return nil

	case *ReturnStmt:
		if s.Expr != nil {
			r, err := g.genExpr(s.Expr)
			if err != nil {
				return err
			}
			g.emit(asm.Instruction{Op: asm.OpMove, Rd: asm.V0, Rs: r})
			g.release(r)
		} else {
			g.emit(asm.Instruction{Op: asm.OpLi, Rd: asm.V0})
		}
		g.emit(asm.Instruction{Op: asm.OpJ, Target: g.epilogue})
		return nil

	case *IfStmt:
		return g.genIf(s)

	case *WhileStmt:
		return g.genWhile(s)

	case *ForStmt:
		return g.genFor(s)

	case *ExprStmt:
		r, err := g.genExpr(s.Expr)
		if err != nil {
			return err
		}
		g.release(r)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedConstruct, st)
}

func (g *CodeGen) genIf(s *IfStmt) error {
	endLabel := g.newLabel("endif")
	falseLabel := endLabel
	if s.ElseBody != nil {
		falseLabel = g.newLabel("else")
	}

	cond, err := g.genExpr(s.Condition)
	if err != nil {
		return err
	}
	g.emit(asm.Instruction{Op: asm.OpBeq, Rd: cond, Rs: asm.Zero, Target: falseLabel})
	g.release(cond)

	if err := g.genStmt(s.Body); err != nil {
		return err
	}
	if s.ElseBody != nil {
		g.emit(asm.Instruction{Op: asm.OpJ, Target: endLabel})
		g.emitLabel(falseLabel)
		if err := g.genStmt(s.ElseBody); err != nil {
			return err
		}
	}
	g.emitLabel(endLabel)
	return nil
}

func (g *CodeGen) genWhile(s *WhileStmt) error {
	topLabel := g.newLabel("while")
	endLabel := g.newLabel("endwhile")

	g.emitLabel(topLabel)
	cond, err := g.genExpr(s.Condition)
	if err != nil {
		return err
	}
	g.emit(asm.Instruction{Op: asm.OpBeq, Rd: cond, Rs: asm.Zero, Target: endLabel})
	g.release(cond)

	if err := g.genStmt(s.Body); err != nil {
		return err
	}
	g.emit(asm.Instruction{Op: asm.OpJ, Target: topLabel})
	g.emitLabel(endLabel)
	return nil
}

// genFor wraps the loop in its own scope so a variable declared in the
// init clause dies with the loop.
func (g *CodeGen) genFor(s *ForStmt) error {
	g.syms.EnterScope()
	defer g.syms.ExitScope()

	if s.Init != nil {
		if err := g.genStmt(s.Init); err != nil {
			return err
		}
	}

	topLabel := g.newLabel("for")
	endLabel := g.newLabel("endfor")

	g.emitLabel(topLabel)
	if s.Cond != nil {
		cond, err := g.genExpr(s.Cond)
		if err != nil {
			return err
		}
		g.emit(asm.Instruction{Op: asm.OpBeq, Rd: cond, Rs: asm.Zero, Target: endLabel})
		g.release(cond)
	}
	if err := g.genStmt(s.Body); err != nil {
		return err
	}
	if s.Post != nil {
		if err := g.genStmt(s.Post); err != nil {
			return err
		}
	}
	g.emit(asm.Instruction{Op: asm.OpJ, Target: topLabel})
	g.emitLabel(endLabel)
	return nil
}

//  Expressions

// genExpr emits code leaving the expression's value in the returned
// register. The caller owns the register and must release it.
func (g *CodeGen) genExpr(e Expr) (asm.Reg, error) {
	switch x := e.(type) {
	case *Literal:
		r, err := g.allocReg()
		if err != nil {
			return 0, err
		}
		g.emit(asm.Instruction{Op: asm.OpLi, Rd: r, Imm: x.Value})
		return r, nil

	case *StringLiteral:
		r, err := g.allocReg()
		if err != nil {
			return 0, err
		}
		g.emit(asm.Instruction{Op: asm.OpLa, Rd: r, Target: g.internString(x.Value)})
		return r, nil

	case *VarRef:
		sym, ok := g.syms.Lookup(x.Name)
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrUnresolvedSymbol, x.Name)
		}
		r, err := g.allocReg()
		if err != nil {
			return 0, err
		}
		g.emit(asm.Instruction{Op: asm.OpLw, Rd: r, Rs: asm.FP, Offset: int32(sym.Offset)})
		return r, nil

	case *UnaryExpr:
		if x.Op != MINUS {
			return 0, fmt.Errorf("%w: unary %s", ErrUnsupportedConstruct, x.Op)
		}
		r, err := g.genExpr(x.Right)
		if err != nil {
			return 0, err
		}
		g.emit(asm.Instruction{Op: asm.OpSub, Rd: r, Rs: asm.Zero, Rt: r})
		return r, nil

	case *BinaryExpr:
		return g.genBinary(x)

	case *PrefixExpr:
		return g.genIncDec(x.Operand, x.Op, false)

	case *PostfixExpr:
		return g.genIncDec(x.Left, x.Op, true)

	case *FunctionCall:
		return g.genCall(x)
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedConstruct, e)
}

// genBinary evaluates left then right. If the pool runs dry between
// the two, the left value is parked on the stack and reloaded into
// $at, so one register always remains for the result.
func (g *CodeGen) genBinary(b *BinaryExpr) (asm.Reg, error) {
	left, err := g.genExpr(b.Left)
	if err != nil {
		return 0, err
	}

	spilled := false
	if len(g.free) == 0 {
		g.push(left)
		g.release(left)
		spilled = true
	}

	right, err := g.genExpr(b.Right)
	if err != nil {
		return 0, err
	}

	lr, dest := left, left
	if spilled {
		g.pop(asm.AT)
		lr, dest = asm.AT, right
	}

	switch b.Op {
	case PLUS:
		g.emit(asm.Instruction{Op: asm.OpAdd, Rd: dest, Rs: lr, Rt: right})
	case MINUS:
		g.emit(asm.Instruction{Op: asm.OpSub, Rd: dest, Rs: lr, Rt: right})
	case STAR:
		g.emit(asm.Instruction{Op: asm.OpMul, Rd: dest, Rs: lr, Rt: right})
	case SLASH:
		g.emit(asm.Instruction{Op: asm.OpDiv, Rd: dest, Rs: lr, Rt: right})
	case PERCENT:
		g.emit(asm.Instruction{Op: asm.OpRem, Rd: dest, Rs: lr, Rt: right})
	case LESS:
		g.emit(asm.Instruction{Op: asm.OpSlt, Rd: dest, Rs: lr, Rt: right})
	case GREATER:
		g.emit(asm.Instruction{Op: asm.OpSlt, Rd: dest, Rs: right, Rt: lr})
	case LESS_EQ:
		g.emit(asm.Instruction{Op: asm.OpSlt, Rd: dest, Rs: right, Rt: lr})
		g.emit(asm.Instruction{Op: asm.OpXori, Rd: dest, Rs: dest, Imm: 1})
	case GREATER_EQ:
		g.emit(asm.Instruction{Op: asm.OpSlt, Rd: dest, Rs: lr, Rt: right})
		g.emit(asm.Instruction{Op: asm.OpXori, Rd: dest, Rs: dest, Imm: 1})
	case EQUALS:
		g.emit(asm.Instruction{Op: asm.OpSub, Rd: dest, Rs: lr, Rt: right})
		g.emit(asm.Instruction{Op: asm.OpSltu, Rd: dest, Rs: asm.Zero, Rt: dest})
		g.emit(asm.Instruction{Op: asm.OpXori, Rd: dest, Rs: dest, Imm: 1})
	case NOT_EQ:
		g.emit(asm.Instruction{Op: asm.OpSub, Rd: dest, Rs: lr, Rt: right})
		g.emit(asm.Instruction{Op: asm.OpSltu, Rd: dest, Rs: asm.Zero, Rt: dest})
	default:
		return 0, fmt.Errorf("%w: binary %s", ErrUnsupportedConstruct, b.Op)
	}

	if !spilled {
		g.release(right)
	}
	return dest, nil
}

// genIncDec handles ++x, --x, x++ and x--. Postfix yields the old
// value, prefix the new one; either way the variable is updated.
func (g *CodeGen) genIncDec(operand Expr, op TokenType, postfix bool) (asm.Reg, error) {
	ref, ok := operand.(*VarRef)
	if !ok {
		return 0, fmt.Errorf("%w: %s applied to %s", ErrUnsupportedConstruct, op, operand)
	}
	sym, ok := g.syms.Lookup(ref.Name)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnresolvedSymbol, ref.Name)
	}
	delta := int32(1)
	if op == MINUS_MINUS {
		delta = -1
	}

	r, err := g.allocReg()
	if err != nil {
		return 0, err
	}
	g.emit(asm.Instruction{Op: asm.OpLw, Rd: r, Rs: asm.FP, Offset: int32(sym.Offset)})
	if postfix {
		g.emit(asm.Instruction{Op: asm.OpAddi, Rd: asm.AT, Rs: r, Imm: delta})
		g.emit(asm.Instruction{Op: asm.OpSw, Rt: asm.AT, Rs: asm.FP, Offset: int32(sym.Offset)})
	} else {
		g.emit(asm.Instruction{Op: asm.OpAddi, Rd: r, Rs: r, Imm: delta})
		g.emit(asm.Instruction{Op: asm.OpSw, Rt: r, Rs: asm.FP, Offset: int32(sym.Offset)})
	}
	return r, nil
}

// genCall evaluates a call. Live scratch registers are saved across
// the call; arguments go to $a0-$a3 with any extras left on the stack
// for the callee to address above its saved $ra/$fp pair.
func (g *CodeGen) genCall(call *FunctionCall) (asm.Reg, error) {
	switch call.Name {
	case "print_int":
		return g.genPrint(call, sysPrintInt)
	case "print_str":
		return g.genPrint(call, sysPrintStr)
	}

	arity, ok := g.funcs[call.Name]
	if !ok {
		return 0, fmt.Errorf("%w: function %q", ErrUnresolvedSymbol, call.Name)
	}
	if len(call.Args) != arity {
		return 0, fmt.Errorf("function %q expects %d arguments, got %d", call.Name, arity, len(call.Args))
	}

	saved := append([]asm.Reg(nil), g.live...)
	for _, r := range saved {
		g.push(r)
	}

	// Arguments are pushed right to left so argument 0 ends up on top.
	for i := len(call.Args) - 1; i >= 0; i-- {
		r, err := g.genExpr(call.Args[i])
		if err != nil {
			return 0, err
		}
		g.push(r)
		g.release(r)
	}
	for i := 0; i < len(call.Args) && i < 4; i++ {
		g.pop(asm.A0 + asm.Reg(i))
	}

	g.emit(asm.Instruction{Op: asm.OpJal, Target: call.Name})

	if extra := len(call.Args) - 4; extra > 0 {
		g.emit(asm.Instruction{Op: asm.OpAddi, Rd: asm.SP, Rs: asm.SP, Imm: int32(extra * WordSize)})
	}

	result, err := g.allocReg()
	if err != nil {
		return 0, err
	}
	g.emit(asm.Instruction{Op: asm.OpMove, Rd: result, Rs: asm.V0})

	for i := len(saved) - 1; i >= 0; i-- {
		g.pop(saved[i])
	}
	return result, nil
}

// genPrint lowers the print builtins to their syscall. The value of a
// print expression is 0.
func (g *CodeGen) genPrint(call *FunctionCall, service int32) (asm.Reg, error) {
	if len(call.Args) != 1 {
		return 0, fmt.Errorf("builtin %q expects 1 argument, got %d", call.Name, len(call.Args))
	}
	r, err := g.genExpr(call.Args[0])
	if err != nil {
		return 0, err
	}
	g.emit(asm.Instruction{Op: asm.OpMove, Rd: asm.A0, Rs: r})
	g.emit(asm.Instruction{Op: asm.OpLi, Rd: asm.V0, Imm: service})
	g.emit(asm.Instruction{Op: asm.OpSyscall})
	g.emit(asm.Instruction{Op: asm.OpLi, Rd: r})
	return r, nil
}
