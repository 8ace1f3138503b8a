package compiler

import (
	"fmt"
	"strings"
)

//  Expression nodes

// Expr is implemented by every node that produces a value.
// genExpr leaves the result in a freshly allocated scratch register.
type Expr interface {
	exprNode()
	String() string
}

// Literal is a compile-time integer constant.
type Literal struct {
	Value int32
}

func (*Literal) exprNode()        {}
func (l *Literal) String() string { return fmt.Sprintf("%d", l.Value) }

// StringLiteral is a string constant "...". It evaluates to the
// address of its pooled NUL-terminated data.
type StringLiteral struct {
	Value string
}

func (*StringLiteral) exprNode()        {}
func (s *StringLiteral) String() string { return fmt.Sprintf("%q", s.Value) }

// VarRef is a read of a named variable.
type VarRef struct {
	Name string
}

func (*VarRef) exprNode()        {}
func (v *VarRef) String() string { return v.Name }

// BinaryExpr represents Left Op Right.
type BinaryExpr struct {
	Op    TokenType
	Left  Expr
	Right Expr
}

func (*BinaryExpr) exprNode() {}
func (b *BinaryExpr) String() string {
	return fmt.Sprintf("(%s %s %s)", b.Left, b.Op, b.Right)
}

// UnaryExpr represents Op Right (arithmetic negation).
type UnaryExpr struct {
	Op    TokenType
	Right Expr
}

func (*UnaryExpr) exprNode()        {}
func (u *UnaryExpr) String() string { return fmt.Sprintf("(%s %s)", u.Op, u.Right) }

// PrefixExpr represents ++x or --x; it evaluates to the new value.
type PrefixExpr struct {
	Op      TokenType
	Operand Expr
}

func (*PrefixExpr) exprNode()        {}
func (p *PrefixExpr) String() string { return fmt.Sprintf("(%s %s)", p.Op, p.Operand) }

// PostfixExpr represents x++ or x--; it evaluates to the old value.
type PostfixExpr struct {
	Op   TokenType
	Left Expr
}

func (*PostfixExpr) exprNode()        {}
func (p *PostfixExpr) String() string { return fmt.Sprintf("(%s %s)", p.Left, p.Op) }

// FunctionCall represents name(args).
type FunctionCall struct {
	Name string
	Args []Expr
}

func (*FunctionCall) exprNode() {}
func (c *FunctionCall) String() string {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = a.String()
	}
	return fmt.Sprintf("%s(%s)", c.Name, strings.Join(args, ", "))
}

//  Statement nodes

// Stmt is implemented by every node that does not produce a value.
type Stmt interface {
	stmtNode()
	String() string
}

// VariableDecl represents  int name [= expr];
type VariableDecl struct {
	Name string
	Init Expr // may be nil
}

func (*VariableDecl) stmtNode() {}
func (d *VariableDecl) String() string {
	if d.Init != nil {
		return fmt.Sprintf("VariableDecl(int %s = %s)", d.Name, d.Init)
	}
	return fmt.Sprintf("VariableDecl(int %s)", d.Name)
}

// Assignment represents  Left = Value;
type Assignment struct {
	Left  Expr
	Value Expr
}

func (*Assignment) stmtNode() {}
func (a *Assignment) String() string {
	return fmt.Sprintf("Assignment(%s = %s)", a.Left, a.Value)
}

// ReturnStmt represents  return [expr];
type ReturnStmt struct {
	Expr Expr // may be nil
}

func (*ReturnStmt) stmtNode() {}
func (r *ReturnStmt) String() string {
	if r.Expr != nil {
		return fmt.Sprintf("ReturnStmt(%s)", r.Expr)
	}
	return "ReturnStmt()"
}

// BlockStmt represents { statement; ... }
type BlockStmt struct {
	Stmts []Stmt
}

func (*BlockStmt) stmtNode() {}
func (b *BlockStmt) String() string {
	return fmt.Sprintf("BlockStmt(len=%d)", len(b.Stmts))
}

// IfStmt represents if (cond) body [else elseBody]
type IfStmt struct {
	Condition Expr
	Body      Stmt
	ElseBody  Stmt // may be nil
}

func (*IfStmt) stmtNode() {}
func (i *IfStmt) String() string {
	if i.ElseBody != nil {
		return fmt.Sprintf("IfStmt(if %s then %s else %s)", i.Condition, i.Body, i.ElseBody)
	}
	return fmt.Sprintf("IfStmt(if %s then %s)", i.Condition, i.Body)
}

// WhileStmt represents while (cond) body
type WhileStmt struct {
	Condition Expr
	Body      Stmt
}

func (*WhileStmt) stmtNode() {}
func (w *WhileStmt) String() string {
	return fmt.Sprintf("WhileStmt(while %s do %s)", w.Condition, w.Body)
}

// ForStmt represents for (init; cond; post) body
type ForStmt struct {
	Init Stmt // may be nil
	Cond Expr // may be nil
	Post Stmt // may be nil
	Body Stmt
}

func (*ForStmt) stmtNode() {}
func (f *ForStmt) String() string {
	return fmt.Sprintf("ForStmt(init=%s, cond=%s, post=%s, body=%s)", f.Init, f.Cond, f.Post, f.Body)
}

// FunctionDecl represents int name(params) { body }
type FunctionDecl struct {
	Name   string
	Params []string
	Body   *BlockStmt
}

func (*FunctionDecl) stmtNode() {}
func (f *FunctionDecl) String() string {
	return fmt.Sprintf("FunctionDecl(%s(%s), body=%s)", f.Name, strings.Join(f.Params, ", "), f.Body)
}

// ExprStmt represents an expression evaluated for its side effects.
type ExprStmt struct {
	Expr Expr
}

func (*ExprStmt) stmtNode() {}
func (e *ExprStmt) String() string {
	return fmt.Sprintf("ExprStmt(%s)", e.Expr)
}
