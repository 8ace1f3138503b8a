package compiler

import (
	"fmt"
	"strconv"
)

// Parser consumes a token stream and produces the top-level list of
// function declarations.
type Parser struct {
	tokens []Token
	pos    int
}

func NewParser(tokens []Token) *Parser {
	return &Parser{tokens: tokens}
}

func (p *Parser) peek() Token {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return Token{Type: EOF}
}

func (p *Parser) peek2() Token {
	if p.pos+1 < len(p.tokens) {
		return p.tokens[p.pos+1]
	}
	return Token{Type: EOF}
}

func (p *Parser) advance() Token {
	t := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

func (p *Parser) match(tt TokenType) bool {
	if p.peek().Type == tt {
		p.advance()
		return true
	}
	return false
}

// expect consumes a token of the given type or fails with a
// line-numbered error.
func (p *Parser) expect(tt TokenType) (Token, error) {
	t := p.peek()
	if t.Type != tt {
		return Token{}, fmt.Errorf("line %d: expected %s, found %s", t.Line, tt, t)
	}
	return p.advance(), nil
}

// Parse returns the program as a list of top-level statements. Only
// function declarations are valid at the top level.
func (p *Parser) Parse() ([]Stmt, error) {
	var stmts []Stmt
	for p.peek().Type != EOF {
		fn, err := p.parseFunction()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, fn)
	}
	return stmts, nil
}

// parseFunction parses  int name(int a, int b, ...) { body }
// The return type may also be void.
func (p *Parser) parseFunction() (*FunctionDecl, error) {
	t := p.advance()
	if t.Type != INT && t.Type != VOID {
		return nil, fmt.Errorf("line %d: expected function return type, found %s", t.Line, t)
	}
	name, err := p.expect(IDENTIFIER)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(LPAREN); err != nil {
		return nil, err
	}

	var params []string
	if p.peek().Type != RPAREN {
		if p.peek().Type == VOID && p.peek2().Type == RPAREN {
			p.advance()
		} else {
			for {
				if _, err := p.expect(INT); err != nil {
					return nil, err
				}
				param, err := p.expect(IDENTIFIER)
				if err != nil {
					return nil, err
				}
				params = append(params, param.Lexeme)
				if !p.match(COMMA) {
					break
				}
			}
		}
	}
	if _, err := p.expect(RPAREN); err != nil {
		return nil, err
	}

	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	return &FunctionDecl{Name: name.Lexeme, Params: params, Body: body}, nil
}

func (p *Parser) parseBlock() (*BlockStmt, error) {
	if _, err := p.expect(LBRACE); err != nil {
		return nil, err
	}
	var stmts []Stmt
	for p.peek().Type != RBRACE {
		if p.peek().Type == EOF {
			return nil, fmt.Errorf("line %d: unexpected end of input inside block", p.peek().Line)
		}
		st, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, st)
	}
	p.advance() // RBRACE
	return &BlockStmt{Stmts: stmts}, nil
}

func (p *Parser) parseStatement() (Stmt, error) {
	switch p.peek().Type {
	case LBRACE:
		return p.parseBlock()
	case INT:
		return p.parseDeclaration()
	case IF:
		return p.parseIf()
	case WHILE:
		return p.parseWhile()
	case FOR:
		return p.parseFor()
	case RETURN:
		return p.parseReturn()
	}
	st, err := p.parseSimpleStatement()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(SEMICOLON); err != nil {
		return nil, err
	}
	return st, nil
}

// parseSimpleStatement parses the semicolon-less statement forms used
// both standalone and in for-clauses: assignments and bare
// expressions.
func (p *Parser) parseSimpleStatement() (Stmt, error) {
	expr, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if p.match(ASSIGN) {
		value, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		return &Assignment{Left: expr, Value: value}, nil
	}
	return &ExprStmt{Expr: expr}, nil
}

// parseDeclaration parses  int name [= expr];
func (p *Parser) parseDeclaration() (Stmt, error) {
	p.advance() // INT
	name, err := p.expect(IDENTIFIER)
	if err != nil {
		return nil, err
	}
	var init Expr
	if p.match(ASSIGN) {
		init, err = p.parseExpression()
		if err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(SEMICOLON); err != nil {
		return nil, err
	}
	return &VariableDecl{Name: name.Lexeme, Init: init}, nil
}

func (p *Parser) parseIf() (Stmt, error) {
	p.advance() // IF
	if _, err := p.expect(LPAREN); err != nil {
		return nil, err
	}
	cond, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(RPAREN); err != nil {
		return nil, err
	}
	body, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	var elseBody Stmt
	if p.match(ELSE) {
		elseBody, err = p.parseStatement()
		if err != nil {
			return nil, err
		}
	}
	return &IfStmt{Condition: cond, Body: body, ElseBody: elseBody}, nil
}

func (p *Parser) parseWhile() (Stmt, error) {
	p.advance() // WHILE
	if _, err := p.expect(LPAREN); err != nil {
		return nil, err
	}
	cond, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(RPAREN); err != nil {
		return nil, err
	}
	body, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	return &WhileStmt{Condition: cond, Body: body}, nil
}

// parseFor parses  for (init; cond; post) body  where every clause is
// optional.
func (p *Parser) parseFor() (Stmt, error) {
	p.advance() // FOR
	if _, err := p.expect(LPAREN); err != nil {
		return nil, err
	}

	var init Stmt
	var err error
	if p.peek().Type == INT {
		init, err = p.parseDeclaration() // consumes the semicolon
		if err != nil {
			return nil, err
		}
	} else if !p.match(SEMICOLON) {
		init, err = p.parseSimpleStatement()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(SEMICOLON); err != nil {
			return nil, err
		}
	}

	var cond Expr
	if !p.match(SEMICOLON) {
		cond, err = p.parseExpression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(SEMICOLON); err != nil {
			return nil, err
		}
	}

	var post Stmt
	if p.peek().Type != RPAREN {
		post, err = p.parseSimpleStatement()
		if err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(RPAREN); err != nil {
		return nil, err
	}

	body, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	return &ForStmt{Init: init, Cond: cond, Post: post, Body: body}, nil
}

func (p *Parser) parseReturn() (Stmt, error) {
	p.advance() // RETURN
	if p.match(SEMICOLON) {
		return &ReturnStmt{}, nil
	}
	expr, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(SEMICOLON); err != nil {
		return nil, err
	}
	return &ReturnStmt{Expr: expr}, nil
}

//  Expression grammar, lowest precedence first:
//    comparison:      == != < > <= >=
//    additive:        + -
//    multiplicative:  * / %
//    unary:           - ++ --  (prefix)
//    postfix:         ++ --
//    primary:         literal, string, name, call, (expr)

func (p *Parser) parseExpression() (Expr, error) {
	return p.parseComparison()
}

func (p *Parser) parseComparison() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().Type {
		case EQUALS, NOT_EQ, LESS, GREATER, LESS_EQ, GREATER_EQ:
			op := p.advance().Type
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			left = &BinaryExpr{Op: op, Left: left, Right: right}
		default:
			return left, nil
		}
	}
}

func (p *Parser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.peek().Type == PLUS || p.peek().Type == MINUS {
		op := p.advance().Type
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseMultiplicative() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		tt := p.peek().Type
		if tt != STAR && tt != SLASH && tt != PERCENT {
			return left, nil
		}
		op := p.advance().Type
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right}
	}
}

func (p *Parser) parseUnary() (Expr, error) {
	switch p.peek().Type {
	case MINUS:
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: MINUS, Right: right}, nil
	case PLUS_PLUS, MINUS_MINUS:
		op := p.advance().Type
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &PrefixExpr{Op: op, Operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *Parser) parsePostfix() (Expr, error) {
	expr, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.peek().Type == PLUS_PLUS || p.peek().Type == MINUS_MINUS {
		op := p.advance().Type
		expr = &PostfixExpr{Op: op, Left: expr}
	}
	return expr, nil
}

func (p *Parser) parsePrimary() (Expr, error) {
	t := p.peek()
	switch t.Type {
	case INTEGER:
		p.advance()
		v, err := strconv.ParseInt(t.Lexeme, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("line %d: integer literal %s out of range", t.Line, t.Lexeme)
		}
		return &Literal{Value: int32(v)}, nil

	case STRING:
		p.advance()
		return &StringLiteral{Value: t.Lexeme}, nil

	case IDENTIFIER:
		p.advance()
		if p.peek().Type == LPAREN {
			return p.parseCall(t.Lexeme)
		}
		return &VarRef{Name: t.Lexeme}, nil

	case LPAREN:
		p.advance()
		expr, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(RPAREN); err != nil {
			return nil, err
		}
		return expr, nil
	}
	return nil, fmt.Errorf("line %d: unexpected token %s in expression", t.Line, t)
}

// parseCall parses the argument list of name(...); the name and the
// lookahead to '(' have already been consumed.
func (p *Parser) parseCall(name string) (Expr, error) {
	p.advance() // LPAREN
	var args []Expr
	if p.peek().Type != RPAREN {
		for {
			arg, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if !p.match(COMMA) {
				break
			}
		}
	}
	if _, err := p.expect(RPAREN); err != nil {
		return nil, err
	}
	return &FunctionCall{Name: name, Args: args}, nil
}
