package compiler

import (
	"fmt"
	"unicode"
)

// keywords maps source text to its keyword TokenType.
var keywords = map[string]TokenType{
	"int":    INT,
	"void":   VOID,
	"if":     IF,
	"else":   ELSE,
	"while":  WHILE,
	"for":    FOR,
	"return": RETURN,
}

// Lexer holds all mutable state for a single scanning pass over src.
type Lexer struct {
	src  []rune
	pos  int // index of the next rune to consume
	line int // current 1-based source line
}

func newLexer(src string) *Lexer {
	return &Lexer{src: []rune(src), pos: 0, line: 1}
}

// peek returns the rune at the current position without advancing.
func (l *Lexer) peek() rune {
	if l.pos >= len(l.src) {
		return 0
	}
	return l.src[l.pos]
}

// peek2 returns the rune one position ahead of the current position.
func (l *Lexer) peek2() rune {
	if l.pos+1 >= len(l.src) {
		return 0
	}
	return l.src[l.pos+1]
}

// advance consumes one rune and returns it.
func (l *Lexer) advance() rune {
	if l.pos >= len(l.src) {
		return 0
	}
	r := l.src[l.pos]
	l.pos++
	if r == '\n' {
		l.line++
	}
	return r
}

func (l *Lexer) skipWhitespace() {
	for l.pos < len(l.src) && unicode.IsSpace(l.peek()) {
		l.advance()
	}
}

// skipLineComment discards everything from the current position to
// end-of-line. The opening "//" must already have been consumed.
func (l *Lexer) skipLineComment() {
	for l.pos < len(l.src) && l.peek() != '\n' {
		l.advance()
	}
}

// scanIdent collects a full identifier or keyword token.
func (l *Lexer) scanIdent() Token {
	line := l.line
	start := l.pos
	for l.pos < len(l.src) {
		r := l.peek()
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			break
		}
		l.advance()
	}
	lexeme := string(l.src[start:l.pos])
	tt := IDENTIFIER
	if kw, ok := keywords[lexeme]; ok {
		tt = kw
	}
	return Token{Type: tt, Lexeme: lexeme, Line: line}
}

// scanInt collects a decimal integer literal.
func (l *Lexer) scanInt() Token {
	line := l.line
	start := l.pos
	for l.pos < len(l.src) && unicode.IsDigit(l.peek()) {
		l.advance()
	}
	return Token{Type: INTEGER, Lexeme: string(l.src[start:l.pos]), Line: line}
}

// scanString collects a string literal, resolving \n, \t, \\ and \"
// escapes. The opening quote must still be at l.peek().
func (l *Lexer) scanString() (Token, error) {
	line := l.line
	l.advance() // opening quote
	var out []rune
	for {
		if l.pos >= len(l.src) {
			return Token{}, fmt.Errorf("unterminated string literal (opened on line %d)", line)
		}
		r := l.advance()
		if r == '"' {
			return Token{Type: STRING, Lexeme: string(out), Line: line}, nil
		}
		if r == '\\' {
			esc := l.advance()
			switch esc {
			case 'n':
				out = append(out, '\n')
			case 't':
				out = append(out, '\t')
			case '\\':
				out = append(out, '\\')
			case '"':
				out = append(out, '"')
			default:
				return Token{}, fmt.Errorf("line %d: unknown escape \\%c in string literal", line, esc)
			}
			continue
		}
		out = append(out, r)
	}
}

// twoCharOps maps a two-rune operator to its TokenType.
var twoCharOps = map[string]TokenType{
	"==": EQUALS,
	"!=": NOT_EQ,
	"<=": LESS_EQ,
	">=": GREATER_EQ,
	"++": PLUS_PLUS,
	"--": MINUS_MINUS,
}

var oneCharOps = map[rune]TokenType{
	'{': LBRACE,
	'}': RBRACE,
	'(': LPAREN,
	')': RPAREN,
	';': SEMICOLON,
	',': COMMA,
	'+': PLUS,
	'-': MINUS,
	'*': STAR,
	'/': SLASH,
	'%': PERCENT,
	'=': ASSIGN,
	'<': LESS,
	'>': GREATER,
}

// Lex scans src into a token stream terminated by an EOF token.
func Lex(src string) ([]Token, error) {
	l := newLexer(src)
	var tokens []Token

	for l.pos < len(l.src) {
		l.skipWhitespace()
		if l.pos >= len(l.src) {
			break
		}

		r := l.peek()

		if r == '/' && l.peek2() == '/' {
			l.skipLineComment()
			continue
		}

		if unicode.IsLetter(r) || r == '_' {
			tokens = append(tokens, l.scanIdent())
			continue
		}

		if unicode.IsDigit(r) {
			tokens = append(tokens, l.scanInt())
			continue
		}

		if r == '"' {
			tok, err := l.scanString()
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, tok)
			continue
		}

		if two := string(r) + string(l.peek2()); twoCharOps[two] != 0 {
			line := l.line
			l.advance()
			l.advance()
			tokens = append(tokens, Token{Type: twoCharOps[two], Lexeme: two, Line: line})
			continue
		}

		if tt, ok := oneCharOps[r]; ok {
			line := l.line
			l.advance()
			tokens = append(tokens, Token{Type: tt, Lexeme: string(r), Line: line})
			continue
		}

		return nil, fmt.Errorf("line %d: unexpected character %q", l.line, r)
	}

	tokens = append(tokens, Token{Type: EOF, Line: l.line})
	return tokens, nil
}
