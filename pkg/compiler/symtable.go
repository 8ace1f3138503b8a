package compiler

import (
	"fmt"
	"sort"
	"strings"
)

// WordSize is the size of every variable: the machine is 32-bit and
// the source language has a single scalar type.
const WordSize = 4

// Symbol binds a variable name to its storage location: a byte
// offset from the frame pointer. Locals and spilled register
// arguments sit below the frame pointer (negative offsets); stack
// arguments sit above the saved $ra/$fp pair (positive offsets).
type Symbol struct {
	Offset int
}

// SymbolTable tracks variable bindings for the function currently
// being generated. One instance belongs to one generation pass.
type SymbolTable struct {
	// Stack of lexical scopes, innermost last.
	scopes []map[string]Symbol

	// Next available local offset (monotonically decreasing).
	// Exiting a scope does not reclaim offsets; the frame is sized
	// for all declarations in the function up front.
	nextLocal int
}

func NewSymbolTable() *SymbolTable {
	return &SymbolTable{}
}

// EnterFunction resets the table for a new function body.
func (s *SymbolTable) EnterFunction() {
	s.scopes = []map[string]Symbol{make(map[string]Symbol)}
	s.nextLocal = 0
}

func (s *SymbolTable) ExitFunction() {
	s.scopes = nil
}

func (s *SymbolTable) EnterScope() {
	if len(s.scopes) == 0 {
		panic("EnterScope called outside function")
	}
	s.scopes = append(s.scopes, make(map[string]Symbol))
}

func (s *SymbolTable) ExitScope() {
	if len(s.scopes) > 0 {
		s.scopes = s.scopes[:len(s.scopes)-1]
	}
}

// DefineParam binds the paramIndex-th parameter in the function-level
// scope. The first four arrive in registers and get a spill slot in
// the frame; the rest live in the caller's frame above the saved
// $ra/$fp pair.
func (s *SymbolTable) DefineParam(name string, paramIndex int) Symbol {
	if len(s.scopes) == 0 {
		panic("DefineParam called outside function")
	}
	var offset int
	if paramIndex < 4 {
		s.nextLocal -= WordSize
		offset = s.nextLocal
	} else {
		offset = 8 + (paramIndex-4)*WordSize
	}
	sym := Symbol{Offset: offset}
	s.scopes[0][name] = sym
	return sym
}

// Allocate assigns the next free frame offset to name in the current
// scope. The second result is false if name already exists there.
func (s *SymbolTable) Allocate(name string) (Symbol, bool) {
	if len(s.scopes) == 0 {
		panic("Allocate called outside function")
	}
	current := s.scopes[len(s.scopes)-1]
	if sym, ok := current[name]; ok {
		return sym, false
	}
	s.nextLocal -= WordSize
	sym := Symbol{Offset: s.nextLocal}
	current[name] = sym
	return sym, true
}

// Lookup searches scopes innermost-first.
func (s *SymbolTable) Lookup(name string) (Symbol, bool) {
	for i := len(s.scopes) - 1; i >= 0; i-- {
		if sym, ok := s.scopes[i][name]; ok {
			return sym, true
		}
	}
	return Symbol{}, false
}

// FrameBytes is the number of frame bytes handed out so far (spill
// slots plus locals).
func (s *SymbolTable) FrameBytes() int {
	return -s.nextLocal
}

// String returns a deterministically ordered dump of the table.
func (s *SymbolTable) String() string {
	var sb strings.Builder
	for i, scope := range s.scopes {
		fmt.Fprintf(&sb, "Scope %d:\n", i)
		names := make([]string, 0, len(scope))
		for name := range scope {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&sb, "  %-20s  Offset: %d\n", name, scope[name].Offset)
		}
	}
	return sb.String()
}
