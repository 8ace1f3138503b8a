package compiler

import (
	"errors"
	"strings"
	"testing"

	"toycc/pkg/asm"
)

func compileOK(t *testing.T, src string) asm.Program {
	t.Helper()
	prog, err := Compile(src)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return prog
}

func assertContains(t *testing.T, text, want string) {
	t.Helper()
	if !strings.Contains(text, want) {
		t.Errorf("generated assembly missing %q:\n%s", want, text)
	}
}

func TestGenerateStartupStub(t *testing.T) {
	text := compileOK(t, "int main() { return 3; }").String()
	assertContains(t, text, "__start:")
	assertContains(t, text, "jal main")
	assertContains(t, text, "move $a0, $v0")
	assertContains(t, text, "li $v0, 10")
	assertContains(t, text, "syscall")
}

func TestGeneratePrologueEpilogue(t *testing.T) {
	text := compileOK(t, `
int f() {
    int a = 1;
    int b = 2;
    return a + b;
}
int main() { return f(); }
`).String()

	assertContains(t, text, "f:")
	assertContains(t, text, "addi $sp, $sp, -8")
	assertContains(t, text, "sw $ra, 4($sp)")
	assertContains(t, text, "sw $fp, 0($sp)")
	assertContains(t, text, "move $fp, $sp")
	// Two locals in f.
	assertContains(t, text, "addi $sp, $sp, -8")

	assertContains(t, text, "f__exit:")
	assertContains(t, text, "move $sp, $fp")
	assertContains(t, text, "lw $fp, 0($sp)")
	assertContains(t, text, "lw $ra, 4($sp)")
	assertContains(t, text, "addi $sp, $sp, 8")
	assertContains(t, text, "jr $ra")
}

func TestGenerateBalancedFrames(t *testing.T) {
	// Every function gets exactly one prologue and one epilogue, and
	// every jal pairs with a jr path back.
	text := compileOK(t, `
int f(int n) { return n; }
int g(int n) { return f(n) + 1; }
int main() { return g(5); }
`).String()

	if got := strings.Count(text, "sw $ra, 4($sp)"); got != 3 {
		t.Errorf("found %d $ra saves, want 3 (one per function)", got)
	}
	if got := strings.Count(text, "lw $ra, 4($sp)"); got != 3 {
		t.Errorf("found %d $ra restores, want 3", got)
	}
	if got := strings.Count(text, "jr $ra"); got != 3 {
		t.Errorf("found %d returns, want 3", got)
	}
}

func TestGenerateRegisterParamsSpilled(t *testing.T) {
	text := compileOK(t, `
int f(int a, int b, int c, int d) { return a + d; }
int main() { return f(1, 2, 3, 4); }
`).String()
	assertContains(t, text, "sw $a0, -4($fp)")
	assertContains(t, text, "sw $a1, -8($fp)")
	assertContains(t, text, "sw $a2, -12($fp)")
	assertContains(t, text, "sw $a3, -16($fp)")
}

func TestGenerateStackArgsBeyondFour(t *testing.T) {
	text := compileOK(t, `
int f(int a, int b, int c, int d, int e, int g) { return e + g; }
int main() { return f(1, 2, 3, 4, 5, 6); }
`).String()
	// Params 5 and 6 are read from the caller's frame.
	assertContains(t, text, "lw $t0, 8($fp)")
	assertContains(t, text, "lw $t1, 12($fp)")
	// Caller drops the two stack arguments after the call.
	assertContains(t, text, "addi $sp, $sp, 8\n")
}

func TestGenerateStringPooling(t *testing.T) {
	prog := compileOK(t, `
int main() {
    print_str("hi");
    print_str("hi");
    print_str("bye");
    return 0;
}
`)
	text := prog.String()
	if got := strings.Count(text, `.asciiz "hi"`); got != 1 {
		t.Errorf("string %q emitted %d times, want 1", "hi", got)
	}
	assertContains(t, text, `.asciiz "bye"`)
	assertContains(t, text, "la $t0, str_0")
}

func TestGenerateFallthroughReturnsZero(t *testing.T) {
	prog := compileOK(t, `
int noret() { int x = 1; }
int main() { return noret(); }
`)
	text := prog.String()
	assertContains(t, text, "li $v0, 0\nnoret__exit:")
}

func TestGenerateConditionBranchesOnZero(t *testing.T) {
	text := compileOK(t, `
int main() {
    if (1 < 2) {
        return 1;
    }
    return 0;
}
`).String()
	assertContains(t, text, "slt $t0, $t0, $t1")
	assertContains(t, text, "beq $t0, $zero, endif_1")
}

func TestGenerateWhileShape(t *testing.T) {
	text := compileOK(t, `
int main() {
    int i = 0;
    while (i < 3) {
        i = i + 1;
    }
    return i;
}
`).String()
	assertContains(t, text, "while_1:")
	assertContains(t, text, "beq $t0, $zero, endwhile_2")
	assertContains(t, text, "j while_1")
	assertContains(t, text, "endwhile_2:")
}

func TestGenerateErrors(t *testing.T) {
	cases := []struct {
		name string
		src  string
		want error
	}{
		{"undeclared variable", "int main() { return x; }", ErrUnresolvedSymbol},
		{"undeclared in assignment", "int main() { x = 1; return 0; }", ErrUnresolvedSymbol},
		{"undefined function", "int main() { return f(); }", ErrUnresolvedSymbol},
		{"no main", "int f() { return 1; }", ErrUnresolvedSymbol},
		{"increment of literal", "int main() { return 5++; }", ErrUnsupportedConstruct},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile(tc.src)
			if err == nil {
				t.Fatal("Compile succeeded, want error")
			}
			if !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestGenerateArityMismatch(t *testing.T) {
	_, err := Compile(`
int f(int a, int b) { return a + b; }
int main() { return f(1); }
`)
	if err == nil {
		t.Fatal("Compile succeeded, want arity error")
	}
}

func TestGenerateDuplicateVariable(t *testing.T) {
	_, err := Compile("int main() { int x = 1; int x = 2; return x; }")
	if err == nil {
		t.Fatal("Compile succeeded, want redeclaration error")
	}
}

func TestGenerateShadowingAllowed(t *testing.T) {
	compileOK(t, `
int main() {
    int x = 1;
    {
        int x = 2;
    }
    return x;
}
`)
}

func TestGeneratedProgramLoadsCleanly(t *testing.T) {
	// Every label the generator references must also be defined.
	prog := compileOK(t, `
int fact(int n) {
    if (n < 2) {
        return 1;
    }
    return n * fact(n - 1);
}
int main() {
    for (int i = 0; i < 5; i++) {
        print_int(fact(i));
        print_str("\n");
    }
    return 0;
}
`)
	defined := make(map[string]bool)
	for _, in := range prog {
		if in.Op == asm.OpLabel {
			if defined[in.Target] {
				t.Errorf("label %q defined twice", in.Target)
			}
			defined[in.Target] = true
		}
	}
	for _, in := range prog {
		switch in.Op {
		case asm.OpBeq, asm.OpBne, asm.OpJ, asm.OpJal, asm.OpLa:
			if !defined[in.Target] {
				t.Errorf("%s references undefined label %q", in, in.Target)
			}
		}
	}
}
