package codegen

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/mostafarady29/arabic-compiler/internal/lexer"
	"github.com/mostafarady29/arabic-compiler/internal/parser"
	"github.com/mostafarady29/arabic-compiler/internal/semantic"
)

const mangledMain = "fn__u631_u626_u64a_u633_u64a_u629"

// mustGenerate runs the full front end on src and returns the assembly.
func mustGenerate(t *testing.T, src string) string {
	t.Helper()
	tokens, err := lexer.Lex(src)
	if err != nil {
		t.Fatalf("lex error: %v", err)
	}
	prog, err := parser.Parse(tokens)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if err := semantic.Analyze(prog); err != nil {
		t.Fatalf("semantic error: %v", err)
	}
	asm, err := Generate(prog)
	if err != nil {
		t.Fatalf("generate error: %v", err)
	}
	return asm
}

func wantContains(t *testing.T, asm string, fragments ...string) {
	t.Helper()
	for _, frag := range fragments {
		if !strings.Contains(asm, frag) {
			t.Errorf("assembly missing %q", frag)
		}
	}
}

// indexAfter returns the position of frag at or after start, failing the
// test if it is absent. Used to assert instruction ordering.
func indexAfter(t *testing.T, asm string, start int, frag string) int {
	t.Helper()
	idx := strings.Index(asm[start:], frag)
	if idx < 0 {
		t.Fatalf("assembly missing %q after offset %d", frag, start)
	}
	return start + idx + len(frag)
}

// ---------------------------------------------------------------------------
// Name mangling
// ---------------------------------------------------------------------------

func TestMangleName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"رئيسية", mangledMain},
		{"مضروب", "fn__u645_u636_u631_u648_u628"},
		{"foo", "fn_foo"},
		{"_tmp42", "fn__tmp42"},
		{"عد_تنازلي", "fn__u639_u62f__u62a_u646_u627_u632_u644_u64a"},
	}
	for _, c := range cases {
		if got := MangleName(c.in); got != c.want {
			t.Errorf("MangleName(%q): got %q, want %q", c.in, got, c.want)
		}
	}
}

func TestMangledNamesDistinct(t *testing.T) {
	names := []string{"رئيسية", "مضروب", "جمع", "main", "fn"}
	seen := make(map[string]string)
	for _, n := range names {
		m := MangleName(n)
		if prev, ok := seen[m]; ok {
			t.Errorf("%q and %q both mangle to %q", prev, n, m)
		}
		seen[m] = n
	}
}

// ---------------------------------------------------------------------------
// Module layout
// ---------------------------------------------------------------------------

func TestModulePrologueAndEntry(t *testing.T) {
	asm := mustGenerate(t, "دالة رئيسية() { ارجع 42؛ }")
	if !strings.HasPrefix(asm, ".text\n.globl _start\n") {
		t.Errorf("unexpected module prologue: %q", asm[:40])
	}
	wantContains(t, asm,
		"_start:",
		"call "+mangledMain,
		"movq %rax, %rdi",
		"movq $60, %rax",
		"syscall",
	)
}

func TestPrintIntHelperEmittedOnce(t *testing.T) {
	asm := mustGenerate(t, "دالة رئيسية() { اطبع(1)؛ اطبع(2)؛ ارجع 0؛ }")
	if got := strings.Count(asm, "print_int:"); got != 1 {
		t.Errorf("print_int defined %d times, want 1", got)
	}
	// Unsigned digit loop plus the write syscall.
	wantContains(t, asm, "divq %rcx", "movq $1, %rax", "movq $1, %rdi")
	if got := strings.Count(asm, "call print_int"); got != 2 {
		t.Errorf("%d calls to print_int, want 2", got)
	}
}

func TestFunctionPrologue(t *testing.T) {
	asm := mustGenerate(t, "دالة رئيسية() { ارجع 0؛ }")
	start := strings.Index(asm, mangledMain+":")
	if start < 0 {
		t.Fatal("entry function label missing")
	}
	pos := indexAfter(t, asm, start, "pushq %rbp")
	pos = indexAfter(t, asm, pos, "movq %rsp, %rbp")
	indexAfter(t, asm, pos, fmt.Sprintf("subq $%d, %%rsp", frameSize))
}

func TestLiteralReturn(t *testing.T) {
	asm := mustGenerate(t, "دالة رئيسية() { ارجع 42؛ }")
	pos := indexAfter(t, asm, 0, "movq $42, %rax")
	pos = indexAfter(t, asm, pos, "movq %rbp, %rsp")
	pos = indexAfter(t, asm, pos, "popq %rbp")
	indexAfter(t, asm, pos, "ret")
}

func TestBareReturnYieldsZero(t *testing.T) {
	asm := mustGenerate(t, "دالة رئيسية() { ارجع؛ }")
	pos := indexAfter(t, asm, strings.Index(asm, mangledMain+":"), "movq $0, %rax")
	indexAfter(t, asm, pos, "movq %rbp, %rsp")
}

func TestFallOffEpilogueReturnsZero(t *testing.T) {
	asm := mustGenerate(t, "دالة لاشيء() { اطبع(1)؛ } دالة رئيسية() { ارجع 0؛ }")
	fnStart := strings.Index(asm, "fn__u644_u627_u634_u64a_u621:")
	if fnStart < 0 {
		t.Fatal("function label missing")
	}
	pos := indexAfter(t, asm, fnStart, "call print_int")
	pos = indexAfter(t, asm, pos, "movq $0, %rax")
	indexAfter(t, asm, pos, "ret")
}

// ---------------------------------------------------------------------------
// Expression lowering
// ---------------------------------------------------------------------------

func TestBinaryOperatorLowering(t *testing.T) {
	cases := []struct {
		op    string
		wants []string
	}{
		{"+", []string{"addq %rcx, %rax"}},
		{"-", []string{"subq %rcx, %rax"}},
		{"*", []string{"imulq %rcx, %rax"}},
		{"/", []string{"cqto", "idivq %rcx"}},
		{"==", []string{"cmpq %rcx, %rax", "sete %al", "movzbq %al, %rax"}},
		{"!=", []string{"setne %al"}},
		{"<", []string{"setl %al"}},
		{">", []string{"setg %al"}},
		{"<=", []string{"setle %al"}},
		{">=", []string{"setge %al"}},
	}
	for _, c := range cases {
		t.Run(c.op, func(t *testing.T) {
			asm := mustGenerate(t, fmt.Sprintf("دالة رئيسية() { ارجع 6 %s 3؛ }", c.op))
			wantContains(t, asm, c.wants...)
		})
	}
}

func TestBinaryEvaluationOrder(t *testing.T) {
	// Left lands in %rax and waits on the stack; right moves to %rcx.
	asm := mustGenerate(t, "دالة رئيسية() { ارجع 1 + 2؛ }")
	pos := indexAfter(t, asm, 0, "movq $1, %rax")
	pos = indexAfter(t, asm, pos, "pushq %rax")
	pos = indexAfter(t, asm, pos, "movq $2, %rax")
	pos = indexAfter(t, asm, pos, "movq %rax, %rcx")
	pos = indexAfter(t, asm, pos, "popq %rax")
	indexAfter(t, asm, pos, "addq %rcx, %rax")
}

func TestUnaryMinus(t *testing.T) {
	asm := mustGenerate(t, "دالة رئيسية() { ارجع -5؛ }")
	pos := indexAfter(t, asm, 0, "movq $5, %rax")
	indexAfter(t, asm, pos, "negq %rax")
}

// ---------------------------------------------------------------------------
// Variables and frames
// ---------------------------------------------------------------------------

func TestLocalOffsetsDense(t *testing.T) {
	asm := mustGenerate(t, "دالة رئيسية() { متغير ا = 1؛ متغير ب = 2؛ ارجع ا + ب؛ }")
	wantContains(t, asm,
		"movq %rax, -8(%rbp)",
		"movq %rax, -16(%rbp)",
		"movq -8(%rbp), %rax",
		"movq -16(%rbp), %rax",
	)
}

func TestParameterSpill(t *testing.T) {
	asm := mustGenerate(t, "دالة جمع(ا، ب، ج) { ارجع ا؛ } دالة رئيسية() { ارجع جمع(1، 2، 3)؛ }")
	fnStart := strings.Index(asm, "fn__u62c_u645_u639:")
	if fnStart < 0 {
		t.Fatal("function label missing")
	}
	pos := indexAfter(t, asm, fnStart, "movq %rdi, -8(%rbp)")
	pos = indexAfter(t, asm, pos, "movq %rsi, -16(%rbp)")
	indexAfter(t, asm, pos, "movq %rdx, -24(%rbp)")
}

func TestShadowingUsesDistinctSlots(t *testing.T) {
	src := `
		دالة رئيسية() {
			متغير ن = 1؛
			اذا (ن) { متغير ن = 2؛ اطبع(ن)؛ }
			ارجع ن؛
		}`
	asm := mustGenerate(t, src)
	// Outer ن at -8, inner shadow at -16; the trailing return reads -8.
	wantContains(t, asm, "movq %rax, -8(%rbp)", "movq %rax, -16(%rbp)", "movq -16(%rbp), %rax")
	retRead := strings.LastIndex(asm, "movq -8(%rbp), %rax")
	innerRead := strings.LastIndex(asm, "movq -16(%rbp), %rax")
	if retRead < innerRead {
		t.Error("final read of the outer variable should follow the shadowed block")
	}
}

func TestFrameOverflowRejected(t *testing.T) {
	var b strings.Builder
	b.WriteString("دالة رئيسية() { ")
	for i := 0; i < frameSize/8+1; i++ {
		fmt.Fprintf(&b, "متغير م%d = %d؛ ", i, i)
	}
	b.WriteString("ارجع 0؛ }")

	tokens, err := lexer.Lex(b.String())
	if err != nil {
		t.Fatalf("lex error: %v", err)
	}
	prog, err := parser.Parse(tokens)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if err := semantic.Analyze(prog); err != nil {
		t.Fatalf("semantic error: %v", err)
	}
	_, err = Generate(prog)
	var internal *InternalError
	if !errors.As(err, &internal) {
		t.Fatalf("expected *InternalError, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

var (
	labelDefRe = regexp.MustCompile(`(?m)^(\.L\d+):`)
	labelRefRe = regexp.MustCompile(`\b(?:je|jmp) (\.L\d+)`)
)

// checkLabels asserts that every .L<n> referenced by a branch is defined
// exactly once.
func checkLabels(t *testing.T, asm string) {
	t.Helper()
	defs := make(map[string]int)
	for _, m := range labelDefRe.FindAllStringSubmatch(asm, -1) {
		defs[m[1]]++
	}
	for label, n := range defs {
		if n != 1 {
			t.Errorf("label %s defined %d times", label, n)
		}
	}
	for _, m := range labelRefRe.FindAllStringSubmatch(asm, -1) {
		if defs[m[1]] == 0 {
			t.Errorf("branch target %s is undefined", m[1])
		}
	}
}

func TestIfElseLowering(t *testing.T) {
	asm := mustGenerate(t, "دالة رئيسية() { اذا (1 < 2) { اطبع(1)؛ } والا { اطبع(2)؛ } ارجع 0؛ }")
	pos := indexAfter(t, asm, 0, "cmpq $0, %rax")
	pos = indexAfter(t, asm, pos, "je .L0")
	pos = indexAfter(t, asm, pos, "jmp .L1")
	pos = indexAfter(t, asm, pos, ".L0:")
	indexAfter(t, asm, pos, ".L1:")
	checkLabels(t, asm)
}

func TestIfWithoutElseStillEmitsBothLabels(t *testing.T) {
	asm := mustGenerate(t, "دالة رئيسية() { اذا (1) { اطبع(1)؛ } ارجع 0؛ }")
	wantContains(t, asm, "je .L0", ".L0:", ".L1:")
	checkLabels(t, asm)
}

func TestWhileLowering(t *testing.T) {
	asm := mustGenerate(t, "دالة رئيسية() { متغير ع = 0؛ بينما (ع < 3) { ع = ع + 1؛ } ارجع ع؛ }")
	pos := indexAfter(t, asm, 0, ".L0:")
	pos = indexAfter(t, asm, pos, "cmpq $0, %rax")
	pos = indexAfter(t, asm, pos, "je .L1")
	pos = indexAfter(t, asm, pos, "jmp .L0")
	indexAfter(t, asm, pos, ".L1:")
	checkLabels(t, asm)
}

func TestNestedControlFlowLabelsUnique(t *testing.T) {
	src := `
		دالة رئيسية() {
			متغير ع = 0؛
			بينما (ع < 10) {
				اذا (ع > 5) { اطبع(ع)؛ } والا { اطبع(0)؛ }
				بينما (ع == 3) { ع = ع + 2؛ }
				ع = ع + 1؛
			}
			ارجع 0؛
		}`
	asm := mustGenerate(t, src)
	checkLabels(t, asm)
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

func TestCallArgumentRegisters(t *testing.T) {
	asm := mustGenerate(t, "دالة جمع(ا، ب) { ارجع ا + ب؛ } دالة رئيسية() { ارجع جمع(1، 2)؛ }")
	// Arguments push left to right, pop in reverse: the last argument
	// leaves the stack first.
	callSite := strings.Index(asm, mangledMain+":")
	pos := indexAfter(t, asm, callSite, "pushq %rax")
	pos = indexAfter(t, asm, pos, "pushq %rax")
	pos = indexAfter(t, asm, pos, "popq %rsi")
	pos = indexAfter(t, asm, pos, "popq %rdi")
	indexAfter(t, asm, pos, "call fn__u62c_u645_u639")
}

func TestSixArgumentCall(t *testing.T) {
	src := "دالة ستة(ا، ب، ج، د، ه، و) { ارجع و؛ } دالة رئيسية() { ارجع ستة(1، 2، 3، 4، 5، 6)؛ }"
	asm := mustGenerate(t, src)
	callSite := strings.Index(asm, mangledMain+":")
	pos := callSite
	for _, reg := range []string{"%r9", "%r8", "%rcx", "%rdx", "%rsi", "%rdi"} {
		pos = indexAfter(t, asm, pos, "popq "+reg)
	}
}

func TestRecursiveCall(t *testing.T) {
	src := `
		دالة مضروب(ن) {
			اذا (ن <= 1) { ارجع 1؛ }
			ارجع ن * مضروب(ن - 1)؛
		}
		دالة رئيسية() { اطبع(مضروب(5))؛ ارجع 0؛ }`
	asm := mustGenerate(t, src)
	fnLabel := "fn__u645_u636_u631_u648_u628"
	fnStart := strings.Index(asm, fnLabel+":")
	if fnStart < 0 {
		t.Fatal("factorial label missing")
	}
	indexAfter(t, asm, fnStart, "call "+fnLabel)
	checkLabels(t, asm)
}

// ---------------------------------------------------------------------------
// Whole-module properties
// ---------------------------------------------------------------------------

func TestDeterministicOutput(t *testing.T) {
	src := `
		دالة مضروب(ن) {
			اذا (ن <= 1) { ارجع 1؛ }
			ارجع ن * مضروب(ن - 1)؛
		}
		دالة رئيسية() { اطبع(مضروب(5))؛ ارجع 0؛ }`
	first := mustGenerate(t, src)
	second := mustGenerate(t, src)
	if first != second {
		t.Error("two compilations of the same source differ")
	}
}

func TestNoDataSection(t *testing.T) {
	asm := mustGenerate(t, "دالة رئيسية() { اطبع(42)؛ ارجع 0؛ }")
	for _, directive := range []string{".data", ".rodata", ".bss"} {
		if strings.Contains(asm, directive) {
			t.Errorf("assembly contains %s directive", directive)
		}
	}
}

func TestPushPopPairedInStraightLineBody(t *testing.T) {
	// A body without early returns pushes and pops the same number of
	// times, so %rsp at ret matches %rsp after the prologue.
	asm := mustGenerate(t, "دالة رئيسية() { متغير ن = (1 + 2) * (3 - 4)؛ اطبع(ن + 5)؛ }")
	fnStart := strings.Index(asm, mangledMain+":")
	body := asm[fnStart:]
	pushes := strings.Count(body, "pushq")
	pops := strings.Count(body, "popq")
	if pushes != pops {
		t.Errorf("pushes (%d) and pops (%d) are unbalanced", pushes, pops)
	}
}
