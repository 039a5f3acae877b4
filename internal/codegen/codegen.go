package codegen

import (
	"fmt"
	"strings"

	"github.com/mostafarady29/arabic-compiler/internal/ast"
	"github.com/mostafarady29/arabic-compiler/internal/semantic"
)

// ---------------------------------------------------------------------------
// x86-64 Assembly Generator
//
// Produces GAS (AT&T syntax) assembly for Linux, single pass over the AST.
// Every expression evaluates into %rax; binary operators buffer the left
// operand on the machine stack. Locals and spilled parameters live in a
// fixed 256-byte frame below %rbp, one 8-byte slot each, offsets assigned
// densely from -8 downward.
//
// Stack alignment: when the call site had %rsp 16-byte aligned, %rsp is
// again 16-byte aligned after the prologue (return address + saved %rbp +
// 256). No padding is inserted around calls: a call made while a binary
// operator's left operand is pushed (as in n * f(n - 1)) enters the callee
// with %rsp off by 8. Expression evaluation pushes and pops in matched
// pairs, so %rsp at every ret equals %rsp right after the prologue.
// ---------------------------------------------------------------------------

// frameSize is the per-function stack reservation, in bytes. It is 16-byte
// aligned and holds 32 local slots, far more than the source programs the
// language targets.
const frameSize = 256

// paramRegisters are the System V AMD64 integer argument registers, in
// order. Semantic analysis rejects functions that would need more.
var paramRegisters = [semantic.MaxParams]string{"%rdi", "%rsi", "%rdx", "%rcx", "%r8", "%r9"}

// InternalError reports an inconsistency in a supposedly validated AST.
// Seeing one is a compiler bug, not a user error.
type InternalError struct {
	Message string
}

func (e *InternalError) Error() string {
	return "internal error: " + e.Message
}

// MangleName converts a source-level function name into a valid assembler
// symbol: "fn_" plus the name with every scalar outside [A-Za-z0-9_]
// replaced by "_u<hex>". Deterministic. Distinct names do not always give
// distinct symbols: an ASCII name that spells an escape (such as "_u631")
// mangles to the same symbol as the Arabic name it spells ("ر").
func MangleName(name string) string {
	var b strings.Builder
	b.WriteString("fn_")
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			fmt.Fprintf(&b, "_u%x", r)
		}
	}
	return b.String()
}

// generator holds the state for one compilation: the output buffer, the
// module-wide label counter, and the per-function variable environment.
type generator struct {
	b       strings.Builder
	labelID int

	// Per-function state, reset on every function entry.
	scopes     []map[string]int
	nextOffset int
}

// Generate lowers a semantically valid program to GNU-assembler text.
// Output is deterministic: the same program produces byte-identical
// assembly on every call.
func Generate(prog *ast.Program) (string, error) {
	g := &generator{}

	g.raw(".text\n")
	g.raw(".globl _start\n\n")
	g.emitStart()
	g.emitPrintInt()

	for _, fn := range prog.Functions {
		if err := g.genFunction(fn); err != nil {
			return "", err
		}
	}

	return g.b.String(), nil
}

// ---------------------------------------------------------------------------
// Emission helpers
// ---------------------------------------------------------------------------

// ins writes one indented instruction line.
func (g *generator) ins(format string, args ...interface{}) {
	g.b.WriteString("    ")
	fmt.Fprintf(&g.b, format, args...)
	g.b.WriteByte('\n')
}

// label writes a label definition at column zero.
func (g *generator) label(name string) {
	g.b.WriteString(name)
	g.b.WriteString(":\n")
}

// raw writes text verbatim.
func (g *generator) raw(s string) {
	g.b.WriteString(s)
}

// newLabel returns a fresh branch target, unique across the whole module.
func (g *generator) newLabel() string {
	l := fmt.Sprintf(".L%d", g.labelID)
	g.labelID++
	return l
}

// ---------------------------------------------------------------------------
// Variable environment
// ---------------------------------------------------------------------------

func (g *generator) pushScope() {
	g.scopes = append(g.scopes, make(map[string]int))
}

func (g *generator) popScope() {
	g.scopes = g.scopes[:len(g.scopes)-1]
}

// allocLocal reserves the next 8-byte frame slot for name and returns its
// offset from %rbp.
func (g *generator) allocLocal(name string) (int, error) {
	g.nextOffset -= 8
	if g.nextOffset < -frameSize {
		return 0, &InternalError{Message: fmt.Sprintf("local %q exceeds the %d-byte frame", name, frameSize)}
	}
	g.scopes[len(g.scopes)-1][name] = g.nextOffset
	return g.nextOffset, nil
}

// lookupLocal resolves name to its frame offset through the scope stack.
func (g *generator) lookupLocal(name string) (int, error) {
	for i := len(g.scopes) - 1; i >= 0; i-- {
		if off, ok := g.scopes[i][name]; ok {
			return off, nil
		}
	}
	return 0, &InternalError{Message: fmt.Sprintf("unresolved variable %q reached code generation", name)}
}

// ---------------------------------------------------------------------------
// Module-level routines
// ---------------------------------------------------------------------------

// emitStart writes the process entry stub: call the compiled entry function
// and hand its return value to the exit syscall.
func (g *generator) emitStart() {
	g.label("_start")
	g.ins("call %s", MangleName(semantic.MainName))
	g.ins("movq %%rax, %%rdi")
	g.ins("movq $60, %%rax")
	g.ins("syscall")
	g.raw("\n")
}

// emitPrintInt writes the one runtime helper: print the signed 64-bit
// integer in %rdi followed by a newline on stdout.
//
// Digits are produced into a stack buffer back to front with unsigned
// division, after recording and clearing the sign. negq leaves the most
// negative value unchanged, but its bit pattern read unsigned is exactly
// the right magnitude, so INT64_MIN prints correctly.
func (g *generator) emitPrintInt() {
	g.label("print_int")
	g.ins("pushq %%rbp")
	g.ins("movq %%rsp, %%rbp")
	g.ins("subq $32, %%rsp")
	g.ins("movq %%rdi, %%rax")
	g.ins("leaq -1(%%rbp), %%rsi")
	g.ins("movb $10, (%%rsi)")
	g.ins("xorq %%r8, %%r8")
	g.ins("testq %%rax, %%rax")
	g.ins("jns .Lprint_digits")
	g.ins("movq $1, %%r8")
	g.ins("negq %%rax")
	g.label(".Lprint_digits")
	g.ins("movq $10, %%rcx")
	g.label(".Lprint_next")
	g.ins("xorq %%rdx, %%rdx")
	g.ins("divq %%rcx")
	g.ins("addq $48, %%rdx")
	g.ins("decq %%rsi")
	g.ins("movb %%dl, (%%rsi)")
	g.ins("testq %%rax, %%rax")
	g.ins("jnz .Lprint_next")
	g.ins("testq %%r8, %%r8")
	g.ins("jz .Lprint_write")
	g.ins("decq %%rsi")
	g.ins("movb $45, (%%rsi)")
	g.label(".Lprint_write")
	g.ins("movq %%rbp, %%rdx")
	g.ins("subq %%rsi, %%rdx")
	g.ins("movq $1, %%rax")
	g.ins("movq $1, %%rdi")
	g.ins("syscall")
	g.ins("movq %%rbp, %%rsp")
	g.ins("popq %%rbp")
	g.ins("ret")
	g.raw("\n")
}

// ---------------------------------------------------------------------------
// Functions
// ---------------------------------------------------------------------------

func (g *generator) genFunction(fn *ast.FuncDecl) error {
	g.scopes = g.scopes[:0]
	g.nextOffset = 0
	g.pushScope()

	g.label(MangleName(fn.Name))
	g.ins("pushq %%rbp")
	g.ins("movq %%rsp, %%rbp")
	g.ins("subq $%d, %%rsp", frameSize)

	// Spill incoming register parameters to local slots so parameters and
	// locals share one resolution path.
	for i, param := range fn.Params {
		off, err := g.allocLocal(param)
		if err != nil {
			return err
		}
		g.ins("movq %s, %d(%%rbp)", paramRegisters[i], off)
	}

	if err := g.genBlock(fn.Body); err != nil {
		return err
	}

	// Fall-off-the-end epilogue: return 0.
	g.ins("movq $0, %%rax")
	g.emitEpilogue()
	g.raw("\n")

	g.popScope()
	return nil
}

func (g *generator) emitEpilogue() {
	g.ins("movq %%rbp, %%rsp")
	g.ins("popq %%rbp")
	g.ins("ret")
}

func (g *generator) genBlock(block *ast.BlockStmt) error {
	g.pushScope()
	defer g.popScope()
	for _, stmt := range block.Stmts {
		if err := g.genStmt(stmt); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (g *generator) genStmt(stmt ast.Stmt) error {
	switch s := stmt.(type) {
	case *ast.VarDeclStmt:
		if err := g.genExpr(s.Value); err != nil {
			return err
		}
		off, err := g.allocLocal(s.Name)
		if err != nil {
			return err
		}
		g.ins("movq %%rax, %d(%%rbp)", off)
		return nil

	case *ast.AssignStmt:
		if err := g.genExpr(s.Value); err != nil {
			return err
		}
		off, err := g.lookupLocal(s.Name)
		if err != nil {
			return err
		}
		g.ins("movq %%rax, %d(%%rbp)", off)
		return nil

	case *ast.IfStmt:
		elseLabel := g.newLabel()
		endLabel := g.newLabel()
		if err := g.genExpr(s.Condition); err != nil {
			return err
		}
		g.ins("cmpq $0, %%rax")
		g.ins("je %s", elseLabel)
		if err := g.genBlock(s.Then); err != nil {
			return err
		}
		g.ins("jmp %s", endLabel)
		g.label(elseLabel)
		if s.Else != nil {
			if err := g.genBlock(s.Else); err != nil {
				return err
			}
		}
		g.label(endLabel)
		return nil

	case *ast.WhileStmt:
		headLabel := g.newLabel()
		endLabel := g.newLabel()
		g.label(headLabel)
		if err := g.genExpr(s.Condition); err != nil {
			return err
		}
		g.ins("cmpq $0, %%rax")
		g.ins("je %s", endLabel)
		if err := g.genBlock(s.Body); err != nil {
			return err
		}
		g.ins("jmp %s", headLabel)
		g.label(endLabel)
		return nil

	case *ast.ReturnStmt:
		if s.Value != nil {
			if err := g.genExpr(s.Value); err != nil {
				return err
			}
		} else {
			g.ins("movq $0, %%rax")
		}
		g.emitEpilogue()
		return nil

	case *ast.PrintStmt:
		if err := g.genExpr(s.Value); err != nil {
			return err
		}
		g.ins("movq %%rax, %%rdi")
		g.ins("call print_int")
		return nil

	case *ast.ExprStmt:
		return g.genExpr(s.Expression)

	case *ast.BlockStmt:
		return g.genBlock(s)

	default:
		return &InternalError{Message: fmt.Sprintf("unknown statement node %T", stmt)}
	}
}

// ---------------------------------------------------------------------------
// Expressions — every expression leaves its value in %rax
// ---------------------------------------------------------------------------

func (g *generator) genExpr(expr ast.Expr) error {
	switch e := expr.(type) {
	case *ast.IntLitExpr:
		g.ins("movq $%d, %%rax", e.Value)
		return nil

	case *ast.IdentExpr:
		off, err := g.lookupLocal(e.Name)
		if err != nil {
			return err
		}
		g.ins("movq %d(%%rbp), %%rax", off)
		return nil

	case *ast.UnaryExpr:
		if err := g.genExpr(e.Operand); err != nil {
			return err
		}
		g.ins("negq %%rax")
		return nil

	case *ast.BinaryExpr:
		return g.genBinary(e)

	case *ast.CallExpr:
		return g.genCall(e)

	default:
		return &InternalError{Message: fmt.Sprintf("unknown expression node %T", expr)}
	}
}

// genBinary lowers <left> op <right>: the left value waits on the stack
// while the right is evaluated, then ends up in %rax with the right value
// in %rcx.
func (g *generator) genBinary(e *ast.BinaryExpr) error {
	if err := g.genExpr(e.Left); err != nil {
		return err
	}
	g.ins("pushq %%rax")
	if err := g.genExpr(e.Right); err != nil {
		return err
	}
	g.ins("movq %%rax, %%rcx")
	g.ins("popq %%rax")

	switch e.Op {
	case "+":
		g.ins("addq %%rcx, %%rax")
	case "-":
		g.ins("subq %%rcx, %%rax")
	case "*":
		g.ins("imulq %%rcx, %%rax")
	case "/":
		g.ins("cqto")
		g.ins("idivq %%rcx")
	case "==":
		g.emitCompare("sete")
	case "!=":
		g.emitCompare("setne")
	case "<":
		g.emitCompare("setl")
	case ">":
		g.emitCompare("setg")
	case "<=":
		g.emitCompare("setle")
	case ">=":
		g.emitCompare("setge")
	default:
		return &InternalError{Message: fmt.Sprintf("unknown binary operator %q", e.Op)}
	}
	return nil
}

// emitCompare materializes a comparison of %rax against %rcx as 0 or 1.
func (g *generator) emitCompare(setcc string) {
	g.ins("cmpq %%rcx, %%rax")
	g.ins("%s %%al", setcc)
	g.ins("movzbq %%al, %%rax")
}

// genCall lowers a call: arguments are evaluated left to right with each
// result pushed, then popped into the argument registers in reverse so the
// first argument lands in %rdi. Push and pop counts match, keeping the
// stack balanced across the call.
func (g *generator) genCall(e *ast.CallExpr) error {
	if len(e.Args) > len(paramRegisters) {
		return &InternalError{Message: fmt.Sprintf("call to %q with %d arguments reached code generation", e.Name, len(e.Args))}
	}
	for _, arg := range e.Args {
		if err := g.genExpr(arg); err != nil {
			return err
		}
		g.ins("pushq %%rax")
	}
	for i := len(e.Args) - 1; i >= 0; i-- {
		g.ins("popq %s", paramRegisters[i])
	}
	g.ins("call %s", MangleName(e.Name))
	return nil
}
