package semantic

import (
	"fmt"

	"github.com/mostafarady29/arabic-compiler/internal/ast"
)

// MainName is the required entry-point function: رئيسية ("main"). It takes
// no parameters and its return value becomes the process exit code.
const MainName = "رئيسية"

// MaxParams is the number of integer argument registers in the System V
// AMD64 calling convention. Functions beyond this would need stack
// arguments, which the code generator does not produce.
const MaxParams = 6

// ---------------------------------------------------------------------------
// SemanticError
// ---------------------------------------------------------------------------

// ErrorKind classifies a semantic violation.
type ErrorKind int

const (
	UndefinedVariable ErrorKind = iota
	UndefinedFunction
	ArityMismatch
	DuplicateFunction
	MissingMain
	TooManyParams
)

func (k ErrorKind) String() string {
	switch k {
	case UndefinedVariable:
		return "UndefinedVariable"
	case UndefinedFunction:
		return "UndefinedFunction"
	case ArityMismatch:
		return "ArityMismatch"
	case DuplicateFunction:
		return "DuplicateFunction"
	case MissingMain:
		return "MissingMain"
	case TooManyParams:
		return "TooManyParams"
	default:
		return "Unknown"
	}
}

// SemanticError is the first violation found during analysis.
type SemanticError struct {
	Kind ErrorKind
	Name string
	Pos  ast.Position
}

func (e *SemanticError) Error() string {
	return fmt.Sprintf("line %d, col %d: %s: %q", e.Pos.Line, e.Pos.Column, e.Kind, e.Name)
}

// ---------------------------------------------------------------------------
// Analyzer
// ---------------------------------------------------------------------------

// analyzer walks one program. Variable scopes form a stack of flat maps:
// one pushed per function (parameters) and one per block.
type analyzer struct {
	functions map[string]*ast.FuncDecl
	scopes    []map[string]bool
}

// Analyze validates the program and returns the first *SemanticError, or
// nil if the program is well-formed. The AST is not modified.
func Analyze(prog *ast.Program) error {
	a := &analyzer{functions: make(map[string]*ast.FuncDecl)}

	// First pass: collect function definitions.
	for _, fn := range prog.Functions {
		if _, exists := a.functions[fn.Name]; exists {
			return &SemanticError{Kind: DuplicateFunction, Name: fn.Name, Pos: fn.Pos}
		}
		if len(fn.Params) > MaxParams {
			return &SemanticError{Kind: TooManyParams, Name: fn.Name, Pos: fn.Pos}
		}
		a.functions[fn.Name] = fn
	}

	main, ok := a.functions[MainName]
	if !ok {
		return &SemanticError{Kind: MissingMain, Name: MainName, Pos: prog.Pos}
	}
	if len(main.Params) != 0 {
		return &SemanticError{Kind: ArityMismatch, Name: MainName, Pos: main.Pos}
	}

	// Second pass: check each function body.
	for _, fn := range prog.Functions {
		if err := a.checkFunction(fn); err != nil {
			return err
		}
	}
	return nil
}

func (a *analyzer) pushScope() {
	a.scopes = append(a.scopes, make(map[string]bool))
}

func (a *analyzer) popScope() {
	a.scopes = a.scopes[:len(a.scopes)-1]
}

// define records a name in the innermost scope. Re-declaring in an inner
// scope shadows the outer binding.
func (a *analyzer) define(name string) {
	a.scopes[len(a.scopes)-1][name] = true
}

// resolve reports whether name is bound in any enclosing scope.
func (a *analyzer) resolve(name string) bool {
	for i := len(a.scopes) - 1; i >= 0; i-- {
		if a.scopes[i][name] {
			return true
		}
	}
	return false
}

func (a *analyzer) checkFunction(fn *ast.FuncDecl) error {
	a.scopes = a.scopes[:0]
	a.pushScope()
	for _, param := range fn.Params {
		a.define(param)
	}
	err := a.checkBlock(fn.Body)
	a.popScope()
	return err
}

func (a *analyzer) checkBlock(block *ast.BlockStmt) error {
	a.pushScope()
	defer a.popScope()
	for _, stmt := range block.Stmts {
		if err := a.checkStmt(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (a *analyzer) checkStmt(stmt ast.Stmt) error {
	switch s := stmt.(type) {
	case *ast.VarDeclStmt:
		// The initializer is checked before the name is introduced, so a
		// declaration cannot reference itself.
		if err := a.checkExpr(s.Value); err != nil {
			return err
		}
		a.define(s.Name)
		return nil

	case *ast.AssignStmt:
		if !a.resolve(s.Name) {
			return &SemanticError{Kind: UndefinedVariable, Name: s.Name, Pos: s.Pos}
		}
		return a.checkExpr(s.Value)

	case *ast.IfStmt:
		if err := a.checkExpr(s.Condition); err != nil {
			return err
		}
		if err := a.checkBlock(s.Then); err != nil {
			return err
		}
		if s.Else != nil {
			return a.checkBlock(s.Else)
		}
		return nil

	case *ast.WhileStmt:
		if err := a.checkExpr(s.Condition); err != nil {
			return err
		}
		return a.checkBlock(s.Body)

	case *ast.ReturnStmt:
		if s.Value != nil {
			return a.checkExpr(s.Value)
		}
		return nil

	case *ast.PrintStmt:
		return a.checkExpr(s.Value)

	case *ast.ExprStmt:
		return a.checkExpr(s.Expression)

	case *ast.BlockStmt:
		return a.checkBlock(s)

	default:
		return nil
	}
}

func (a *analyzer) checkExpr(expr ast.Expr) error {
	switch e := expr.(type) {
	case *ast.IntLitExpr:
		return nil

	case *ast.IdentExpr:
		if !a.resolve(e.Name) {
			return &SemanticError{Kind: UndefinedVariable, Name: e.Name, Pos: e.Pos}
		}
		return nil

	case *ast.UnaryExpr:
		return a.checkExpr(e.Operand)

	case *ast.BinaryExpr:
		if err := a.checkExpr(e.Left); err != nil {
			return err
		}
		return a.checkExpr(e.Right)

	case *ast.CallExpr:
		fn, ok := a.functions[e.Name]
		if !ok {
			return &SemanticError{Kind: UndefinedFunction, Name: e.Name, Pos: e.Pos}
		}
		if len(e.Args) != len(fn.Params) {
			return &SemanticError{Kind: ArityMismatch, Name: e.Name, Pos: e.Pos}
		}
		for _, arg := range e.Args {
			if err := a.checkExpr(arg); err != nil {
				return err
			}
		}
		return nil

	default:
		return nil
	}
}
