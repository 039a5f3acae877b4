package parser

import (
	"fmt"

	"github.com/mostafarady29/arabic-compiler/internal/ast"
	"github.com/mostafarady29/arabic-compiler/internal/lexer"
)

// ---------------------------------------------------------------------------
// Precedence levels for Pratt expression parsing
// ---------------------------------------------------------------------------

const (
	precNone       = iota
	precComparison // == != < > <= >=
	precAdditive   // + -
	precMultiply   // * /
	precUnary      // -
	precCall       // ()
)

// ---------------------------------------------------------------------------
// ParseError
// ---------------------------------------------------------------------------

// ParseError describes the first grammar violation encountered. The parser
// does not recover: the error carries what was expected and the token found.
type ParseError struct {
	Expected string
	Found    lexer.Token
}

func (e *ParseError) Error() string {
	found := e.Found.Type
	if e.Found.Value != "" {
		found = fmt.Sprintf("%s %q", e.Found.Type, e.Found.Value)
	}
	return fmt.Sprintf("line %d, col %d: expected %s, got %s",
		e.Found.Line, e.Found.Column, e.Expected, found)
}

// ---------------------------------------------------------------------------
// Parser
// ---------------------------------------------------------------------------

// Parser holds the state for a single parse pass over a token stream.
type Parser struct {
	tokens []lexer.Token
	pos    int
}

// Parse consumes a token slice (as produced by lexer.Lex) and returns the
// program AST, or a *ParseError at the first violation.
func Parse(tokens []lexer.Token) (*ast.Program, error) {
	p := &Parser{tokens: tokens}
	return p.parseProgram()
}

// ---------------------------------------------------------------------------
// Token helpers
// ---------------------------------------------------------------------------

// peek returns the current token without consuming it.
func (p *Parser) peek() lexer.Token {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return lexer.Token{Type: lexer.EOF}
}

// peekAt returns the token at a given offset from the current position.
func (p *Parser) peekAt(offset int) lexer.Token {
	idx := p.pos + offset
	if idx >= 0 && idx < len(p.tokens) {
		return p.tokens[idx]
	}
	return lexer.Token{Type: lexer.EOF}
}

// advance consumes and returns the current token.
func (p *Parser) advance() lexer.Token {
	tok := p.peek()
	if tok.Type != lexer.EOF {
		p.pos++
	}
	return tok
}

// check returns true if the current token has the given type.
func (p *Parser) check(typ string) bool {
	return p.peek().Type == typ
}

// expect consumes the current token if it matches typ; otherwise it returns
// a *ParseError naming what the grammar wanted at this point.
func (p *Parser) expect(typ string, what string) (lexer.Token, error) {
	if p.check(typ) {
		return p.advance(), nil
	}
	return lexer.Token{}, &ParseError{Expected: what, Found: p.peek()}
}

// position converts a token into an ast.Position.
func (p *Parser) position(tok lexer.Token) ast.Position {
	return ast.Position{Line: tok.Line, Column: tok.Column}
}

// =========================================================================
// Top-level parsing
// =========================================================================

func (p *Parser) parseProgram() (*ast.Program, error) {
	prog := &ast.Program{Pos: p.position(p.peek())}

	for !p.check(lexer.EOF) {
		fn, err := p.parseFuncDecl()
		if err != nil {
			return nil, err
		}
		prog.Functions = append(prog.Functions, fn)
	}

	return prog, nil
}

// parseFuncDecl: دالة <name>(<params>) { <body> }
func (p *Parser) parseFuncDecl() (*ast.FuncDecl, error) {
	tok, err := p.expect(lexer.FUNC, "function definition")
	if err != nil {
		return nil, err
	}
	name, err := p.expect(lexer.IDENT, "function name")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.LPAREN, "'(' after function name"); err != nil {
		return nil, err
	}

	var params []string
	if !p.check(lexer.RPAREN) {
		for {
			param, err := p.expect(lexer.IDENT, "parameter name")
			if err != nil {
				return nil, err
			}
			params = append(params, param.Value)
			if !p.check(lexer.COMMA) {
				break
			}
			p.advance()
		}
	}

	if _, err := p.expect(lexer.RPAREN, "')' after parameters"); err != nil {
		return nil, err
	}

	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}

	return &ast.FuncDecl{
		Name:   name.Value,
		Params: params,
		Body:   body,
		Pos:    p.position(tok),
	}, nil
}

// =========================================================================
// Block and statement parsing
// =========================================================================

func (p *Parser) parseBlock() (*ast.BlockStmt, error) {
	tok, err := p.expect(lexer.LBRACE, "'{'")
	if err != nil {
		return nil, err
	}
	block := &ast.BlockStmt{Pos: p.position(tok)}

	for !p.check(lexer.RBRACE) {
		if p.check(lexer.EOF) {
			return nil, &ParseError{Expected: "'}'", Found: p.peek()}
		}
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		block.Stmts = append(block.Stmts, stmt)
	}

	p.advance() // consume '}'
	return block, nil
}

func (p *Parser) parseStatement() (ast.Stmt, error) {
	switch p.peek().Type {
	case lexer.VAR:
		return p.parseVarDecl()
	case lexer.IF:
		return p.parseIfStmt()
	case lexer.WHILE:
		return p.parseWhileStmt()
	case lexer.RETURN:
		return p.parseReturnStmt()
	case lexer.PRINT:
		return p.parsePrintStmt()
	default:
		return p.parseAssignOrExprStmt()
	}
}

// parseVarDecl: متغير <name> = <expr>؛
func (p *Parser) parseVarDecl() (ast.Stmt, error) {
	tok := p.advance() // consume VAR
	name, err := p.expect(lexer.IDENT, "variable name")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.ASSIGN, "'=' in variable declaration"); err != nil {
		return nil, err
	}
	value, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.SEMI, "';' after variable declaration"); err != nil {
		return nil, err
	}
	return &ast.VarDeclStmt{Name: name.Value, Value: value, Pos: p.position(tok)}, nil
}

// parseIfStmt: اذا (<cond>) { … } [والا { … }]
func (p *Parser) parseIfStmt() (ast.Stmt, error) {
	tok := p.advance() // consume IF
	if _, err := p.expect(lexer.LPAREN, "'(' after if keyword"); err != nil {
		return nil, err
	}
	cond, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.RPAREN, "')' after if condition"); err != nil {
		return nil, err
	}
	then, err := p.parseBlock()
	if err != nil {
		return nil, err
	}

	var elseBlock *ast.BlockStmt
	if p.check(lexer.ELSE) {
		p.advance()
		elseBlock, err = p.parseBlock()
		if err != nil {
			return nil, err
		}
	}

	return &ast.IfStmt{
		Condition: cond,
		Then:      then,
		Else:      elseBlock,
		Pos:       p.position(tok),
	}, nil
}

// parseWhileStmt: بينما (<cond>) { … }
func (p *Parser) parseWhileStmt() (ast.Stmt, error) {
	tok := p.advance() // consume WHILE
	if _, err := p.expect(lexer.LPAREN, "'(' after while keyword"); err != nil {
		return nil, err
	}
	cond, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.RPAREN, "')' after while condition"); err != nil {
		return nil, err
	}
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	return &ast.WhileStmt{Condition: cond, Body: body, Pos: p.position(tok)}, nil
}

// parseReturnStmt: ارجع [<expr>]؛
func (p *Parser) parseReturnStmt() (ast.Stmt, error) {
	tok := p.advance() // consume RETURN
	var value ast.Expr
	if !p.check(lexer.SEMI) {
		var err error
		value, err = p.parseExpression()
		if err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(lexer.SEMI, "';' after return statement"); err != nil {
		return nil, err
	}
	return &ast.ReturnStmt{Value: value, Pos: p.position(tok)}, nil
}

// parsePrintStmt: اطبع(<expr>)؛
func (p *Parser) parsePrintStmt() (ast.Stmt, error) {
	tok := p.advance() // consume PRINT
	if _, err := p.expect(lexer.LPAREN, "'(' after print keyword"); err != nil {
		return nil, err
	}
	value, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.RPAREN, "')' after print argument"); err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.SEMI, "';' after print statement"); err != nil {
		return nil, err
	}
	return &ast.PrintStmt{Value: value, Pos: p.position(tok)}, nil
}

// parseAssignOrExprStmt parses either an assignment (IDENT = expr؛, decided
// by one token of lookahead) or a bare expression statement.
func (p *Parser) parseAssignOrExprStmt() (ast.Stmt, error) {
	if p.check(lexer.IDENT) && p.peekAt(1).Type == lexer.ASSIGN {
		name := p.advance()
		p.advance() // consume '='
		value, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lexer.SEMI, "';' after assignment"); err != nil {
			return nil, err
		}
		return &ast.AssignStmt{Name: name.Value, Value: value, Pos: p.position(name)}, nil
	}

	expr, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(lexer.SEMI, "';' after expression statement"); err != nil {
		return nil, err
	}
	return &ast.ExprStmt{Expression: expr, Pos: expr.GetPos()}, nil
}

// =========================================================================
// Pratt expression parser
// =========================================================================

// parseExpression is the entry point for expression parsing.
func (p *Parser) parseExpression() (ast.Expr, error) {
	return p.parsePrecedence(precComparison)
}

// parsePrecedence parses an expression with at least the given minimum
// precedence. This is the core of the Pratt algorithm.
func (p *Parser) parsePrecedence(minPrec int) (ast.Expr, error) {
	left, err := p.parsePrefix()
	if err != nil {
		return nil, err
	}

	for {
		prec := infixPrecedence(p.peek().Type)
		if prec < minPrec {
			break
		}
		left, err = p.parseInfix(left, prec)
		if err != nil {
			return nil, err
		}
	}

	return left, nil
}

// ---- Prefix (atoms & unary minus) ----

func (p *Parser) parsePrefix() (ast.Expr, error) {
	tok := p.peek()

	switch tok.Type {
	case lexer.NUMBER:
		p.advance()
		return &ast.IntLitExpr{Value: tok.Int, Pos: p.position(tok)}, nil

	case lexer.IDENT:
		p.advance()
		return &ast.IdentExpr{Name: tok.Value, Pos: p.position(tok)}, nil

	case lexer.LPAREN:
		p.advance()
		expr, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lexer.RPAREN, "')' after expression"); err != nil {
			return nil, err
		}
		return expr, nil

	case lexer.MINUS:
		p.advance()
		operand, err := p.parsePrecedence(precUnary)
		if err != nil {
			return nil, err
		}
		return &ast.UnaryExpr{Op: tok.Value, Operand: operand, Pos: p.position(tok)}, nil

	default:
		return nil, &ParseError{Expected: "expression", Found: tok}
	}
}

// ---- Infix precedence table ----

func infixPrecedence(typ string) int {
	switch typ {
	case lexer.EQ, lexer.NEQ, lexer.LT, lexer.GT, lexer.LE, lexer.GE:
		return precComparison
	case lexer.PLUS, lexer.MINUS:
		return precAdditive
	case lexer.STAR, lexer.SLASH:
		return precMultiply
	case lexer.LPAREN:
		return precCall
	default:
		return precNone
	}
}

// ---- Infix / postfix dispatch ----

func (p *Parser) parseInfix(left ast.Expr, prec int) (ast.Expr, error) {
	tok := p.peek()

	if tok.Type == lexer.LPAREN {
		return p.parseCallExpr(left)
	}

	// Binary operator (left-associative: recurse with prec+1).
	p.advance()
	right, err := p.parsePrecedence(prec + 1)
	if err != nil {
		return nil, err
	}
	return &ast.BinaryExpr{
		Op:    tok.Value,
		Left:  left,
		Right: right,
		Pos:   p.position(tok),
	}, nil
}

// parseCallExpr: <name>(<args>). Only plain identifiers are callable.
func (p *Parser) parseCallExpr(callee ast.Expr) (ast.Expr, error) {
	ident, ok := callee.(*ast.IdentExpr)
	if !ok {
		return nil, &ParseError{Expected: "function name before '('", Found: p.peek()}
	}

	p.advance() // consume '('
	var args []ast.Expr
	if !p.check(lexer.RPAREN) {
		for {
			arg, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if !p.check(lexer.COMMA) {
				break
			}
			p.advance()
		}
	}
	if _, err := p.expect(lexer.RPAREN, "')' after arguments"); err != nil {
		return nil, err
	}

	return &ast.CallExpr{Name: ident.Name, Args: args, Pos: ident.Pos}, nil
}
