package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mostafarady29/arabic-compiler/internal/ast"
	"github.com/mostafarady29/arabic-compiler/internal/codegen"
	"github.com/mostafarady29/arabic-compiler/internal/lexer"
	"github.com/mostafarady29/arabic-compiler/internal/parser"
	"github.com/mostafarady29/arabic-compiler/internal/semantic"
)

func main() {
	os.Exit(run())
}

func run() int {
	outPath := flag.String("o", "", "output assembly path (default: source path with .s extension)")
	dumpTokens := flag.Bool("tokens", false, "print the token stream to stdout")
	dumpAST := flag.Bool("ast", false, "print the parsed AST to stdout")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: arabicc [flags] <source file>")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return 1
	}
	srcPath := flag.Arg(0)

	source, err := os.ReadFile(srcPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		return 1
	}

	asm, err := compile(string(source), *dumpTokens, *dumpAST)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", srcPath, err)
		return 1
	}

	target := *outPath
	if target == "" {
		target = replaceExt(srcPath, ".s")
	}
	if err := os.WriteFile(target, []byte(asm), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		return 1
	}
	return 0
}

// compile runs the four phases in order. The assembly text is fully built
// in memory, so nothing is ever written for a failing compilation.
func compile(source string, dumpTokens, dumpAST bool) (string, error) {
	tokens, err := lexer.Lex(source)
	if err != nil {
		return "", err
	}
	if dumpTokens {
		for _, tok := range tokens {
			fmt.Printf("%s %q at %d:%d\n", tok.Type, tok.Value, tok.Line, tok.Column)
		}
	}

	prog, err := parser.Parse(tokens)
	if err != nil {
		return "", err
	}
	if dumpAST {
		fmt.Print(ast.DebugString(prog))
	}

	if err := semantic.Analyze(prog); err != nil {
		return "", err
	}

	return codegen.Generate(prog)
}

// replaceExt swaps the extension of path for ext, appending ext when the
// final path segment has none.
func replaceExt(path, ext string) string {
	dot := strings.LastIndexByte(path, '.')
	slash := strings.LastIndexByte(path, '/')
	if dot > slash {
		return path[:dot] + ext
	}
	return path + ext
}
