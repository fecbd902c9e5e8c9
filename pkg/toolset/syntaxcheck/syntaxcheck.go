// Package syntaxcheck provides the build.syntax_validator capability tool
// (§4.4/§4.5): it parses source text with tree-sitter grammars and reports
// whether the parse tree contains any error nodes.
package syntaxcheck

import (
	"context"
	"fmt"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/orchestrator-core/orchestrator/pkg/domain"
)

// Language is the closed set of grammars this validator dispatches to.
type Language string

const (
	LangGo         Language = "go"
	LangPython     Language = "python"
	LangRust       Language = "rust"
	LangJavaScript Language = "javascript"
	LangTypeScript Language = "typescript"
)

// Input is the Invoke payload this tool expects.
type Input struct {
	Language Language
	Path     string
	Content  []byte
}

// Result reports whether the parsed source contains any syntax errors, and
// where, so the gatekeeper can attach it as evidence.
type Result struct {
	Valid       bool
	ErrorCount  int
	ErrorRanges []Range
}

// Range is a byte-offset span within the source that tree-sitter flagged as
// an ERROR or MISSING node.
type Range struct {
	StartByte uint32
	EndByte   uint32
}

// Validator owns one tree-sitter parser per supported language; parsers are
// not safe for concurrent use, so one validator-wide mutex serializes every
// parse, whatever its language.
type Validator struct {
	mu      sync.Mutex
	parsers map[Language]*sitter.Parser
}

// New builds a Validator with one parser per supported language.
func New() *Validator {
	v := &Validator{parsers: map[Language]*sitter.Parser{
		LangGo:         sitter.NewParser(),
		LangPython:     sitter.NewParser(),
		LangRust:       sitter.NewParser(),
		LangJavaScript: sitter.NewParser(),
		LangTypeScript: sitter.NewParser(),
	}}
	v.parsers[LangGo].SetLanguage(golang.GetLanguage())
	v.parsers[LangPython].SetLanguage(python.GetLanguage())
	v.parsers[LangRust].SetLanguage(rust.GetLanguage())
	v.parsers[LangJavaScript].SetLanguage(javascript.GetLanguage())
	v.parsers[LangTypeScript].SetLanguage(typescript.GetLanguage())
	return v
}

// Close releases every underlying parser.
func (v *Validator) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, p := range v.parsers {
		p.Close()
	}
}

// Validate parses content with the grammar for lang and reports whether the
// resulting tree is error-free.
func (v *Validator) Validate(ctx context.Context, lang Language, content []byte) (Result, error) {
	v.mu.Lock()
	parser, ok := v.parsers[lang]
	if !ok {
		v.mu.Unlock()
		return Result{}, fmt.Errorf("syntaxcheck: unsupported language %q", lang)
	}

	tree, err := parser.ParseCtx(ctx, nil, content)
	v.mu.Unlock()
	if err != nil {
		return Result{}, fmt.Errorf("syntaxcheck: parse failed: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	var ranges []Range
	collectErrors(root, &ranges)

	return Result{Valid: len(ranges) == 0, ErrorCount: len(ranges), ErrorRanges: ranges}, nil
}

func collectErrors(n *sitter.Node, out *[]Range) {
	if n == nil {
		return
	}
	if n.IsError() || n.IsMissing() {
		*out = append(*out, Range{StartByte: n.StartByte(), EndByte: n.EndByte()})
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		collectErrors(n.Child(i), out)
	}
}

// AsTool adapts Validator into a domain.Tool registrable under
// CapBuildSyntaxValidator. Invoke expects an Input value and returns a
// Result value; any other payload shape is a caller error, not a tool
// failure, matching the registry's "opaque typed-value envelope" contract.
func (v *Validator) AsTool(id, version string) domain.Tool {
	return domain.Tool{
		ID:         id,
		Capability: domain.CapBuildSyntaxValidator,
		Version:    version,
		Invoke: func(dctx domain.Context, input any) (any, error) {
			in, ok := input.(Input)
			if !ok {
				return nil, fmt.Errorf("syntaxcheck: expected Input, got %T", input)
			}
			return v.Validate(context.Background(), in.Language, in.Content)
		},
	}
}
