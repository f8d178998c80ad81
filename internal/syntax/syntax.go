// Package syntax parses solution source with tree-sitter to check syntax and
// derive learner scaffolds.
package syntax

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/ashureev/shsh-forge/internal/domain"
)

// Error describes the first syntax error found in a source file.
type Error struct {
	Line   int
	Column int
	Near   string
}

func (e *Error) Error() string {
	if e.Near == "" {
		return fmt.Sprintf("syntax error at line %d", e.Line)
	}
	return fmt.Sprintf("syntax error at line %d near %q", e.Line, e.Near)
}

// Supported reports whether lang has a tree-sitter grammar here.
func Supported(lang domain.Language) bool {
	return grammar(lang) != nil
}

func grammar(lang domain.Language) *sitter.Language {
	switch lang {
	case domain.LanguagePython:
		return python.GetLanguage()
	case domain.LanguageJavaScript:
		return javascript.GetLanguage()
	case domain.LanguageJava:
		return java.GetLanguage()
	}
	return nil
}

func parse(ctx context.Context, lang domain.Language, src []byte) (*sitter.Tree, error) {
	g := grammar(lang)
	if g == nil {
		return nil, fmt.Errorf("no grammar for %s", lang)
	}
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(g)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", lang, err)
	}
	return tree, nil
}

// Check parses src and returns a *Error for the first error or missing node.
// Languages without a grammar always pass.
func Check(ctx context.Context, lang domain.Language, src string) error {
	if !Supported(lang) {
		return nil
	}
	data := []byte(src)
	tree, err := parse(ctx, lang, data)
	if err != nil {
		return err
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return nil
	}
	bad := firstError(root)
	if bad == nil {
		return &Error{Line: 1}
	}
	near := bad.Content(data)
	if len(near) > 30 {
		near = near[:30]
	}
	return &Error{
		Line:   int(bad.StartPoint().Row) + 1,
		Column: int(bad.StartPoint().Column) + 1,
		Near:   near,
	}
}

func firstError(n *sitter.Node) *sitter.Node {
	if n.IsError() || n.IsMissing() {
		return n
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child == nil || !(child.HasError() || child.IsMissing()) {
			continue
		}
		if found := firstError(child); found != nil {
			return found
		}
	}
	return nil
}
