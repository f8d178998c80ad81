package syntax

import (
	"context"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/ashureev/shsh-forge/internal/domain"
)

var functionNodes = map[domain.Language][]string{
	domain.LanguagePython:     {"function_definition"},
	domain.LanguageJavaScript: {"function_declaration", "function_expression", "arrow_function", "method_definition", "generator_function_declaration"},
	domain.LanguageJava:       {"method_declaration", "constructor_declaration"},
}

type edit struct {
	start, end uint32
	text       string
}

// Scaffold derives a learner starter from a verified reference solution:
// declarations and signatures stay, function bodies become stubs. The output
// depends only on the input.
func Scaffold(ctx context.Context, lang domain.Language, reference string) (string, error) {
	if lang == domain.LanguageSQL {
		return "-- Write your query here.\n", nil
	}
	src := []byte(reference)
	tree, err := parse(ctx, lang, src)
	if err != nil {
		return "", err
	}
	defer tree.Close()

	var edits []edit
	collectBodies(tree.RootNode(), lang, src, &edits)
	if len(edits) == 0 {
		return emptyStarter(lang), nil
	}

	sort.Slice(edits, func(i, j int) bool { return edits[i].start > edits[j].start })
	out := src
	for _, e := range edits {
		patched := make([]byte, 0, len(out)-int(e.end-e.start)+len(e.text))
		patched = append(patched, out[:e.start]...)
		patched = append(patched, e.text...)
		patched = append(patched, out[e.end:]...)
		out = patched
	}
	return string(out), nil
}

func collectBodies(n *sitter.Node, lang domain.Language, src []byte, edits *[]edit) {
	if isFunction(lang, n.Type()) {
		body := n.ChildByFieldName("body")
		if body != nil && bodyIsBlock(lang, body) {
			*edits = append(*edits, edit{
				start: body.StartByte(),
				end:   body.EndByte(),
				text:  stub(lang, indentOf(src, n.StartByte())),
			})
			return
		}
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if child := n.NamedChild(i); child != nil {
			collectBodies(child, lang, src, edits)
		}
	}
}

func isFunction(lang domain.Language, nodeType string) bool {
	for _, t := range functionNodes[lang] {
		if t == nodeType {
			return true
		}
	}
	return false
}

// Expression-bodied arrow functions are left alone.
func bodyIsBlock(lang domain.Language, body *sitter.Node) bool {
	switch lang {
	case domain.LanguageJavaScript:
		return body.Type() == "statement_block"
	case domain.LanguageJava:
		return body.Type() == "block" || body.Type() == "constructor_body"
	}
	return body.Type() == "block"
}

func stub(lang domain.Language, indent string) string {
	switch lang {
	case domain.LanguagePython:
		// The block node starts after the indentation of its first statement.
		return "# TODO: implement\n" + indent + "    raise NotImplementedError"
	case domain.LanguageJavaScript:
		return "{\n" + indent + "  // TODO: implement\n" + indent + "  throw new Error(\"not implemented\");\n" + indent + "}"
	case domain.LanguageJava:
		return "{\n" + indent + "    // TODO: implement\n" + indent + "    throw new UnsupportedOperationException(\"not implemented\");\n" + indent + "}"
	}
	return ""
}

func emptyStarter(lang domain.Language) string {
	switch lang {
	case domain.LanguagePython:
		return "# Write your solution here.\n"
	default:
		return "// Write your solution here.\n"
	}
}

// indentOf returns the leading whitespace of the line containing offset.
func indentOf(src []byte, offset uint32) string {
	lineStart := strings.LastIndexByte(string(src[:offset]), '\n') + 1
	i := lineStart
	for i < len(src) && (src[i] == ' ' || src[i] == '\t') {
		i++
	}
	return string(src[lineStart:i])
}
