package syntax

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/sql"
)

var sqlWriteKinds = map[string]bool{
	"insert": true, "update": true, "delete": true, "transaction": true,
	"comment_statement": true, "rename_column": true, "rename_object": true,
}

// SQLWriteNode returns the node kind of the first data or schema changing
// statement in query, or "" when the tree holds only reads. Parse errors are
// tolerated: dialect gaps show up as ERROR nodes and are skipped.
func SQLWriteNode(ctx context.Context, query string) (string, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(sql.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, []byte(query))
	if err != nil {
		return "", fmt.Errorf("parse sql: %w", err)
	}
	defer tree.Close()
	return findWriteNode(tree.RootNode()), nil
}

func findWriteNode(n *sitter.Node) string {
	kind := n.Type()
	if sqlWriteKinds[kind] ||
		strings.HasPrefix(kind, "create_") ||
		strings.HasPrefix(kind, "drop_") ||
		strings.HasPrefix(kind, "alter_") {
		return kind
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if found := findWriteNode(n.NamedChild(i)); found != "" {
			return found
		}
	}
	return ""
}
