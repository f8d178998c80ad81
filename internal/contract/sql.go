package contract

import (
	"context"
	"strings"

	"github.com/ashureev/shsh-forge/internal/syntax"
)

var sqlMutating = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true, "UPSERT": true,
	"CREATE": true, "DROP": true, "ALTER": true, "TRUNCATE": true, "RENAME": true,
	"GRANT": true, "REVOKE": true, "ATTACH": true, "DETACH": true, "PRAGMA": true, "VACUUM": true,
	"COPY": true, "CALL": true, "EXEC": true, "EXECUTE": true,
}

type sqlToken struct {
	word  string // upper-cased keyword or identifier, empty for punctuation
	punct byte
}

// lexSQL splits query into statements of bare words and punctuation. String
// literals, quoted identifiers and comments are consumed in the same pass so
// that none of them can hide or fake a keyword.
func lexSQL(query string) [][]sqlToken {
	var (
		stmts [][]sqlToken
		cur   []sqlToken
	)
	flush := func() {
		if len(cur) > 0 {
			stmts = append(stmts, cur)
			cur = nil
		}
	}
	skipQuoted := func(i int, closing byte) int {
		for i++; i < len(query); i++ {
			if query[i] != closing {
				continue
			}
			if closing != ']' && i+1 < len(query) && query[i+1] == closing {
				i++
				continue
			}
			return i + 1
		}
		return len(query)
	}

	for i := 0; i < len(query); {
		c := query[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			i = skipQuoted(i, c)
			cur = append(cur, sqlToken{punct: c})
		case c == '[':
			i = skipQuoted(i, ']')
			cur = append(cur, sqlToken{punct: '"'})
		case c == '-' && i+1 < len(query) && query[i+1] == '-':
			if end := strings.IndexByte(query[i:], '\n'); end >= 0 {
				i += end + 1
			} else {
				i = len(query)
			}
		case c == '/' && i+1 < len(query) && query[i+1] == '*':
			if end := strings.Index(query[i+2:], "*/"); end >= 0 {
				i += end + 4
			} else {
				i = len(query)
			}
		case c == ';':
			flush()
			i++
		case isWordByte(c):
			start := i
			for i < len(query) && (isWordByte(query[i]) || (query[i] >= '0' && query[i] <= '9')) {
				i++
			}
			cur = append(cur, sqlToken{word: strings.ToUpper(query[start:i])})
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		default:
			cur = append(cur, sqlToken{punct: c})
			i++
		}
	}
	flush()
	return stmts
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// checkReadOnlySQL rejects anything but a single query. Strings, quoted
// identifiers and comments are ignored. REPLACE is only a write when it is
// not called as the string function.
func checkReadOnlySQL(ctx context.Context, query string) *ValidationError {
	stmts := lexSQL(query)
	if len(stmts) == 0 {
		return invalid("reference_solution", "query is empty")
	}
	if len(stmts) > 1 {
		return invalid("reference_solution", "query must be a single statement")
	}

	tokens := stmts[0]
	for i, tok := range tokens {
		if sqlMutating[tok.word] {
			return invalid("reference_solution", "query must be read-only, found %s", tok.word)
		}
		if tok.word == "REPLACE" && (i+1 >= len(tokens) || tokens[i+1].punct != '(') {
			return invalid("reference_solution", "query must be read-only, found REPLACE")
		}
	}

	switch tokens[0].word {
	case "SELECT", "WITH", "VALUES":
	default:
		return invalid("reference_solution", "query must start with SELECT or WITH")
	}

	kind, err := syntax.SQLWriteNode(ctx, query)
	if err != nil {
		return invalid("reference_solution", "query could not be parsed")
	}
	if kind != "" {
		return invalid("reference_solution", "query must be read-only, found %s", strings.ToUpper(strings.ReplaceAll(kind, "_", " ")))
	}
	return nil
}
