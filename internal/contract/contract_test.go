package contract

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/shsh-forge/internal/contract/contracttest"
	"github.com/ashureev/shsh-forge/internal/domain"
)

func raw(t *testing.T, fields map[string]any) RawSpecPatch {
	t.Helper()
	p := RawSpecPatch{}
	for k, v := range fields {
		p.Set(k, v)
	}
	return p
}

func TestValidateSpecPatchAcceptsValidFields(t *testing.T) {
	pol := domain.DefaultPolicy()
	patch, rejected := ValidateSpecPatch(raw(t, map[string]any{
		"language":      "Py",
		"problem_count": 3,
		"difficulty":    map[string]int{"hard": 1, "easy": 2},
		"topics":        "Strings,  Hash Maps , strings",
		"style":         "returning",
	}), pol)

	require.Empty(t, rejected)
	assert.Equal(t, domain.LanguagePython, patch.Language.Value)
	assert.Equal(t, 3, patch.ProblemCount.Value)
	assert.Equal(t, domain.Distribution{
		{Tier: domain.DifficultyEasy, Count: 2},
		{Tier: domain.DifficultyHard, Count: 1},
	}, patch.Difficulty.Value)
	assert.Equal(t, []string{"strings", "hash maps"}, patch.Topics.Value)
	assert.Equal(t, domain.StyleReturn, patch.Style.Value)
}

func TestValidateSpecPatchDropsBadFieldsIndependently(t *testing.T) {
	pol := domain.DefaultPolicy()
	patch, rejected := ValidateSpecPatch(raw(t, map[string]any{
		"language":      "rust",
		"problem_count": 12,
		"style":         "print",
		"mood":          "happy",
	}), pol)

	assert.True(t, patch.Style.IsValid())
	assert.Equal(t, domain.FieldInvalid, patch.Language.Status)
	assert.Equal(t, domain.FieldInvalid, patch.ProblemCount.Status)

	fields := map[string]bool{}
	for _, r := range rejected {
		fields[r.Field] = true
	}
	assert.True(t, fields["language"])
	assert.True(t, fields["problem_count"])
	assert.True(t, fields["mood"])
}

func TestValidateSpecPatchSumInvariant(t *testing.T) {
	pol := domain.DefaultPolicy()
	patch, rejected := ValidateSpecPatch(raw(t, map[string]any{
		"problem_count": 4,
		"difficulty":    []map[string]any{{"tier": "easy", "count": 2}, {"tier": "medium", "count": 1}},
	}), pol)

	assert.True(t, patch.ProblemCount.IsValid())
	assert.Equal(t, domain.FieldInvalid, patch.Difficulty.Status)
	require.Len(t, rejected, 1)
	assert.Equal(t, "difficulty", rejected[0].Field)
}

func TestValidateSpecPatchRejectsDuplicateAndUnknownTiers(t *testing.T) {
	pol := domain.DefaultPolicy()
	patch, _ := ValidateSpecPatch(RawSpecPatch{
		"difficulty": json.RawMessage(`[{"tier":"easy","count":1},{"tier":"easy","count":2}]`),
	}, pol)
	assert.Equal(t, domain.FieldInvalid, patch.Difficulty.Status)

	patch, _ = ValidateSpecPatch(RawSpecPatch{
		"difficulty": json.RawMessage(`{"brutal": 2}`),
	}, pol)
	assert.Equal(t, domain.FieldInvalid, patch.Difficulty.Status)
}

func slot(lang domain.Language, style domain.Style) domain.Slot {
	return domain.Slot{Index: 0, Difficulty: domain.DifficultyEasy, Topic: "strings", Language: lang, Style: style}
}

func TestValidateProblemDraftHappyPath(t *testing.T) {
	d := contracttest.Python("Reverse a string", 8)
	draft, err := ValidateProblemDraft(context.Background(), "Sure!\n"+d.JSON(), slot(domain.LanguagePython, domain.StyleReturn), domain.DefaultPolicy())
	require.NoError(t, err)

	assert.NotEmpty(t, draft.ID)
	assert.Equal(t, "Reverse a string", draft.Title)
	assert.Len(t, draft.Tests.Cases, 8)
	assert.Equal(t, "solve", draft.Tests.Entrypoint)
	assert.Equal(t, "strings", draft.Topic)
	assert.NotEmpty(t, draft.ReferenceSolution)
}

func TestValidateProblemDraftFailures(t *testing.T) {
	pol := domain.DefaultPolicy()
	tests := []struct {
		name  string
		slot  domain.Slot
		draft func() contracttest.Draft
		field string
	}{
		{
			name:  "missing title",
			slot:  slot(domain.LanguagePython, domain.StyleReturn),
			draft: func() contracttest.Draft { d := contracttest.Python("x", 8); delete(d, "title"); return d },
			field: "title",
		},
		{
			name: "sample lists differ",
			slot: slot(domain.LanguagePython, domain.StyleReturn),
			draft: func() contracttest.Draft {
				d := contracttest.Python("x", 8)
				d["sample_outputs"] = []string{"a", "b"}
				return d
			},
			field: "sample_outputs",
		},
		{
			name:  "wrong test count",
			slot:  slot(domain.LanguagePython, domain.StyleReturn),
			draft: func() contracttest.Draft { return contracttest.Python("x", 5) },
			field: "tests.cases",
		},
		{
			name: "duplicate case names",
			slot: slot(domain.LanguagePython, domain.StyleReturn),
			draft: func() contracttest.Draft {
				d := contracttest.Python("x", 8)
				cases := contracttest.Cases(8)
				cases[3]["name"] = "case_1"
				d["tests"] = map[string]any{"entrypoint": "solve", "cases": cases}
				return d
			},
			field: "tests.cases",
		},
		{
			name: "python syntax error",
			slot: slot(domain.LanguagePython, domain.StyleReturn),
			draft: func() contracttest.Draft {
				d := contracttest.Python("x", 8)
				d["reference_solution"] = "def solve(s)\n    return s[::-1]\n"
				return d
			},
			field: "reference_solution",
		},
		{
			name: "missing entrypoint for return style",
			slot: slot(domain.LanguagePython, domain.StyleReturn),
			draft: func() contracttest.Draft {
				d := contracttest.Python("x", 8)
				d["tests"] = map[string]any{"cases": contracttest.Cases(8)}
				return d
			},
			field: "tests.entrypoint",
		},
		{
			name: "starter leaks reference",
			slot: slot(domain.LanguagePython, domain.StyleReturn),
			draft: func() contracttest.Draft {
				d := contracttest.Python("x", 8)
				d["starter_code"] = d["reference_solution"]
				return d
			},
			field: "starter_code",
		},
		{
			name: "sql mutation",
			slot: slot(domain.LanguageSQL, domain.StyleReturn),
			draft: func() contracttest.Draft {
				d := contracttest.SQL("x", 4)
				d["reference_solution"] = "DELETE FROM users"
				return d
			},
			field: "reference_solution",
		},
		{
			name:  "sql uses its own case convention",
			slot:  slot(domain.LanguageSQL, domain.StyleReturn),
			draft: func() contracttest.Draft { return contracttest.SQL("x", 8) },
			field: "tests.cases",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateProblemDraft(context.Background(), tt.draft().JSON(), tt.slot, pol)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.field, verr.Field, verr.Error())
		})
	}
}

func TestValidateProblemDraftSQL(t *testing.T) {
	draft, err := ValidateProblemDraft(context.Background(), contracttest.SQL("Older users", 4).JSON(), slot(domain.LanguageSQL, domain.StyleReturn), domain.DefaultPolicy())
	require.NoError(t, err)
	assert.Contains(t, draft.Tests.Setup, "CREATE TABLE")
}

func TestValidateProblemDraftNoJSON(t *testing.T) {
	_, err := ValidateProblemDraft(context.Background(), "I'd rather not.", slot(domain.LanguagePython, domain.StyleReturn), domain.DefaultPolicy())
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestCheckReadOnlySQL(t *testing.T) {
	tests := []struct {
		name  string
		query string
		ok    bool
	}{
		{"cte", "WITH t AS (SELECT 1) SELECT * FROM t", true},
		{"keyword inside string and comment", "SELECT 'drop table users' AS note -- delete me", true},
		{"quoted identifier", `SELECT "update" FROM logs;`, true},
		{"replace function", "SELECT REPLACE(name, 'a', 'b') AS cleaned FROM users ORDER BY id", true},
		{"comment marker inside string", "SELECT '--' || name FROM users; DELETE FROM users", false},
		{"block comment marker inside string", "SELECT '/*' AS a FROM users; DROP TABLE users /* */", false},
		{"semicolon inside string", "SELECT 'a;b' AS s FROM users", true},
		{"two statements", "SELECT 1; SELECT 2", false},
		{"update after comment", "/* hi */ UPDATE users SET age = 1", false},
		{"replace statement", "REPLACE INTO users VALUES (1)", false},
		{"write inside cte", "WITH gone AS (DELETE FROM users RETURNING id) SELECT * FROM gone", false},
		{"blank", "   ", false},
		{"only comment", "-- nothing", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verr := checkReadOnlySQL(context.Background(), tt.query)
			if tt.ok {
				assert.Nil(t, verr)
			} else {
				assert.NotNil(t, verr)
			}
		})
	}
}
