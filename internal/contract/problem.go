package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ashureev/shsh-forge/internal/domain"
	"github.com/ashureev/shsh-forge/internal/gateway"
	"github.com/ashureev/shsh-forge/internal/syntax"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type draftPayload struct {
	Title             string            `json:"title" validate:"required,max=120"`
	Description       string            `json:"description" validate:"required"`
	StarterCode       string            `json:"starter_code" validate:"required_without=StarterFiles"`
	StarterFiles      map[string]string `json:"starter_files"`
	ReferenceSolution string            `json:"reference_solution" validate:"required_without=ReferenceFiles"`
	ReferenceFiles    map[string]string `json:"reference_files"`
	Tests             testsPayload      `json:"tests"`
	Constraints       textList          `json:"constraints"`
	SampleInputs      textList          `json:"sample_inputs" validate:"required,min=1"`
	SampleOutputs     textList          `json:"sample_outputs" validate:"required,min=1"`
}

type testsPayload struct {
	Entrypoint string        `json:"entrypoint"`
	Setup      string        `json:"setup"`
	Cases      []casePayload `json:"cases" validate:"required,min=1,dive"`
}

type casePayload struct {
	Name     string          `json:"name" validate:"required"`
	Input    json.RawMessage `json:"input"`
	Expected json.RawMessage `json:"expected" validate:"required"`
}

// textList accepts a list of strings or arbitrary JSON values; non-string
// values are kept as their JSON text.
type textList []string

func (l *textList) UnmarshalJSON(data []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		out = append(out, string(item))
	}
	*l = out
	return nil
}

// ValidateProblemDraft parses model output for slot and checks it for
// structural completeness, internal consistency and language-level validity.
// Expected failures are returned as *ValidationError.
func ValidateProblemDraft(ctx context.Context, raw string, slot domain.Slot, pol domain.Policy) (*domain.ProblemDraft, error) {
	if len(pol.TestCases) == 0 {
		panic("contract: policy has no test case table")
	}

	body := gateway.ExtractJSON(raw)
	if body == "" {
		return nil, invalid("", "response did not contain a JSON object")
	}
	var p draftPayload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, invalid("", "response is not valid JSON: %v", err)
	}

	if err := validate.Struct(p); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return nil, describeFieldError(fieldErrs[0])
		}
		return nil, invalid("", "draft is incomplete: %v", err)
	}

	if len(p.SampleInputs) != len(p.SampleOutputs) {
		return nil, invalid("sample_outputs", "has %d entries but sample_inputs has %d", len(p.SampleOutputs), len(p.SampleInputs))
	}

	want := pol.TestCaseCount(slot.Language)
	if got := len(p.Tests.Cases); got != want {
		return nil, invalid("tests.cases", "expected %d test cases for %s, got %d", want, slot.Language, got)
	}
	seen := make(map[string]bool, len(p.Tests.Cases))
	for _, c := range p.Tests.Cases {
		name := strings.TrimSpace(c.Name)
		if seen[name] {
			return nil, invalid("tests.cases", "duplicate test case name %q", name)
		}
		seen[name] = true
	}

	if err := checkLanguage(ctx, &p, slot); err != nil {
		return nil, err
	}

	draft := &domain.ProblemDraft{
		ID:                uuid.NewString(),
		Title:             strings.TrimSpace(p.Title),
		Description:       strings.TrimSpace(p.Description),
		StarterCode:       p.StarterCode,
		StarterFiles:      p.StarterFiles,
		ReferenceSolution: p.ReferenceSolution,
		ReferenceFiles:    p.ReferenceFiles,
		Constraints:       p.Constraints,
		SampleInputs:      p.SampleInputs,
		SampleOutputs:     p.SampleOutputs,
		Tests: domain.TestSuite{
			Entrypoint: strings.TrimSpace(p.Tests.Entrypoint),
			Setup:      p.Tests.Setup,
			Cases:      make([]domain.TestCase, len(p.Tests.Cases)),
		},
		Difficulty: slot.Difficulty,
		Topic:      slot.Topic,
		Language:   slot.Language,
		Style:      slot.Style,
	}
	for i, c := range p.Tests.Cases {
		draft.Tests.Cases[i] = domain.TestCase{Name: strings.TrimSpace(c.Name), Input: c.Input, Expected: c.Expected}
	}
	return draft, nil
}

func checkLanguage(ctx context.Context, p *draftPayload, slot domain.Slot) error {
	if slot.Language == domain.LanguageSQL {
		if strings.TrimSpace(p.Tests.Setup) == "" {
			return invalid("tests.setup", "sql problems need schema and seed statements")
		}
		for _, c := range p.Tests.Cases {
			var rows []json.RawMessage
			if err := json.Unmarshal(c.Expected, &rows); err != nil {
				return invalid("tests.cases", "expected result of %q must be a list of rows", c.Name)
			}
		}
		if verr := checkReadOnlySQL(ctx, p.ReferenceSolution); verr != nil {
			return verr
		}
	} else if slot.Style != domain.StylePrint && strings.TrimSpace(p.Tests.Entrypoint) == "" {
		return invalid("tests.entrypoint", "is required for %s style", slot.Style)
	}

	sources := map[string]string{}
	if p.ReferenceSolution != "" {
		sources["reference_solution"] = p.ReferenceSolution
	}
	if p.StarterCode != "" {
		sources["starter_code"] = p.StarterCode
	}
	for name, src := range p.ReferenceFiles {
		sources["reference_files."+name] = src
	}
	for name, src := range p.StarterFiles {
		sources["starter_files."+name] = src
	}
	fields := make([]string, 0, len(sources))
	for field := range sources {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		if err := syntax.Check(ctx, slot.Language, sources[field]); err != nil {
			var synErr *syntax.Error
			if errors.As(err, &synErr) {
				return &ValidationError{Field: field, Reason: synErr.Error()}
			}
			return fmt.Errorf("check %s syntax: %w", field, err)
		}
	}

	refs := map[string]bool{}
	if p.ReferenceSolution != "" {
		refs[domain.Digest(p.ReferenceSolution)] = true
	}
	for _, src := range p.ReferenceFiles {
		refs[domain.Digest(src)] = true
	}
	if p.StarterCode != "" && refs[domain.Digest(p.StarterCode)] {
		return invalid("starter_code", "must not contain the reference solution")
	}
	for name, src := range p.StarterFiles {
		if refs[domain.Digest(src)] {
			return invalid("starter_files."+name, "must not contain the reference solution")
		}
	}
	return nil
}

func describeFieldError(fe validator.FieldError) *ValidationError {
	field := strings.TrimPrefix(fe.Namespace(), "draftPayload.")
	switch fe.Tag() {
	case "required", "required_without":
		return invalid(field, "is required")
	case "min":
		return invalid(field, "needs at least %s entries", fe.Param())
	case "max":
		return invalid(field, "must be at most %s characters", fe.Param())
	}
	return invalid(field, "failed %s check", fe.Tag())
}
