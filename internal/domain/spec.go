// Package domain contains core domain types for the problem forge.
package domain

import (
	"slices"
	"strconv"
	"strings"
)

// Language is a supported solution language.
type Language string

const (
	LanguagePython     Language = "python"
	LanguageJavaScript Language = "javascript"
	LanguageJava       Language = "java"
	LanguageSQL        Language = "sql"
)

// Languages lists every supported language in display order.
var Languages = []Language{LanguagePython, LanguageJavaScript, LanguageJava, LanguageSQL}

// Valid reports whether l is a supported language.
func (l Language) Valid() bool {
	return slices.Contains(Languages, l)
}

// Style controls whether solutions return values, print output, or both.
type Style string

const (
	StyleReturn Style = "return"
	StylePrint  Style = "print"
	StyleMixed  Style = "mixed"
)

// Valid reports whether s is a known style.
func (s Style) Valid() bool {
	switch s {
	case StyleReturn, StylePrint, StyleMixed:
		return true
	}
	return false
}

// Difficulty is a difficulty tier.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Rank orders tiers from easiest (0) to hardest. Unknown tiers rank -1.
func (d Difficulty) Rank() int {
	switch d {
	case DifficultyEasy:
		return 0
	case DifficultyMedium:
		return 1
	case DifficultyHard:
		return 2
	}
	return -1
}

// Valid reports whether d is a known tier.
func (d Difficulty) Valid() bool {
	return d.Rank() >= 0
}

// TierCount is the number of problems requested for one tier.
type TierCount struct {
	Tier  Difficulty `json:"tier" yaml:"tier"`
	Count int        `json:"count" yaml:"count"`
}

// Distribution is an ordered list of tier counts, easiest first.
type Distribution []TierCount

// Sum returns the total number of problems across tiers.
func (d Distribution) Sum() int {
	total := 0
	for _, tc := range d {
		total += tc.Count
	}
	return total
}

// Sorted returns a copy ordered by ascending tier rank.
func (d Distribution) Sorted() Distribution {
	out := slices.Clone(d)
	slices.SortStableFunc(out, func(a, b TierCount) int {
		return a.Tier.Rank() - b.Tier.Rank()
	})
	return out
}

// String renders the distribution as "2 easy, 1 medium".
func (d Distribution) String() string {
	parts := make([]string, 0, len(d))
	for _, tc := range d {
		parts = append(parts, strconv.Itoa(tc.Count)+" "+string(tc.Tier))
	}
	return strings.Join(parts, ", ")
}

// Rescale distributes target problems across the tiers of d in proportion to
// their current counts using the largest-remainder method. Ties go to the
// easier tier. Tiers that end up empty are dropped.
func (d Distribution) Rescale(target int) Distribution {
	src := d.Sorted()
	total := src.Sum()
	if total <= 0 || target <= 0 {
		return nil
	}

	type share struct {
		idx   int
		count int
		rem   int
	}
	shares := make([]share, len(src))
	assigned := 0
	for i, tc := range src {
		scaled := tc.Count * target
		shares[i] = share{idx: i, count: scaled / total, rem: scaled % total}
		assigned += scaled / total
	}

	order := slices.Clone(shares)
	slices.SortStableFunc(order, func(a, b share) int {
		return b.rem - a.rem
	})
	for i := 0; assigned < target; i++ {
		shares[order[i%len(order)].idx].count++
		assigned++
	}

	out := make(Distribution, 0, len(src))
	for i, s := range shares {
		if s.count > 0 {
			out = append(out, TierCount{Tier: src[i].Tier, Count: s.count})
		}
	}
	return out
}

// SpecDraft is the negotiated problem set specification.
// Each field is either absent (zero value) or valid.
type SpecDraft struct {
	Language     Language     `json:"language,omitempty"`
	ProblemCount int          `json:"problem_count,omitempty"`
	Difficulty   Distribution `json:"difficulty,omitempty"`
	Topics       []string     `json:"topics,omitempty"`
	Style        Style        `json:"style,omitempty"`
	Constraints  string       `json:"constraints,omitempty"`
	Focus        string       `json:"focus,omitempty"`
	Frozen       bool         `json:"frozen,omitempty"`
}

// Spec field names, used for commitments, rejections and prompts.
const (
	FieldLanguage     = "language"
	FieldProblemCount = "problem_count"
	FieldDifficulty   = "difficulty"
	FieldTopics       = "topics"
	FieldStyle        = "style"
	FieldConstraints  = "constraints"
	FieldFocus        = "focus"
)

// RequiredFields lists the fields needed before generation, in the order
// they are asked for.
var RequiredFields = []string{
	FieldProblemCount,
	FieldDifficulty,
	FieldLanguage,
	FieldTopics,
	FieldStyle,
}

// HardFields are fields that need confirmation before a committed value changes.
var HardFields = []string{FieldLanguage, FieldProblemCount}

// IsHardField reports whether name is a hard field.
func IsHardField(name string) bool {
	return slices.Contains(HardFields, name)
}

// Has reports whether the named field is set.
func (s *SpecDraft) Has(field string) bool {
	switch field {
	case FieldLanguage:
		return s.Language != ""
	case FieldProblemCount:
		return s.ProblemCount > 0
	case FieldDifficulty:
		return len(s.Difficulty) > 0
	case FieldTopics:
		return len(s.Topics) > 0
	case FieldStyle:
		return s.Style != ""
	case FieldConstraints:
		return s.Constraints != ""
	case FieldFocus:
		return s.Focus != ""
	}
	return false
}

// Missing returns the required fields that are not yet set, in asking order.
// A distribution that does not sum to the count counts as missing.
func (s *SpecDraft) Missing() []string {
	var missing []string
	for _, f := range RequiredFields {
		if !s.Has(f) {
			missing = append(missing, f)
			continue
		}
		if f == FieldDifficulty && s.Difficulty.Sum() != s.ProblemCount {
			missing = append(missing, f)
		}
	}
	return missing
}

// Complete reports whether every required field is set and consistent.
func (s *SpecDraft) Complete() bool {
	return len(s.Missing()) == 0
}

// Clone returns a deep copy.
func (s SpecDraft) Clone() SpecDraft {
	s.Difficulty = slices.Clone(s.Difficulty)
	s.Topics = slices.Clone(s.Topics)
	return s
}
