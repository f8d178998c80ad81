package contract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/ashureev/shsh-forge/internal/domain"
)

// RawSpecPatch is an untyped patch as produced by the model or the shorthand
// normalizer: field name to raw JSON value.
type RawSpecPatch map[string]json.RawMessage

// Set marshals v into the patch under key.
func (p RawSpecPatch) Set(key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("contract: marshal %s: %v", key, err))
	}
	p[key] = data
}

var languageAliases = map[string]domain.Language{
	"python":     domain.LanguagePython,
	"python3":    domain.LanguagePython,
	"py":         domain.LanguagePython,
	"javascript": domain.LanguageJavaScript,
	"js":         domain.LanguageJavaScript,
	"node":       domain.LanguageJavaScript,
	"nodejs":     domain.LanguageJavaScript,
	"java":       domain.LanguageJava,
	"sql":        domain.LanguageSQL,
}

var styleAliases = map[string]domain.Style{
	"return":    domain.StyleReturn,
	"returns":   domain.StyleReturn,
	"returning": domain.StyleReturn,
	"print":     domain.StylePrint,
	"prints":    domain.StylePrint,
	"printing":  domain.StylePrint,
	"stdout":    domain.StylePrint,
	"mixed":     domain.StyleMixed,
	"mix":       domain.StyleMixed,
	"both":      domain.StyleMixed,
}

var spaceRun = regexp.MustCompile(`\s+`)

// ValidateSpecPatch checks each field of raw on its own. Valid fields are
// returned in the typed patch; unknown or malformed fields are dropped and
// reported. It never fails as a whole.
func ValidateSpecPatch(raw RawSpecPatch, pol domain.Policy) (domain.SpecPatch, []Rejection) {
	var patch domain.SpecPatch
	var rejected []Rejection

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := raw[key]
		if isNull(value) {
			continue
		}
		switch key {
		case domain.FieldLanguage:
			patch.Language = validateLanguage(value)
		case domain.FieldProblemCount:
			patch.ProblemCount = validateCount(value, pol)
		case domain.FieldDifficulty:
			patch.Difficulty = validateDistribution(value)
		case domain.FieldTopics:
			patch.Topics = validateTopics(value, pol)
		case domain.FieldStyle:
			patch.Style = validateStyle(value)
		case domain.FieldConstraints:
			patch.Constraints = validateFreeText(value, pol)
		case domain.FieldFocus:
			patch.Focus = validateFreeText(value, pol)
		default:
			rejected = append(rejected, Rejection{Field: key, Reason: "unknown field"})
		}
	}

	if patch.ProblemCount.IsValid() && patch.Difficulty.IsValid() {
		if err := ValidateDistribution(patch.Difficulty.Value, patch.ProblemCount.Value); err != nil {
			patch.Difficulty = domain.Invalid[domain.Distribution](err.Error())
		}
	}

	collect := func(field string, status domain.FieldStatus, reason string) {
		if status == domain.FieldInvalid {
			rejected = append(rejected, Rejection{Field: field, Reason: reason})
		}
	}
	collect(domain.FieldProblemCount, patch.ProblemCount.Status, patch.ProblemCount.Reason)
	collect(domain.FieldDifficulty, patch.Difficulty.Status, patch.Difficulty.Reason)
	collect(domain.FieldLanguage, patch.Language.Status, patch.Language.Reason)
	collect(domain.FieldTopics, patch.Topics.Status, patch.Topics.Reason)
	collect(domain.FieldStyle, patch.Style.Status, patch.Style.Reason)
	collect(domain.FieldConstraints, patch.Constraints.Status, patch.Constraints.Reason)
	collect(domain.FieldFocus, patch.Focus.Status, patch.Focus.Reason)

	return patch, rejected
}

// ValidateDistribution checks that dist sums to count.
func ValidateDistribution(dist domain.Distribution, count int) error {
	if sum := dist.Sum(); sum != count {
		return fmt.Errorf("difficulty counts add up to %d but %d problems were requested", sum, count)
	}
	return nil
}

// NormalizeLanguage maps a language name or alias to a supported language.
func NormalizeLanguage(s string) (domain.Language, bool) {
	lang, ok := languageAliases[strings.ToLower(strings.TrimSpace(s))]
	return lang, ok
}

// NormalizeStyle maps a style name or alias to a known style.
func NormalizeStyle(s string) (domain.Style, bool) {
	style, ok := styleAliases[strings.ToLower(strings.TrimSpace(s))]
	return style, ok
}

// NormalizeTopic lowercases and collapses whitespace in a topic tag.
func NormalizeTopic(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, `"'.!?`)
	return spaceRun.ReplaceAllString(s, " ")
}

func validateLanguage(value json.RawMessage) domain.Field[domain.Language] {
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return domain.Invalid[domain.Language]("language must be a string")
	}
	lang, ok := NormalizeLanguage(s)
	if !ok {
		return domain.Invalid[domain.Language](fmt.Sprintf("%q is not a supported language", strings.TrimSpace(s)))
	}
	return domain.Valid(lang)
}

func validateCount(value json.RawMessage, pol domain.Policy) domain.Field[int] {
	n, ok := decodeInt(value)
	if !ok {
		return domain.Invalid[int]("problem count must be a whole number")
	}
	if n < pol.MinProblems || n > pol.MaxProblems {
		return domain.Invalid[int](fmt.Sprintf("problem count must be between %d and %d", pol.MinProblems, pol.MaxProblems))
	}
	return domain.Valid(n)
}

// DecodeDistribution accepts either [{"tier":"easy","count":2}] or {"easy":2}.
func DecodeDistribution(value json.RawMessage) (domain.Distribution, error) {
	var list []struct {
		Tier  string          `json:"tier"`
		Count json.RawMessage `json:"count"`
	}
	if err := json.Unmarshal(value, &list); err == nil {
		dist := make(domain.Distribution, 0, len(list))
		for _, item := range list {
			n, ok := decodeInt(item.Count)
			if !ok {
				return nil, fmt.Errorf("count for %q must be a whole number", item.Tier)
			}
			dist = append(dist, domain.TierCount{Tier: domain.Difficulty(strings.ToLower(strings.TrimSpace(item.Tier))), Count: n})
		}
		return dist, nil
	}

	var byTier map[string]json.RawMessage
	if err := json.Unmarshal(value, &byTier); err != nil {
		return nil, fmt.Errorf("difficulty must be a list of tier counts")
	}
	dist := make(domain.Distribution, 0, len(byTier))
	for tier, raw := range byTier {
		n, ok := decodeInt(raw)
		if !ok {
			return nil, fmt.Errorf("count for %q must be a whole number", tier)
		}
		dist = append(dist, domain.TierCount{Tier: domain.Difficulty(strings.ToLower(strings.TrimSpace(tier))), Count: n})
	}
	return dist, nil
}

func validateDistribution(value json.RawMessage) domain.Field[domain.Distribution] {
	dist, err := DecodeDistribution(value)
	if err != nil {
		return domain.Invalid[domain.Distribution](err.Error())
	}
	if len(dist) == 0 {
		return domain.Invalid[domain.Distribution]("difficulty needs at least one tier")
	}
	seen := make(map[domain.Difficulty]bool, len(dist))
	for _, tc := range dist {
		if !tc.Tier.Valid() {
			return domain.Invalid[domain.Distribution](fmt.Sprintf("%q is not a difficulty (use easy, medium or hard)", tc.Tier))
		}
		if seen[tc.Tier] {
			return domain.Invalid[domain.Distribution](fmt.Sprintf("%s is listed more than once", tc.Tier))
		}
		seen[tc.Tier] = true
		if tc.Count < 1 {
			return domain.Invalid[domain.Distribution](fmt.Sprintf("%s count must be at least 1", tc.Tier))
		}
	}
	return domain.Valid(dist.Sorted())
}

func validateTopics(value json.RawMessage, pol domain.Policy) domain.Field[[]string] {
	var list []string
	if err := json.Unmarshal(value, &list); err != nil {
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return domain.Invalid[[]string]("topics must be a list of strings")
		}
		list = strings.Split(s, ",")
	}

	topics := make([]string, 0, len(list))
	for _, t := range list {
		t = NormalizeTopic(t)
		if t == "" || slices.Contains(topics, t) {
			continue
		}
		if len(t) > pol.MaxTopicLength {
			return domain.Invalid[[]string](fmt.Sprintf("topic %q is longer than %d characters", t[:pol.MaxTopicLength], pol.MaxTopicLength))
		}
		topics = append(topics, t)
	}
	if len(topics) == 0 {
		return domain.Invalid[[]string]("at least one topic is needed")
	}
	if len(topics) > pol.MaxTopics {
		return domain.Invalid[[]string](fmt.Sprintf("at most %d topics are allowed", pol.MaxTopics))
	}
	return domain.Valid(topics)
}

func validateStyle(value json.RawMessage) domain.Field[domain.Style] {
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return domain.Invalid[domain.Style]("style must be a string")
	}
	style, ok := NormalizeStyle(s)
	if !ok {
		return domain.Invalid[domain.Style](fmt.Sprintf("%q is not a style (use return, print or mixed)", strings.TrimSpace(s)))
	}
	return domain.Valid(style)
}

func validateFreeText(value json.RawMessage, pol domain.Policy) domain.Field[string] {
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return domain.Invalid[string]("must be text")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return domain.Invalid[string]("must not be empty")
	}
	if len(s) > pol.MaxFreeText {
		return domain.Invalid[string](fmt.Sprintf("must be at most %d characters", pol.MaxFreeText))
	}
	return domain.Valid(s)
}

// DecodeCount reads a whole number given as a JSON number or numeric string.
func DecodeCount(value json.RawMessage) (int, bool) {
	return decodeInt(value)
}

func decodeInt(value json.RawMessage) (int, bool) {
	var f float64
	if err := json.Unmarshal(value, &f); err != nil {
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return 0, false
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	if f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}

func isNull(value json.RawMessage) bool {
	return len(value) == 0 || string(value) == "null"
}
