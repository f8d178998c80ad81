package negotiation

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ashureev/shsh-forge/internal/contract"
	"github.com/ashureev/shsh-forge/internal/domain"
)

var numberWords = map[string]string{
	"one": "1", "two": "2", "three": "3", "four": "4", "five": "5",
	"six": "6", "seven": "7", "eight": "8", "nine": "9", "ten": "10",
	"eleven": "11", "twelve": "12", "a dozen": "12", "a couple of": "2", "a couple": "2",
	"a pair of": "2", "a few": "3",
}

var (
	numberWord = regexp.MustCompile(`\b(a dozen|a couple of|a couple|a pair of|a few|one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve)\b`)
	tierPair   = regexp.MustCompile(`\b(\d+)\s*(?:x\s*)?(easy|medium|hard)\b`)
	countExpr  = regexp.MustCompile(`\b(\d+)\s+(?:[a-z]+\s+){0,2}?(?:problems?|questions?|exercises?|challenges?|tasks?)\b`)
	langWord   = regexp.MustCompile(`\b(python3?|py|javascript|js|nodejs|node\.js|java|sql|typescript|ts)\b`)
	styleExpr  = regexp.MustCompile(`\b(?:(return|print|mixed)[- ]style|style\s*[:=]?\s*(return|print|mixed)|(returning|printing))\b`)
	mixedWord  = regexp.MustCompile(`\bmixed\b(\s+\w+)?`)
	topicsExpr = regexp.MustCompile(`\btopics?\s*[:=]\s*([^.\n;]+)`)
	topicSplit = regexp.MustCompile(`\s*(?:,|\band\b|&)\s*`)
)

// Shorthand extracts spec values from low-entropy phrasing such as
// "4 easy python problems" without a model call. The result is deterministic
// for a given message.
func Shorthand(message string) contract.RawSpecPatch {
	msg := strings.ToLower(message)
	msg = numberWord.ReplaceAllStringFunc(msg, func(w string) string { return numberWords[w] })

	patch := contract.RawSpecPatch{}

	pairs := tierPair.FindAllStringSubmatchIndex(msg, -1)
	pairNumbers := make(map[int]bool, len(pairs))
	if len(pairs) > 0 {
		counts := map[domain.Difficulty]int{}
		var order []domain.Difficulty
		for _, m := range pairs {
			n, err := strconv.Atoi(msg[m[2]:m[3]])
			if err != nil {
				continue
			}
			tier := domain.Difficulty(msg[m[4]:m[5]])
			if _, ok := counts[tier]; !ok {
				order = append(order, tier)
			}
			counts[tier] += n
			pairNumbers[m[2]] = true
		}
		dist := make(domain.Distribution, 0, len(order))
		for _, tier := range order {
			dist = append(dist, domain.TierCount{Tier: tier, Count: counts[tier]})
		}
		if len(dist) > 0 {
			patch.Set(domain.FieldDifficulty, dist.Sorted())
		}
	}

	for _, m := range countExpr.FindAllStringSubmatchIndex(msg, -1) {
		// "4 easy problems" names the tier count, not a separate total.
		if pairNumbers[m[2]] {
			continue
		}
		if n, err := strconv.Atoi(msg[m[2]:m[3]]); err == nil {
			patch.Set(domain.FieldProblemCount, n)
			break
		}
	}

	// Topic names like "java streams" or "printing patterns" are not choices.
	settings := topicsExpr.ReplaceAllString(msg, " ")

	if lang, ok := shorthandLanguage(settings); ok {
		patch.Set(domain.FieldLanguage, lang)
	}

	if style, ok := shorthandStyle(settings); ok {
		patch.Set(domain.FieldStyle, style)
	}

	if m := topicsExpr.FindStringSubmatch(msg); m != nil {
		var topics []string
		for _, t := range topicSplit.Split(m[1], -1) {
			if t = contract.NormalizeTopic(t); t != "" {
				topics = append(topics, t)
			}
		}
		if len(topics) > 0 {
			patch.Set(domain.FieldTopics, topics)
		}
	}

	return patch
}

// shorthandLanguage returns the single language named in msg. Unsupported
// names are returned as written so validation can reject them; more than one
// distinct name is ambiguous and yields nothing.
func shorthandLanguage(msg string) (string, bool) {
	found := ""
	for _, w := range langWord.FindAllString(msg, -1) {
		name := w
		if lang, ok := contract.NormalizeLanguage(w); ok {
			name = string(lang)
		} else if w == "node.js" {
			name = string(domain.LanguageJavaScript)
		} else if w == "ts" {
			name = "typescript"
		}
		if found != "" && found != name {
			return "", false
		}
		found = name
	}
	return found, found != ""
}

func shorthandStyle(msg string) (string, bool) {
	if m := styleExpr.FindStringSubmatch(msg); m != nil {
		for _, g := range m[1:] {
			if g == "" {
				continue
			}
			if style, ok := contract.NormalizeStyle(g); ok {
				return string(style), true
			}
		}
	}
	for _, m := range mixedWord.FindAllStringSubmatch(msg, -1) {
		next := strings.TrimSpace(m[1])
		if strings.HasPrefix(next, "difficult") || strings.HasPrefix(next, "level") || strings.HasPrefix(next, "bag") {
			continue
		}
		return string(domain.StyleMixed), true
	}
	return "", false
}
