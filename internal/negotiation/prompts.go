package negotiation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/ashureev/shsh-forge/internal/domain"
)

const initialPrompt = "What would you like to practice? Tell me how many problems you want, " +
	"how hard they should be, the language and the topics. For example: 4 easy python problems, return style, topics: strings."

const adviceSystemPrompt = `You help a learner describe a set of programming practice problems.
Read the conversation and extract only values the learner stated or clearly implied.
Respond with one JSON object: {"patch": {...}, "reply": "..."}.
Allowed patch keys:
  "problem_count": integer
  "difficulty": list of {"tier": "easy"|"medium"|"hard", "count": integer}
  "language": "python" | "javascript" | "java" | "sql"
  "topics": list of short lowercase topic tags
  "style": "return" | "print" | "mixed"
  "constraints": free text requirements
  "focus": free text learning focus
Leave out any key the learner did not mention. Never invent values.`

func (n *Negotiator) question(field string, spec domain.SpecDraft) string {
	switch field {
	case domain.FieldProblemCount:
		return fmt.Sprintf("How many problems would you like (%d to %d)?", n.policy.MinProblems, n.policy.MaxProblems)
	case domain.FieldDifficulty:
		if spec.ProblemCount > 0 {
			return fmt.Sprintf("How should the %d problems be split across easy, medium and hard? For example: %s.",
				spec.ProblemCount, exampleSplit(spec.ProblemCount))
		}
		return "How hard should the problems be? For example: 2 easy, 1 medium."
	case domain.FieldLanguage:
		return "Which language should the problems use: python, javascript, java or sql?"
	case domain.FieldTopics:
		return "Which topics should the problems cover? For example: topics: strings, hash maps."
	case domain.FieldStyle:
		return "Should solutions return their answer or print it? Answer return, print or mixed."
	}
	return "Could you tell me more about the problems you want?"
}

func exampleSplit(count int) string {
	if count == 1 {
		return "1 medium"
	}
	easy := (count + 1) / 2
	return fmt.Sprintf("%d easy, %d medium", easy, count-easy)
}

func readyPrompt(spec domain.SpecDraft) string {
	return fmt.Sprintf("Ready to build %d %s problems (%s) on %s, %s style. Say generate to start, or keep adjusting.",
		spec.ProblemCount, spec.Language, spec.Difficulty, strings.Join(spec.Topics, ", "), spec.Style)
}

func confirmPrompt(spec domain.SpecDraft, p *domain.PendingPatch) string {
	var changes []string
	if p.Language != "" {
		changes = append(changes, fmt.Sprintf("switch the language from %s to %s", spec.Language, p.Language))
	}
	if p.ProblemCount > 0 {
		change := fmt.Sprintf("change the problem count from %d to %d", spec.ProblemCount, p.ProblemCount)
		if len(p.Difficulty) > 0 {
			change += fmt.Sprintf(" (%s)", p.Difficulty)
		}
		changes = append(changes, change)
	}
	return fmt.Sprintf("You already settled on this. Should I %s? Reply yes to confirm.", strings.Join(changes, " and "))
}

var affirmativeWords = map[string]bool{
	"yes": true, "y": true, "yeah": true, "yep": true, "yup": true, "ok": true, "okay": true,
	"sure": true, "confirm": true, "confirmed": true, "correct": true, "right": true,
	"fine": true, "perfect": true,
}

var affirmativePhrases = []string{"do it", "go ahead", "please do", "sounds good"}

// courtesyWords may pad a confirmation without changing its meaning.
var courtesyWords = map[string]bool{
	"please": true, "thanks": true, "thank": true, "you": true, "then": true,
	"do": true, "it": true, "go": true, "ahead": true, "sounds": true, "good": true,
}

// isAffirmative reports whether message confirms a pending change. Every word
// must be a confirmation or courtesy, so "ok no" and "right, keep python" do
// not count.
func isAffirmative(message string) bool {
	words := strings.FieldsFunc(strings.ToLower(message), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	if len(words) == 0 {
		return false
	}
	affirmed := false
	for _, w := range words {
		switch {
		case affirmativeWords[w]:
			affirmed = true
		case courtesyWords[w]:
		default:
			return false
		}
	}
	if affirmed {
		return true
	}
	joined := strings.Join(words, " ")
	for _, phrase := range affirmativePhrases {
		if strings.Contains(joined, phrase) {
			return true
		}
	}
	return false
}
