package pipeline

import (
	"fmt"
	"strings"

	"github.com/ashureev/shsh-forge/internal/domain"
)

const systemPrompt = `You write programming practice problems with executable tests.
Respond with a single JSON object and nothing else. Fields:
  "title": short title (at most 120 characters)
  "description": the problem statement in markdown
  "starter_code": code given to the learner; it must not solve the problem
  "reference_solution": a complete, correct solution
  "tests": {"entrypoint": function name, "setup": sql schema and seed rows (sql only), "cases": [{"name": unique name, "input": JSON array of arguments, "expected": JSON value}]}
  "constraints": list of input constraints
  "sample_inputs": list of example inputs
  "sample_outputs": list of example outputs, same length as sample_inputs
The reference solution must pass every test case exactly.`

// buildPrompt renders the drafting prompt for slot. feedback describes why
// the previous attempt was rejected, if any.
func buildPrompt(slot domain.Slot, spec domain.SpecDraft, pol domain.Policy, feedback string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Write one %s %s problem about %q.\n", slot.Difficulty, slot.Language, slot.Topic)
	fmt.Fprintf(&b, "Write exactly %d test cases.\n", pol.TestCaseCount(slot.Language))

	switch slot.Language {
	case domain.LanguageSQL:
		b.WriteString("The solution is a single read-only SELECT query. Put CREATE TABLE and INSERT statements in tests.setup. ")
		b.WriteString("Each expected value is the list of result rows, each row a list of column values. Omit input.\n")
	default:
		switch slot.Style {
		case domain.StyleReturn:
			b.WriteString("The solution returns its answer from the entrypoint function. Expected values are the return values.\n")
		case domain.StylePrint:
			b.WriteString("The solution prints its answer to standard output. Expected values are the exact printed text.\n")
		case domain.StyleMixed:
			b.WriteString("The solution returns its answer from the entrypoint function and may print progress. Expected values are the return values.\n")
		}
	}
	if slot.Language == domain.LanguageJava {
		b.WriteString("Use a public class named Solution with a static entrypoint method.\n")
	}

	if spec.Constraints != "" {
		fmt.Fprintf(&b, "Requirements from the learner: %s\n", spec.Constraints)
	}
	if spec.Focus != "" {
		fmt.Fprintf(&b, "Focus: %s\n", spec.Focus)
	}
	if feedback != "" {
		fmt.Fprintf(&b, "\nYour previous attempt was rejected: %s\nFix this and respond with the complete JSON object again.\n", feedback)
	}
	return b.String()
}
