package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// TestCase is one named check against a solution.
type TestCase struct {
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input,omitempty"`
	Expected json.RawMessage `json:"expected"`
}

// TestSuite is the executable test definition of a problem.
type TestSuite struct {
	Entrypoint string     `json:"entrypoint,omitempty"`
	Setup      string     `json:"setup,omitempty"`
	Cases      []TestCase `json:"cases"`
}

// CaseNames returns the test case names in order.
func (s TestSuite) CaseNames() []string {
	names := make([]string, len(s.Cases))
	for i, c := range s.Cases {
		names[i] = c.Name
	}
	return names
}

// Slot is one unit of generation work.
type Slot struct {
	Index      int        `json:"index"`
	Difficulty Difficulty `json:"difficulty"`
	Topic      string     `json:"topic"`
	Language   Language   `json:"language"`
	Style      Style      `json:"style"`
}

// ProblemDraft is a generated problem before verification. It still carries
// the reference solution and must never be persisted as is.
type ProblemDraft struct {
	ID                string            `json:"id"`
	Title             string            `json:"title"`
	Description       string            `json:"description"`
	StarterCode       string            `json:"starter_code,omitempty"`
	StarterFiles      map[string]string `json:"starter_files,omitempty"`
	Tests             TestSuite         `json:"tests"`
	ReferenceSolution string            `json:"reference_solution,omitempty"`
	ReferenceFiles    map[string]string `json:"reference_files,omitempty"`
	Constraints       []string          `json:"constraints,omitempty"`
	SampleInputs      []string          `json:"sample_inputs"`
	SampleOutputs     []string          `json:"sample_outputs"`
	Difficulty        Difficulty        `json:"difficulty"`
	Topic             string            `json:"topic"`
	Language          Language          `json:"language"`
	Style             Style             `json:"style"`
}

// ReferenceDigests returns the digests of every reference source.
func (d *ProblemDraft) ReferenceDigests() []string {
	var out []string
	if d.ReferenceSolution != "" {
		out = append(out, Digest(d.ReferenceSolution))
	}
	names := make([]string, 0, len(d.ReferenceFiles))
	for name := range d.ReferenceFiles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, Digest(d.ReferenceFiles[name]))
	}
	return out
}

// Digest hashes source text after trimming surrounding whitespace.
func Digest(source string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(source)))
	return hex.EncodeToString(sum[:])
}

// Strip returns the learner-facing problem. Reference fields do not exist on
// Problem, so nothing from them can leak.
func (d *ProblemDraft) Strip() *Problem {
	p := &Problem{
		ID:            d.ID,
		Title:         d.Title,
		Description:   d.Description,
		StarterCode:   d.StarterCode,
		Tests:         d.Tests,
		Constraints:   d.Constraints,
		SampleInputs:  d.SampleInputs,
		SampleOutputs: d.SampleOutputs,
		Difficulty:    d.Difficulty,
		Topic:         d.Topic,
		Language:      d.Language,
		Style:         d.Style,
	}
	if len(d.StarterFiles) > 0 {
		p.StarterFiles = make(map[string]string, len(d.StarterFiles))
		for k, v := range d.StarterFiles {
			p.StarterFiles[k] = v
		}
	}
	return p
}

// Problem is a verified, persisted problem without reference material.
type Problem struct {
	ID            string            `json:"id"`
	Position      int               `json:"position"`
	Title         string            `json:"title"`
	Description   string            `json:"description"`
	StarterCode   string            `json:"starter_code,omitempty"`
	StarterFiles  map[string]string `json:"starter_files,omitempty"`
	Tests         TestSuite         `json:"tests"`
	Constraints   []string          `json:"constraints,omitempty"`
	SampleInputs  []string          `json:"sample_inputs"`
	SampleOutputs []string          `json:"sample_outputs"`
	Difficulty    Difficulty        `json:"difficulty"`
	Topic         string            `json:"topic"`
	Language      Language          `json:"language"`
	Style         Style             `json:"style"`
}

// ActivityStatus is the publication state of an activity.
type ActivityStatus string

const (
	ActivityDraft     ActivityStatus = "draft"
	ActivityPublished ActivityStatus = "published"
)

// Activity is a persisted, verified problem set.
type Activity struct {
	ID               string         `json:"id"`
	ThreadID         string         `json:"thread_id"`
	Title            string         `json:"title"`
	Problems         []Problem      `json:"problems,omitempty"`
	Status           ActivityStatus `json:"status"`
	TimeLimitMinutes *int           `json:"time_limit_minutes,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	PublishedAt      *time.Time     `json:"published_at,omitempty"`
}

// Submission is a graded learner attempt at a problem.
type Submission struct {
	ID         string    `json:"id"`
	ActivityID string    `json:"activity_id"`
	ProblemID  string    `json:"problem_id"`
	Passed     []string  `json:"passed"`
	Failed     []string  `json:"failed"`
	Success    bool      `json:"success"`
	TimedOut   bool      `json:"timed_out"`
	CreatedAt  time.Time `json:"created_at"`
}
