// Package sandbox runs solutions against test definitions in disposable,
// network-less containers.
package sandbox

import (
	"context"
	"slices"
	"time"

	"github.com/ashureev/shsh-forge/internal/domain"
)

// JudgeRequest is one solution to run against its tests.
type JudgeRequest struct {
	Language domain.Language
	Style    domain.Style
	// Files maps relative file names to contents.
	Files   map[string]string
	Tests   domain.TestSuite
	Timeout time.Duration
}

// Verdict is the outcome of a judge run.
type Verdict struct {
	Success  bool     `json:"success"`
	Passed   []string `json:"passed"`
	Failed   []string `json:"failed"`
	Stdout   string   `json:"-"`
	Stderr   string   `json:"-"`
	TimedOut bool     `json:"timed_out"`
	ExitCode int64    `json:"exit_code"`
}

// Covers reports whether every name in names passed and nothing failed.
func (v *Verdict) Covers(names []string) bool {
	if len(v.Failed) > 0 || v.TimedOut {
		return false
	}
	for _, n := range names {
		if !slices.Contains(v.Passed, n) {
			return false
		}
	}
	return true
}

// Executor runs code in isolation. An error means the executor itself failed;
// a failing solution is reported through the Verdict.
type Executor interface {
	Judge(ctx context.Context, req JudgeRequest) (*Verdict, error)
}

// SolutionFile returns the conventional file name for a single-file solution.
func SolutionFile(lang domain.Language) string {
	switch lang {
	case domain.LanguagePython:
		return "solution.py"
	case domain.LanguageJavaScript:
		return "solution.js"
	case domain.LanguageJava:
		return "Solution.java"
	case domain.LanguageSQL:
		return "solution.sql"
	}
	return "solution.txt"
}

// Files builds the file map for a single source string or a file set.
func Files(lang domain.Language, source string, files map[string]string) map[string]string {
	out := make(map[string]string, len(files)+1)
	for k, v := range files {
		out[k] = v
	}
	if source != "" {
		out[SolutionFile(lang)] = source
	}
	return out
}
