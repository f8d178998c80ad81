package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/shsh-forge/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "forge.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newThread(id string) *domain.Thread {
	now := time.Now()
	return &domain.Thread{
		ID:        id,
		State:     domain.StateDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestThreadRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	th := newThread("t1")
	th.LearningMode = true
	th.Spec.Language = domain.LanguagePython
	th.Spec.Difficulty = domain.Distribution{{Tier: domain.DifficultyEasy, Count: 2}}
	th.Commit(domain.FieldLanguage)
	th.Pending = &domain.PendingPatch{ProblemCount: 3}
	th.Append(domain.RoleUser, "hello", time.Now())

	if err := s.CreateThread(ctx, th); err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}

	got, err := s.GetThread(ctx, "t1")
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	if got.Version != 1 || !got.LearningMode || got.Spec.Language != domain.LanguagePython {
		t.Fatalf("unexpected thread: %+v", got)
	}
	if !got.Committed(domain.FieldLanguage) || got.Pending == nil || got.Pending.ProblemCount != 3 {
		t.Fatalf("commitments or pending lost: %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "hello" {
		t.Fatalf("messages = %+v", got.Messages)
	}
}

func TestGetThreadNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if _, err := s.GetThread(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetThread() error = %v, want ErrNotFound", err)
	}
}

func TestUpdateThreadOptimisticLock(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateThread(ctx, newThread("t1")); err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}

	a, _ := s.GetThread(ctx, "t1")
	b, _ := s.GetThread(ctx, "t1")

	a.State = domain.StateClarifying
	if err := s.UpdateThread(ctx, a); err != nil {
		t.Fatalf("first UpdateThread() error = %v", err)
	}
	if a.Version != 2 {
		t.Fatalf("Version = %d, want 2", a.Version)
	}

	b.State = domain.StateReady
	if err := s.UpdateThread(ctx, b); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale UpdateThread() error = %v, want ErrVersionConflict", err)
	}

	missing := newThread("nope")
	missing.Version = 1
	if err := s.UpdateThread(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateThread(missing) error = %v, want ErrNotFound", err)
	}
}

func testActivity(id string) *domain.Activity {
	return &domain.Activity{
		ID:        id,
		Title:     "Strings practice",
		Status:    domain.ActivityDraft,
		CreatedAt: time.Now(),
		Problems: []domain.Problem{
			{
				ID: "p1", Position: 0, Title: "Reverse", Description: "Reverse a string.",
				StarterCode: "def solve(s):\n    raise NotImplementedError\n",
				Tests: domain.TestSuite{Entrypoint: "solve", Cases: []domain.TestCase{
					{Name: "case_1", Input: json.RawMessage(`["ab"]`), Expected: json.RawMessage(`"ba"`)},
				}},
				SampleInputs: []string{"ab"}, SampleOutputs: []string{"ba"},
				Difficulty: domain.DifficultyEasy, Topic: "strings",
				Language: domain.LanguagePython, Style: domain.StyleReturn,
			},
			{
				ID: "p2", Position: 1, Title: "Upper", Description: "Uppercase a string.",
				StarterFiles: map[string]string{"solution.py": "# TODO"},
				Tests:        domain.TestSuite{Entrypoint: "solve", Cases: []domain.TestCase{{Name: "case_1", Expected: json.RawMessage(`"A"`)}}},
				SampleInputs: []string{"a"}, SampleOutputs: []string{"A"},
				Difficulty: domain.DifficultyMedium, Topic: "strings",
				Language: domain.LanguagePython, Style: domain.StyleReturn,
			},
		},
	}
}

func TestCommitActivity(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	th := newThread("t1")
	th.State = domain.StateGenerating
	if err := s.CreateThread(ctx, th); err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}

	if err := s.CommitActivity(ctx, "t1", testActivity("a1")); err != nil {
		t.Fatalf("CommitActivity() error = %v", err)
	}

	got, err := s.GetThread(ctx, "t1")
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	if got.State != domain.StateSaved || got.ActivityID != "a1" || got.Version != 2 {
		t.Fatalf("thread after commit = %+v", got)
	}

	a, err := s.GetActivity(ctx, "a1")
	if err != nil {
		t.Fatalf("GetActivity() error = %v", err)
	}
	if len(a.Problems) != 2 || a.Problems[0].ID != "p1" || a.Problems[1].StarterFiles["solution.py"] != "# TODO" {
		t.Fatalf("problems = %+v", a.Problems)
	}
	if a.ThreadID != "t1" {
		t.Fatalf("ThreadID = %q", a.ThreadID)
	}
}

func TestCommitActivityRequiresGenerating(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	th := newThread("t1")
	th.State = domain.StateReady
	if err := s.CreateThread(ctx, th); err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}

	err := s.CommitActivity(ctx, "t1", testActivity("a1"))
	if !errors.Is(err, ErrNotGenerating) {
		t.Fatalf("CommitActivity() error = %v, want ErrNotGenerating", err)
	}

	if _, err := s.GetActivity(ctx, "a1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("activity must not exist after rollback, err = %v", err)
	}
	if _, err := s.GetProblem(ctx, "a1", "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("problem must not exist after rollback, err = %v", err)
	}
}

func TestFailInterrupted(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	stuck := newThread("stuck")
	stuck.State = domain.StateGenerating
	ready := newThread("ready")
	ready.State = domain.StateReady
	for _, th := range []*domain.Thread{stuck, ready} {
		if err := s.CreateThread(ctx, th); err != nil {
			t.Fatalf("CreateThread() error = %v", err)
		}
	}

	n, err := s.FailInterrupted(ctx, "generation interrupted")
	if err != nil {
		t.Fatalf("FailInterrupted() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("FailInterrupted() = %d, want 1", n)
	}

	got, err := s.GetThread(ctx, "stuck")
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	if got.State != domain.StateFailed || got.LastError != "generation interrupted" || got.Version != 2 {
		t.Fatalf("stuck thread = %+v", got)
	}
	if got, _ := s.GetThread(ctx, "ready"); got.State != domain.StateReady || got.Version != 1 {
		t.Fatalf("ready thread changed: %+v", got)
	}

	if n, err := s.FailInterrupted(ctx, "generation interrupted"); err != nil || n != 0 {
		t.Fatalf("second FailInterrupted() = %d, %v", n, err)
	}
}

func TestPublishAndSubmissions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	th := newThread("t1")
	th.State = domain.StateGenerating
	if err := s.CreateThread(ctx, th); err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	if err := s.CommitActivity(ctx, "t1", testActivity("a1")); err != nil {
		t.Fatalf("CommitActivity() error = %v", err)
	}

	limit := 30
	a, err := s.PublishActivity(ctx, "a1", &limit)
	if err != nil {
		t.Fatalf("PublishActivity() error = %v", err)
	}
	if a.Status != domain.ActivityPublished || a.PublishedAt == nil || *a.TimeLimitMinutes != 30 {
		t.Fatalf("published activity = %+v", a)
	}
	if _, err := s.PublishActivity(ctx, "missing", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("PublishActivity(missing) error = %v", err)
	}

	list, err := s.ListActivities(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListActivities() = %v, %v", list, err)
	}

	p, err := s.GetProblem(ctx, "a1", "p1")
	if err != nil {
		t.Fatalf("GetProblem() error = %v", err)
	}
	if p.Tests.Entrypoint != "solve" || len(p.Tests.Cases) != 1 {
		t.Fatalf("problem tests = %+v", p.Tests)
	}

	sub := &domain.Submission{ID: "s1", ActivityID: "a1", ProblemID: "p1", Passed: []string{"case_1"}, Success: true, CreatedAt: time.Now()}
	if err := s.InsertSubmission(ctx, sub); err != nil {
		t.Fatalf("InsertSubmission() error = %v", err)
	}
}
