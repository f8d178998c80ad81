// Package forge is the service facade: threads, generation runs, activities
// and submissions.
package forge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/shsh-forge/internal/domain"
	"github.com/ashureev/shsh-forge/internal/negotiation"
	"github.com/ashureev/shsh-forge/internal/pipeline"
	"github.com/ashureev/shsh-forge/internal/progress"
	"github.com/ashureev/shsh-forge/internal/sandbox"
	"github.com/ashureev/shsh-forge/internal/store"
	"github.com/ashureev/shsh-forge/internal/transcript"
)

var (
	// ErrInvalidState is returned when an operation does not apply to the
	// thread's current state.
	ErrInvalidState = errors.New("invalid thread state")
	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("invalid input")
)

const (
	maxSubmissionBytes = 64 * 1024
	markFailedTimeout  = 10 * time.Second
	reasonInternal     = "internal error"
)

// ReasonInterrupted is recorded on threads whose run was cut short.
const ReasonInterrupted = "generation interrupted"

// Generator runs a generation pipeline.
type Generator interface {
	Run(ctx context.Context, req pipeline.RunRequest) (*pipeline.RunResult, error)
}

// Options are the collaborators of a Service.
type Options struct {
	Repo       store.Repository
	Negotiator *negotiation.Negotiator
	Generator  Generator
	Progress   *progress.Bus
	Executor   sandbox.Executor
	Transcript transcript.Logger
	Policy     domain.Policy
	Logger     *slog.Logger
	// BaseContext bounds generation runs. Canceling it aborts every run.
	BaseContext context.Context
}

// Service implements the exposed operations.
type Service struct {
	repo       store.Repository
	negotiator *negotiation.Negotiator
	generator  Generator
	bus        *progress.Bus
	executor   sandbox.Executor
	transcript transcript.Logger
	policy     domain.Policy
	logger     *slog.Logger
	baseCtx    context.Context

	// threadLocks serializes mutations per thread ID.
	threadLocks sync.Map
	runs        sync.WaitGroup
	now         func() time.Time
}

// New creates a Service.
func New(o Options) *Service {
	s := &Service{
		repo:       o.Repo,
		negotiator: o.Negotiator,
		generator:  o.Generator,
		bus:        o.Progress,
		executor:   o.Executor,
		transcript: o.Transcript,
		policy:     o.Policy,
		logger:     o.Logger,
		baseCtx:    o.BaseContext,
		now:        time.Now,
	}
	if s.transcript == nil {
		s.transcript = transcript.Nop()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.baseCtx == nil {
		s.baseCtx = context.Background()
	}
	return s
}

func (s *Service) lock(threadID string) func() {
	l, _ := s.threadLocks.LoadOrStore(threadID, &sync.Mutex{})
	mu := l.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// forget drops the lock entry of a missing or finished thread. Callers hold
// the thread's lock. SAVED and FAILED threads are never written again, so a
// later caller starting from a fresh mutex cannot race a write.
func (s *Service) forget(threadID string) {
	s.threadLocks.Delete(threadID)
}

func finished(state domain.ThreadState) bool {
	return state == domain.StateSaved || state == domain.StateFailed
}

// CreateThreadResult is returned by CreateThread.
type CreateThreadResult struct {
	ThreadID      string `json:"thread_id"`
	InitialPrompt string `json:"initial_prompt"`
}

// CreateThread starts a new negotiation thread.
func (s *Service) CreateThread(ctx context.Context, learningMode bool) (*CreateThreadResult, error) {
	now := s.now()
	prompt := s.negotiator.InitialPrompt()
	t := &domain.Thread{
		ID:           uuid.NewString(),
		State:        domain.StateDraft,
		LearningMode: learningMode,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	t.Append(domain.RoleAssistant, prompt, now)

	if err := s.repo.CreateThread(ctx, t); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	s.transcript.Log(transcript.Event{ThreadID: t.ID, EventType: "thread_created", Role: string(domain.RoleAssistant), State: string(t.State), Content: prompt})
	s.logger.Info("Thread created", "thread_id", t.ID, "learning_mode", learningMode)
	return &CreateThreadResult{ThreadID: t.ID, InitialPrompt: prompt}, nil
}

// GetThread returns a thread.
func (s *Service) GetThread(ctx context.Context, threadID string) (*domain.Thread, error) {
	t, err := s.repo.GetThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", threadID, err)
	}
	return t, nil
}

// PostMessage runs one negotiation turn and persists the result.
func (s *Service) PostMessage(ctx context.Context, threadID, message string) (*negotiation.TurnResult, error) {
	unlock := s.lock(threadID)
	defer unlock()

	t, err := s.repo.GetThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.forget(threadID)
		}
		return nil, fmt.Errorf("get thread %s: %w", threadID, err)
	}
	if finished(t.State) {
		s.forget(threadID)
	}

	res, err := s.negotiator.Turn(ctx, t, message)
	if errors.Is(err, negotiation.ErrThreadClosed) {
		return nil, fmt.Errorf("post message: %w: thread is %s", ErrInvalidState, t.State)
	}
	if err != nil {
		return nil, fmt.Errorf("negotiate turn: %w", err)
	}

	accepted := res.Accepted
	s.transcript.Log(transcript.Event{ThreadID: threadID, EventType: "user_message", Role: string(domain.RoleUser), Content: message, Accepted: &accepted})
	s.transcript.Log(transcript.Event{ThreadID: threadID, EventType: "assistant_message", Role: string(domain.RoleAssistant), State: string(res.State), Content: res.NextPrompt})

	if !res.Accepted {
		return res, nil
	}
	if err := s.repo.UpdateThread(ctx, t); err != nil {
		return nil, fmt.Errorf("save thread %s: %w", threadID, err)
	}
	return res, nil
}

// GenerationResult is the outcome of a successful run.
type GenerationResult struct {
	ActivityID   string `json:"activity_id"`
	ProblemCount int    `json:"problem_count"`
}

// RunHandle tracks an asynchronous generation run.
type RunHandle struct {
	ThreadID string
	done     chan struct{}
	result   *GenerationResult
	err      error
}

// Done is closed when the run has finished and the thread reached SAVED or FAILED.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run finishes or ctx is done. Canceling ctx does not
// cancel the run.
func (h *RunHandle) Wait(ctx context.Context) (*GenerationResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StartGeneration freezes a READY thread's spec and starts the pipeline in
// the background. The run is independent of ctx.
func (s *Service) StartGeneration(ctx context.Context, threadID string) (*RunHandle, error) {
	unlock := s.lock(threadID)
	defer unlock()

	t, err := s.repo.GetThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.forget(threadID)
		}
		return nil, fmt.Errorf("get thread %s: %w", threadID, err)
	}
	if finished(t.State) {
		s.forget(threadID)
	}
	if t.State != domain.StateReady || !t.Spec.Complete() {
		return nil, fmt.Errorf("start generation: %w: thread is %s", ErrInvalidState, t.State)
	}

	t.Spec.Frozen = true
	t.Transition(domain.StateGenerating)
	t.LastError = ""
	t.UpdatedAt = s.now()
	if err := s.repo.UpdateThread(ctx, t); err != nil {
		return nil, fmt.Errorf("save thread %s: %w", threadID, err)
	}
	s.bus.Open(threadID)
	s.transcript.Log(transcript.Event{ThreadID: threadID, EventType: "generation_started", State: string(t.State)})

	h := &RunHandle{ThreadID: threadID, done: make(chan struct{})}
	req := pipeline.RunRequest{
		ThreadID:     threadID,
		Title:        activityTitle(t.Spec),
		Spec:         t.Spec.Clone(),
		LearningMode: t.LearningMode,
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer close(h.done)
		h.result, h.err = s.run(req)
	}()
	return h, nil
}

func (s *Service) run(req pipeline.RunRequest) (*GenerationResult, error) {
	res, err := s.generator.Run(s.baseCtx, req)
	if err == nil {
		unlock := s.lock(req.ThreadID)
		s.forget(req.ThreadID)
		unlock()
		s.transcript.Log(transcript.Event{ThreadID: req.ThreadID, EventType: "generation_saved", State: string(domain.StateSaved), Content: res.ActivityID})
		return &GenerationResult{ActivityID: res.ActivityID, ProblemCount: len(res.Slots)}, nil
	}

	reason := reasonInternal
	switch {
	case errors.Is(err, pipeline.ErrFatal):
		s.logger.Error("Generation failed with internal error", "thread_id", req.ThreadID, "error", err)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		reason = ReasonInterrupted
	case res != nil && res.Reason != "":
		reason = res.Reason
	}
	s.markFailed(req.ThreadID, reason)
	s.transcript.Log(transcript.Event{ThreadID: req.ThreadID, EventType: "generation_failed", State: string(domain.StateFailed), Content: progress.Sanitize(reason)})
	return nil, fmt.Errorf("generate thread %s: %w", req.ThreadID, err)
}

// markFailed moves a GENERATING thread to FAILED with reason.
func (s *Service) markFailed(threadID, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.baseCtx), markFailedTimeout)
	defer cancel()

	unlock := s.lock(threadID)
	defer unlock()

	for attempt := 0; attempt < 3; attempt++ {
		t, err := s.repo.GetThread(ctx, threadID)
		if err != nil {
			s.logger.Error("Failed to load thread to mark failed", "thread_id", threadID, "error", err)
			return
		}
		if t.State != domain.StateGenerating {
			if finished(t.State) {
				s.forget(threadID)
			}
			return
		}
		t.Transition(domain.StateFailed)
		t.LastError = progress.Sanitize(reason)
		t.UpdatedAt = s.now()
		err = s.repo.UpdateThread(ctx, t)
		if err == nil {
			s.forget(threadID)
			return
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			s.logger.Error("Failed to mark thread failed", "thread_id", threadID, "error", err)
			return
		}
	}
}

// TriggerGeneration runs generation for a READY thread and waits for it.
func (s *Service) TriggerGeneration(ctx context.Context, threadID string) (*GenerationResult, error) {
	h, err := s.StartGeneration(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return h.Wait(ctx)
}

// Wait blocks until every background run has finished.
func (s *Service) Wait() {
	s.runs.Wait()
}

// SubscribeProgress subscribes to a thread's run events after afterSeq.
func (s *Service) SubscribeProgress(threadID string, afterSeq int64) (*progress.Subscription, error) {
	sub, err := s.bus.Subscribe(threadID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", threadID, err)
	}
	return sub, nil
}

// Unsubscribe releases a progress subscription. The run is not affected.
func (s *Service) Unsubscribe(sub *progress.Subscription) {
	s.bus.Unsubscribe(sub)
}

// Dropped reports whether sub was cut off for falling behind.
func (s *Service) Dropped(sub *progress.Subscription) bool {
	return s.bus.Dropped(sub)
}

// ListActivities returns every stored activity.
func (s *Service) ListActivities(ctx context.Context) ([]*domain.Activity, error) {
	list, err := s.repo.ListActivities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	return list, nil
}

// GetActivity returns an activity with its problems.
func (s *Service) GetActivity(ctx context.Context, id string) (*domain.Activity, error) {
	a, err := s.repo.GetActivity(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get activity %s: %w", id, err)
	}
	return a, nil
}

// PublishActivity marks an activity as published, optionally with a time limit.
func (s *Service) PublishActivity(ctx context.Context, id string, timeLimitMinutes *int) (*domain.Activity, error) {
	if timeLimitMinutes != nil && (*timeLimitMinutes < 1 || *timeLimitMinutes > 24*60) {
		return nil, fmt.Errorf("publish activity: %w: time limit must be between 1 and 1440 minutes", ErrInvalidInput)
	}
	a, err := s.repo.PublishActivity(ctx, id, timeLimitMinutes)
	if err != nil {
		return nil, fmt.Errorf("publish activity %s: %w", id, err)
	}
	s.logger.Info("Activity published", "activity_id", id)
	return a, nil
}

// SubmissionRequest is a learner's solution.
type SubmissionRequest struct {
	Source string            `json:"source"`
	Files  map[string]string `json:"files,omitempty"`
}

// SubmitSolution grades a learner's solution against the stored tests.
func (s *Service) SubmitSolution(ctx context.Context, activityID, problemID string, req SubmissionRequest) (*domain.Submission, error) {
	size := len(req.Source)
	for _, f := range req.Files {
		size += len(f)
	}
	if size == 0 {
		return nil, fmt.Errorf("submit solution: %w: empty submission", ErrInvalidInput)
	}
	if size > maxSubmissionBytes {
		return nil, fmt.Errorf("submit solution: %w: submission exceeds %d bytes", ErrInvalidInput, maxSubmissionBytes)
	}

	p, err := s.repo.GetProblem(ctx, activityID, problemID)
	if err != nil {
		return nil, fmt.Errorf("get problem %s: %w", problemID, err)
	}

	verdict, err := s.executor.Judge(ctx, sandbox.JudgeRequest{
		Language: p.Language,
		Style:    p.Style,
		Files:    sandbox.Files(p.Language, req.Source, req.Files),
		Tests:    p.Tests,
		Timeout:  s.policy.SandboxTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("judge submission: %w", err)
	}

	sub := &domain.Submission{
		ID:         uuid.NewString(),
		ActivityID: activityID,
		ProblemID:  problemID,
		Passed:     verdict.Passed,
		Failed:     verdict.Failed,
		Success:    verdict.Success && verdict.Covers(p.Tests.CaseNames()),
		TimedOut:   verdict.TimedOut,
		CreatedAt:  s.now(),
	}
	if err := s.repo.InsertSubmission(ctx, sub); err != nil {
		return nil, fmt.Errorf("save submission: %w", err)
	}
	return sub, nil
}

var languageNames = map[domain.Language]string{
	domain.LanguagePython:     "Python",
	domain.LanguageJavaScript: "JavaScript",
	domain.LanguageJava:       "Java",
	domain.LanguageSQL:        "SQL",
}

func activityTitle(spec domain.SpecDraft) string {
	name := languageNames[spec.Language]
	if name == "" {
		name = string(spec.Language)
	}
	return fmt.Sprintf("%s practice: %s", name, strings.Join(spec.Topics, ", "))
}
