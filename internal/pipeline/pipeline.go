// Package pipeline expands a frozen spec into verified problems, one slot at
// a time, and hands a fully successful run to the persistence boundary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/shsh-forge/internal/contract"
	"github.com/ashureev/shsh-forge/internal/domain"
	"github.com/ashureev/shsh-forge/internal/gateway"
	"github.com/ashureev/shsh-forge/internal/planner"
	"github.com/ashureev/shsh-forge/internal/progress"
	"github.com/ashureev/shsh-forge/internal/sandbox"
	"github.com/ashureev/shsh-forge/internal/syntax"
)

var (
	// ErrFatal marks failures that are not caused by generator or sandbox
	// unreliability, such as a broken plan or a failed write.
	ErrFatal = errors.New("fatal pipeline error")
	// ErrRunFailed is returned when at least one slot exhausted its attempts.
	ErrRunFailed = errors.New("generation run failed")
)

const (
	reasonGeneratorUnavailable = "generator unavailable"
	reasonInternal             = "internal error"
	tracerName                 = "github.com/ashureev/shsh-forge/internal/pipeline"
)

// compileMarkers are lower-cased stderr fragments of syntax and compile
// failures across the supported languages.
var compileMarkers = []string{"syntaxerror", "syntax error", "indentationerror", ": error:", "cannot find symbol"}

// Publisher receives progress events.
type Publisher interface {
	Open(runID string)
	Publish(runID string, ev progress.Event) progress.Event
}

// Persister stores the problems of a fully successful run.
type Persister interface {
	PersistActivity(ctx context.Context, threadID, title string, results []domain.SlotResult) (string, error)
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Completer gateway.Completer
	Executor  sandbox.Executor
	Progress  Publisher
	Persister Persister
	Policy    domain.Policy
	// NewBackOff builds the delay schedule between attempts of one slot.
	// Defaults to an exponential schedule from the policy.
	NewBackOff func() backoff.BackOff
	Logger     *slog.Logger
}

// Runner executes generation runs.
type Runner struct {
	completer  gateway.Completer
	executor   sandbox.Executor
	progress   Publisher
	persister  Persister
	policy     domain.Policy
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewRunner creates a Runner.
func NewRunner(d Deps) *Runner {
	r := &Runner{
		completer:  d.Completer,
		executor:   d.Executor,
		progress:   d.Progress,
		persister:  d.Persister,
		policy:     d.Policy,
		newBackOff: d.NewBackOff,
		logger:     d.Logger,
		tracer:     otel.Tracer(tracerName),
	}
	if r.newBackOff == nil {
		r.newBackOff = PolicyBackOff(d.Policy)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.policy.MaxAttempts <= 0 {
		r.policy.MaxAttempts = domain.DefaultPolicy().MaxAttempts
	}
	if r.policy.Workers <= 0 {
		r.policy.Workers = 1
	}
	return r
}

// PolicyBackOff returns an exponential backoff factory bounded by the
// policy. A zero base disables waiting.
func PolicyBackOff(pol domain.Policy) func() backoff.BackOff {
	return func() backoff.BackOff {
		if pol.BackoffBase <= 0 {
			return &backoff.ZeroBackOff{}
		}
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = pol.BackoffBase
		if pol.BackoffMax > 0 {
			b.MaxInterval = pol.BackoffMax
		}
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
}

// RunRequest describes one generation run.
type RunRequest struct {
	ThreadID     string
	Title        string
	Spec         domain.SpecDraft
	LearningMode bool
}

// RunResult is the outcome of a run.
type RunResult struct {
	ActivityID string
	Slots      []domain.SlotResult
	Reason     string
}

// Run plans the spec, generates every slot and persists the activity when
// all slots are done. The run ID on the progress bus is the thread ID.
// A returned error wraps ErrRunFailed or ErrFatal, or is the context error.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	runID := req.ThreadID
	r.progress.Open(runID)
	start := time.Now()

	ctx, span := r.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("thread_id", req.ThreadID),
		attribute.Int("problem_count", req.Spec.ProblemCount),
	))
	defer span.End()

	slots, err := planner.Plan(req.Spec)
	if err != nil {
		r.logger.Error("Plan failed", "thread_id", req.ThreadID, "error", err)
		return r.fail(runID, span, &RunResult{Reason: reasonInternal}, fmt.Errorf("%w: %w", ErrFatal, err))
	}

	r.progress.Publish(runID, progress.Event{Kind: progress.KindRunStarted, Total: len(slots)})
	r.logger.Info("Generation run started", "thread_id", req.ThreadID, "slots", len(slots), "workers", r.policy.Workers)

	results := make([]domain.SlotResult, len(slots))
	var stopped atomic.Bool
	var g errgroup.Group
	g.SetLimit(r.policy.Workers)
	for i, slot := range slots {
		g.Go(func() error {
			if stopped.Load() || ctx.Err() != nil {
				results[i] = domain.SlotResult{Slot: slot, State: domain.SlotQueued, Reason: "not started"}
				return nil
			}
			results[i] = r.runSlot(ctx, req, slot)
			if results[i].State != domain.SlotDone {
				stopped.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()

	result := &RunResult{Slots: results}

	if err := ctx.Err(); err != nil {
		result.Reason = "generation canceled"
		return r.fail(runID, span, result, err)
	}

	for _, res := range results {
		if res.State == domain.SlotFailed {
			result.Reason = fmt.Sprintf("problem %d failed: %s", res.Slot.Index+1, res.Reason)
			return r.fail(runID, span, result, fmt.Errorf("%w: %s", ErrRunFailed, result.Reason))
		}
	}

	activityID, err := r.persister.PersistActivity(ctx, req.ThreadID, req.Title, results)
	if err != nil {
		r.logger.Error("Persist activity failed", "thread_id", req.ThreadID, "error", err)
		result.Reason = reasonInternal
		return r.fail(runID, span, result, fmt.Errorf("%w: %w", ErrFatal, err))
	}

	result.ActivityID = activityID
	r.progress.Publish(runID, progress.Event{Kind: progress.KindRunCompleted, ActivityID: activityID, Total: len(slots)})
	runsTotal.WithLabelValues("completed").Inc()
	span.SetAttributes(attribute.String("activity_id", activityID))
	r.logger.Info("Generation run completed",
		"thread_id", req.ThreadID,
		"activity_id", activityID,
		"duration", time.Since(start))
	return result, nil
}

func (r *Runner) fail(runID string, span trace.Span, result *RunResult, err error) (*RunResult, error) {
	r.progress.Publish(runID, progress.Event{Kind: progress.KindRunFailed, Error: result.Reason})
	outcome := "failed"
	if errors.Is(err, ErrFatal) {
		outcome = "fatal"
	} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		outcome = "canceled"
	}
	runsTotal.WithLabelValues(outcome).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, result.Reason)
	r.logger.Warn("Generation run failed", "thread_id", runID, "reason", result.Reason, "error", err)
	return result, err
}

// runSlot drives one slot to DONE or FAILED.
func (r *Runner) runSlot(ctx context.Context, req RunRequest, slot domain.Slot) domain.SlotResult {
	runID := req.ThreadID
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "pipeline.slot", trace.WithAttributes(
		attribute.Int("slot", slot.Index),
		attribute.String("difficulty", string(slot.Difficulty)),
		attribute.String("topic", slot.Topic),
	))
	defer span.End()

	publish := func(kind progress.Kind, fill func(*progress.Event)) {
		ev := progress.ForSlot(kind, slot.Index)
		if fill != nil {
			fill(&ev)
		}
		r.progress.Publish(runID, ev)
	}

	p := r.step(runID, slot, SlotProgress{State: domain.SlotQueued}, Outcome{Kind: OutcomeStart})
	publish(progress.KindSlotStarted, func(ev *progress.Event) { ev.Stage = string(p.State) })

	bo := r.newBackOff()
	var (
		raw      string
		draft    *domain.ProblemDraft
		feedback string
	)

	for p.State != domain.SlotDone && p.State != domain.SlotFailed {
		attempt := p.Attempt
		var next SlotProgress

		switch p.State {
		case domain.SlotDrafting:
			publish(progress.KindDraftingAttemptStarted, func(ev *progress.Event) {
				ev.Attempt = attempt
				ev.Stage = string(domain.SlotDrafting)
			})
			text, err := r.completer.Complete(ctx, systemPrompt, buildPrompt(slot, req.Spec, r.policy, feedback), gateway.Options{Temperature: 0.4})
			if err != nil {
				if ctx.Err() != nil {
					return canceled(slot, p)
				}
				r.logger.Warn("Drafting call failed", "thread_id", runID, "slot", slot.Index, "attempt", attempt, "error", err)
				attemptsTotal.WithLabelValues("drafting", "error").Inc()
				publish(progress.KindContractFailed, func(ev *progress.Event) {
					ev.Attempt = attempt
					ev.Stage = string(domain.SlotDrafting)
					ev.Error = reasonGeneratorUnavailable
				})
				next = r.step(runID, slot, p, Outcome{Kind: OutcomeGeneratorFailed, Reason: reasonGeneratorUnavailable})
				break
			}
			raw = text
			next = r.step(runID, slot, p, Outcome{Kind: OutcomeDrafted})

		case domain.SlotContractCheck:
			d, err := contract.ValidateProblemDraft(ctx, raw, slot, r.policy)
			raw = ""
			if err != nil {
				reason := err.Error()
				attemptsTotal.WithLabelValues("contract", "rejected").Inc()
				publish(progress.KindContractFailed, func(ev *progress.Event) {
					ev.Attempt = attempt
					ev.Stage = string(domain.SlotContractCheck)
					ev.Error = reason
				})
				feedback = reason
				next = r.step(runID, slot, p, Outcome{Kind: OutcomeContractFailed, Reason: reason})
				break
			}
			draft = d
			publish(progress.KindContractValidated, func(ev *progress.Event) {
				ev.Attempt = attempt
				ev.Stage = string(domain.SlotContractCheck)
			})
			next = r.step(runID, slot, p, Outcome{Kind: OutcomeContractPassed})

		case domain.SlotSandboxCheck:
			publish(progress.KindSandboxValidationStarted, func(ev *progress.Event) {
				ev.Attempt = attempt
				ev.Stage = string(domain.SlotSandboxCheck)
			})
			reason, timedOut, err := r.verify(ctx, draft)
			if err != nil && ctx.Err() != nil {
				return canceled(slot, p)
			}
			if reason == "" {
				attemptsTotal.WithLabelValues("sandbox", "passed").Inc()
				next = r.step(runID, slot, p, Outcome{Kind: OutcomeSandboxPassed})
				break
			}
			attemptsTotal.WithLabelValues("sandbox", "failed").Inc()
			publish(progress.KindSandboxValidationFailed, func(ev *progress.Event) {
				ev.Attempt = attempt
				ev.Stage = string(domain.SlotSandboxCheck)
				ev.Error = reason
				ev.TimedOut = timedOut
			})
			feedback = "the reference solution did not pass its own tests: " + reason
			next = r.step(runID, slot, p, Outcome{Kind: OutcomeSandboxFailed, Reason: reason, TimedOut: timedOut})

		default:
			next = r.abortSlot(runID, slot, p, fmt.Errorf("%w: no stage for state %s", ErrIllegalStep, p.State))
		}

		retrying := next.State == domain.SlotDrafting && next.Attempt > p.Attempt
		p = next
		if retrying {
			draft = nil
			if !sleep(ctx, bo.NextBackOff()) {
				return canceled(slot, p)
			}
		}
	}

	if p.State == domain.SlotFailed {
		publish(progress.KindSlotFailed, func(ev *progress.Event) {
			ev.Attempt = p.Attempt
			ev.Error = p.Reason
			ev.TimedOut = p.TimedOut
		})
		slotDuration.WithLabelValues("failed").Observe(time.Since(start).Seconds())
		span.SetStatus(codes.Error, progress.Sanitize(p.Reason))
		r.logger.Warn("Slot failed", "thread_id", runID, "slot", slot.Index, "attempts", p.Attempt, "reason", progress.Sanitize(p.Reason))
		return domain.SlotResult{Slot: slot, State: domain.SlotFailed, Attempts: p.Attempt, Reason: p.Reason, TimedOut: p.TimedOut}
	}

	problem, digests := r.finalize(ctx, draft, req.LearningMode)
	publish(progress.KindSlotCompleted, func(ev *progress.Event) {
		ev.Attempt = p.Attempt
		ev.Stage = string(domain.SlotDone)
	})
	slotDuration.WithLabelValues("done").Observe(time.Since(start).Seconds())
	r.logger.Info("Slot completed", "thread_id", runID, "slot", slot.Index, "attempts", p.Attempt)
	return domain.SlotResult{
		Slot:             slot,
		State:            domain.SlotDone,
		Attempts:         p.Attempt,
		Problem:          problem,
		ReferenceDigests: digests,
	}
}

// step advances p. An illegal step is a bug, so the slot fails instead of
// looping on an unchanged state.
func (r *Runner) step(runID string, slot domain.Slot, p SlotProgress, outcome Outcome) SlotProgress {
	next, err := Advance(p, outcome, r.policy.MaxAttempts)
	if err != nil {
		return r.abortSlot(runID, slot, p, err)
	}
	return next
}

func (r *Runner) abortSlot(runID string, slot domain.Slot, p SlotProgress, err error) SlotProgress {
	r.logger.Error("Slot step failed", "thread_id", runID, "slot", slot.Index, "state", p.State, "error", err)
	return SlotProgress{State: domain.SlotFailed, Attempt: p.Attempt, Reason: reasonInternal}
}

// verify judges the draft's reference solution against its own tests. An
// empty reason means the draft passed. A non-nil error is an executor failure
// and is already folded into reason.
func (r *Runner) verify(ctx context.Context, draft *domain.ProblemDraft) (string, bool, error) {
	verdict, err := r.executor.Judge(ctx, sandbox.JudgeRequest{
		Language: draft.Language,
		Style:    draft.Style,
		Files:    sandbox.Files(draft.Language, draft.ReferenceSolution, draft.ReferenceFiles),
		Tests:    draft.Tests,
		Timeout:  r.policy.SandboxTimeout,
	})
	if err != nil {
		r.logger.Warn("Sandbox judge failed", "problem_id", draft.ID, "error", err)
		return "sandbox unavailable", false, err
	}
	if verdict.Success && verdict.Covers(draft.Tests.CaseNames()) {
		return "", false, nil
	}
	return describeVerdict(verdict, draft.Tests.CaseNames(), r.policy.SandboxTimeout), verdict.TimedOut, nil
}

func describeVerdict(v *sandbox.Verdict, names []string, timeout time.Duration) string {
	if v.TimedOut {
		return fmt.Sprintf("timed out after %s", timeout)
	}
	if len(v.Failed) > 0 {
		return "failed test cases: " + strings.Join(v.Failed, ", ")
	}
	var missing []string
	for _, n := range names {
		if !v.Covers([]string{n}) {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return "test cases not reported: " + strings.Join(missing, ", ")
	}
	return fmt.Sprintf("%s (exit code %d)", errorClass(v.Stderr), v.ExitCode)
}

// errorClass names the kind of failure in stderr without quoting it.
func errorClass(stderr string) string {
	s := strings.ToLower(stderr)
	for _, marker := range compileMarkers {
		if strings.Contains(s, marker) {
			return "compile error"
		}
	}
	return "runtime error"
}

// finalize derives the learner scaffold when asked, then strips reference
// material. The returned digests identify the stripped references.
func (r *Runner) finalize(ctx context.Context, draft *domain.ProblemDraft, learningMode bool) (*domain.Problem, []string) {
	if learningMode {
		if draft.ReferenceSolution != "" {
			if starter, err := syntax.Scaffold(ctx, draft.Language, draft.ReferenceSolution); err == nil {
				draft.StarterCode = starter
			} else {
				r.logger.Warn("Scaffold failed, keeping generated starter", "problem_id", draft.ID, "error", err)
			}
		}
		if len(draft.ReferenceFiles) > 0 {
			files := make(map[string]string, len(draft.ReferenceFiles))
			for name, src := range draft.ReferenceFiles {
				starter, err := syntax.Scaffold(ctx, draft.Language, src)
				if err != nil {
					r.logger.Warn("Scaffold failed, keeping generated starter files", "problem_id", draft.ID, "error", err)
					files = nil
					break
				}
				files[name] = starter
			}
			if files != nil {
				draft.StarterFiles = files
			}
		}
	}
	digests := draft.ReferenceDigests()
	return draft.Strip(), digests
}

func canceled(slot domain.Slot, p SlotProgress) domain.SlotResult {
	return domain.SlotResult{Slot: slot, State: domain.SlotFailed, Attempts: p.Attempt, Reason: "canceled"}
}

// sleep waits d or until ctx is done, reporting false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop {
		d = 0
	}
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
