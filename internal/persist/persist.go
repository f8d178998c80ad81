// Package persist is the only path by which generated problems reach durable
// storage.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/shsh-forge/internal/domain"
)

var (
	// ErrSlotsNotDone is returned when any slot of a run did not finish.
	ErrSlotsNotDone = errors.New("not every slot is done")
	// ErrReferenceLeak is returned when learner-facing content matches a
	// verified reference solution.
	ErrReferenceLeak = errors.New("reference solution in learner content")
)

// Committer writes an activity and the SAVED transition atomically.
type Committer interface {
	CommitActivity(ctx context.Context, threadID string, a *domain.Activity) error
}

// Boundary turns a fully successful run into a stored activity.
type Boundary struct {
	store Committer
	now   func() time.Time
}

// New creates a persistence boundary over store.
func New(store Committer) *Boundary {
	return &Boundary{store: store, now: time.Now}
}

// PersistActivity stores every slot's problem as one activity and returns its
// ID. Either all problems are written together with the thread transition or
// nothing is.
func (b *Boundary) PersistActivity(ctx context.Context, threadID, title string, results []domain.SlotResult) (string, error) {
	if len(results) == 0 {
		return "", fmt.Errorf("persist activity: %w", ErrSlotsNotDone)
	}

	ordered := slices.Clone(results)
	slices.SortFunc(ordered, func(a, b domain.SlotResult) int { return a.Slot.Index - b.Slot.Index })

	problems := make([]domain.Problem, 0, len(ordered))
	for i, r := range ordered {
		if r.State != domain.SlotDone || r.Problem == nil {
			return "", fmt.Errorf("persist activity: slot %d is %s: %w", r.Slot.Index, r.State, ErrSlotsNotDone)
		}
		if err := checkStripped(r); err != nil {
			return "", fmt.Errorf("persist activity: slot %d: %w", r.Slot.Index, err)
		}
		p := *r.Problem
		p.Position = i
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		problems = append(problems, p)
	}

	activity := &domain.Activity{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Title:     title,
		Problems:  problems,
		Status:    domain.ActivityDraft,
		CreatedAt: b.now(),
	}
	if err := b.store.CommitActivity(ctx, threadID, activity); err != nil {
		return "", fmt.Errorf("commit activity: %w", err)
	}

	slog.Info("Activity persisted", "thread_id", threadID, "activity_id", activity.ID, "problems", len(problems))
	return activity.ID, nil
}

// checkStripped refuses problems whose starter content is a verified
// reference source.
func checkStripped(r domain.SlotResult) error {
	if len(r.ReferenceDigests) == 0 {
		return nil
	}
	sources := []string{r.Problem.StarterCode}
	for _, content := range r.Problem.StarterFiles {
		sources = append(sources, content)
	}
	for _, src := range sources {
		if src == "" {
			continue
		}
		if slices.Contains(r.ReferenceDigests, domain.Digest(src)) {
			return ErrReferenceLeak
		}
	}
	return nil
}
