// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/shsh-forge/internal/domain"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when an optimistic update lost a race.
	ErrVersionConflict = errors.New("version conflict")
	// ErrNotGenerating is returned when an activity is committed for a thread
	// that is not in the GENERATING state.
	ErrNotGenerating = errors.New("thread is not generating")
)

// Repository defines the interface for persisting threads, activities and
// submissions.
type Repository interface {
	// CreateThread inserts a new thread at version 1.
	CreateThread(ctx context.Context, t *domain.Thread) error

	// GetThread retrieves a thread by ID. Returns ErrNotFound if absent.
	GetThread(ctx context.Context, id string) (*domain.Thread, error)

	// UpdateThread writes the whole thread if its stored version still equals
	// t.Version, then increments t.Version. Returns ErrVersionConflict when
	// another writer got there first.
	UpdateThread(ctx context.Context, t *domain.Thread) error

	// FailInterrupted moves every GENERATING thread to FAILED with reason and
	// returns how many were moved. Used at startup, before any run can exist.
	FailInterrupted(ctx context.Context, reason string) (int64, error)

	// CommitActivity inserts the activity with its problems and moves the
	// thread from GENERATING to SAVED in one transaction.
	CommitActivity(ctx context.Context, threadID string, a *domain.Activity) error

	// GetActivity retrieves an activity with its problems in order.
	GetActivity(ctx context.Context, id string) (*domain.Activity, error)

	// ListActivities returns activities newest first, without problems.
	ListActivities(ctx context.Context) ([]*domain.Activity, error)

	// PublishActivity marks an activity as published.
	PublishActivity(ctx context.Context, id string, timeLimitMinutes *int) (*domain.Activity, error)

	// GetProblem retrieves one problem of an activity.
	GetProblem(ctx context.Context, activityID, problemID string) (*domain.Problem, error)

	// InsertSubmission records a graded submission.
	InsertSubmission(ctx context.Context, s *domain.Submission) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
