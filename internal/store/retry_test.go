package store

import (
	"context"
	"errors"
	"testing"
)

func TestWithBusyRetryRetriesLockedDatabase(t *testing.T) {
	calls := 0
	err := withBusyRetry(context.Background(), "update thread", func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withBusyRetry() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithBusyRetryGivesUp(t *testing.T) {
	calls := 0
	busy := errors.New("SQLITE_BUSY")
	err := withBusyRetry(context.Background(), "update thread", func() error {
		calls++
		return busy
	})
	if !errors.Is(err, busy) {
		t.Fatalf("withBusyRetry() error = %v, want wrapped busy error", err)
	}
	if calls != busyRetries {
		t.Errorf("calls = %d, want %d", calls, busyRetries)
	}
}

func TestWithBusyRetryPassesOtherErrors(t *testing.T) {
	calls := 0
	err := withBusyRetry(context.Background(), "update thread", func() error {
		calls++
		return ErrVersionConflict
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("withBusyRetry() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestIsConflict(t *testing.T) {
	if isConflict(nil) {
		t.Error("isConflict(nil) = true")
	}
	if isConflict(errors.New("no such table: threads")) {
		t.Error("isConflict(no such table) = true")
	}
	if !isConflict(errors.New("database is locked")) {
		t.Error("isConflict(database is locked) = false")
	}
}
