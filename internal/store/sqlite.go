package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/shsh-forge/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		learning_mode INTEGER NOT NULL DEFAULT 0,
		spec_json TEXT NOT NULL,
		messages_json TEXT NOT NULL,
		commitments_json TEXT NOT NULL,
		pending_json TEXT,
		last_error TEXT,
		activity_id TEXT,
		version INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_threads_state ON threads(state);

	CREATE TABLE IF NOT EXISTS activities (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL REFERENCES threads(id),
		title TEXT NOT NULL,
		status TEXT NOT NULL,
		time_limit_minutes INTEGER,
		created_at INTEGER NOT NULL,
		published_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_activities_created ON activities(created_at);

	CREATE TABLE IF NOT EXISTS problems (
		id TEXT PRIMARY KEY,
		activity_id TEXT NOT NULL REFERENCES activities(id),
		position INTEGER NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		starter_code TEXT,
		starter_files_json TEXT,
		tests_json TEXT NOT NULL,
		constraints_json TEXT,
		sample_inputs_json TEXT NOT NULL,
		sample_outputs_json TEXT NOT NULL,
		difficulty TEXT NOT NULL,
		topic TEXT NOT NULL,
		language TEXT NOT NULL,
		style TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_problems_activity ON problems(activity_id, position);

	CREATE TABLE IF NOT EXISTS submissions (
		id TEXT PRIMARY KEY,
		activity_id TEXT NOT NULL REFERENCES activities(id),
		problem_id TEXT NOT NULL REFERENCES problems(id),
		passed_json TEXT NOT NULL,
		failed_json TEXT NOT NULL,
		success INTEGER NOT NULL,
		timed_out INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type threadColumns struct {
	spec, messages, commitments string
	pending                     any
	lastError, activityID       any
}

func encodeThread(t *domain.Thread) (threadColumns, error) {
	var cols threadColumns
	spec, err := json.Marshal(t.Spec)
	if err != nil {
		return cols, fmt.Errorf("encode spec: %w", err)
	}
	messages := t.Messages
	if messages == nil {
		messages = []domain.Message{}
	}
	msgs, err := json.Marshal(messages)
	if err != nil {
		return cols, fmt.Errorf("encode messages: %w", err)
	}
	commitments := t.Commitments
	if commitments == nil {
		commitments = []string{}
	}
	commits, err := json.Marshal(commitments)
	if err != nil {
		return cols, fmt.Errorf("encode commitments: %w", err)
	}
	cols.spec, cols.messages, cols.commitments = string(spec), string(msgs), string(commits)
	if t.Pending != nil {
		pending, err := json.Marshal(t.Pending)
		if err != nil {
			return cols, fmt.Errorf("encode pending patch: %w", err)
		}
		cols.pending = string(pending)
	}
	if t.LastError != "" {
		cols.lastError = t.LastError
	}
	if t.ActivityID != "" {
		cols.activityID = t.ActivityID
	}
	return cols, nil
}

// CreateThread inserts a new thread.
func (s *SQLiteStore) CreateThread(ctx context.Context, t *domain.Thread) error {
	cols, err := encodeThread(t)
	if err != nil {
		return err
	}
	if t.Version == 0 {
		t.Version = 1
	}
	query := `
	INSERT INTO threads (id, state, learning_mode, spec_json, messages_json, commitments_json,
		pending_json, last_error, activity_id, version, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	return withBusyRetry(ctx, "create thread", func() error {
		_, err := s.db.ExecContext(ctx, query,
			t.ID, string(t.State), t.LearningMode, cols.spec, cols.messages, cols.commitments,
			cols.pending, cols.lastError, cols.activityID, t.Version,
			t.CreatedAt.Unix(), t.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert thread: %w", err)
		}
		return nil
	})
}

// GetThread retrieves a thread by ID.
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*domain.Thread, error) {
	query := `
		SELECT id, state, learning_mode, spec_json, messages_json, commitments_json,
		       pending_json, last_error, activity_id, version, created_at, updated_at
		FROM threads WHERE id = ?`

	var t domain.Thread
	var state, specJSON, messagesJSON, commitmentsJSON string
	var pendingJSON, lastError, activityID sql.NullString
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &state, &t.LearningMode, &specJSON, &messagesJSON, &commitmentsJSON,
		&pendingJSON, &lastError, &activityID, &t.Version, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan thread row: %w", err)
	}

	t.State = domain.ThreadState(state)
	if err := json.Unmarshal([]byte(specJSON), &t.Spec); err != nil {
		return nil, fmt.Errorf("decode spec: %w", err)
	}
	if err := json.Unmarshal([]byte(messagesJSON), &t.Messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	if err := json.Unmarshal([]byte(commitmentsJSON), &t.Commitments); err != nil {
		return nil, fmt.Errorf("decode commitments: %w", err)
	}
	if pendingJSON.Valid {
		t.Pending = &domain.PendingPatch{}
		if err := json.Unmarshal([]byte(pendingJSON.String), t.Pending); err != nil {
			return nil, fmt.Errorf("decode pending patch: %w", err)
		}
	}
	t.LastError = lastError.String
	t.ActivityID = activityID.String
	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updatedAt, 0)

	return &t, nil
}

// UpdateThread writes the thread under an optimistic version check.
func (s *SQLiteStore) UpdateThread(ctx context.Context, t *domain.Thread) error {
	cols, err := encodeThread(t)
	if err != nil {
		return err
	}
	query := `
	UPDATE threads SET state = ?, learning_mode = ?, spec_json = ?, messages_json = ?,
		commitments_json = ?, pending_json = ?, last_error = ?, activity_id = ?,
		version = version + 1, updated_at = ?
	WHERE id = ? AND version = ?`

	var rows int64
	err = withBusyRetry(ctx, "update thread", func() error {
		result, err := s.db.ExecContext(ctx, query,
			string(t.State), t.LearningMode, cols.spec, cols.messages,
			cols.commitments, cols.pending, cols.lastError, cols.activityID,
			t.UpdatedAt.Unix(), t.ID, t.Version,
		)
		if err != nil {
			return fmt.Errorf("update thread: %w", err)
		}
		rows, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.GetThread(ctx, t.ID); err != nil {
			return err
		}
		slog.Warn("UpdateThread lost optimistic lock", "thread_id", t.ID, "version", t.Version)
		return ErrVersionConflict
	}
	t.Version++
	return nil
}

// FailInterrupted fails threads whose run died with the previous process.
func (s *SQLiteStore) FailInterrupted(ctx context.Context, reason string) (int64, error) {
	query := `
	UPDATE threads SET state = ?, last_error = ?, version = version + 1, updated_at = ?
	WHERE state = ?`

	var rows int64
	err := withBusyRetry(ctx, "fail interrupted threads", func() error {
		result, err := s.db.ExecContext(ctx, query,
			string(domain.StateFailed), reason, time.Now().Unix(), string(domain.StateGenerating),
		)
		if err != nil {
			return fmt.Errorf("fail interrupted threads: %w", err)
		}
		rows, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rows, nil
}

// CommitActivity writes the activity, its problems and the SAVED transition
// atomically.
func (s *SQLiteStore) CommitActivity(ctx context.Context, threadID string, a *domain.Activity) error {
	return withBusyRetry(ctx, "commit activity", func() error {
		return s.commitActivityOnce(ctx, threadID, a)
	})
}

func (s *SQLiteStore) commitActivityOnce(ctx context.Context, threadID string, a *domain.Activity) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to roll back activity commit", "error", rbErr, "thread_id", threadID)
			}
		}
	}()

	var timeLimit any
	if a.TimeLimitMinutes != nil {
		timeLimit = *a.TimeLimitMinutes
	}
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO activities (id, thread_id, title, status, time_limit_minutes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, threadID, a.Title, string(a.Status), timeLimit, a.CreatedAt.Unix(),
	); err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}

	for i := range a.Problems {
		if err = insertProblem(ctx, tx, a.ID, &a.Problems[i]); err != nil {
			return err
		}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE threads SET state = ?, activity_id = ?, last_error = NULL,
			version = version + 1, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(domain.StateSaved), a.ID, time.Now().Unix(), threadID, string(domain.StateGenerating),
	)
	if err != nil {
		return fmt.Errorf("mark thread saved: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		err = ErrNotGenerating
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit activity: %w", err)
	}
	return nil
}

func insertProblem(ctx context.Context, tx *sql.Tx, activityID string, p *domain.Problem) error {
	tests, err := json.Marshal(p.Tests)
	if err != nil {
		return fmt.Errorf("encode tests: %w", err)
	}
	inputs, err := json.Marshal(p.SampleInputs)
	if err != nil {
		return fmt.Errorf("encode sample inputs: %w", err)
	}
	outputs, err := json.Marshal(p.SampleOutputs)
	if err != nil {
		return fmt.Errorf("encode sample outputs: %w", err)
	}
	var starterFiles, constraints any
	if len(p.StarterFiles) > 0 {
		b, err := json.Marshal(p.StarterFiles)
		if err != nil {
			return fmt.Errorf("encode starter files: %w", err)
		}
		starterFiles = string(b)
	}
	if len(p.Constraints) > 0 {
		b, err := json.Marshal(p.Constraints)
		if err != nil {
			return fmt.Errorf("encode constraints: %w", err)
		}
		constraints = string(b)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO problems (id, activity_id, position, title, description, starter_code,
			starter_files_json, tests_json, constraints_json, sample_inputs_json,
			sample_outputs_json, difficulty, topic, language, style)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, activityID, p.Position, p.Title, p.Description, p.StarterCode,
		starterFiles, string(tests), constraints, string(inputs),
		string(outputs), string(p.Difficulty), p.Topic, string(p.Language), string(p.Style),
	)
	if err != nil {
		return fmt.Errorf("insert problem %s: %w", p.ID, err)
	}
	return nil
}

const activityColumns = `id, thread_id, title, status, time_limit_minutes, created_at, published_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActivity(row rowScanner) (*domain.Activity, error) {
	var a domain.Activity
	var status string
	var timeLimit, publishedAt sql.NullInt64
	var createdAt int64
	if err := row.Scan(&a.ID, &a.ThreadID, &a.Title, &status, &timeLimit, &createdAt, &publishedAt); err != nil {
		return nil, err
	}
	a.Status = domain.ActivityStatus(status)
	a.CreatedAt = time.Unix(createdAt, 0)
	if timeLimit.Valid {
		v := int(timeLimit.Int64)
		a.TimeLimitMinutes = &v
	}
	if publishedAt.Valid {
		ts := time.Unix(publishedAt.Int64, 0)
		a.PublishedAt = &ts
	}
	return &a, nil
}

// GetActivity retrieves an activity and its problems.
func (s *SQLiteStore) GetActivity(ctx context.Context, id string) (*domain.Activity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE id = ?`, id)
	a, err := scanActivity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan activity row: %w", err)
	}

	problems, err := s.listProblems(ctx, id)
	if err != nil {
		return nil, err
	}
	a.Problems = problems
	return a, nil
}

// ListActivities returns all activities, newest first.
func (s *SQLiteStore) ListActivities(ctx context.Context) ([]*domain.Activity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+activityColumns+` FROM activities ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close activity rows", "error", closeErr)
		}
	}()

	activities := []*domain.Activity{}
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activity row: %w", err)
		}
		activities = append(activities, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activities: %w", err)
	}
	return activities, nil
}

// PublishActivity marks an activity as published and returns it.
func (s *SQLiteStore) PublishActivity(ctx context.Context, id string, timeLimitMinutes *int) (*domain.Activity, error) {
	var timeLimit any
	if timeLimitMinutes != nil {
		timeLimit = *timeLimitMinutes
	}
	var rows int64
	err := withBusyRetry(ctx, "publish activity", func() error {
		result, err := s.db.ExecContext(ctx, `
			UPDATE activities SET status = ?, time_limit_minutes = COALESCE(?, time_limit_minutes),
				published_at = COALESCE(published_at, ?)
			WHERE id = ?`,
			string(domain.ActivityPublished), timeLimit, time.Now().Unix(), id,
		)
		if err != nil {
			return fmt.Errorf("publish activity: %w", err)
		}
		rows, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrNotFound
	}
	return s.GetActivity(ctx, id)
}

const problemColumns = `id, position, title, description, starter_code, starter_files_json, tests_json,
	constraints_json, sample_inputs_json, sample_outputs_json, difficulty, topic, language, style`

func scanProblem(row rowScanner) (*domain.Problem, error) {
	var p domain.Problem
	var starterCode, starterFiles, constraints sql.NullString
	var tests, inputs, outputs, difficulty, language, style string
	if err := row.Scan(&p.ID, &p.Position, &p.Title, &p.Description, &starterCode, &starterFiles,
		&tests, &constraints, &inputs, &outputs, &difficulty, &p.Topic, &language, &style); err != nil {
		return nil, err
	}
	p.StarterCode = starterCode.String
	p.Difficulty = domain.Difficulty(difficulty)
	p.Language = domain.Language(language)
	p.Style = domain.Style(style)
	if err := json.Unmarshal([]byte(tests), &p.Tests); err != nil {
		return nil, fmt.Errorf("decode tests: %w", err)
	}
	if err := json.Unmarshal([]byte(inputs), &p.SampleInputs); err != nil {
		return nil, fmt.Errorf("decode sample inputs: %w", err)
	}
	if err := json.Unmarshal([]byte(outputs), &p.SampleOutputs); err != nil {
		return nil, fmt.Errorf("decode sample outputs: %w", err)
	}
	if starterFiles.Valid {
		if err := json.Unmarshal([]byte(starterFiles.String), &p.StarterFiles); err != nil {
			return nil, fmt.Errorf("decode starter files: %w", err)
		}
	}
	if constraints.Valid {
		if err := json.Unmarshal([]byte(constraints.String), &p.Constraints); err != nil {
			return nil, fmt.Errorf("decode constraints: %w", err)
		}
	}
	return &p, nil
}

func (s *SQLiteStore) listProblems(ctx context.Context, activityID string) ([]domain.Problem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+problemColumns+` FROM problems WHERE activity_id = ? ORDER BY position`, activityID)
	if err != nil {
		return nil, fmt.Errorf("query problems: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close problem rows", "error", closeErr)
		}
	}()

	var problems []domain.Problem
	for rows.Next() {
		p, err := scanProblem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan problem row: %w", err)
		}
		problems = append(problems, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate problems: %w", err)
	}
	return problems, nil
}

// GetProblem retrieves one problem of an activity.
func (s *SQLiteStore) GetProblem(ctx context.Context, activityID, problemID string) (*domain.Problem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+problemColumns+` FROM problems WHERE activity_id = ? AND id = ?`, activityID, problemID)
	p, err := scanProblem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan problem row: %w", err)
	}
	return p, nil
}

// InsertSubmission records a graded submission.
func (s *SQLiteStore) InsertSubmission(ctx context.Context, sub *domain.Submission) error {
	passed, err := json.Marshal(nonNil(sub.Passed))
	if err != nil {
		return fmt.Errorf("encode passed: %w", err)
	}
	failed, err := json.Marshal(nonNil(sub.Failed))
	if err != nil {
		return fmt.Errorf("encode failed: %w", err)
	}
	return withBusyRetry(ctx, "insert submission", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO submissions (id, activity_id, problem_id, passed_json, failed_json,
				success, timed_out, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sub.ID, sub.ActivityID, sub.ProblemID, string(passed), string(failed),
			sub.Success, sub.TimedOut, sub.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert submission: %w", err)
		}
		return nil
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
