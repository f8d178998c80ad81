// Package transcript writes chat turns to per-thread NDJSON files for
// debugging negotiation behaviour.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// Config controls transcript logging.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Event is one logged line.
type Event struct {
	Time      time.Time `json:"time"`
	ThreadID  string    `json:"thread_id"`
	EventType string    `json:"event_type"`
	Role      string    `json:"role,omitempty"`
	State     string    `json:"state,omitempty"`
	Content   string    `json:"content,omitempty"`
	Accepted  *bool     `json:"accepted,omitempty"`
}

// Logger records transcript events.
type Logger interface {
	Log(ev Event)
	Close() error
}

type nopLogger struct{}

func (nopLogger) Log(Event)    {}
func (nopLogger) Close() error { return nil }

// Nop returns a logger that discards everything.
func Nop() Logger { return nopLogger{} }

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]`)

type fileLogger struct {
	dir    string
	queue  chan Event
	logger *slog.Logger
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	closed bool
}

// New creates a transcript logger. A disabled config yields Nop.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Nop(), nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1000
	}
	l := &fileLogger{
		dir:    cfg.Dir,
		queue:  make(chan Event, size),
		logger: logger,
		done:   make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Log enqueues ev. It never blocks; events are dropped when the queue is full.
func (l *fileLogger) Log(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- ev:
	default:
		l.logger.Warn("Transcript queue full, dropping event", "thread_id", ev.ThreadID, "event_type", ev.EventType)
	}
}

// Close flushes queued events and stops the writer.
func (l *fileLogger) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
	})
	<-l.done
	return nil
}

func (l *fileLogger) run() {
	defer close(l.done)
	for ev := range l.queue {
		if err := l.write(ev); err != nil {
			l.logger.Warn("Failed to write transcript event", "thread_id", ev.ThreadID, "error", err)
		}
	}
}

func (l *fileLogger) write(ev Event) error {
	name := unsafeName.ReplaceAllString(ev.ThreadID, "_")
	if name == "" {
		name = "unknown"
	}
	f, err := os.OpenFile(filepath.Join(l.dir, name+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript file: %w", err)
	}
	defer func() { _ = f.Close() }()
	if err := json.NewEncoder(f).Encode(ev); err != nil {
		return fmt.Errorf("encode transcript event: %w", err)
	}
	return nil
}
