package progress

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrUnknownRun is returned when subscribing to a run the bus has never seen
// or has already swept.
var ErrUnknownRun = errors.New("unknown run")

// Config tunes a Bus.
type Config struct {
	BufferSize        int
	SubscriberBuffer  int
	HeartbeatInterval time.Duration
	Retention         time.Duration
}

// Subscription is a replay snapshot followed by live events.
type Subscription struct {
	ID     int64
	RunID  string
	Replay []Event

	ch      chan Event
	dropped bool
	closed  bool
}

// C delivers live events. It is closed when the run ends, when the
// subscriber falls too far behind, or on Unsubscribe.
func (s *Subscription) C() <-chan Event { return s.ch }

type run struct {
	mu       sync.Mutex
	id       string
	events   *ring
	seq      int64
	subs     map[int64]*Subscription
	closed   bool
	closedAt time.Time
}

// Bus fans progress events out to subscribers, keyed by run id.
type Bus struct {
	mu     sync.RWMutex
	runs   map[string]*run
	cfg    Config
	nextID int64
	now    func() time.Time
}

// NewBus creates a bus.
func NewBus(cfg Config) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 64
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 15 * time.Minute
	}
	return &Bus{runs: make(map[string]*run), cfg: cfg, now: time.Now}
}

// Open starts a fresh stream for runID, replacing any finished one.
func (b *Bus) Open(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.runs[runID]; ok {
		old.mu.Lock()
		open := !old.closed
		if !open {
			old.closeSubscribers()
		}
		old.mu.Unlock()
		if open {
			return
		}
	}
	b.runs[runID] = &run{id: runID, events: newRing(b.cfg.BufferSize), subs: make(map[int64]*Subscription)}
}

func (b *Bus) getOrOpen(runID string) *run {
	b.mu.RLock()
	r, ok := b.runs[runID]
	b.mu.RUnlock()
	if ok {
		return r
	}
	b.Open(runID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.runs[runID]
}

// Publish assigns the next sequence number to ev, buffers it and delivers it
// to live subscribers. Subscribers whose queue is full are dropped rather than
// blocking the publisher. Publishing to a closed run is ignored.
func (b *Bus) Publish(runID string, ev Event) Event {
	r := b.getOrOpen(runID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ev
	}

	r.seq++
	ev.Seq = r.seq
	ev.RunID = runID
	ev.Error = Sanitize(ev.Error)
	if ev.At.IsZero() {
		ev.At = b.now()
	}
	r.events.push(ev)

	for id, sub := range r.subs {
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("Dropping slow progress subscriber", "run_id", runID, "subscriber_id", id)
			sub.dropped = true
			sub.closed = true
			close(sub.ch)
			delete(r.subs, id)
		}
	}

	if ev.Kind.Terminal() {
		r.closed = true
		r.closedAt = b.now()
		r.closeSubscribers()
	}
	return ev
}

// closeSubscribers must be called with r.mu held.
func (r *run) closeSubscribers() {
	for id, sub := range r.subs {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		delete(r.subs, id)
	}
}

// Subscribe returns the buffered events after afterSeq and a channel for the
// events that follow. No event is both replayed and delivered live. For a
// finished run the channel is already closed.
func (b *Bus) Subscribe(runID string, afterSeq int64) (*Subscription, error) {
	b.mu.Lock()
	r, ok := b.runs[runID]
	b.nextID++
	id := b.nextID
	b.mu.Unlock()
	if !ok {
		return nil, ErrUnknownRun
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sub := &Subscription{
		ID:     id,
		RunID:  runID,
		Replay: r.events.after(afterSeq),
		ch:     make(chan Event, b.cfg.SubscriberBuffer),
	}
	if r.closed {
		sub.closed = true
		close(sub.ch)
		return sub, nil
	}
	r.subs[id] = sub
	return sub, nil
}

// Unsubscribe detaches sub. It never affects the run itself and is safe to
// call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.RLock()
	r, ok := b.runs[sub.RunID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.subs[sub.ID]; ok && cur == sub {
		delete(r.subs, sub.ID)
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
}

// Dropped reports whether the subscription was cut off for falling behind.
// The caller should resubscribe from its last seen sequence number.
func (b *Bus) Dropped(sub *Subscription) bool {
	b.mu.RLock()
	r, ok := b.runs[sub.RunID]
	b.mu.RUnlock()
	if !ok {
		return sub.dropped
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return sub.dropped
}

// LastSeq returns the latest sequence number of runID.
func (b *Bus) LastSeq(runID string) int64 {
	b.mu.RLock()
	r, ok := b.runs[runID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Heartbeat sends a liveness event to live subscribers of every open run.
// Heartbeats carry the latest sequence number and are not buffered.
func (b *Bus) Heartbeat() {
	b.mu.RLock()
	runs := make([]*run, 0, len(b.runs))
	for _, r := range b.runs {
		runs = append(runs, r)
	}
	b.mu.RUnlock()

	now := b.now()
	for _, r := range runs {
		r.mu.Lock()
		if !r.closed {
			ev := Event{Seq: r.seq, RunID: r.id, Kind: KindHeartbeat, At: now}
			for _, sub := range r.subs {
				select {
				case sub.ch <- ev:
				default:
				}
			}
		}
		r.mu.Unlock()
	}
}

// Sweep forgets runs that closed more than the retention window ago.
func (b *Bus) Sweep() int {
	cutoff := b.now().Add(-b.cfg.Retention)
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for id, r := range b.runs {
		r.mu.Lock()
		expired := r.closed && r.closedAt.Before(cutoff)
		if expired {
			r.closeSubscribers()
		}
		r.mu.Unlock()
		if expired {
			delete(b.runs, id)
			removed++
		}
	}
	return removed
}

// Start runs the heartbeat and retention sweeper until ctx is done.
func (b *Bus) Start(ctx context.Context) {
	heartbeat := time.NewTicker(b.cfg.HeartbeatInterval)
	sweep := time.NewTicker(time.Minute)
	go func() {
		defer heartbeat.Stop()
		defer sweep.Stop()
		slog.Info("Progress bus started", "heartbeat", b.cfg.HeartbeatInterval, "retention", b.cfg.Retention)
		for {
			select {
			case <-heartbeat.C:
				b.Heartbeat()
			case <-sweep.C:
				if n := b.Sweep(); n > 0 {
					slog.Info("Progress bus swept finished runs", "count", n)
				}
			case <-ctx.Done():
				slog.Info("Progress bus shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
