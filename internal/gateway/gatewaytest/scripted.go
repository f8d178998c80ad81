// Package gatewaytest provides a scripted completer for tests.
package gatewaytest

import (
	"context"
	"errors"
	"sync"

	"github.com/ashureev/shsh-forge/internal/gateway"
)

// Reply is one scripted completion result.
type Reply struct {
	Text string
	Err  error
}

// Call records one request seen by the completer.
type Call struct {
	System string
	User   string
}

// Scripted returns queued replies in order. When a Respond func is set it is
// used once the queue is empty. It is safe for concurrent use.
type Scripted struct {
	mu      sync.Mutex
	replies []Reply
	calls   []Call
	Respond func(system, user string) (string, error)
}

// NewScripted creates a completer that returns texts in order.
func NewScripted(texts ...string) *Scripted {
	s := &Scripted{}
	for _, t := range texts {
		s.replies = append(s.replies, Reply{Text: t})
	}
	return s
}

// Push appends replies to the queue.
func (s *Scripted) Push(replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, replies...)
}

// Complete implements gateway.Completer.
func (s *Scripted) Complete(ctx context.Context, system, user string, _ gateway.Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.calls = append(s.calls, Call{System: system, User: user})
	if len(s.replies) > 0 {
		r := s.replies[0]
		s.replies = s.replies[1:]
		s.mu.Unlock()
		return r.Text, r.Err
	}
	respond := s.Respond
	s.mu.Unlock()

	if respond != nil {
		return respond(system, user)
	}
	return "", gateway.NewTransientError(errors.New("no scripted reply"))
}

// Calls returns a copy of the recorded requests.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount returns how many requests were made.
func (s *Scripted) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
