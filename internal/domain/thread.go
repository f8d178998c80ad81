package domain

import (
	"slices"
	"time"
)

// ThreadState is the negotiation state of a thread.
type ThreadState string

const (
	StateDraft      ThreadState = "DRAFT"
	StateClarifying ThreadState = "CLARIFYING"
	StateReady      ThreadState = "READY"
	StateGenerating ThreadState = "GENERATING"
	StateSaved      ThreadState = "SAVED"
	StateFailed     ThreadState = "FAILED"
)

var transitions = map[ThreadState][]ThreadState{
	StateDraft:      {StateClarifying, StateReady},
	StateClarifying: {StateClarifying, StateReady, StateFailed},
	StateReady:      {StateClarifying, StateReady, StateGenerating, StateFailed},
	StateGenerating: {StateSaved, StateFailed},
}

// CanTransition reports whether from -> to is a legal thread transition.
func CanTransition(from, to ThreadState) bool {
	return slices.Contains(transitions[from], to)
}

// Role identifies who wrote a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Thread is a negotiation conversation and its current spec draft.
type Thread struct {
	ID           string        `json:"id"`
	State        ThreadState   `json:"state"`
	LearningMode bool          `json:"learning_mode"`
	Spec         SpecDraft     `json:"spec"`
	Messages     []Message     `json:"messages"`
	Commitments  []string      `json:"commitments,omitempty"`
	Pending      *PendingPatch `json:"pending,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	ActivityID   string        `json:"activity_id,omitempty"`
	Version      int64         `json:"version"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Committed reports whether a hard field's current value is locked.
func (t *Thread) Committed(field string) bool {
	return slices.Contains(t.Commitments, field)
}

// Commit locks the given fields.
func (t *Thread) Commit(fields ...string) {
	for _, f := range fields {
		if !t.Committed(f) {
			t.Commitments = append(t.Commitments, f)
		}
	}
}

// Append adds a chat message.
func (t *Thread) Append(role Role, content string, at time.Time) {
	t.Messages = append(t.Messages, Message{Role: role, Content: content, At: at})
}

// Transition moves the thread to state to, reporting false if the move is illegal.
func (t *Thread) Transition(to ThreadState) bool {
	if !CanTransition(t.State, to) {
		return false
	}
	t.State = to
	return true
}
