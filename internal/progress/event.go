// Package progress is a replayable, per-run event stream for generation runs.
package progress

import (
	"regexp"
	"strings"
	"time"
)

// Kind names a progress event.
type Kind string

const (
	KindRunStarted               Kind = "run-started"
	KindSlotStarted              Kind = "slot-started"
	KindDraftingAttemptStarted   Kind = "drafting-attempt-started"
	KindContractValidated        Kind = "contract-validated"
	KindContractFailed           Kind = "contract-failed"
	KindSandboxValidationStarted Kind = "sandbox-validation-started"
	KindSandboxValidationFailed  Kind = "sandbox-validation-failed"
	KindSlotCompleted            Kind = "slot-completed"
	KindSlotFailed               Kind = "slot-failed"
	KindRunFailed                Kind = "run-failed"
	KindRunCompleted             Kind = "run-completed"
	KindHeartbeat                Kind = "heartbeat"
)

// Terminal reports whether the kind ends a run.
func (k Kind) Terminal() bool {
	return k == KindRunFailed || k == KindRunCompleted
}

// Event is a sanitized progress update. It never carries prompts, raw model
// output or reference material.
type Event struct {
	Seq        int64     `json:"seq"`
	RunID      string    `json:"run_id"`
	Kind       Kind      `json:"kind"`
	Slot       *int      `json:"slot,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Total      int       `json:"total,omitempty"`
	Error      string    `json:"error,omitempty"`
	TimedOut   bool      `json:"timed_out,omitempty"`
	ActivityID string    `json:"activity_id,omitempty"`
	At         time.Time `json:"at"`
}

// ForSlot builds an event for slot index i.
func ForSlot(kind Kind, i int) Event {
	return Event{Kind: kind, Slot: &i}
}

// MaxErrorLength bounds the error text carried by an event.
const MaxErrorLength = 160

var (
	codeFence = regexp.MustCompile("(?s)```.*?(```|$)")
	spaces    = regexp.MustCompile(`\s+`)
)

// Sanitize reduces an error message to a single short line without code.
func Sanitize(msg string) string {
	msg = codeFence.ReplaceAllString(msg, " ")
	msg = spaces.ReplaceAllString(strings.TrimSpace(msg), " ")
	if len(msg) > MaxErrorLength {
		cut := MaxErrorLength - 3
		for cut > 0 && !utf8Start(msg[cut]) {
			cut--
		}
		msg = msg[:cut] + "..."
	}
	return msg
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
