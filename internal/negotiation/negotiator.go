// Package negotiation turns chat messages into a validated spec draft. The
// model only proposes values; every change to the draft passes the contract
// validator and the hard-field confirmation gate first.
package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashureev/shsh-forge/internal/contract"
	"github.com/ashureev/shsh-forge/internal/domain"
	"github.com/ashureev/shsh-forge/internal/gateway"
)

// ErrThreadClosed is returned for turns on a thread that is generating or
// finished.
var ErrThreadClosed = errors.New("thread no longer accepts messages")

const historyWindow = 6

// TurnResult is the outcome of one chat turn.
type TurnResult struct {
	Accepted   bool                 `json:"accepted"`
	State      domain.ThreadState   `json:"state"`
	NextPrompt string               `json:"next_prompt"`
	Spec       domain.SpecDraft     `json:"spec"`
	Done       bool                 `json:"done"`
	Rejections []contract.Rejection `json:"rejections,omitempty"`
	// Echo is the rejected input, returned so the client can offer it for editing.
	Echo string `json:"echo,omitempty"`
}

// Negotiator runs the per-turn negotiation algorithm.
type Negotiator struct {
	completer gateway.Completer
	policy    domain.Policy
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Negotiator. completer may be nil, in which case only
// shorthand is understood.
func New(completer gateway.Completer, pol domain.Policy, logger *slog.Logger) *Negotiator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{completer: completer, policy: pol, logger: logger, now: time.Now}
}

// InitialPrompt is the assistant's first message on a new thread.
func (n *Negotiator) InitialPrompt() string {
	return initialPrompt
}

// Turn applies message to t. On an accepted turn t is modified in place and
// the caller must persist it; on a rejected turn t is untouched.
func (n *Negotiator) Turn(ctx context.Context, t *domain.Thread, message string) (*TurnResult, error) {
	switch t.State {
	case domain.StateGenerating, domain.StateSaved, domain.StateFailed:
		return nil, fmt.Errorf("turn in state %s: %w", t.State, ErrThreadClosed)
	}

	message = strings.TrimSpace(message)
	if message == "" {
		return n.reject(t, message, "I did not catch that. "+n.nextQuestion(t, nil)), nil
	}
	if utf8.RuneCountInString(message) > n.policy.MaxMessage {
		return n.reject(t, message, fmt.Sprintf("That message is too long (limit %d characters). Could you shorten it?", n.policy.MaxMessage)), nil
	}

	spec := t.Spec.Clone()

	if t.Pending != nil {
		pending := t.Pending
		t.Pending = nil
		if isAffirmative(message) {
			t.Commit(pending.ApplyTo(&spec)...)
			if pending.ProblemCount > 0 && len(pending.Difficulty) == 0 && len(spec.Difficulty) > 0 {
				spec.Difficulty = spec.Difficulty.Rescale(spec.ProblemCount)
			}
			t.Spec = spec
			return n.finish(t, message, nil), nil
		}
	}

	raw := n.merge(Shorthand(message), n.advise(ctx, t, message))
	n.applyVolumePolicy(raw, spec)

	patch, rejections := contract.ValidateSpecPatch(raw, n.policy)
	maintainDistribution(&patch, spec)

	changed := map[string]bool{
		domain.FieldLanguage:     patch.Language.IsValid() && patch.Language.Value != spec.Language,
		domain.FieldProblemCount: patch.ProblemCount.IsValid() && patch.ProblemCount.Value != spec.ProblemCount,
	}
	langChange, countChange := changed[domain.FieldLanguage], changed[domain.FieldProblemCount]
	confirm := false
	for field, ch := range changed {
		if ch && domain.IsHardField(field) && t.Committed(field) {
			confirm = true
		}
	}

	if confirm {
		pending := &domain.PendingPatch{}
		if langChange {
			pending.Language = patch.Language.Value
		}
		if countChange {
			pending.ProblemCount = patch.ProblemCount.Value
			if patch.Difficulty.IsValid() {
				pending.Difficulty = patch.Difficulty.Value
			}
			patch.Difficulty = domain.Field[domain.Distribution]{}
		}
		t.Pending = pending
	} else {
		if langChange {
			spec.Language = patch.Language.Value
			t.Commit(domain.FieldLanguage)
		}
		if countChange {
			spec.ProblemCount = patch.ProblemCount.Value
			t.Commit(domain.FieldProblemCount)
		}
	}

	if patch.Difficulty.IsValid() {
		spec.Difficulty = patch.Difficulty.Value
	}
	if patch.Topics.IsValid() {
		spec.Topics = patch.Topics.Value
	}
	if patch.Style.IsValid() {
		spec.Style = patch.Style.Value
	}
	if patch.Constraints.IsValid() {
		spec.Constraints = patch.Constraints.Value
	}
	if patch.Focus.IsValid() {
		spec.Focus = patch.Focus.Value
	}
	t.Spec = spec

	if len(rejections) > 0 {
		n.logger.Info("Spec values rejected", "thread_id", t.ID, "rejections", len(rejections), "first_field", rejections[0].Field)
	}
	return n.finish(t, message, rejections), nil
}

func (n *Negotiator) reject(t *domain.Thread, message, prompt string) *TurnResult {
	return &TurnResult{
		Accepted:   false,
		State:      t.State,
		NextPrompt: prompt,
		Spec:       t.Spec.Clone(),
		Done:       t.State == domain.StateReady,
		Echo:       message,
	}
}

// finish recomputes the state, appends the exchange and builds the result.
func (n *Negotiator) finish(t *domain.Thread, message string, rejections []contract.Rejection) *TurnResult {
	var prompt string
	next := domain.StateClarifying
	switch {
	case t.Pending != nil:
		prompt = confirmPrompt(t.Spec, t.Pending)
	case t.Spec.Complete():
		next = domain.StateReady
		prompt = readyPrompt(t.Spec)
		if len(rejections) > 0 {
			prompt = fmt.Sprintf("I ignored %s: %s. %s", rejections[0].Field, rejections[0].Reason, prompt)
		}
	default:
		prompt = n.nextQuestion(t, rejections)
	}

	if !t.Transition(next) {
		n.logger.Warn("Illegal thread transition", "thread_id", t.ID, "from", t.State, "to", next)
	}

	now := n.now()
	t.Append(domain.RoleUser, message, now)
	t.Append(domain.RoleAssistant, prompt, now)
	t.UpdatedAt = now

	return &TurnResult{
		Accepted:   true,
		State:      t.State,
		NextPrompt: prompt,
		Spec:       t.Spec.Clone(),
		Done:       t.State == domain.StateReady,
		Rejections: rejections,
	}
}

// nextQuestion asks for the first missing field, prefixed with the reason
// when the user's value for that field was rejected this turn.
func (n *Negotiator) nextQuestion(t *domain.Thread, rejections []contract.Rejection) string {
	missing := t.Spec.Missing()
	if len(missing) == 0 {
		return readyPrompt(t.Spec)
	}
	field := missing[0]
	q := n.question(field, t.Spec)
	for _, r := range rejections {
		if r.Field == field {
			return fmt.Sprintf("That did not work: %s. %s", r.Reason, q)
		}
	}
	return q
}

// merge combines shorthand and model values. Shorthand wins; count and
// difficulty are treated as one unit so the two sources are never mixed.
func (n *Negotiator) merge(shorthand, model contract.RawSpecPatch) contract.RawSpecPatch {
	out := contract.RawSpecPatch{}
	for k, v := range model {
		out[k] = v
	}
	_, hasCount := shorthand[domain.FieldProblemCount]
	_, hasDist := shorthand[domain.FieldDifficulty]
	if hasCount || hasDist {
		delete(out, domain.FieldProblemCount)
		delete(out, domain.FieldDifficulty)
	}
	for k, v := range shorthand {
		out[k] = v
	}
	return out
}

// applyVolumePolicy clamps an over-maximum count when difficulty information
// is available, in the turn or in the draft. Without it the count is left
// for validation to reject.
func (n *Negotiator) applyVolumePolicy(raw contract.RawSpecPatch, spec domain.SpecDraft) {
	maxCount := n.policy.MaxProblems
	var dist domain.Distribution
	if v, ok := raw[domain.FieldDifficulty]; ok {
		if d, err := contract.DecodeDistribution(v); err == nil && validTiers(d) {
			dist = d
		}
	}

	v, hasCount := raw[domain.FieldProblemCount]
	if !hasCount {
		if dist.Sum() > maxCount {
			raw.Set(domain.FieldProblemCount, maxCount)
			raw.Set(domain.FieldDifficulty, dist.Rescale(maxCount))
		}
		return
	}

	count, ok := contract.DecodeCount(v)
	if !ok || count <= maxCount {
		return
	}
	base := dist
	if len(base) == 0 {
		base = spec.Difficulty
	}
	if base.Sum() <= 0 {
		return
	}
	raw.Set(domain.FieldProblemCount, maxCount)
	raw.Set(domain.FieldDifficulty, base.Rescale(maxCount))
}

func validTiers(d domain.Distribution) bool {
	for _, tc := range d {
		if !tc.Tier.Valid() || tc.Count < 1 {
			return false
		}
	}
	return len(d) > 0
}

// maintainDistribution keeps count and distribution consistent: a lone
// distribution implies the count, and a lone count rescales the existing
// distribution.
func maintainDistribution(patch *domain.SpecPatch, spec domain.SpecDraft) {
	if patch.Difficulty.IsValid() && !patch.ProblemCount.IsSet() {
		patch.ProblemCount = domain.Valid(patch.Difficulty.Value.Sum())
		return
	}
	if patch.ProblemCount.IsValid() && !patch.Difficulty.IsSet() && len(spec.Difficulty) > 0 &&
		spec.Difficulty.Sum() != patch.ProblemCount.Value {
		patch.Difficulty = domain.Valid(spec.Difficulty.Rescale(patch.ProblemCount.Value))
	}
}

type adviceContext struct {
	Draft       domain.SpecDraft `json:"draft"`
	Commitments []string         `json:"commitments,omitempty"`
	Recent      []domain.Message `json:"recent_messages,omitempty"`
	Message     string           `json:"message"`
}

type advice struct {
	Patch contract.RawSpecPatch `json:"patch"`
	Reply string                `json:"reply"`
}

// advise asks the model for a patch. Failures are logged and yield nothing.
func (n *Negotiator) advise(ctx context.Context, t *domain.Thread, message string) contract.RawSpecPatch {
	if n.completer == nil {
		return nil
	}
	recent := t.Messages
	if len(recent) > historyWindow {
		recent = recent[len(recent)-historyWindow:]
	}
	payload, err := json.Marshal(adviceContext{
		Draft:       t.Spec,
		Commitments: t.Commitments,
		Recent:      recent,
		Message:     message,
	})
	if err != nil {
		n.logger.Warn("Failed to encode negotiation context", "thread_id", t.ID, "error", err)
		return nil
	}

	text, err := n.completer.Complete(ctx, adviceSystemPrompt, string(payload), gateway.Options{Temperature: 0, MaxOutputTokens: 512})
	if err != nil {
		n.logger.Warn("Negotiation advice unavailable", "thread_id", t.ID, "error", err)
		return nil
	}
	body := gateway.ExtractJSON(text)
	if body == "" {
		n.logger.Warn("Negotiation advice had no JSON", "thread_id", t.ID)
		return nil
	}
	var a advice
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		n.logger.Warn("Negotiation advice unparseable", "thread_id", t.ID, "error", err)
		return nil
	}
	return a.Patch
}
