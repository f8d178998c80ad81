package pipeline

import (
	"errors"
	"fmt"

	"github.com/ashureev/shsh-forge/internal/domain"
)

// ErrIllegalStep is returned by Advance for an outcome that does not apply
// to the slot's current state.
var ErrIllegalStep = errors.New("illegal slot step")

// OutcomeKind is what happened at the current stage of a slot.
type OutcomeKind int

const (
	OutcomeStart OutcomeKind = iota
	OutcomeDrafted
	OutcomeGeneratorFailed
	OutcomeContractPassed
	OutcomeContractFailed
	OutcomeSandboxPassed
	OutcomeSandboxFailed
)

// Outcome is the input to one slot step.
type Outcome struct {
	Kind     OutcomeKind
	Reason   string
	TimedOut bool
}

// SlotProgress is the state of a slot between steps.
type SlotProgress struct {
	State    domain.SlotState
	Attempt  int
	Reason   string
	TimedOut bool
}

// Advance applies outcome to p. Every failure consumes the current attempt;
// once ceiling attempts have failed the slot is FAILED with the last reason.
func Advance(p SlotProgress, outcome Outcome, ceiling int) (SlotProgress, error) {
	illegal := func() (SlotProgress, error) {
		return p, fmt.Errorf("%w: outcome %d in state %s", ErrIllegalStep, outcome.Kind, p.State)
	}

	switch p.State {
	case domain.SlotQueued:
		if outcome.Kind != OutcomeStart {
			return illegal()
		}
		return SlotProgress{State: domain.SlotDrafting, Attempt: 1}, nil

	case domain.SlotDrafting:
		switch outcome.Kind {
		case OutcomeDrafted:
			p.State = domain.SlotContractCheck
			return p, nil
		case OutcomeGeneratorFailed:
			return retry(p, outcome, ceiling), nil
		}
		return illegal()

	case domain.SlotContractCheck:
		switch outcome.Kind {
		case OutcomeContractPassed:
			p.State = domain.SlotSandboxCheck
			return p, nil
		case OutcomeContractFailed:
			return retry(p, outcome, ceiling), nil
		}
		return illegal()

	case domain.SlotSandboxCheck:
		switch outcome.Kind {
		case OutcomeSandboxPassed:
			p.State = domain.SlotDone
			p.Reason = ""
			p.TimedOut = false
			return p, nil
		case OutcomeSandboxFailed:
			return retry(p, outcome, ceiling), nil
		}
		return illegal()
	}
	return illegal()
}

func retry(p SlotProgress, outcome Outcome, ceiling int) SlotProgress {
	p.Reason = outcome.Reason
	p.TimedOut = outcome.TimedOut
	if p.Attempt >= ceiling {
		p.State = domain.SlotFailed
		return p
	}
	p.Attempt++
	p.State = domain.SlotDrafting
	return p
}
