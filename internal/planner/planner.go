// Package planner expands a frozen spec into generation slots.
package planner

import (
	"errors"
	"fmt"

	"github.com/ashureev/shsh-forge/internal/domain"
)

// ErrPlanInvariant marks a spec that should never have reached planning.
var ErrPlanInvariant = errors.New("plan invariant violated")

// Plan expands spec into one slot per problem, easiest tier first. Topics are
// assigned round-robin across the whole run so they spread evenly within and
// across tiers. The result depends only on spec.
func Plan(spec domain.SpecDraft) ([]domain.Slot, error) {
	if !spec.Language.Valid() || !spec.Style.Valid() {
		return nil, fmt.Errorf("%w: language %q or style %q unset", ErrPlanInvariant, spec.Language, spec.Style)
	}
	if len(spec.Topics) == 0 {
		return nil, fmt.Errorf("%w: no topics", ErrPlanInvariant)
	}
	if spec.ProblemCount <= 0 {
		return nil, fmt.Errorf("%w: problem count %d", ErrPlanInvariant, spec.ProblemCount)
	}
	if sum := spec.Difficulty.Sum(); sum != spec.ProblemCount {
		return nil, fmt.Errorf("%w: distribution sums to %d, expected %d", ErrPlanInvariant, sum, spec.ProblemCount)
	}

	slots := make([]domain.Slot, 0, spec.ProblemCount)
	for _, tc := range spec.Difficulty.Sorted() {
		if !tc.Tier.Valid() || tc.Count < 1 {
			return nil, fmt.Errorf("%w: bad tier %q x%d", ErrPlanInvariant, tc.Tier, tc.Count)
		}
		for i := 0; i < tc.Count; i++ {
			idx := len(slots)
			slots = append(slots, domain.Slot{
				Index:      idx,
				Difficulty: tc.Tier,
				Topic:      spec.Topics[idx%len(spec.Topics)],
				Language:   spec.Language,
				Style:      spec.Style,
			})
		}
	}
	return slots, nil
}
