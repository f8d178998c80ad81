package domain

import (
	"reflect"
	"testing"
)

func TestDistributionRescale(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		in     Distribution
		target int
		want   Distribution
	}{
		{
			name:   "even split tie goes to easier tier",
			in:     Distribution{{Tier: DifficultyEasy, Count: 6}, {Tier: DifficultyHard, Count: 6}},
			target: 7,
			want:   Distribution{{Tier: DifficultyEasy, Count: 4}, {Tier: DifficultyHard, Count: 3}},
		},
		{
			name:   "single tier takes everything",
			in:     Distribution{{Tier: DifficultyMedium, Count: 12}},
			target: 7,
			want:   Distribution{{Tier: DifficultyMedium, Count: 7}},
		},
		{
			name:   "largest remainder wins",
			in:     Distribution{{Tier: DifficultyEasy, Count: 1}, {Tier: DifficultyHard, Count: 9}},
			target: 7,
			want:   Distribution{{Tier: DifficultyEasy, Count: 1}, {Tier: DifficultyHard, Count: 6}},
		},
		{
			name:   "unsorted input comes back sorted",
			in:     Distribution{{Tier: DifficultyHard, Count: 1}, {Tier: DifficultyEasy, Count: 1}},
			target: 4,
			want:   Distribution{{Tier: DifficultyEasy, Count: 2}, {Tier: DifficultyHard, Count: 2}},
		},
		{
			name:   "scaling down drops empty tiers",
			in:     Distribution{{Tier: DifficultyEasy, Count: 1}, {Tier: DifficultyMedium, Count: 1}, {Tier: DifficultyHard, Count: 1}},
			target: 2,
			want:   Distribution{{Tier: DifficultyEasy, Count: 1}, {Tier: DifficultyMedium, Count: 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Rescale(tt.target)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Rescale(%d) = %v, want %v", tt.target, got, tt.want)
			}
			if got.Sum() != tt.target {
				t.Fatalf("sum = %d, want %d", got.Sum(), tt.target)
			}
		})
	}
}

func TestSpecDraftMissingOrder(t *testing.T) {
	t.Parallel()

	var s SpecDraft
	want := []string{FieldProblemCount, FieldDifficulty, FieldLanguage, FieldTopics, FieldStyle}
	if got := s.Missing(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Missing() = %v, want %v", got, want)
	}

	s.ProblemCount = 3
	s.Difficulty = Distribution{{Tier: DifficultyEasy, Count: 2}}
	if got := s.Missing(); got[0] != FieldDifficulty {
		t.Fatalf("inconsistent distribution should be missing, got %v", got)
	}

	s.Difficulty = Distribution{{Tier: DifficultyEasy, Count: 3}}
	s.Language = LanguagePython
	s.Topics = []string{"strings"}
	s.Style = StyleReturn
	if !s.Complete() {
		t.Fatalf("expected complete spec, missing %v", s.Missing())
	}
}

func TestThreadTransitions(t *testing.T) {
	t.Parallel()

	th := &Thread{State: StateDraft}
	if th.Transition(StateGenerating) {
		t.Fatal("DRAFT -> GENERATING must be rejected")
	}
	if !th.Transition(StateReady) || !th.Transition(StateGenerating) || !th.Transition(StateSaved) {
		t.Fatal("expected DRAFT -> READY -> GENERATING -> SAVED to succeed")
	}
	if th.Transition(StateReady) {
		t.Fatal("SAVED is terminal")
	}
}

func TestProblemDraftStripDropsReference(t *testing.T) {
	t.Parallel()

	d := &ProblemDraft{
		ID:                "p1",
		Title:             "Reverse",
		StarterCode:       "def solve(s):\n    raise NotImplementedError\n",
		ReferenceSolution: "def solve(s):\n    return s[::-1]\n",
		ReferenceFiles:    map[string]string{"solution.py": "x"},
		StarterFiles:      map[string]string{"main.py": "pass"},
	}
	p := d.Strip()
	if p.StarterCode != d.StarterCode || p.Title != d.Title {
		t.Fatalf("learner fields not copied: %+v", p)
	}
	d.StarterFiles["main.py"] = "changed"
	if p.StarterFiles["main.py"] != "pass" {
		t.Fatal("starter files must be copied, not shared")
	}
}
