package domain

// FieldStatus is the state of one field in a validated patch.
type FieldStatus int

const (
	FieldUnset FieldStatus = iota
	FieldInvalid
	FieldValid
)

// Field is a tagged union: unset, invalid with a reason, or valid with a value.
type Field[T any] struct {
	Status FieldStatus
	Value  T
	Reason string
}

// Valid builds a valid field.
func Valid[T any](v T) Field[T] {
	return Field[T]{Status: FieldValid, Value: v}
}

// Invalid builds an invalid field carrying the rejection reason.
func Invalid[T any](reason string) Field[T] {
	return Field[T]{Status: FieldInvalid, Reason: reason}
}

// IsValid reports whether the field holds a usable value.
func (f Field[T]) IsValid() bool { return f.Status == FieldValid }

// IsSet reports whether the patch mentioned the field at all.
func (f Field[T]) IsSet() bool { return f.Status != FieldUnset }

// SpecPatch is a validated, partial update to a SpecDraft.
type SpecPatch struct {
	Language     Field[Language]
	ProblemCount Field[int]
	Difficulty   Field[Distribution]
	Topics       Field[[]string]
	Style        Field[Style]
	Constraints  Field[string]
	Focus        Field[string]
}

// PendingPatch holds a hard-field change waiting for the user to confirm it.
type PendingPatch struct {
	Language     Language     `json:"language,omitempty"`
	ProblemCount int          `json:"problem_count,omitempty"`
	Difficulty   Distribution `json:"difficulty,omitempty"`
}

// ApplyTo writes the pending values into spec and returns the hard fields it set.
func (p *PendingPatch) ApplyTo(spec *SpecDraft) []string {
	var set []string
	if p.Language != "" {
		spec.Language = p.Language
		set = append(set, FieldLanguage)
	}
	if p.ProblemCount > 0 {
		spec.ProblemCount = p.ProblemCount
		set = append(set, FieldProblemCount)
	}
	if len(p.Difficulty) > 0 {
		spec.Difficulty = p.Difficulty
	}
	return set
}
