package domain

// SlotState is the generation state of a single slot.
type SlotState string

const (
	SlotQueued        SlotState = "QUEUED"
	SlotDrafting      SlotState = "DRAFTING"
	SlotContractCheck SlotState = "CONTRACT_CHECK"
	SlotSandboxCheck  SlotState = "SANDBOX_CHECK"
	SlotDone          SlotState = "DONE"
	SlotFailed        SlotState = "FAILED"
)

// SlotResult is the outcome of generating one slot.
type SlotResult struct {
	Slot     Slot
	State    SlotState
	Attempts int
	Reason   string
	TimedOut bool
	// Problem is set only when State is SlotDone.
	Problem *Problem
	// ReferenceDigests hold a sha256 of every verified reference source, so
	// the stripped problem can be checked without keeping the reference.
	ReferenceDigests []string
}
