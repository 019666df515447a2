package domain

import "strings"

// UnitState is the lifecycle state of one object's conversion.
type UnitState string

const (
	UnitQueued            UnitState = "queued"
	UnitRetrieving        UnitState = "retrieving"
	UnitStaged            UnitState = "staged"
	UnitMetadataExtracted UnitState = "metadata_extracted"
	UnitRendered          UnitState = "rendered"
	UnitEncoded           UnitState = "encoded"
	UnitPartitionKeyBuilt UnitState = "partition_key_built"
	UnitStored            UnitState = "stored"
	UnitDone              UnitState = "done"
	UnitFailed            UnitState = "failed"
)

// unitStateOrder ranks the forward transitions; failed may follow any state.
var unitStateOrder = map[UnitState]int{
	UnitQueued:            0,
	UnitRetrieving:        1,
	UnitStaged:            2,
	UnitMetadataExtracted: 3,
	UnitRendered:          4,
	UnitEncoded:           5,
	UnitPartitionKeyBuilt: 6,
	UnitStored:            7,
	UnitDone:              8,
}

// Terminal reports whether no further transition is possible.
func (s UnitState) Terminal() bool {
	return s == UnitDone || s == UnitFailed
}

// CanTransition reports whether moving from s to next is allowed.
func (s UnitState) CanTransition(next UnitState) bool {
	if s.Terminal() {
		return false
	}
	if next == UnitFailed {
		return true
	}
	from, ok := unitStateOrder[s]
	if !ok {
		return false
	}
	to, ok := unitStateOrder[next]
	return ok && to == from+1
}

// ParseUnitState returns the state for a given label (case-insensitive).
func ParseUnitState(label string) (UnitState, bool) {
	state := UnitState(strings.ToLower(strings.TrimSpace(label)))
	if state == UnitFailed {
		return state, true
	}
	_, ok := unitStateOrder[state]
	return state, ok
}

// BatchStatus is the aggregate state of a batch run.
type BatchStatus string

const (
	BatchRunning               BatchStatus = "running"
	BatchCompleted             BatchStatus = "completed"
	BatchCompletedWithFailures BatchStatus = "completed_with_failures"
)
