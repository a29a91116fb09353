package turn

// State is a step of the turn lifecycle.
type State string

const (
	StateReceived        State = "received"
	StateQuotaChecked    State = "quota_checked"
	StateInputFiltered   State = "input_filtered"
	StateHistoryLoaded   State = "history_loaded"
	StateGenerating      State = "generating"
	StateOutputFiltering State = "output_filtering"
	StatePersisted       State = "persisted"
	StateCompleted       State = "completed"
	StateAborted         State = "aborted"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// next lists the forward transition out of each non-terminal state.
// Aborted is reachable from all of them.
var next = map[State]State{
	StateReceived:        StateQuotaChecked,
	StateQuotaChecked:    StateInputFiltered,
	StateInputFiltered:   StateHistoryLoaded,
	StateHistoryLoaded:   StateGenerating,
	StateGenerating:      StateOutputFiltering,
	StateOutputFiltering: StatePersisted,
	StatePersisted:       StateCompleted,
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateAborted {
		return true
	}
	// replayed turns complete without generating
	if from == StateHistoryLoaded && to == StateCompleted {
		return true
	}
	return next[from] == to
}

// Reason explains why a turn was aborted.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonInvalidRequest  Reason = "invalid_request"
	ReasonQuotaExceeded   Reason = "quota_exceeded"
	ReasonInputViolation  Reason = "input_violation"
	ReasonOutputViolation Reason = "output_violation"
	ReasonUnavailable     Reason = "unavailable"
	ReasonTimeout         Reason = "timeout"
	ReasonCancelled       Reason = "cancelled"
	ReasonInternal        Reason = "internal"
)
