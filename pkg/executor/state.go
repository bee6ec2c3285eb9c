package executor

// State is a job's position in the executor lifecycle.
type State string

const (
	// StateUnknown is reported for a job with no trace on the host.
	StateUnknown State = "UNKNOWN"

	StatePreparing  State = "PREPARING"
	StatePrepared   State = "PREPARED"
	StateExecuting  State = "EXECUTING"
	StateExecuted   State = "EXECUTED"
	StateFinalizing State = "FINALIZING"
	StateFinalized  State = "FINALIZED"
	StateError      State = "ERROR"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateError
}

func (s State) rank() int {
	switch s {
	case StateUnknown, "":
		return 0
	case StatePreparing:
		return 1
	case StatePrepared:
		return 2
	case StateExecuting:
		return 3
	case StateExecuted:
		return 4
	case StateFinalizing:
		return 5
	case StateFinalized:
		return 6
	default:
		return -1
	}
}

// CanTransition reports whether from -> to is allowed. Transitions only move
// forward; ERROR is reachable from any non-terminal state.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateError {
		return true
	}
	fr, tr := from.rank(), to.rank()
	if fr < 0 || tr <= 0 {
		return false
	}
	return tr > fr
}
