package peer

type State int

const (
	StateIdle State = iota
	StateOffering
	StateAnswering
	StateStable
	StateRenegotiating
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateStable:
		return "stable"
	case StateRenegotiating:
		return "renegotiating"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// offerOutstanding reports whether a local offer is waiting for its answer.
func (s State) offerOutstanding() bool {
	return s == StateOffering || s == StateRenegotiating
}
