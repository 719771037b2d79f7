package relay

// State is a step of one streaming relay run.
type State int

const (
	StateValidating State = iota
	StateOpening
	StateStreaming
	StateFinalizing
	StateClosed
	// StateAborted is entered when the client goes away. No done event is
	// written from it.
	StateAborted
	// StateErrored covers failures before the event stream exists; they are
	// answered with a JSON error instead of NDJSON.
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateValidating:
		return "validating"
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	case StateAborted:
		return "aborted"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is absorbing.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateAborted || s == StateErrored
}
