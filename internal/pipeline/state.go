package pipeline

// State is the driver's position in its run loop.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateReconciling
	StateEmitting
	StateReporting
	StateStreamExhausted
	StateFinalFlush
	StateDone
	StateCancelled
	StateFailed
)

var stateNames = [...]string{
	StateIdle:            "idle",
	StateStreaming:       "streaming",
	StateReconciling:     "reconciling",
	StateEmitting:        "emitting",
	StateReporting:       "reporting",
	StateStreamExhausted: "stream_exhausted",
	StateFinalFlush:      "final_flush",
	StateDone:            "done",
	StateCancelled:       "cancelled",
	StateFailed:          "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateFailed
}

// StateNames lists every state name in declaration order.
func StateNames() []string {
	out := make([]string, len(stateNames))
	copy(out, stateNames[:])
	return out
}
