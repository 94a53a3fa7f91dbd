package model

type State string

const (
	StatePending   State = "pending"
	StateSent      State = "sent"
	StateDelivered State = "delivered"
	StateRead      State = "read"
	StateFailed    State = "failed"
	// StateReceived is the only state of inbound messages; it is not on the ladder.
	StateReceived State = "received"
)

var ladder = map[State]int{
	StatePending:   0,
	StateSent:      1,
	StateDelivered: 2,
	StateRead:      3,
}

// ParseState maps a provider status string to a ladder state.
func ParseState(s string) (State, bool) {
	st := State(s)
	if _, ok := ladder[st]; ok || st == StateFailed {
		return st, true
	}
	return "", false
}

// Terminal reports whether no further transitions are accepted from s.
func (s State) Terminal() bool { return s == StateRead || s == StateFailed }

// CanTransition reports whether an outbound message may move from -> to.
// Moves only go forward on pending → sent → delivered → read; failed is
// reachable from pending or sent only.
func CanTransition(from, to State) bool {
	if from == to || from.Terminal() {
		return false
	}
	if to == StateFailed {
		return from == StatePending || from == StateSent
	}
	fr, ok1 := ladder[from]
	tr, ok2 := ladder[to]
	if !ok1 || !ok2 {
		return false
	}
	return tr > fr
}
