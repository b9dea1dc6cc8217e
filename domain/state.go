package domain

// State is the session state machine's position. Terminated is absorbing:
// once entered, the only way forward is a brand-new engine started from a
// fresh external validation.
type State int

const (
	StateUninitialized State = iota
	StateActive
	StateRevalidationPending
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateActive:
		return "Active"
	case StateRevalidationPending:
		return "RevalidationPending"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}
