package session

import "fmt"

// State is the named state of a Device.
type State int

const (
	Idle State = iota
	PreEnrollPending
	Enrolling
	Authenticating
	CancelPending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PreEnrollPending:
		return "pre_enroll_pending"
	case Enrolling:
		return "enrolling"
	case Authenticating:
		return "authenticating"
	case CancelPending:
		return "cancel_pending"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Busy reports whether an enroll or authenticate is in flight.
func (s State) Busy() bool {
	return s == Enrolling || s == Authenticating || s == CancelPending
}
