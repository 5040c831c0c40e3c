// Package face holds the contract shared by the biometric session and its
// callers: synchronous status codes, asynchronous message kinds and the
// small value types both sides exchange.
package face

import (
	"errors"
	"fmt"
)

// Status is the immediate accept/reject result of an operation call.
type Status int

const (
	StatusOK                    Status = 0
	StatusIllegalArgument       Status = 1
	StatusOperationNotSupported Status = 2
	StatusInternalError         Status = 3
	StatusNotEnrolled           Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusIllegalArgument:
		return "illegal_argument"
	case StatusOperationNotSupported:
		return "operation_not_supported"
	case StatusInternalError:
		return "internal_error"
	case StatusNotEnrolled:
		return "not_enrolled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// One sentinel per non-success status. Every error returned by an operation
// wraps exactly one of them.
var (
	ErrIllegalArgument = errors.New("face: illegal argument")
	ErrNotSupported    = errors.New("face: operation not supported in current state")
	ErrInternal        = errors.New("face: internal error")
	ErrNotEnrolled     = errors.New("face: no enrolled templates")
)

var (
	ErrBusy          = fmt.Errorf("%w: another operation is in progress", ErrNotSupported)
	ErrLockedOut     = fmt.Errorf("%w: authentication is locked out", ErrNotSupported)
	ErrNoActiveGroup = fmt.Errorf("%w: no active group", ErrNotSupported)
	ErrNoSpace       = fmt.Errorf("%w: template capacity reached", ErrNotSupported)
)

// StatusOf maps an operation error onto the status taxonomy. Errors that do
// not wrap a known sentinel are reported as internal errors.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrIllegalArgument):
		return StatusIllegalArgument
	case errors.Is(err, ErrNotSupported):
		return StatusOperationNotSupported
	case errors.Is(err, ErrNotEnrolled):
		return StatusNotEnrolled
	default:
		return StatusInternalError
	}
}
