package face

import (
	"fmt"
	"math"
	"time"
)

// MsgType discriminates asynchronous messages.
type MsgType int

const (
	MsgError                 MsgType = -1
	MsgAcquired              MsgType = 1
	MsgTemplateRemoved       MsgType = 2
	MsgTemplateEnrolling     MsgType = 3
	MsgAuthenticated         MsgType = 4
	MsgTemplateEnumerated    MsgType = 5
	MsgLockoutChanged        MsgType = 6
	MsgEnrollProcessed       MsgType = 7
	MsgAuthenticateProcessed MsgType = 8
)

func (t MsgType) String() string {
	switch t {
	case MsgError:
		return "error"
	case MsgAcquired:
		return "acquired"
	case MsgTemplateRemoved:
		return "removed"
	case MsgTemplateEnrolling:
		return "enroll"
	case MsgAuthenticated:
		return "authenticated"
	case MsgTemplateEnumerated:
		return "enumerated"
	case MsgLockoutChanged:
		return "lockout_changed"
	case MsgEnrollProcessed:
		return "enroll_processed"
	case MsgAuthenticateProcessed:
		return "authenticate_processed"
	default:
		return fmt.Sprintf("msg(%d)", int(t))
	}
}

// ErrorCode is the sub-code of an error message.
type ErrorCode int

const (
	ErrorHWUnavailable    ErrorCode = 1
	ErrorUnableToProcess  ErrorCode = 2
	ErrorTimeout          ErrorCode = 3
	ErrorNoSpace          ErrorCode = 4
	ErrorCanceled         ErrorCode = 5
	ErrorUnableToRemove   ErrorCode = 6
	ErrorLockout          ErrorCode = 7
	ErrorLockoutPermanent ErrorCode = 8

	ErrorVendorBase       ErrorCode = 1000
	ErrorAuthLivenessFail ErrorCode = 1001
	ErrorAuthNoFace       ErrorCode = 1002
	ErrorAuthFail         ErrorCode = 1003
	ErrorVerifyTokenFail  ErrorCode = 1004
	// ErrorAuthNoTemplate: the algorithm version changed and the enrolled
	// images are not available to rebuild the template.
	ErrorAuthNoTemplate ErrorCode = 1005
)

// Vendor reports whether c is in the vendor-specific range.
func (c ErrorCode) Vendor() bool { return c > ErrorVendorBase }

// Fatal reports whether c leaves the device instance in a doubtful state.
func (c ErrorCode) Fatal() bool { return c == ErrorHWUnavailable }

func (c ErrorCode) String() string {
	switch c {
	case ErrorHWUnavailable:
		return "hw_unavailable"
	case ErrorUnableToProcess:
		return "unable_to_process"
	case ErrorTimeout:
		return "timeout"
	case ErrorNoSpace:
		return "no_space"
	case ErrorCanceled:
		return "canceled"
	case ErrorUnableToRemove:
		return "unable_to_remove"
	case ErrorLockout:
		return "lockout"
	case ErrorLockoutPermanent:
		return "lockout_permanent"
	case ErrorAuthLivenessFail:
		return "auth_liveness_fail"
	case ErrorAuthNoFace:
		return "auth_no_face"
	case ErrorAuthFail:
		return "auth_fail"
	case ErrorVerifyTokenFail:
		return "verify_token_fail"
	case ErrorAuthNoTemplate:
		return "auth_no_template"
	default:
		return fmt.Sprintf("error(%d)", int(c))
	}
}

// AcquiredInfo is quality or pose feedback for the frame being processed.
type AcquiredInfo int

const (
	AcquiredGood AcquiredInfo = iota
	AcquiredInsufficient
	AcquiredTooBright
	AcquiredTooDark
	AcquiredTooClose
	AcquiredTooFar
	AcquiredFaceTooHigh
	AcquiredFaceTooLow
	AcquiredFaceTooRight
	AcquiredFaceTooLeft
	AcquiredPoorGaze
	AcquiredNotDetected
	AcquiredTooMuchMotion
	AcquiredRecalibrate
	AcquiredTooDifferent
	AcquiredTooSimilar
	AcquiredPanTooExtreme
	AcquiredTiltTooExtreme
	AcquiredRollTooExtreme
	AcquiredFaceObscured
	AcquiredStart
	AcquiredSensorDirty
)

const (
	AcquiredVendorBase AcquiredInfo = 1000 + iota
	AcquiredLivenessFail
	AcquiredOutOfImage
	AcquiredAENotConverged
	AcquiredTiltTooHigh
	AcquiredTiltTooLow
	AcquiredTiltTooRight
	AcquiredTiltTooLeft
)

// AcquiredMultiFace shares its value with the start of the vendor range.
const AcquiredMultiFace = AcquiredVendorBase

// LockoutPermanentDuration is reported by lockout-changed messages while
// authentication is disabled until a reset.
const LockoutPermanentDuration = time.Duration(math.MaxInt64)

// Message is one asynchronous event. Each variant carries only the fields of
// its kind.
type Message interface {
	Type() MsgType
}

type ErrorMsg struct {
	Code ErrorCode
}

type AcquiredMsg struct {
	Info AcquiredInfo
}

type EnrollMsg struct {
	Fid uint32
}

type RemovedMsg struct {
	Fid       uint32
	Remaining uint32
}

// AuthenticatedMsg carries the matched template and a signed hardware auth
// token whose challenge field is the caller's operation id.
type AuthenticatedMsg struct {
	Fid   uint32
	Token []byte
}

// EnumeratedMsg reports one template. The last message of an enumeration has
// Remaining == 0; an empty scope produces a single message with Fid == 0.
type EnumeratedMsg struct {
	Fid       uint32
	Remaining uint32
}

type LockoutChangedMsg struct {
	Duration time.Duration
}

type EnrollProcessedMsg struct {
	Frame     FrameRef
	Remaining uint32
}

type AuthenticateProcessedMsg struct {
	Main FrameRef
	Sub  FrameRef
}

func (ErrorMsg) Type() MsgType                 { return MsgError }
func (AcquiredMsg) Type() MsgType              { return MsgAcquired }
func (EnrollMsg) Type() MsgType                { return MsgTemplateEnrolling }
func (RemovedMsg) Type() MsgType               { return MsgTemplateRemoved }
func (AuthenticatedMsg) Type() MsgType         { return MsgAuthenticated }
func (EnumeratedMsg) Type() MsgType            { return MsgTemplateEnumerated }
func (LockoutChangedMsg) Type() MsgType        { return MsgLockoutChanged }
func (EnrollProcessedMsg) Type() MsgType       { return MsgEnrollProcessed }
func (AuthenticateProcessedMsg) Type() MsgType { return MsgAuthenticateProcessed }

// Terminal reports whether msg ends an admitted operation or records a
// durable change worth auditing.
func Terminal(msg Message) bool {
	switch msg.(type) {
	case ErrorMsg, EnrollMsg, RemovedMsg, AuthenticatedMsg, LockoutChangedMsg:
		return true
	default:
		return false
	}
}
