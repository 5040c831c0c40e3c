// Package engine defines the capability the session uses to reach a face
// recognition algorithm, plus a deterministic simulated implementation.
package engine

import (
	"context"

	"github.com/example/faceauth/internal/face"
)

// EnrollParams opens an enrollment on the engine.
type EnrollParams struct {
	Scope            face.Scope
	DisabledFeatures []face.Feature
	// Challenge is the consumed enrollment challenge, for engines that bind
	// templates to it.
	Challenge uint64
	// Templates already enrolled in Scope.
	Templates []uint32
}

// AuthParams opens an authentication on the engine.
type AuthParams struct {
	Scope       face.Scope
	OperationID uint64
	Templates   []uint32
}

// EnrollFrame is one frame handed to the engine during enrollment. Info and
// ByteInfo are copies; the engine may keep them.
type EnrollFrame struct {
	Ref      face.FrameRef
	Info     []int32
	ByteInfo []int8
}

// AuthFrame is one main/sub frame pair handed to the engine during
// authentication.
type AuthFrame struct {
	Main     face.FrameRef
	Sub      face.FrameRef
	OTP      int64
	Info     []int32
	ByteInfo []int8
}

// EnrollStep is the engine verdict on one enrollment frame.
type EnrollStep struct {
	Feedback  []face.AcquiredInfo
	Remaining uint32
	// Done is set together with Fid once the template is complete.
	Done bool
	Fid  uint32
	// Error, when non-zero, terminates the enrollment.
	Error face.ErrorCode
}

// AuthStep is the engine verdict on one authentication frame pair.
type AuthStep struct {
	Feedback []face.AcquiredInfo
	// Done ends the operation: either Matched with Fid, or Error explains
	// why not.
	Done    bool
	Matched bool
	Fid     uint32
	Error   face.ErrorCode
}

// Engine is implemented by every recognition backend. Process calls may run
// concurrently with Close from another goroutine.
type Engine interface {
	OpenEnroll(ctx context.Context, p EnrollParams) error
	ProcessEnroll(ctx context.Context, f EnrollFrame) (EnrollStep, error)
	OpenAuthenticate(ctx context.Context, p AuthParams) error
	ProcessAuthenticate(ctx context.Context, f AuthFrame) (AuthStep, error)
	// Close ends whatever operation is open. Closing an idle engine is a
	// no-op.
	Close(ctx context.Context) error

	RemoveTemplate(ctx context.Context, scope face.Scope, fid uint32) error
	SetFeature(ctx context.Context, scope face.Scope, feature face.Feature, enabled bool, fid uint32) error
	GetFeature(ctx context.Context, scope face.Scope, feature face.Feature, fid uint32) (bool, error)
}

// ActivityHinter is implemented by engines that want the user-activity hint.
type ActivityHinter interface {
	UserActivity(ctx context.Context) error
}
