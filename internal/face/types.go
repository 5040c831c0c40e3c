package face

import (
	"fmt"
	"strconv"
)

// FrameRef identifies a caller-owned frame buffer. The session never
// dereferences it and never keeps it past the event that echoes it back.
type FrameRef int64

func (r FrameRef) String() string {
	return "0x" + strconv.FormatInt(int64(r), 16)
}

// Scope is the (user, storage path) pair all template operations run under.
type Scope struct {
	UserID    int32
	StorePath string
}

func (s Scope) String() string {
	return fmt.Sprintf("%d:%s", s.UserID, s.StorePath)
}

// Feature is a toggle exposed by the recognition engine.
type Feature uint32

const (
	FeatureRequireAttention Feature = 1
	FeatureRequireDiversity Feature = 2
)

// Valid reports whether f is a feature the engine knows about.
func (f Feature) Valid() bool {
	return f == FeatureRequireAttention || f == FeatureRequireDiversity
}

func (f Feature) String() string {
	switch f {
	case FeatureRequireAttention:
		return "require_attention"
	case FeatureRequireDiversity:
		return "require_diversity"
	default:
		return fmt.Sprintf("feature(%d)", uint32(f))
	}
}
