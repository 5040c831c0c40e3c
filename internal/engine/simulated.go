package engine

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/example/faceauth/internal/face"
)

// Frame metadata understood by the simulated engine.
const (
	// InfoAcquired: a non-zero value is reported as acquired feedback and the
	// frame makes no progress.
	InfoAcquired = 0
	// InfoOutcome selects the authentication verdict, see Outcome*.
	InfoOutcome = 1
)

// Authentication verdicts selectable through Info[InfoOutcome].
const (
	OutcomeMatch    int32 = 0
	OutcomeNoMatch  int32 = 1
	OutcomeLiveness int32 = 2
	OutcomePending  int32 = 3
)

var ErrNotOpen = errors.New("engine: no operation open")

type featureKey struct {
	scope   face.Scope
	fid     uint32
	feature face.Feature
}

// Simulated is an in-process engine with scripted behaviour. Enrollment
// completes after StepsRequired good frames; authentication matches the first
// enrolled template unless the frame metadata says otherwise.
type Simulated struct {
	mu            sync.Mutex
	stepsRequired uint32
	remaining     uint32
	enrolling     bool
	taken         map[uint32]bool
	auth          *AuthParams
	nextFid       uint32
	features      map[featureKey]bool
	logger        *zap.Logger
}

func NewSimulated(stepsRequired uint32, logger *zap.Logger) *Simulated {
	if stepsRequired == 0 {
		stepsRequired = 1
	}
	return &Simulated{
		stepsRequired: stepsRequired,
		nextFid:       1,
		features:      map[featureKey]bool{},
		logger:        logger.Named("simulated_engine"),
	}
}

func (s *Simulated) OpenEnroll(_ context.Context, p EnrollParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrolling = true
	s.auth = nil
	s.taken = make(map[uint32]bool, len(p.Templates))
	for _, fid := range p.Templates {
		s.taken[fid] = true
	}
	s.remaining = s.stepsRequired
	s.logger.Debug("enroll opened", zap.Stringer("scope", p.Scope), zap.Int("disabled_features", len(p.DisabledFeatures)))
	return nil
}

func (s *Simulated) ProcessEnroll(_ context.Context, f EnrollFrame) (EnrollStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enrolling {
		return EnrollStep{}, ErrNotOpen
	}
	if code := infoAt(f.Info, InfoAcquired); code != 0 {
		return EnrollStep{Feedback: []face.AcquiredInfo{face.AcquiredInfo(code)}, Remaining: s.remaining}, nil
	}
	s.remaining--
	step := EnrollStep{Feedback: []face.AcquiredInfo{face.AcquiredGood}, Remaining: s.remaining}
	if s.remaining == 0 {
		step.Done = true
		for s.nextFid == 0 || s.taken[s.nextFid] {
			s.nextFid++
		}
		step.Fid = s.nextFid
		s.nextFid++
		s.enrolling = false
	}
	return step, nil
}

func (s *Simulated) OpenAuthenticate(_ context.Context, p AuthParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrolling = false
	params := p
	params.Templates = append([]uint32(nil), p.Templates...)
	s.auth = &params
	return nil
}

func (s *Simulated) ProcessAuthenticate(_ context.Context, f AuthFrame) (AuthStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auth == nil {
		return AuthStep{}, ErrNotOpen
	}
	if code := infoAt(f.Info, InfoAcquired); code != 0 {
		return AuthStep{Feedback: []face.AcquiredInfo{face.AcquiredInfo(code)}}, nil
	}
	if len(s.auth.Templates) == 0 {
		s.auth = nil
		return AuthStep{Done: true, Error: face.ErrorAuthNoTemplate}, nil
	}

	switch infoAt(f.Info, InfoOutcome) {
	case OutcomePending:
		return AuthStep{Feedback: []face.AcquiredInfo{face.AcquiredGood}}, nil
	case OutcomeNoMatch:
		s.auth = nil
		return AuthStep{Done: true, Error: face.ErrorAuthFail}, nil
	case OutcomeLiveness:
		s.auth = nil
		return AuthStep{Feedback: []face.AcquiredInfo{face.AcquiredLivenessFail}, Done: true, Error: face.ErrorAuthLivenessFail}, nil
	default:
		fid := s.auth.Templates[0]
		s.auth = nil
		return AuthStep{Done: true, Matched: true, Fid: fid}, nil
	}
}

func (s *Simulated) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrolling = false
	s.auth = nil
	return nil
}

func (s *Simulated) RemoveTemplate(_ context.Context, scope face.Scope, fid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.features {
		if k.scope == scope && k.fid == fid {
			delete(s.features, k)
		}
	}
	return nil
}

func (s *Simulated) SetFeature(_ context.Context, scope face.Scope, feature face.Feature, enabled bool, fid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.features[featureKey{scope: scope, fid: fid, feature: feature}] = enabled
	return nil
}

// GetFeature reports a feature as enabled until it is explicitly disabled.
func (s *Simulated) GetFeature(_ context.Context, scope face.Scope, feature face.Feature, fid uint32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enabled, ok := s.features[featureKey{scope: scope, fid: fid, feature: feature}]
	if !ok {
		return true, nil
	}
	return enabled, nil
}

func (s *Simulated) UserActivity(context.Context) error { return nil }

func infoAt(info []int32, i int) int32 {
	if i < len(info) {
		return info[i]
	}
	return 0
}
