// Package lockout tracks consecutive authentication failures per user and
// decides when authentication is suspended.
package lockout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/faceauth/internal/logging"
)

// Policy configures when lockouts engage and how long they last.
type Policy struct {
	// TimedThreshold consecutive failures engage a timed lockout; every
	// further multiple engages another, longer one.
	TimedThreshold int
	// PermanentThreshold consecutive failures disable authentication until
	// an explicit reset.
	PermanentThreshold int
	BaseDuration       time.Duration
	MaxDuration        time.Duration
	// CountVendorFailures makes liveness and quality failures count towards
	// the thresholds.
	CountVendorFailures bool
}

func DefaultPolicy() Policy {
	return Policy{
		TimedThreshold:     5,
		PermanentThreshold: 20,
		BaseDuration:       30 * time.Second,
		MaxDuration:        30 * time.Minute,
	}
}

var ErrInvalidPolicy = errors.New("lockout: invalid policy")

// Validate checks the thresholds are usable.
func (p Policy) Validate() error {
	switch {
	case p.TimedThreshold <= 0:
		return fmt.Errorf("%w: timed threshold must be positive", ErrInvalidPolicy)
	case p.PermanentThreshold <= p.TimedThreshold:
		return fmt.Errorf("%w: permanent threshold must exceed timed threshold", ErrInvalidPolicy)
	case p.BaseDuration <= 0:
		return fmt.Errorf("%w: base duration must be positive", ErrInvalidPolicy)
	}
	return nil
}

// duration of the n-th timed lockout (n >= 1): doubles each time, capped.
func (p Policy) duration(offense int) time.Duration {
	d := p.BaseDuration
	for i := 1; i < offense; i++ {
		d *= 2
		if p.MaxDuration > 0 && d >= p.MaxDuration {
			return p.MaxDuration
		}
	}
	if p.MaxDuration > 0 && d > p.MaxDuration {
		return p.MaxDuration
	}
	return d
}

// State is the persisted failure record of one user.
type State struct {
	Failures  int       `json:"failures"`
	Offenses  int       `json:"offenses"`
	Until     time.Time `json:"until"`
	Permanent bool      `json:"permanent"`
}

// Level classifies a lockout status.
type Level int

const (
	Unlocked Level = iota
	Timed
	Permanent
)

func (l Level) String() string {
	switch l {
	case Timed:
		return "timed"
	case Permanent:
		return "permanent"
	default:
		return "unlocked"
	}
}

// Status is the lockout verdict at a point in time.
type Status struct {
	Level     Level
	Until     time.Time
	Remaining time.Duration
}

func (s Status) Locked() bool { return s.Level != Unlocked }

// Store persists State across restarts. Load returns the zero State for an
// unknown user.
type Store interface {
	Load(ctx context.Context, userID int32) (State, error)
	Save(ctx context.Context, userID int32, st State) error
	Delete(ctx context.Context, userID int32) error
}

// Tracker applies Policy to the failures recorded in Store.
type Tracker struct {
	mu     sync.Mutex
	policy Policy
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(store Store, policy Policy, logger *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		policy: policy,
		store:  store,
		now:    time.Now,
		logger: logger.Named("lockout"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Policy returns the active policy.
func (t *Tracker) Policy() Policy { return t.policy }

// Check reports whether userID may authenticate now.
func (t *Tracker) Check(ctx context.Context, userID int32) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, err := t.store.Load(ctx, userID)
	if err != nil {
		return Status{}, logging.NewOperationError("lockout.check", "", err)
	}
	return t.status(st), nil
}

// RecordFailure counts one failed authentication. changed is true when the
// failure engaged a new lockout window.
func (t *Tracker) RecordFailure(ctx context.Context, userID int32) (status Status, changed bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, err := t.store.Load(ctx, userID)
	if err != nil {
		return Status{}, false, logging.NewOperationError("lockout.record_failure", "", err)
	}

	st.Failures++
	switch {
	case st.Permanent:
	case st.Failures >= t.policy.PermanentThreshold:
		st.Permanent = true
		changed = true
	case st.Failures%t.policy.TimedThreshold == 0:
		st.Offenses++
		st.Until = t.now().Add(t.policy.duration(st.Offenses))
		changed = true
	}

	if err := t.store.Save(ctx, userID, st); err != nil {
		return Status{}, false, logging.NewOperationError("lockout.record_failure", "", err)
	}
	status = t.status(st)
	if changed {
		t.logger.Warn("lockout engaged",
			zap.Int32("user_id", userID),
			zap.Int("failures", st.Failures),
			zap.Stringer("level", status.Level),
			zap.Duration("remaining", status.Remaining))
	}
	return status, changed, nil
}

// RecordSuccess clears the consecutive-failure counter. A permanent lockout
// stays in place.
func (t *Tracker) RecordSuccess(ctx context.Context, userID int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, err := t.store.Load(ctx, userID)
	if err != nil {
		return logging.NewOperationError("lockout.record_success", "", err)
	}
	if st.Failures == 0 {
		return nil
	}
	st.Failures = 0
	return logging.NewOperationError("lockout.record_success", "", t.store.Save(ctx, userID, st))
}

// Reset clears timed and permanent lockouts. The caller is responsible for
// having verified a credential token. wasLocked reports whether a lockout
// was in force.
func (t *Tracker) Reset(ctx context.Context, userID int32) (wasLocked bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, err := t.store.Load(ctx, userID)
	if err != nil {
		return false, logging.NewOperationError("lockout.reset", "", err)
	}
	wasLocked = t.status(st).Locked()
	if err := t.store.Delete(ctx, userID); err != nil {
		return false, logging.NewOperationError("lockout.reset", "", err)
	}
	t.logger.Info("lockout reset", zap.Int32("user_id", userID), zap.Bool("was_locked", wasLocked))
	return wasLocked, nil
}

func (t *Tracker) status(st State) Status {
	if st.Permanent {
		return Status{Level: Permanent}
	}
	now := t.now()
	if now.Before(st.Until) {
		return Status{Level: Timed, Until: st.Until, Remaining: st.Until.Sub(now)}
	}
	return Status{Level: Unlocked}
}
