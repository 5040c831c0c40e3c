// Package challenge issues single-use enrollment challenges and checks that
// externally issued auth tokens are bound to them.
package challenge

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/faceauth/internal/hat"
)

var (
	ErrNoChallenge      = errors.New("challenge: no outstanding challenge")
	ErrExpired          = errors.New("challenge: expired")
	ErrMismatch         = errors.New("challenge: token bound to a different challenge")
	ErrNotCredential    = errors.New("challenge: token does not prove a credential check")
	ErrStale            = errors.New("challenge: token too old")
	ErrFuture           = errors.New("challenge: token issued in the future")
	ErrReplayed         = errors.New("challenge: token already used")
	ErrWrongUser        = errors.New("challenge: token issued for another user")
	ErrInvalidTimeout   = errors.New("challenge: timeout must be positive")
	ErrVerifierRejected = errors.New("challenge: token rejected by verifier")
)

// Verifier performs the cryptographic check of a token. It belongs to the
// credential subsystem that minted the token.
type Verifier interface {
	Verify(t hat.Token) error
}

// Challenge is an outstanding single-use enrollment challenge.
type Challenge struct {
	Value    uint64
	IssuedAt time.Time
	Timeout  time.Duration
}

// Expired reports whether c is past its timeout at now.
func (c Challenge) Expired(now time.Time) bool {
	return !now.Before(c.IssuedAt.Add(c.Timeout))
}

// maxSkew is how far ahead of the local clock a token timestamp may be.
const maxSkew = 30 * time.Second

// Validator holds at most one outstanding challenge and remembers the
// tokens Authorize accepted until they age out.
type Validator struct {
	mu       sync.Mutex
	current  *Challenge
	used     map[[32]byte]time.Time
	verifier Verifier
	maxAge   time.Duration
	now      func() time.Time
	rand     io.Reader
	logger   *zap.Logger
}

// Option customises a Validator.
type Option func(*Validator)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithRand replaces the random source used for challenge values.
func WithRand(r io.Reader) Option {
	return func(v *Validator) { v.rand = r }
}

// WithMaxAge bounds how old a token presented to Authorize may be.
func WithMaxAge(d time.Duration) Option {
	return func(v *Validator) { v.maxAge = d }
}

func NewValidator(verifier Verifier, logger *zap.Logger, opts ...Option) *Validator {
	v := &Validator{
		used:     map[[32]byte]time.Time{},
		verifier: verifier,
		maxAge:   10 * time.Minute,
		now:      time.Now,
		rand:     rand.Reader,
		logger:   logger.Named("challenge"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Issue replaces any outstanding challenge with a fresh one.
func (v *Validator) Issue(timeout time.Duration) (uint64, error) {
	if timeout <= 0 {
		return 0, ErrInvalidTimeout
	}
	value, err := v.random()
	if err != nil {
		return 0, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.current = &Challenge{Value: value, IssuedAt: v.now(), Timeout: timeout}
	v.logger.Debug("challenge issued", zap.Duration("timeout", timeout))
	return value, nil
}

// Outstanding returns the live challenge, dropping it if it has expired.
func (v *Validator) Outstanding() (Challenge, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.current == nil {
		return Challenge{}, false
	}
	if v.current.Expired(v.now()) {
		v.current = nil
		return Challenge{}, false
	}
	return *v.current, true
}

// Check reports whether Consume would accept raw for userID, leaving the
// challenge in place.
func (v *Validator) Check(raw []byte, userID int32) (hat.Token, error) {
	return v.match(raw, userID, false)
}

// Consume checks that raw is a verified credential token for userID bound to
// the outstanding challenge and invalidates the challenge on success. Failed
// attempts leave the challenge in place unless it has expired.
func (v *Validator) Consume(raw []byte, userID int32) (hat.Token, error) {
	return v.match(raw, userID, true)
}

func (v *Validator) match(raw []byte, userID int32, consume bool) (hat.Token, error) {
	tok, err := v.parse(raw, userID)
	if err != nil {
		return hat.Token{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.current == nil {
		return hat.Token{}, ErrNoChallenge
	}
	if v.current.Expired(v.now()) {
		v.current = nil
		return hat.Token{}, ErrExpired
	}
	if tok.Challenge != v.current.Value {
		return hat.Token{}, ErrMismatch
	}
	if consume {
		v.current = nil
	}
	return tok, nil
}

// Authorize checks a credential token for userID that is not bound to the
// enrollment challenge. It must verify, be recent and not have been accepted
// before.
func (v *Validator) Authorize(raw []byte, userID int32) (hat.Token, error) {
	tok, err := v.parse(raw, userID)
	if err != nil {
		return hat.Token{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.now()
	issued := tok.IssuedAt()
	if issued.After(now.Add(maxSkew)) {
		return hat.Token{}, ErrFuture
	}
	if v.maxAge > 0 && now.Sub(issued) > v.maxAge {
		return hat.Token{}, ErrStale
	}
	v.pruneLocked(now)
	if _, ok := v.used[tok.MAC]; ok {
		return hat.Token{}, ErrReplayed
	}
	v.used[tok.MAC] = issued.Add(v.maxAge)
	return tok, nil
}

// Invalidate drops any outstanding challenge.
func (v *Validator) Invalidate() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.current = nil
}

func (v *Validator) parse(raw []byte, userID int32) (hat.Token, error) {
	tok, err := hat.Parse(raw)
	if err != nil {
		return hat.Token{}, err
	}
	if tok.AuthenticatorType&hat.TypePassword == 0 {
		return hat.Token{}, ErrNotCredential
	}
	if err := v.verifier.Verify(tok); err != nil {
		return hat.Token{}, fmt.Errorf("%w: %v", ErrVerifierRejected, err)
	}
	if userID < 0 || tok.UserID != uint64(userID) {
		return hat.Token{}, ErrWrongUser
	}
	return tok, nil
}

// pruneLocked forgets accepted tokens that are too old to pass again.
func (v *Validator) pruneLocked(now time.Time) {
	for mac, expires := range v.used {
		if now.After(expires) {
			delete(v.used, mac)
		}
	}
}

func (v *Validator) random() (uint64, error) {
	var buf [8]byte
	for {
		if _, err := io.ReadFull(v.rand, buf[:]); err != nil {
			return 0, fmt.Errorf("challenge: read random: %w", err)
		}
		if value := binary.LittleEndian.Uint64(buf[:]); value != 0 {
			return value, nil
		}
	}
}
