// Package session implements the face device state machine. A Device owns
// the session state, drives the frame pipeline and emits every asynchronous
// outcome through the notify dispatcher.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/faceauth/internal/challenge"
	"github.com/example/faceauth/internal/engine"
	"github.com/example/faceauth/internal/face"
	"github.com/example/faceauth/internal/hat"
	"github.com/example/faceauth/internal/lockout"
	"github.com/example/faceauth/internal/logging"
	"github.com/example/faceauth/internal/metrics"
	"github.com/example/faceauth/internal/notify"
	"github.com/example/faceauth/internal/pipeline"
	"github.com/example/faceauth/internal/registry"
)

var ErrClosed = fmt.Errorf("%w: device closed", face.ErrNotSupported)

// Config tunes a Device.
type Config struct {
	// MaxTemplates is the template capacity of one scope.
	MaxTemplates    int
	FrameQueueDepth int
}

func DefaultConfig() Config {
	return Config{MaxTemplates: 1, FrameQueueDepth: 4}
}

// Signer signs the hardware auth tokens carried by authenticated messages.
type Signer interface {
	Sign(t hat.Token) hat.Token
}

// Deps are the collaborators of a Device. Metrics may be nil.
type Deps struct {
	Engine     engine.Engine
	Validator  *challenge.Validator
	Lockout    *lockout.Tracker
	Registry   *registry.Registry
	Signer     Signer
	Dispatcher *notify.Dispatcher
	Metrics    *metrics.Collector
}

type Option func(*Device)

// WithClock replaces the clock used for token timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Device) { d.now = now }
}

type operation struct {
	gen       uint64
	kind      pipeline.Kind
	run       *pipeline.Run
	scope     face.Scope
	opID      uint64
	requestID string
	timer     *time.Timer
	logger    *zap.Logger
}

// Device is one open face device. All methods are safe for concurrent use;
// frame submission is expected from a capture goroutine while control calls
// come from elsewhere.
type Device struct {
	mu            sync.Mutex
	state         State
	gen           uint64
	op            *operation
	lockoutTimers map[int32]*time.Timer
	closed        bool

	cfg        Config
	engine     engine.Engine
	validator  *challenge.Validator
	lockout    *lockout.Tracker
	registry   *registry.Registry
	signer     Signer
	dispatcher *notify.Dispatcher
	pipeline   *pipeline.Pipeline
	metrics    *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time
	logger *zap.Logger
}

func New(deps Deps, cfg Config, logger *zap.Logger, opts ...Option) *Device {
	if cfg.MaxTemplates <= 0 {
		cfg.MaxTemplates = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Device{
		state:         Idle,
		lockoutTimers: map[int32]*time.Timer{},
		cfg:           cfg,
		engine:        deps.Engine,
		validator:     deps.Validator,
		lockout:       deps.Lockout,
		registry:      deps.Registry,
		signer:        deps.Signer,
		dispatcher:    deps.Dispatcher,
		metrics:       deps.Metrics,
		ctx:           ctx,
		cancel:        cancel,
		now:           time.Now,
		logger:        logger.Named("session"),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.pipeline = pipeline.New(deps.Engine, sink{d}, deps.Dispatcher, cfg.FrameQueueDepth, logger, deps.Metrics)
	return d
}

// SetNotify registers the only callback. It blocks while events are pending
// delivery or a frame is being processed. cb must not call SetNotify.
func (d *Device) SetNotify(ctx context.Context, cb notify.Callback) error {
	return d.dispatcher.SetNotify(ctx, cb)
}

// State returns the current state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settleLocked()
	return d.state
}

// PreEnroll issues a fresh enrollment challenge, replacing any outstanding
// one.
func (d *Device) PreEnroll(ctx context.Context, timeout time.Duration) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.idleLocked(); err != nil {
		return 0, err
	}
	value, err := d.validator.Issue(timeout)
	if errors.Is(err, challenge.ErrInvalidTimeout) {
		return 0, fmt.Errorf("%w: %v", face.ErrIllegalArgument, err)
	}
	if err != nil {
		return 0, internal("pre_enroll", err)
	}
	d.setStateLocked(PreEnrollPending)
	return value, nil
}

// Enroll starts an enrollment authorized by a credential token bound to the
// outstanding challenge. The challenge is consumed only when the enrollment
// is admitted.
func (d *Device) Enroll(ctx context.Context, token []byte, timeout time.Duration, disabled []face.Feature) error {
	if timeout <= 0 {
		return fmt.Errorf("%w: enroll timeout must be positive", face.ErrIllegalArgument)
	}
	for _, f := range disabled {
		if !f.Valid() {
			return fmt.Errorf("%w: unknown feature %d", face.ErrIllegalArgument, uint32(f))
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.idleLocked(); err != nil {
		return err
	}
	scope, ok := d.registry.Active()
	if !ok {
		return face.ErrNoActiveGroup
	}
	if d.state != PreEnrollPending {
		return fmt.Errorf("%w: no outstanding challenge", face.ErrIllegalArgument)
	}

	if _, err := d.validator.Check(token, scope.UserID); err != nil {
		return d.enrollRejectedLocked(err)
	}

	templates, err := d.registry.Templates(ctx)
	if err != nil {
		return internal("enroll", err)
	}
	if len(templates) >= d.cfg.MaxTemplates {
		d.emit(face.ErrorMsg{Code: face.ErrorNoSpace})
		return face.ErrNoSpace
	}

	tok, err := d.validator.Consume(token, scope.UserID)
	if err != nil {
		return d.enrollRejectedLocked(err)
	}

	requestID := uuid.NewString()
	opLogger := logging.WithOperation(d.logger, "session.enroll", requestID)
	err = d.engine.OpenEnroll(ctx, engine.EnrollParams{
		Scope:            scope,
		DisabledFeatures: append([]face.Feature(nil), disabled...),
		Challenge:        tok.Challenge,
		Templates:        templates,
	})
	if err != nil {
		opLogger.Error("engine refused enrollment", zap.Error(err))
		d.setStateLocked(d.restingLocked())
		return internal("enroll", err)
	}

	op := d.startLocked(pipeline.KindEnroll, scope, 0, requestID, opLogger)
	gen := op.gen
	op.timer = time.AfterFunc(timeout, func() { d.enrollTimedOut(gen) })
	d.setStateLocked(Enrolling)
	opLogger.Info("enroll started", zap.Stringer("scope", scope), zap.Duration("timeout", timeout))
	return nil
}

func (d *Device) enrollRejectedLocked(err error) error {
	d.logger.Warn("enroll token rejected", zap.Error(err))
	d.settleLocked()
	return fmt.Errorf("%w: %v", face.ErrIllegalArgument, err)
}

// ProcessEnrollFrame hands one frame to the running enrollment. The result
// arrives as events.
func (d *Device) ProcessEnrollFrame(ctx context.Context, ref face.FrameRef, info []int32, byteInfo []int8) error {
	if ref == 0 {
		return fmt.Errorf("%w: nil frame reference", face.ErrIllegalArgument)
	}
	run, err := d.activeRun(pipeline.KindEnroll)
	if err != nil {
		return err
	}
	return submitErr(run.SubmitEnroll(ctx, engine.EnrollFrame{Ref: ref, Info: info, ByteInfo: byteInfo}))
}

// PostEnroll invalidates the enrollment challenge. A running enrollment is
// ended with a canceled event.
func (d *Device) PostEnroll(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.op != nil && d.op.kind == pipeline.KindAuthenticate {
		return face.ErrBusy
	}
	d.validator.Invalidate()
	if d.op != nil {
		d.op.logger.Info("enroll ended by post-enroll")
		d.finishLocked(true, face.ErrorMsg{Code: face.ErrorCanceled})
		return nil
	}
	d.setStateLocked(Idle)
	return nil
}

// SetFeature toggles an engine feature for an enrolled template. It needs a
// fresh credential token.
func (d *Device) SetFeature(ctx context.Context, feature face.Feature, enabled bool, token []byte, fid uint32) error {
	if !feature.Valid() {
		return fmt.Errorf("%w: unknown feature %d", face.ErrIllegalArgument, uint32(feature))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	scope, err := d.templateScopeLocked(ctx, fid)
	if err != nil {
		return err
	}
	if _, err := d.validator.Authorize(token, scope.UserID); err != nil {
		d.logger.Warn("set feature token rejected", zap.Error(err))
		return fmt.Errorf("%w: %v", face.ErrIllegalArgument, err)
	}
	if err := d.engine.SetFeature(ctx, scope, feature, enabled, fid); err != nil {
		return internal("set_feature", err)
	}
	d.logger.Info("feature changed", zap.Stringer("feature", feature), zap.Bool("enabled", enabled), zap.Uint32("fid", fid))
	return nil
}

func (d *Device) GetFeature(ctx context.Context, feature face.Feature, fid uint32) (bool, error) {
	if !feature.Valid() {
		return false, fmt.Errorf("%w: unknown feature %d", face.ErrIllegalArgument, uint32(feature))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	scope, err := d.templateScopeLocked(ctx, fid)
	if err != nil {
		return false, err
	}
	enabled, err := d.engine.GetFeature(ctx, scope, feature, fid)
	if err != nil {
		return false, internal("get_feature", err)
	}
	return enabled, nil
}

// GetAuthenticatorID returns the id of the enrolled set in the active scope.
func (d *Device) GetAuthenticatorID(ctx context.Context) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.idleLocked(); err != nil {
		return 0, err
	}
	if _, err := d.scopeLocked(); err != nil {
		return 0, err
	}
	id, err := d.registry.AuthenticatorID(ctx)
	if err != nil {
		return 0, internal("get_authenticator_id", err)
	}
	return id, nil
}

// Cancel ends the running enroll or authenticate with exactly one canceled
// event. Without one it does nothing.
func (d *Device) Cancel(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.op == nil {
		return nil
	}
	d.setStateLocked(CancelPending)
	d.op.logger.Info("operation canceled")
	d.finishLocked(true, face.ErrorMsg{Code: face.ErrorCanceled})
	return nil
}

// Enumerate emits one enumerated event per template. Remaining counts down
// to zero; an empty scope yields a single event with fid 0.
func (d *Device) Enumerate(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.idleLocked(); err != nil {
		return err
	}
	if _, err := d.scopeLocked(); err != nil {
		return err
	}
	fids, err := d.registry.Templates(ctx)
	if err != nil {
		return internal("enumerate", err)
	}
	if len(fids) == 0 {
		d.emit(face.EnumeratedMsg{})
		return nil
	}
	for i, fid := range fids {
		d.emit(face.EnumeratedMsg{Fid: fid, Remaining: uint32(len(fids) - i - 1)})
	}
	return nil
}

// Remove deletes one template, or every template in scope when fid is 0.
// The outcome arrives as removed or unable-to-remove events.
func (d *Device) Remove(ctx context.Context, fid uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.idleLocked(); err != nil {
		return err
	}
	scope, err := d.scopeLocked()
	if err != nil {
		return err
	}
	fids, err := d.registry.Templates(ctx)
	if err != nil {
		return internal("remove", err)
	}

	targets := fids
	if fid != 0 {
		if !contains(fids, fid) {
			d.logger.Warn("remove of unknown template", zap.Uint32("fid", fid))
			d.emit(face.ErrorMsg{Code: face.ErrorUnableToRemove})
			return nil
		}
		targets = []uint32{fid}
	}
	if len(targets) == 0 {
		d.emit(face.RemovedMsg{})
		return nil
	}

	for i, target := range targets {
		if err := d.engine.RemoveTemplate(ctx, scope, target); err != nil {
			d.logger.Error("engine failed to remove template", zap.Uint32("fid", target), zap.Error(err))
			d.emit(face.ErrorMsg{Code: face.ErrorUnableToRemove})
			return nil
		}
		if err := d.registry.Remove(ctx, target); err != nil {
			d.logger.Error("failed to forget template", zap.Uint32("fid", target), zap.Error(err))
			d.emit(face.ErrorMsg{Code: face.ErrorUnableToRemove})
			return nil
		}
		d.emit(face.RemovedMsg{Fid: target, Remaining: uint32(len(targets) - i - 1)})
	}
	d.logger.Info("templates removed", zap.Stringer("scope", scope), zap.Int("count", len(targets)))
	return nil
}

// SetActiveGroup scopes template operations to userID and storePath. An
// outstanding enrollment challenge does not carry over to the new scope.
func (d *Device) SetActiveGroup(ctx context.Context, userID int32, storePath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.idleLocked(); err != nil {
		return err
	}
	if _, err := d.registry.SetActive(userID, storePath); err != nil {
		return err
	}
	d.validator.Invalidate()
	d.setStateLocked(Idle)
	// a timed lockout persisted before a restart still needs its expiry event
	status, err := d.lockout.Check(ctx, userID)
	if err != nil {
		d.logger.Warn("lockout check failed", zap.Int32("user_id", userID), zap.Error(err))
		return nil
	}
	if status.Level == lockout.Timed {
		d.scheduleExpiryLocked(userID, status.Remaining)
	}
	return nil
}

// ActiveGroup returns the current scope. It does not take the device lock, so
// it is safe to call from the notify callback.
func (d *Device) ActiveGroup() (face.Scope, bool) {
	return d.registry.Active()
}

// Authenticate starts matching against the templates in scope. operationID
// is echoed in the token of the authenticated event. A locked-out user is
// rejected, and the reason is also emitted as events.
func (d *Device) Authenticate(ctx context.Context, operationID uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.idleLocked(); err != nil {
		return err
	}
	scope, err := d.scopeLocked()
	if err != nil {
		return err
	}

	status, err := d.lockout.Check(ctx, scope.UserID)
	if err != nil {
		return internal("authenticate", err)
	}
	if status.Locked() {
		d.logger.Warn("authentication refused by lockout",
			zap.Int32("user_id", scope.UserID),
			zap.Stringer("level", status.Level),
			zap.Duration("remaining", status.Remaining))
		code := face.ErrorLockout
		if status.Level == lockout.Permanent {
			code = face.ErrorLockoutPermanent
		}
		d.emit(face.ErrorMsg{Code: code}, lockoutChanged(status))
		return face.ErrLockedOut
	}

	templates, err := d.registry.Templates(ctx)
	if err != nil {
		return internal("authenticate", err)
	}
	if len(templates) == 0 {
		return face.ErrNotEnrolled
	}

	requestID := uuid.NewString()
	opLogger := logging.WithOperation(d.logger, "session.authenticate", requestID)
	err = d.engine.OpenAuthenticate(ctx, engine.AuthParams{Scope: scope, OperationID: operationID, Templates: templates})
	if err != nil {
		opLogger.Error("engine refused authentication", zap.Error(err))
		return internal("authenticate", err)
	}

	d.startLocked(pipeline.KindAuthenticate, scope, operationID, requestID, opLogger)
	d.setStateLocked(Authenticating)
	opLogger.Info("authenticate started", zap.Stringer("scope", scope), zap.Uint64("operation_id", operationID))
	return nil
}

// ProcessAuthenticateFrame hands a main/sub frame pair to the running
// authentication.
func (d *Device) ProcessAuthenticateFrame(ctx context.Context, main, sub face.FrameRef, otp int64, info []int32, byteInfo []int8) error {
	if main == 0 {
		return fmt.Errorf("%w: nil frame reference", face.ErrIllegalArgument)
	}
	run, err := d.activeRun(pipeline.KindAuthenticate)
	if err != nil {
		return err
	}
	return submitErr(run.SubmitAuthenticate(ctx, engine.AuthFrame{Main: main, Sub: sub, OTP: otp, Info: info, ByteInfo: byteInfo}))
}

// UserActivity forwards the hint to engines that want it.
func (d *Device) UserActivity(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.idleLocked(); err != nil {
		return err
	}
	hinter, ok := d.engine.(engine.ActivityHinter)
	if !ok {
		return nil
	}
	if err := hinter.UserActivity(ctx); err != nil {
		return internal("user_activity", err)
	}
	return nil
}

// ResetLockout clears timed and permanent lockout of the active user. It
// needs a fresh credential token.
func (d *Device) ResetLockout(ctx context.Context, token []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.idleLocked(); err != nil {
		return err
	}
	scope, err := d.scopeLocked()
	if err != nil {
		return err
	}
	if _, err := d.validator.Authorize(token, scope.UserID); err != nil {
		d.logger.Warn("reset lockout token rejected", zap.Error(err))
		return fmt.Errorf("%w: %v", face.ErrIllegalArgument, err)
	}
	wasLocked, err := d.lockout.Reset(ctx, scope.UserID)
	if err != nil {
		return internal("reset_lockout", err)
	}
	if t, ok := d.lockoutTimers[scope.UserID]; ok {
		t.Stop()
		delete(d.lockoutTimers, scope.UserID)
	}
	if wasLocked {
		d.emit(face.LockoutChangedMsg{})
	}
	return nil
}

// Close cancels any running operation, waits for its worker and stops event
// delivery after the queued events are out.
func (d *Device) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	var run *pipeline.Run
	if d.op != nil {
		run = d.op.run
		d.finishLocked(true, face.ErrorMsg{Code: face.ErrorCanceled})
	}
	for user, t := range d.lockoutTimers {
		t.Stop()
		delete(d.lockoutTimers, user)
	}
	d.mu.Unlock()

	var err error
	if run != nil {
		stopped := make(chan struct{})
		go func() {
			run.Wait()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			d.logger.Warn("device closed before the frame worker stopped", zap.Error(ctx.Err()))
			err = ctx.Err()
		}
	}
	d.cancel()
	d.dispatcher.Close()
	d.logger.Info("device closed")
	return err
}

func (d *Device) emit(msgs ...face.Message) {
	for _, msg := range msgs {
		d.dispatcher.Send(msg)
	}
}

func (d *Device) setStateLocked(s State) {
	if d.state == s {
		return
	}
	d.logger.Debug("state transition", zap.Stringer("from", d.state), zap.Stringer("to", s))
	d.state = s
}

// restingLocked is the state to return to when no operation runs.
func (d *Device) restingLocked() State {
	if _, ok := d.validator.Outstanding(); ok {
		return PreEnrollPending
	}
	return Idle
}

// settleLocked drops back to Idle once the enrollment challenge has expired.
func (d *Device) settleLocked() {
	if d.state == PreEnrollPending {
		d.setStateLocked(d.restingLocked())
	}
}

func (d *Device) idleLocked() error {
	if d.closed {
		return ErrClosed
	}
	d.settleLocked()
	if d.state.Busy() {
		return face.ErrBusy
	}
	return nil
}

func (d *Device) scopeLocked() (face.Scope, error) {
	scope, ok := d.registry.Active()
	if !ok {
		return face.Scope{}, face.ErrNoActiveGroup
	}
	return scope, nil
}

// templateScopeLocked admits feature calls: idle, a scope, and fid enrolled
// in it.
func (d *Device) templateScopeLocked(ctx context.Context, fid uint32) (face.Scope, error) {
	if err := d.idleLocked(); err != nil {
		return face.Scope{}, err
	}
	scope, err := d.scopeLocked()
	if err != nil {
		return face.Scope{}, err
	}
	fids, err := d.registry.Templates(ctx)
	if err != nil {
		return face.Scope{}, internal("templates", err)
	}
	if len(fids) == 0 {
		return face.Scope{}, face.ErrNotEnrolled
	}
	if !contains(fids, fid) {
		return face.Scope{}, fmt.Errorf("%w: unknown template %d", face.ErrIllegalArgument, fid)
	}
	return scope, nil
}

func (d *Device) activeRun(kind pipeline.Kind) (*pipeline.Run, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.op == nil || d.op.kind != kind {
		return nil, fmt.Errorf("%w: no %s in progress", face.ErrNotSupported, kind)
	}
	return d.op.run, nil
}

func (d *Device) startLocked(kind pipeline.Kind, scope face.Scope, opID uint64, requestID string, logger *zap.Logger) *operation {
	d.gen++
	op := &operation{
		gen:       d.gen,
		kind:      kind,
		scope:     scope,
		opID:      opID,
		requestID: requestID,
		logger:    logger,
	}
	op.run = d.pipeline.Start(op.gen, kind, logger)
	d.op = op
	d.metrics.OperationStarted(kind.String())
	return op
}

// finishLocked ends the running operation: no further frame results of it
// are reported after msgs.
func (d *Device) finishLocked(closeEngine bool, msgs ...face.Message) {
	op := d.op
	if op == nil {
		return
	}
	d.op = nil
	if op.timer != nil {
		op.timer.Stop()
	}
	op.run.Stop()
	if closeEngine {
		if err := d.engine.Close(d.ctx); err != nil {
			op.logger.Warn("engine close failed", zap.Error(err))
		}
	}
	d.emit(msgs...)
	d.setStateLocked(d.restingLocked())
	op.logger.Debug("operation finished", zap.Stringer("kind", op.kind))
}

func (d *Device) enrollTimedOut(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.op == nil || d.op.gen != gen {
		return
	}
	d.op.logger.Info("enroll timed out")
	d.finishLocked(true, face.ErrorMsg{Code: face.ErrorTimeout})
}

func (d *Device) scheduleExpiryLocked(userID int32, after time.Duration) {
	if t, ok := d.lockoutTimers[userID]; ok {
		t.Stop()
	}
	d.lockoutTimers[userID] = time.AfterFunc(after, func() { d.lockoutExpired(userID) })
}

func (d *Device) lockoutExpired(userID int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	delete(d.lockoutTimers, userID)
	status, err := d.lockout.Check(d.ctx, userID)
	if err != nil {
		d.logger.Warn("lockout check failed", zap.Int32("user_id", userID), zap.Error(err))
		return
	}
	switch status.Level {
	case lockout.Timed:
		d.scheduleExpiryLocked(userID, status.Remaining)
	case lockout.Unlocked:
		d.logger.Info("lockout expired", zap.Int32("user_id", userID))
		if scope, ok := d.registry.Active(); ok && scope.UserID == userID {
			d.emit(face.LockoutChangedMsg{})
		}
	}
}

func lockoutChanged(status lockout.Status) face.LockoutChangedMsg {
	if status.Level == lockout.Permanent {
		return face.LockoutChangedMsg{Duration: face.LockoutPermanentDuration}
	}
	return face.LockoutChangedMsg{Duration: status.Remaining}
}

func internal(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", face.ErrInternal, op, err)
}

func submitErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pipeline.ErrStopped):
		return fmt.Errorf("%w: operation ended", face.ErrNotSupported)
	default:
		return internal("submit_frame", err)
	}
}

func contains(fids []uint32, fid uint32) bool {
	for _, f := range fids {
		if f == fid {
			return true
		}
	}
	return false
}
