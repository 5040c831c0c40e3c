package session

import (
	"go.uber.org/zap"

	"github.com/example/faceauth/internal/engine"
	"github.com/example/faceauth/internal/face"
	"github.com/example/faceauth/internal/hat"
	"github.com/example/faceauth/internal/lockout"
)

// sink applies pipeline results to the Device. Results carry the operation
// generation; those of an operation that already ended are dropped under
// the device lock.
type sink struct {
	d *Device
}

func (s sink) EnrollStep(gen uint64, frame engine.EnrollFrame, step engine.EnrollStep, err error) {
	s.d.enrollStep(gen, frame, step, err)
}

func (s sink) AuthenticateStep(gen uint64, frame engine.AuthFrame, step engine.AuthStep, err error) {
	s.d.authenticateStep(gen, frame, step, err)
}

func (d *Device) currentLocked(gen uint64) *operation {
	if d.op == nil || d.op.gen != gen {
		return nil
	}
	return d.op
}

func (d *Device) enrollStep(gen uint64, frame engine.EnrollFrame, step engine.EnrollStep, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	op := d.currentLocked(gen)
	if op == nil {
		return
	}
	if err != nil {
		op.logger.Error("engine failed during enrollment", zap.Error(err), zap.Stringer("frame", frame.Ref))
		d.finishLocked(true, face.ErrorMsg{Code: face.ErrorHWUnavailable})
		return
	}

	d.emitFeedback(step.Feedback)
	d.emit(face.EnrollProcessedMsg{Frame: frame.Ref, Remaining: step.Remaining})

	switch {
	case step.Error != 0:
		op.logger.Warn("enrollment failed", zap.Stringer("code", step.Error))
		d.finishLocked(true, face.ErrorMsg{Code: step.Error})
	case step.Done:
		if err := d.registry.Add(d.ctx, step.Fid); err != nil {
			op.logger.Error("failed to record template", zap.Uint32("fid", step.Fid), zap.Error(err))
			d.finishLocked(true, face.ErrorMsg{Code: face.ErrorUnableToProcess})
			return
		}
		op.logger.Info("enrollment complete", zap.Uint32("fid", step.Fid))
		d.finishLocked(false, face.EnrollMsg{Fid: step.Fid})
	}
}

func (d *Device) authenticateStep(gen uint64, frame engine.AuthFrame, step engine.AuthStep, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	op := d.currentLocked(gen)
	if op == nil {
		return
	}
	if err != nil {
		op.logger.Error("engine failed during authentication", zap.Error(err), zap.Stringer("frame", frame.Main))
		d.finishLocked(true, face.ErrorMsg{Code: face.ErrorHWUnavailable})
		return
	}

	d.emitFeedback(step.Feedback)
	d.emit(face.AuthenticateProcessedMsg{Main: frame.Main, Sub: frame.Sub})
	if !step.Done {
		return
	}

	if step.Matched {
		token, err := d.issueToken(op)
		if err != nil {
			op.logger.Error("failed to issue auth token", zap.Error(err))
			d.finishLocked(true, face.ErrorMsg{Code: face.ErrorUnableToProcess})
			return
		}
		if err := d.lockout.RecordSuccess(d.ctx, op.scope.UserID); err != nil {
			op.logger.Warn("failed to clear failure count", zap.Error(err))
		}
		op.logger.Info("authenticated", zap.Uint32("fid", step.Fid))
		d.finishLocked(false, face.AuthenticatedMsg{Fid: step.Fid, Token: token})
		return
	}

	code := step.Error
	if code == 0 {
		code = face.ErrorAuthFail
	}
	msgs := []face.Message{face.ErrorMsg{Code: code}}
	if d.countsAsFailure(code) {
		status, changed, err := d.lockout.RecordFailure(d.ctx, op.scope.UserID)
		switch {
		case err != nil:
			op.logger.Error("failed to record authentication failure", zap.Error(err))
		case changed:
			msgs = append(msgs, lockoutChanged(status))
			d.metrics.LockoutEngaged(status.Level.String())
			if status.Level == lockout.Timed {
				d.scheduleExpiryLocked(op.scope.UserID, status.Remaining)
			}
		}
	}
	op.logger.Info("authentication failed", zap.Stringer("code", code))
	d.finishLocked(false, msgs...)
}

func (d *Device) emitFeedback(feedback []face.AcquiredInfo) {
	for _, info := range feedback {
		d.emit(face.AcquiredMsg{Info: info})
	}
}

// countsAsFailure decides whether an authentication error moves the user
// towards lockout. Liveness and quality failures only count when the policy
// asks for it.
func (d *Device) countsAsFailure(code face.ErrorCode) bool {
	switch code {
	case face.ErrorAuthFail, face.ErrorTimeout:
		return true
	case face.ErrorAuthLivenessFail, face.ErrorAuthNoFace, face.ErrorUnableToProcess:
		return d.lockout.Policy().CountVendorFailures
	default:
		return false
	}
}

// issueToken signs the proof of a face match. The challenge field carries
// the caller's operation id.
func (d *Device) issueToken(op *operation) ([]byte, error) {
	authID, err := d.registry.AuthenticatorID(d.ctx)
	if err != nil {
		return nil, err
	}
	tok := d.signer.Sign(hat.Token{
		Challenge:         op.opID,
		UserID:            uint64(op.scope.UserID),
		AuthenticatorID:   authID,
		AuthenticatorType: hat.TypeFace,
		Timestamp:         uint64(d.now().UnixMilli()),
	})
	return tok.MarshalBinary()
}
