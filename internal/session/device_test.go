package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/faceauth/internal/challenge"
	"github.com/example/faceauth/internal/engine"
	"github.com/example/faceauth/internal/face"
	"github.com/example/faceauth/internal/hat"
	"github.com/example/faceauth/internal/lockout"
	"github.com/example/faceauth/internal/notify"
	"github.com/example/faceauth/internal/registry"
)

const storePath = "/data/vendor_de/10/facedata"

type recorder struct {
	mu   sync.Mutex
	msgs []face.Message
}

func (r *recorder) callback(msg face.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) all() []face.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]face.Message(nil), r.msgs...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = nil
}

// waitFor blocks until a message matching pred has been delivered and
// returns everything delivered so far.
func (r *recorder) waitFor(t *testing.T, pred func(face.Message) bool) []face.Message {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, msg := range r.all() {
			if pred(msg) {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
	return r.all()
}

func ofType(mt face.MsgType) func(face.Message) bool {
	return func(msg face.Message) bool { return msg.Type() == mt }
}

func is(want face.Message) func(face.Message) bool {
	return func(msg face.Message) bool { return msg == want }
}

type harnessConfig struct {
	steps  uint32
	policy lockout.Policy
	device Config
	engine func(*engine.Simulated) engine.Engine
	// lockouts outlive the device when shared between harnesses
	lockouts lockout.Store
}

type harness struct {
	dev      *Device
	rec      *recorder
	cred     *hat.HMACSigner
	face     *hat.HMACSigner
	registry *registry.Registry
	seq      uint32
}

func newHarness(t *testing.T, mutate ...func(*harnessConfig)) *harness {
	t.Helper()
	cfg := harnessConfig{steps: 1, policy: lockout.DefaultPolicy(), device: DefaultConfig()}
	for _, m := range mutate {
		m(&cfg)
	}
	if cfg.lockouts == nil {
		cfg.lockouts = lockout.NewMemoryStore()
	}

	logger := zap.NewNop()
	cred := hat.NewHMACSigner([]byte("credential-key"))
	faceSigner := hat.NewHMACSigner([]byte("face-key"))
	sim := engine.NewSimulated(cfg.steps, logger)
	var eng engine.Engine = sim
	if cfg.engine != nil {
		eng = cfg.engine(sim)
	}
	reg := registry.New(registry.NewMemoryStore(), logger)
	dispatcher := notify.NewDispatcher(logger, nil)

	dev := New(Deps{
		Engine:     eng,
		Validator:  challenge.NewValidator(cred, logger),
		Lockout:    lockout.NewTracker(cfg.lockouts, cfg.policy, logger),
		Registry:   reg,
		Signer:     faceSigner,
		Dispatcher: dispatcher,
	}, cfg.device, logger)
	t.Cleanup(func() { _ = dev.Close(context.Background()) })

	rec := &recorder{}
	require.NoError(t, dev.SetNotify(context.Background(), rec.callback))
	require.NoError(t, dev.SetActiveGroup(context.Background(), 10, storePath))
	return &harness{dev: dev, rec: rec, cred: cred, face: faceSigner, registry: reg}
}

func (h *harness) credential(t *testing.T, challenge uint64) []byte {
	t.Helper()
	return h.credentialFor(t, 10, challenge, time.Now())
}

// credentialFor mints a distinct password token for userID on every call.
func (h *harness) credentialFor(t *testing.T, userID uint64, challenge uint64, at time.Time) []byte {
	t.Helper()
	h.seq++
	tok := h.cred.Sign(hat.Token{
		Challenge:         challenge,
		UserID:            userID,
		AuthenticatorID:   uint64(h.seq),
		AuthenticatorType: hat.TypePassword,
		Timestamp:         uint64(at.UnixMilli()),
	})
	raw, err := tok.MarshalBinary()
	require.NoError(t, err)
	return raw
}

// flush waits until every queued event has been delivered.
func (h *harness) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, h.dev.SetNotify(context.Background(), h.rec.callback))
}

func (h *harness) startEnroll(t *testing.T) []byte {
	t.Helper()
	ctx := context.Background()
	c, err := h.dev.PreEnroll(ctx, 30*time.Second)
	require.NoError(t, err)
	token := h.credential(t, c)
	require.NoError(t, h.dev.Enroll(ctx, token, time.Minute, nil))
	return token
}

func (h *harness) enrollOne(t *testing.T) uint32 {
	t.Helper()
	h.rec.reset()
	h.startEnroll(t)
	require.NoError(t, h.dev.ProcessEnrollFrame(context.Background(), 0x1000, nil, nil))
	msgs := h.rec.waitFor(t, ofType(face.MsgTemplateEnrolling))
	h.flush(t)
	h.rec.reset()
	return msgs[len(msgs)-1].(face.EnrollMsg).Fid
}

func (h *harness) failAuthentication(t *testing.T) []face.Message {
	t.Helper()
	ctx := context.Background()
	h.rec.reset()
	require.NoError(t, h.dev.Authenticate(ctx, 1))
	require.NoError(t, h.dev.ProcessAuthenticateFrame(ctx, 0x10, 0x20, 0, []int32{0, engine.OutcomeNoMatch}, nil))
	h.rec.waitFor(t, is(face.ErrorMsg{Code: face.ErrorAuthFail}))
	h.flush(t)
	return h.rec.all()
}

func TestEnrollScenario(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) { c.steps = 3 })
	ctx := context.Background()

	c, err := h.dev.PreEnroll(ctx, 30*time.Second)
	require.NoError(t, err)
	require.NotZero(t, c)
	require.Equal(t, PreEnrollPending, h.dev.State())

	require.NoError(t, h.dev.Enroll(ctx, h.credential(t, c), 60*time.Second, nil))
	require.Equal(t, Enrolling, h.dev.State())

	for i := 0; i < 3; i++ {
		require.NoError(t, h.dev.ProcessEnrollFrame(ctx, 0x1000, nil, nil))
	}
	msgs := h.rec.waitFor(t, ofType(face.MsgTemplateEnrolling))

	require.Equal(t, []face.Message{
		face.AcquiredMsg{Info: face.AcquiredGood},
		face.EnrollProcessedMsg{Frame: 0x1000, Remaining: 2},
		face.AcquiredMsg{Info: face.AcquiredGood},
		face.EnrollProcessedMsg{Frame: 0x1000, Remaining: 1},
		face.AcquiredMsg{Info: face.AcquiredGood},
		face.EnrollProcessedMsg{Frame: 0x1000, Remaining: 0},
		face.EnrollMsg{Fid: 1},
	}, msgs)
	require.Equal(t, Idle, h.dev.State())

	has, err := h.registry.Has(ctx, 1)
	require.NoError(t, err)
	require.True(t, has)
}

func TestEnrollFeedbackDoesNotAdvance(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) { c.steps = 2 })
	ctx := context.Background()
	h.startEnroll(t)

	require.NoError(t, h.dev.ProcessEnrollFrame(ctx, 0x1000, []int32{int32(face.AcquiredTooDark)}, nil))
	msgs := h.rec.waitFor(t, ofType(face.MsgEnrollProcessed))
	require.Equal(t, []face.Message{
		face.AcquiredMsg{Info: face.AcquiredTooDark},
		face.EnrollProcessedMsg{Frame: 0x1000, Remaining: 2},
	}, msgs)
	require.Equal(t, Enrolling, h.dev.State())
}

func TestChallengeIsSingleUse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	token := h.startEnroll(t)
	require.NoError(t, h.dev.Cancel(ctx))

	err := h.dev.Enroll(ctx, token, time.Minute, nil)
	require.Equal(t, face.StatusIllegalArgument, face.StatusOf(err))

	_, err = h.dev.PreEnroll(ctx, 30*time.Second)
	require.NoError(t, err)
	err = h.dev.Enroll(ctx, token, time.Minute, nil)
	require.Equal(t, face.StatusIllegalArgument, face.StatusOf(err))
	require.Equal(t, PreEnrollPending, h.dev.State())
}

func TestEnrollRejectsBadTokens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, err := h.dev.PreEnroll(ctx, 30*time.Second)
	require.NoError(t, err)

	forger := hat.NewHMACSigner([]byte("someone-else"))
	forged, err := forger.Sign(hat.Token{Challenge: c, AuthenticatorType: hat.TypePassword}).MarshalBinary()
	require.NoError(t, err)

	for name, token := range map[string][]byte{
		"missing":   nil,
		"malformed": {1, 2, 3},
		"mismatch":  h.credential(t, c+1),
		"forged":    forged,
	} {
		err := h.dev.Enroll(ctx, token, time.Minute, nil)
		require.Equal(t, face.StatusIllegalArgument, face.StatusOf(err), name)
		require.Equal(t, PreEnrollPending, h.dev.State(), name)
	}

	require.NoError(t, h.dev.Enroll(ctx, h.credential(t, c), time.Minute, nil))
}

func TestEnrollRequiresLiveChallenge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.dev.Enroll(ctx, h.credential(t, 1), time.Minute, nil)
	require.Equal(t, face.StatusIllegalArgument, face.StatusOf(err))

	c, err := h.dev.PreEnroll(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.dev.State() == Idle }, time.Second, 5*time.Millisecond)
	err = h.dev.Enroll(ctx, h.credential(t, c), time.Minute, nil)
	require.Equal(t, face.StatusIllegalArgument, face.StatusOf(err))
}

func TestEnrollValidatesArguments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, err := h.dev.PreEnroll(ctx, 30*time.Second)
	require.NoError(t, err)

	err = h.dev.Enroll(ctx, h.credential(t, c), 0, nil)
	require.Equal(t, face.StatusIllegalArgument, face.StatusOf(err))
	err = h.dev.Enroll(ctx, h.credential(t, c), time.Minute, []face.Feature{face.Feature(9)})
	require.Equal(t, face.StatusIllegalArgument, face.StatusOf(err))
	require.NoError(t, h.dev.Enroll(ctx, h.credential(t, c), time.Minute, []face.Feature{face.FeatureRequireDiversity}))
}

func TestBusySessionRejectsOperations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.startEnroll(t)

	require.ErrorIs(t, h.dev.Authenticate(ctx, 1), face.ErrBusy)
	require.ErrorIs(t, h.dev.Enroll(ctx, h.credential(t, 1), time.Minute, nil), face.ErrBusy)
	require.ErrorIs(t, h.dev.Enumerate(ctx), face.ErrBusy)
	require.ErrorIs(t, h.dev.Remove(ctx, 0), face.ErrBusy)
	require.ErrorIs(t, h.dev.SetActiveGroup(ctx, 0, "/data/face"), face.ErrBusy)
	require.ErrorIs(t, h.dev.UserActivity(ctx), face.ErrBusy)
	_, err := h.dev.GetAuthenticatorID(ctx)
	require.ErrorIs(t, err, face.ErrBusy)
	_, err = h.dev.PreEnroll(ctx, time.Second)
	require.Equal(t, face.StatusOperationNotSupported, face.StatusOf(err))

	require.Equal(t, Enrolling, h.dev.State())
	h.flush(t)
	require.Empty(t, h.rec.all())
}

func TestCancelEmitsExactlyOneCanceled(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) { c.steps = 5 })
	ctx := context.Background()
	h.startEnroll(t)

	require.NoError(t, h.dev.Cancel(ctx))
	require.NoError(t, h.dev.Cancel(ctx))
	h.flush(t)

	require.Equal(t, []face.Message{face.ErrorMsg{Code: face.ErrorCanceled}}, h.rec.all())
	require.Equal(t, Idle, h.dev.State())

	err := h.dev.ProcessEnrollFrame(ctx, 0x1000, nil, nil)
	require.Equal(t, face.StatusOperationNotSupported, face.StatusOf(err))
}

func TestCancelFromIdleIsSilent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.dev.Cancel(context.Background()))
	h.flush(t)
	require.Empty(t, h.rec.all())
	require.Equal(t, Idle, h.dev.State())
}

type gatedEngine struct {
	*engine.Simulated
	entered chan struct{}
	release chan struct{}
}

func (g *gatedEngine) ProcessEnroll(ctx context.Context, f engine.EnrollFrame) (engine.EnrollStep, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.Simulated.ProcessEnroll(ctx, f)
}

func TestCancelDuringFrameDropsItsResult(t *testing.T) {
	gated := &gatedEngine{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, func(c *harnessConfig) {
		c.engine = func(sim *engine.Simulated) engine.Engine {
			gated.Simulated = sim
			return gated
		}
	})
	ctx := context.Background()
	h.startEnroll(t)

	require.NoError(t, h.dev.ProcessEnrollFrame(ctx, 0x1000, nil, nil))
	<-gated.entered
	require.NoError(t, h.dev.Cancel(ctx))
	close(gated.release)
	h.flush(t)

	require.Equal(t, []face.Message{face.ErrorMsg{Code: face.ErrorCanceled}}, h.rec.all())
	require.Equal(t, Idle, h.dev.State())
}

func TestEnrollTimeout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, err := h.dev.PreEnroll(ctx, 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, h.dev.Enroll(ctx, h.credential(t, c), 20*time.Millisecond, nil))

	msgs := h.rec.waitFor(t, is(face.ErrorMsg{Code: face.ErrorTimeout}))
	require.Len(t, msgs, 1)
	require.Equal(t, Idle, h.dev.State())
}

func TestPostEnrollEndsEnrollmentAndChallenge(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) { c.steps = 3 })
	ctx := context.Background()
	token := h.startEnroll(t)

	require.NoError(t, h.dev.PostEnroll(ctx))
	h.flush(t)
	require.Equal(t, []face.Message{face.ErrorMsg{Code: face.ErrorCanceled}}, h.rec.all())
	require.Equal(t, Idle, h.dev.State())

	err := h.dev.Enroll(ctx, token, time.Minute, nil)
	require.Equal(t, face.StatusIllegalArgument, face.StatusOf(err))

	c, err := h.dev.PreEnroll(ctx, 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, h.dev.PostEnroll(ctx))
	require.Equal(t, Idle, h.dev.State())
	err = h.dev.Enroll(ctx, h.credential(t, c), time.Minute, nil)
	require.Equal(t, face.StatusIllegalArgument, face.StatusOf(err))
}

func TestEnrollBeyondCapacity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enrollOne(t)

	c, err := h.dev.PreEnroll(ctx, 30*time.Second)
	require.NoError(t, err)
	err = h.dev.Enroll(ctx, h.credential(t, c), time.Minute, nil)
	require.ErrorIs(t, err, face.ErrNoSpace)
	h.flush(t)
	require.Equal(t, []face.Message{face.ErrorMsg{Code: face.ErrorNoSpace}}, h.rec.all())
	require.Equal(t, PreEnrollPending, h.dev.State())
}

func TestEnrollWithoutActiveGroup(t *testing.T) {
	logger := zap.NewNop()
	cred := hat.NewHMACSigner([]byte("credential-key"))
	dev := New(Deps{
		Engine:     engine.NewSimulated(1, logger),
		Validator:  challenge.NewValidator(cred, logger),
		Lockout:    lockout.NewTracker(lockout.NewMemoryStore(), lockout.DefaultPolicy(), logger),
		Registry:   registry.New(registry.NewMemoryStore(), logger),
		Signer:     cred,
		Dispatcher: notify.NewDispatcher(logger, nil),
	}, DefaultConfig(), logger)
	defer dev.Close(context.Background())
	ctx := context.Background()

	c, err := dev.PreEnroll(ctx, time.Minute)
	require.NoError(t, err)
	raw, err := cred.Sign(hat.Token{Challenge: c, AuthenticatorType: hat.TypePassword, Timestamp: uint64(time.Now().UnixMilli())}).MarshalBinary()
	require.NoError(t, err)
	require.ErrorIs(t, dev.Enroll(ctx, raw, time.Minute, nil), face.ErrNoActiveGroup)
	require.ErrorIs(t, dev.Authenticate(ctx, 1), face.ErrNoActiveGroup)
	require.ErrorIs(t, dev.Enumerate(ctx), face.ErrNoActiveGroup)

	err = dev.SetActiveGroup(ctx, 0, "relative")
	require.Equal(t, face.StatusIllegalArgument, face.StatusOf(err))
}

func TestAuthenticateScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	fid := h.enrollOne(t)
	authID, err := h.dev.GetAuthenticatorID(ctx)
	require.NoError(t, err)

	require.NoError(t, h.dev.Authenticate(ctx, 42))
	require.Equal(t, Authenticating, h.dev.State())
	require.NoError(t, h.dev.ProcessAuthenticateFrame(ctx, 0x10, 0x20, 7, nil, nil))
	h.rec.waitFor(t, ofType(face.MsgAuthenticated))
	h.flush(t)
	msgs := h.rec.all()

	require.Len(t, msgs, 2)
	require.Equal(t, face.AuthenticateProcessedMsg{Main: 0x10, Sub: 0x20}, msgs[0])
	authed := msgs[1].(face.AuthenticatedMsg)
	require.Equal(t, fid, authed.Fid)

	tok, err := hat.Parse(authed.Token)
	require.NoError(t, err)
	require.NoError(t, h.face.Verify(tok))
	require.Equal(t, uint64(42), tok.Challenge)
	require.Equal(t, uint64(10), tok.UserID)
	require.Equal(t, authID, tok.AuthenticatorID)
	require.Equal(t, hat.TypeFace, tok.AuthenticatorType)
	require.Equal(t, Idle, h.dev.State())
}

func TestAuthenticateNeverEmitsBothOutcomes(t *testing.T) {
	h := newHarness(t)
	h.enrollOne(t)

	msgs := h.failAuthentication(t)
	require.Equal(t, []face.Message{
		face.AuthenticateProcessedMsg{Main: 0x10, Sub: 0x20},
		face.ErrorMsg{Code: face.ErrorAuthFail},
	}, msgs)
}

func TestAuthenticateWithoutTemplates(t *testing.T) {
	h := newHarness(t)
	require.ErrorIs(t, h.dev.Authenticate(context.Background(), 1), face.ErrNotEnrolled)
	require.Equal(t, Idle, h.dev.State())
}

func TestProcessFrameValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.dev.ProcessAuthenticateFrame(ctx, 0x10, 0x20, 0, nil, nil)
	require.Equal(t, face.StatusOperationNotSupported, face.StatusOf(err))

	h.startEnroll(t)
	err = h.dev.ProcessEnrollFrame(ctx, 0, nil, nil)
	require.Equal(t, face.StatusIllegalArgument, face.StatusOf(err))
	err = h.dev.ProcessAuthenticateFrame(ctx, 0x10, 0x20, 0, nil, nil)
	require.Equal(t, face.StatusOperationNotSupported, face.StatusOf(err))
}

func TestTimedLockoutExpires(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) {
		c.policy = lockout.Policy{TimedThreshold: 2, PermanentThreshold: 10, BaseDuration: 300 * time.Millisecond, MaxDuration: time.Second}
	})
	ctx := context.Background()
	h.enrollOne(t)

	msgs := h.failAuthentication(t)
	require.Len(t, msgs, 2)
	msgs = h.failAuthentication(t)
	require.Len(t, msgs, 3)
	engaged := msgs[2].(face.LockoutChangedMsg)
	require.Greater(t, engaged.Duration, time.Duration(0))

	h.rec.reset()
	require.ErrorIs(t, h.dev.Authenticate(ctx, 1), face.ErrLockedOut)
	msgs = h.rec.waitFor(t, ofType(face.MsgLockoutChanged))
	require.Equal(t, face.ErrorMsg{Code: face.ErrorLockout}, msgs[0])
	require.Greater(t, msgs[1].(face.LockoutChangedMsg).Duration, time.Duration(0))
	require.Equal(t, Idle, h.dev.State())

	h.rec.waitFor(t, is(face.LockoutChangedMsg{}))
	require.NoError(t, h.dev.Authenticate(ctx, 1))
}

func TestPermanentLockoutNeedsReset(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) {
		c.policy = lockout.Policy{TimedThreshold: 2, PermanentThreshold: 4, BaseDuration: time.Millisecond, MaxDuration: time.Millisecond}
	})
	ctx := context.Background()
	h.enrollOne(t)

	for i := 0; i < 4; i++ {
		require.Eventually(t, func() bool { return h.dev.Authenticate(ctx, 1) == nil }, time.Second, 2*time.Millisecond)
		require.NoError(t, h.dev.ProcessAuthenticateFrame(ctx, 0x10, 0x20, 0, []int32{0, engine.OutcomeNoMatch}, nil))
		require.Eventually(t, func() bool { return h.dev.State() == Idle }, time.Second, time.Millisecond)
	}

	time.Sleep(10 * time.Millisecond)
	h.flush(t)
	h.rec.reset()
	require.ErrorIs(t, h.dev.Authenticate(ctx, 1), face.ErrLockedOut)
	msgs := h.rec.waitFor(t, ofType(face.MsgLockoutChanged))
	require.Equal(t, []face.Message{
		face.ErrorMsg{Code: face.ErrorLockoutPermanent},
		face.LockoutChangedMsg{Duration: face.LockoutPermanentDuration},
	}, msgs)

	err := h.dev.ResetLockout(ctx, []byte("garbage"))
	require.Equal(t, face.StatusIllegalArgument, face.StatusOf(err))
	require.ErrorIs(t, h.dev.Authenticate(ctx, 1), face.ErrLockedOut)

	h.rec.reset()
	require.NoError(t, h.dev.ResetLockout(ctx, h.credential(t, 0)))
	h.rec.waitFor(t, is(face.LockoutChangedMsg{}))
	require.NoError(t, h.dev.Authenticate(ctx, 1))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) {
		c.policy = lockout.Policy{TimedThreshold: 3, PermanentThreshold: 6, BaseDuration: time.Minute}
	})
	ctx := context.Background()
	h.enrollOne(t)

	h.failAuthentication(t)
	h.failAuthentication(t)

	h.rec.reset()
	require.NoError(t, h.dev.Authenticate(ctx, 5))
	require.NoError(t, h.dev.ProcessAuthenticateFrame(ctx, 0x10, 0x20, 0, nil, nil))
	h.rec.waitFor(t, ofType(face.MsgAuthenticated))
	h.flush(t)

	h.failAuthentication(t)
	msgs := h.failAuthentication(t)
	require.Len(t, msgs, 2, "two failures after a success must not lock out")
	require.NoError(t, h.dev.Authenticate(ctx, 6))
}

func TestLivenessFailuresCountOnlyByPolicy(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) {
		c.policy = lockout.Policy{TimedThreshold: 1, PermanentThreshold: 5, BaseDuration: time.Minute}
	})
	ctx := context.Background()
	h.enrollOne(t)

	h.rec.reset()
	require.NoError(t, h.dev.Authenticate(ctx, 1))
	require.NoError(t, h.dev.ProcessAuthenticateFrame(ctx, 0x10, 0x20, 0, []int32{0, engine.OutcomeLiveness}, nil))
	h.rec.waitFor(t, is(face.ErrorMsg{Code: face.ErrorAuthLivenessFail}))
	h.flush(t)
	require.Equal(t, []face.Message{
		face.AcquiredMsg{Info: face.AcquiredLivenessFail},
		face.AuthenticateProcessedMsg{Main: 0x10, Sub: 0x20},
		face.ErrorMsg{Code: face.ErrorAuthLivenessFail},
	}, h.rec.all())

	require.NoError(t, h.dev.Authenticate(ctx, 2))
}

func TestAuthenticatorIDRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.dev.GetAuthenticatorID(ctx)
	require.NoError(t, err)
	fid := h.enrollOne(t)
	b, err := h.dev.GetAuthenticatorID(ctx)
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	require.NoError(t, h.dev.Remove(ctx, fid))
	h.rec.waitFor(t, ofType(face.MsgTemplateRemoved))
	c, err := h.dev.GetAuthenticatorID(ctx)
	require.NoError(t, err)
	require.NotEqual(t, b, c)
}

func TestActiveGroupReadableFromCallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	scopes := make(chan face.Scope, 4)
	require.NoError(t, h.dev.SetNotify(ctx, func(msg face.Message) {
		if scope, ok := h.dev.ActiveGroup(); ok {
			scopes <- scope
		}
	}))
	require.NoError(t, h.dev.Enumerate(ctx))

	select {
	case scope := <-scopes:
		require.Equal(t, face.Scope{UserID: 10, StorePath: storePath}, scope)
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not run")
	}
}

func TestEnumerate(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) { c.device.MaxTemplates = 2 })
	ctx := context.Background()

	require.NoError(t, h.dev.Enumerate(ctx))
	h.flush(t)
	require.Equal(t, []face.Message{face.EnumeratedMsg{}}, h.rec.all())

	first := h.enrollOne(t)
	second := h.enrollOne(t)
	require.NoError(t, h.dev.Enumerate(ctx))
	h.flush(t)
	require.Equal(t, []face.Message{
		face.EnumeratedMsg{Fid: first, Remaining: 1},
		face.EnumeratedMsg{Fid: second, Remaining: 0},
	}, h.rec.all())
}

func TestRemove(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) { c.device.MaxTemplates = 2 })
	ctx := context.Background()

	require.NoError(t, h.dev.Remove(ctx, 0))
	h.flush(t)
	require.Equal(t, []face.Message{face.RemovedMsg{}}, h.rec.all())
	h.rec.reset()

	first := h.enrollOne(t)
	second := h.enrollOne(t)

	require.NoError(t, h.dev.Remove(ctx, 99))
	h.flush(t)
	require.Equal(t, []face.Message{face.ErrorMsg{Code: face.ErrorUnableToRemove}}, h.rec.all())
	h.rec.reset()

	require.NoError(t, h.dev.Remove(ctx, 0))
	h.flush(t)
	require.Equal(t, []face.Message{
		face.RemovedMsg{Fid: first, Remaining: 1},
		face.RemovedMsg{Fid: second, Remaining: 0},
	}, h.rec.all())
	fids, err := h.registry.Templates(ctx)
	require.NoError(t, err)
	require.Empty(t, fids)
}

func TestFeatures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.dev.GetFeature(ctx, face.FeatureRequireAttention, 1)
	require.ErrorIs(t, err, face.ErrNotEnrolled)

	fid := h.enrollOne(t)
	on, err := h.dev.GetFeature(ctx, face.FeatureRequireAttention, fid)
	require.NoError(t, err)
	require.True(t, on)

	err = h.dev.SetFeature(ctx, face.FeatureRequireAttention, false, nil, fid)
	require.Equal(t, face.StatusIllegalArgument, face.StatusOf(err))
	err = h.dev.SetFeature(ctx, face.Feature(7), false, h.credential(t, 0), fid)
	require.Equal(t, face.StatusIllegalArgument, face.StatusOf(err))
	err = h.dev.SetFeature(ctx, face.FeatureRequireAttention, false, h.credential(t, 0), fid+1)
	require.Equal(t, face.StatusIllegalArgument, face.StatusOf(err))

	require.NoError(t, h.dev.SetFeature(ctx, face.FeatureRequireAttention, false, h.credential(t, 0), fid))
	on, err = h.dev.GetFeature(ctx, face.FeatureRequireAttention, fid)
	require.NoError(t, err)
	require.False(t, on)
}

func TestCloseCancelsRunningOperation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enrollOne(t)
	require.NoError(t, h.dev.Authenticate(ctx, 1))

	require.NoError(t, h.dev.Close(ctx))
	require.Equal(t, []face.Message{face.ErrorMsg{Code: face.ErrorCanceled}}, h.rec.all())
	require.ErrorIs(t, h.dev.Authenticate(ctx, 1), ErrClosed)
}

func TestEnrollRejectsTokenForAnotherUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, err := h.dev.PreEnroll(ctx, 30*time.Second)
	require.NoError(t, err)

	err = h.dev.Enroll(ctx, h.credentialFor(t, 99, c, time.Now()), time.Minute, nil)
	require.Equal(t, face.StatusIllegalArgument, face.StatusOf(err))
	require.Equal(t, PreEnrollPending, h.dev.State())

	require.NoError(t, h.dev.Enroll(ctx, h.credential(t, c), time.Minute, nil))
}

func TestSetActiveGroupDropsChallenge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, err := h.dev.PreEnroll(ctx, 30*time.Second)
	require.NoError(t, err)
	token := h.credential(t, c)

	require.NoError(t, h.dev.SetActiveGroup(ctx, 11, "/data/vendor_de/11/facedata"))
	require.Equal(t, Idle, h.dev.State())

	err = h.dev.Enroll(ctx, token, time.Minute, nil)
	require.Equal(t, face.StatusIllegalArgument, face.StatusOf(err))
	err = h.dev.Enroll(ctx, h.credentialFor(t, 11, c, time.Now()), time.Minute, nil)
	require.Equal(t, face.StatusIllegalArgument, face.StatusOf(err))

	fids, err := h.registry.Templates(ctx)
	require.NoError(t, err)
	require.Empty(t, fids)
	h.flush(t)
	require.Empty(t, h.rec.all())
}

func TestEnrollChecksTokenBeforeCapacity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.enrollOne(t)

	c, err := h.dev.PreEnroll(ctx, 30*time.Second)
	require.NoError(t, err)
	for name, token := range map[string][]byte{
		"garbage":    []byte("garbage"),
		"mismatch":   h.credential(t, c+1),
		"other user": h.credentialFor(t, 77, c, time.Now()),
	} {
		err := h.dev.Enroll(ctx, token, time.Minute, nil)
		require.Equal(t, face.StatusIllegalArgument, face.StatusOf(err), name)
	}
	h.flush(t)
	require.Empty(t, h.rec.all())
	require.Equal(t, PreEnrollPending, h.dev.State())
}

func TestCredentialTokensAreBoundToUserAndTime(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) {
		c.policy = lockout.Policy{TimedThreshold: 1, PermanentThreshold: 5, BaseDuration: time.Minute, MaxDuration: time.Hour}
	})
	ctx := context.Background()
	fid := h.enrollOne(t)
	h.failAuthentication(t)
	require.ErrorIs(t, h.dev.Authenticate(ctx, 1), face.ErrLockedOut)

	for name, token := range map[string][]byte{
		"other user": h.credentialFor(t, 77, 0, time.Now()),
		"future":     h.credentialFor(t, 10, 0, time.Now().AddDate(1, 0, 0)),
		"stale":      h.credentialFor(t, 10, 0, time.Now().Add(-time.Hour)),
	} {
		err := h.dev.ResetLockout(ctx, token)
		require.Equal(t, face.StatusIllegalArgument, face.StatusOf(err), name)
		err = h.dev.SetFeature(ctx, face.FeatureRequireAttention, false, token, fid)
		require.Equal(t, face.StatusIllegalArgument, face.StatusOf(err), name)
	}
	require.ErrorIs(t, h.dev.Authenticate(ctx, 1), face.ErrLockedOut)

	token := h.credential(t, 0)
	require.NoError(t, h.dev.ResetLockout(ctx, token))
	err := h.dev.ResetLockout(ctx, token)
	require.Equal(t, face.StatusIllegalArgument, face.StatusOf(err))
	err = h.dev.SetFeature(ctx, face.FeatureRequireAttention, false, token, fid)
	require.Equal(t, face.StatusIllegalArgument, face.StatusOf(err))
}

func TestAuthenticatingRejectsControlCalls(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	fid := h.enrollOne(t)
	require.NoError(t, h.dev.Authenticate(ctx, 1))

	require.ErrorIs(t, h.dev.Enroll(ctx, h.credential(t, 1), time.Minute, nil), face.ErrBusy)
	require.ErrorIs(t, h.dev.PostEnroll(ctx), face.ErrBusy)
	require.ErrorIs(t, h.dev.SetFeature(ctx, face.FeatureRequireAttention, false, h.credential(t, 0), fid), face.ErrBusy)
	require.ErrorIs(t, h.dev.ResetLockout(ctx, h.credential(t, 0)), face.ErrBusy)

	require.Equal(t, Authenticating, h.dev.State())
	h.flush(t)
	require.Empty(t, h.rec.all())
}

func TestTimedLockoutSurvivesRestart(t *testing.T) {
	store := lockout.NewMemoryStore()
	withStore := func(c *harnessConfig) {
		c.lockouts = store
		c.policy = lockout.Policy{TimedThreshold: 1, PermanentThreshold: 5, BaseDuration: 300 * time.Millisecond, MaxDuration: time.Second}
	}
	first := newHarness(t, withStore)
	first.enrollOne(t)
	msgs := first.failAuthentication(t)
	require.Greater(t, msgs[len(msgs)-1].(face.LockoutChangedMsg).Duration, time.Duration(0))
	require.NoError(t, first.dev.Close(context.Background()))

	// the second device re-arms the expiry when the group is set
	second := newHarness(t, withStore)
	require.ErrorIs(t, second.dev.Authenticate(context.Background(), 1), face.ErrLockedOut)
	second.rec.waitFor(t, is(face.LockoutChangedMsg{}))
}

func TestLockoutExpiryOnlyReachesActiveUser(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) {
		c.policy = lockout.Policy{TimedThreshold: 1, PermanentThreshold: 5, BaseDuration: 200 * time.Millisecond, MaxDuration: time.Second}
	})
	ctx := context.Background()
	h.enrollOne(t)
	h.failAuthentication(t)

	require.NoError(t, h.dev.SetActiveGroup(ctx, 11, "/data/vendor_de/11/facedata"))
	h.rec.reset()
	time.Sleep(400 * time.Millisecond)
	h.flush(t)
	require.Empty(t, h.rec.all())

	require.NoError(t, h.dev.SetActiveGroup(ctx, 10, storePath))
	require.NoError(t, h.dev.Authenticate(ctx, 1))
}

func TestCloseHonorsContext(t *testing.T) {
	gated := &gatedEngine{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, func(c *harnessConfig) {
		c.engine = func(sim *engine.Simulated) engine.Engine {
			gated.Simulated = sim
			return gated
		}
	})
	h.startEnroll(t)
	require.NoError(t, h.dev.ProcessEnrollFrame(context.Background(), 0x1000, nil, nil))
	<-gated.entered
	defer close(gated.release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.dev.Close(ctx), context.DeadlineExceeded)
	require.ErrorIs(t, h.dev.Enumerate(context.Background()), ErrClosed)
}
