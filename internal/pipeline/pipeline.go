// Package pipeline hands camera frames to the recognition engine on a
// worker goroutine so that capture cadence is decoupled from recognition.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/faceauth/internal/engine"
	"github.com/example/faceauth/internal/metrics"
)

var (
	ErrStopped   = errors.New("pipeline: operation no longer accepts frames")
	ErrWrongKind = errors.New("pipeline: frame kind does not match the operation")
)

// Kind is the operation a Run serves.
type Kind int

const (
	KindEnroll Kind = iota + 1
	KindAuthenticate
)

func (k Kind) String() string {
	switch k {
	case KindEnroll:
		return "enroll"
	case KindAuthenticate:
		return "authenticate"
	default:
		return "unknown"
	}
}

// Sink receives engine verdicts tagged with the operation they were
// submitted under. Implementations discard results of operations that have
// already ended.
type Sink interface {
	EnrollStep(op uint64, frame engine.EnrollFrame, step engine.EnrollStep, err error)
	AuthenticateStep(op uint64, frame engine.AuthFrame, step engine.AuthStep, err error)
}

// Holder is told when a frame is in flight. The notify dispatcher uses it to
// hold callback registration until the frame's events are queued.
type Holder interface {
	Hold()
	Release()
}

// Pipeline starts one Run per admitted operation.
type Pipeline struct {
	engine  engine.Engine
	sink    Sink
	holder  Holder
	depth   int
	logger  *zap.Logger
	metrics *metrics.Collector
}

func New(eng engine.Engine, sink Sink, holder Holder, depth int, logger *zap.Logger, m *metrics.Collector) *Pipeline {
	if depth <= 0 {
		depth = 1
	}
	return &Pipeline{
		engine:  eng,
		sink:    sink,
		holder:  holder,
		depth:   depth,
		logger:  logger.Named("pipeline"),
		metrics: m,
	}
}

type job struct {
	enroll engine.EnrollFrame
	auth   engine.AuthFrame
}

// Run is the frame queue and worker of one operation.
type Run struct {
	p      *Pipeline
	op     uint64
	kind   Kind
	frames chan job
	stop   chan struct{}
	once   sync.Once
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// Start launches the worker for operation op. logger should already carry
// the operation's request id.
func (p *Pipeline) Start(op uint64, kind Kind, logger *zap.Logger) *Run {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Run{
		p:      p,
		op:     op,
		kind:   kind,
		frames: make(chan job, p.depth),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	go r.loop()
	return r
}

func (r *Run) Op() uint64 { return r.op }

func (r *Run) Kind() Kind { return r.kind }

// SubmitEnroll queues an enrollment frame, blocking while the queue is full.
// Info and ByteInfo are copied.
func (r *Run) SubmitEnroll(ctx context.Context, f engine.EnrollFrame) error {
	if r.kind != KindEnroll {
		return ErrWrongKind
	}
	f.Info = append([]int32(nil), f.Info...)
	f.ByteInfo = append([]int8(nil), f.ByteInfo...)
	return r.submit(ctx, job{enroll: f})
}

// SubmitAuthenticate queues an authentication frame pair.
func (r *Run) SubmitAuthenticate(ctx context.Context, f engine.AuthFrame) error {
	if r.kind != KindAuthenticate {
		return ErrWrongKind
	}
	f.Info = append([]int32(nil), f.Info...)
	f.ByteInfo = append([]int8(nil), f.ByteInfo...)
	return r.submit(ctx, job{auth: f})
}

func (r *Run) submit(ctx context.Context, j job) error {
	select {
	case <-r.stop:
		return ErrStopped
	default:
	}
	select {
	case r.frames <- j:
		return nil
	case <-r.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses further frames and cancels the engine call in flight. It does
// not wait for the worker, so it is safe to call while holding a lock the
// Sink takes.
func (r *Run) Stop() {
	r.once.Do(func() {
		close(r.stop)
		r.cancel()
	})
}

// Wait blocks until the worker has exited.
func (r *Run) Wait() {
	<-r.done
}

func (r *Run) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (r *Run) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		case j := <-r.frames:
			if r.stopped() {
				return
			}
			r.process(j)
		}
	}
}

func (r *Run) process(j job) {
	r.p.holder.Hold()
	defer r.p.holder.Release()

	start := time.Now()
	switch r.kind {
	case KindEnroll:
		step, err := r.p.engine.ProcessEnroll(r.ctx, j.enroll)
		r.observe(start, err)
		r.p.sink.EnrollStep(r.op, j.enroll, step, err)
	case KindAuthenticate:
		step, err := r.p.engine.ProcessAuthenticate(r.ctx, j.auth)
		r.observe(start, err)
		r.p.sink.AuthenticateStep(r.op, j.auth, step, err)
	}
}

func (r *Run) observe(start time.Time, err error) {
	took := time.Since(start)
	r.p.metrics.ObserveFrame(r.kind.String(), took, err)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("engine rejected frame", zap.Error(err), zap.Duration("took", took))
		return
	}
	r.logger.Debug("frame processed", zap.Duration("took", took))
}
