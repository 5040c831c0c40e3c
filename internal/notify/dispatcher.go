// Package notify delivers asynchronous face messages to the single
// registered callback, one at a time and in the order they were produced.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/example/faceauth/internal/face"
	"github.com/example/faceauth/internal/metrics"
)

// Callback receives every message. It is never invoked concurrently with
// itself and must not call SetNotify.
type Callback func(face.Message)

var ErrClosed = errors.New("notify: dispatcher closed")

// Dispatcher owns the message queue and its delivery goroutine. Send never
// blocks, so producers may call it while holding their own locks.
type Dispatcher struct {
	mu         sync.Mutex
	cond       *sync.Cond
	queue      []face.Message
	cb         Callback
	delivering bool
	holds      int
	closed     bool
	done       chan struct{}

	logger  *zap.Logger
	metrics *metrics.Collector
}

func NewDispatcher(logger *zap.Logger, m *metrics.Collector) *Dispatcher {
	d := &Dispatcher{
		done:    make(chan struct{}),
		logger:  logger.Named("notify"),
		metrics: m,
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// SetNotify installs cb as the only receiver. It blocks while messages are
// queued or being delivered, or while a producer holds the dispatcher busy,
// so a new callback never sees the tail of the previous one's stream.
func (d *Dispatcher) SetNotify(ctx context.Context, cb Callback) error {
	if cb == nil {
		return fmt.Errorf("%w: nil callback", face.ErrIllegalArgument)
	}

	stop := context.AfterFunc(ctx, func() {
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
	})
	defer stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	for !d.closed && d.busy() {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.cond.Wait()
	}
	if d.closed {
		return ErrClosed
	}
	d.cb = cb
	d.logger.Debug("notify callback registered")
	return nil
}

// Send queues msg for delivery. Messages sent with no callback registered,
// or after Close, are dropped.
func (d *Dispatcher) Send(msg face.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.logger.Debug("message dropped after close", zap.Stringer("type", msg.Type()))
		return
	}
	d.queue = append(d.queue, msg)
	d.cond.Broadcast()
}

// Hold marks the producer busy until the matching Release.
func (d *Dispatcher) Hold() {
	d.mu.Lock()
	d.holds++
	d.mu.Unlock()
}

func (d *Dispatcher) Release() {
	d.mu.Lock()
	if d.holds > 0 {
		d.holds--
	}
	d.cond.Broadcast()
	d.mu.Unlock()
}

// Close delivers what is already queued and stops the delivery goroutine.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) busy() bool {
	return len(d.queue) > 0 || d.delivering || d.holds > 0
}

func (d *Dispatcher) run() {
	defer close(d.done)

	d.mu.Lock()
	for {
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}

		msg := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		cb := d.cb
		d.delivering = true
		d.mu.Unlock()

		d.deliver(cb, msg)

		d.mu.Lock()
		d.delivering = false
		d.cond.Broadcast()
	}
}

func (d *Dispatcher) deliver(cb Callback, msg face.Message) {
	if cb == nil {
		d.logger.Debug("no callback registered, message dropped", zap.Stringer("type", msg.Type()))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notify callback panicked", zap.Any("panic", r), zap.Stringer("type", msg.Type()))
		}
	}()
	cb(msg)
	d.metrics.EventDispatched(msg.Type().String())
}
