package repository

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/faceauth/internal/face"
)

// EventSaver persists one audited message.
type EventSaver interface {
	SaveEvent(ctx context.Context, scope face.Scope, msg face.Message) error
}

type auditEntry struct {
	scope face.Scope
	msg   face.Message
}

// EventRecorder writes terminal messages to the audit log off the delivery
// goroutine. When the queue is full new entries are dropped.
type EventRecorder struct {
	saver  EventSaver
	mu     sync.Mutex
	closed bool
	queue  chan auditEntry
	done   chan struct{}
	logger *zap.Logger
}

func NewEventRecorder(saver EventSaver, buffer int, logger *zap.Logger) *EventRecorder {
	if buffer <= 0 {
		buffer = 64
	}
	r := &EventRecorder{
		saver:  saver,
		queue:  make(chan auditEntry, buffer),
		done:   make(chan struct{}),
		logger: logger.Named("event_recorder"),
	}
	go r.run()
	return r
}

// Record queues msg when it is worth auditing.
func (r *EventRecorder) Record(scope face.Scope, msg face.Message) {
	if !face.Terminal(msg) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- auditEntry{scope: scope, msg: msg}:
	default:
		r.logger.Warn("audit queue full, event dropped", zap.Stringer("type", msg.Type()))
	}
}

// Close flushes queued entries and stops the writer.
func (r *EventRecorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *EventRecorder) run() {
	defer close(r.done)
	for entry := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.saver.SaveEvent(ctx, entry.scope, entry.msg); err != nil {
			r.logger.Error("failed to audit event", zap.Error(err), zap.Stringer("type", entry.msg.Type()))
		}
		cancel()
	}
}
