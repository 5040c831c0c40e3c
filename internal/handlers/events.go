package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/faceauth/internal/face"
)

// EventHub fans device messages out to event stream subscribers. A
// subscriber whose buffer is full is disconnected.
type EventHub struct {
	mu     sync.Mutex
	subs   map[uint64]chan face.Envelope
	next   uint64
	buffer int
	closed bool
	logger *zap.Logger
}

func NewEventHub(buffer int, logger *zap.Logger) *EventHub {
	if buffer <= 0 {
		buffer = 32
	}
	return &EventHub{
		subs:   map[uint64]chan face.Envelope{},
		buffer: buffer,
		logger: logger.Named("event_hub"),
	}
}

// Publish never blocks; it is called from the notify callback.
func (h *EventHub) Publish(msg face.Message) {
	env, err := face.Encode(msg)
	if err != nil {
		h.logger.Error("failed to encode event", zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- env:
		default:
			close(ch)
			delete(h.subs, id)
			h.logger.Warn("slow event subscriber dropped", zap.Uint64("subscriber", id))
		}
	}
}

// Subscribe returns a channel of events and a function that ends the
// subscription. The channel is closed when the subscriber is dropped or the
// hub is closed.
func (h *EventHub) Subscribe() (<-chan face.Envelope, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan face.Envelope, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			close(c)
			delete(h.subs, id)
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription. Buffered events are still delivered.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}

const keepAliveInterval = 15 * time.Second

func (a *API) streamEvents(c *gin.Context) {
	events, unsubscribe := a.hub.Subscribe()
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-events:
			if !ok {
				return
			}
			c.SSEvent(env.Type, env)
			c.Writer.Flush()
		case <-ticker.C:
			if _, err := c.Writer.WriteString(": keepalive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
