// Package metrics defines the prometheus collectors of the face daemon. All
// methods are safe on a nil *Collector so components can run without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Collector struct {
	frames     *prometheus.CounterVec
	frameTime  *prometheus.HistogramVec
	events     *prometheus.CounterVec
	lockouts   *prometheus.CounterVec
	operations *prometheus.CounterVec
}

func New() *Collector {
	return &Collector{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "face_frames_processed_total",
			Help: "Frames handed to the recognition engine",
		}, []string{"kind", "result"}),
		frameTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "face_frame_latency_ms",
			Help:    "Recognition engine latency per frame in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"kind"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "face_events_dispatched_total",
			Help: "Asynchronous messages delivered to the notify callback",
		}, []string{"type"}),
		lockouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "face_lockouts_total",
			Help: "Lockouts engaged",
		}, []string{"level"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "face_operations_started_total",
			Help: "Enroll and authenticate operations admitted",
		}, []string{"kind"}),
	}
}

// Register adds the collectors to reg, or the default registerer when nil.
func (c *Collector) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, col := range []prometheus.Collector{c.frames, c.frameTime, c.events, c.lockouts, c.operations} {
		if err := reg.Register(col); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

func (c *Collector) ObserveFrame(kind string, took time.Duration, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.frames.WithLabelValues(kind, result).Inc()
	c.frameTime.WithLabelValues(kind).Observe(float64(took.Microseconds()) / 1000)
}

func (c *Collector) EventDispatched(msgType string) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(msgType).Inc()
}

func (c *Collector) LockoutEngaged(level string) {
	if c == nil {
		return
	}
	c.lockouts.WithLabelValues(level).Inc()
}

func (c *Collector) OperationStarted(kind string) {
	if c == nil {
		return
	}
	c.operations.WithLabelValues(kind).Inc()
}
