package monitor

import (
	"time"

	"github.com/glimte/nativebridge/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nativebridge"

// Collector records bridge activity as Prometheus metrics.
// It implements messaging.Metrics.
type Collector struct {
	requestsSent      *prometheus.CounterVec
	requestsCompleted *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	pendingRequests   prometheus.Gauge
	eventsDispatched  *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec
}

var _ messaging.Metrics = (*Collector)(nil)

// NewCollector registers the bridge metrics with registerer.
// A nil registerer uses prometheus.DefaultRegisterer.
func NewCollector(registerer prometheus.Registerer) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &Collector{
		requestsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_sent_total",
				Help:      "Requests published on the upward channel",
			},
			[]string{"event"},
		),
		requestsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_completed_total",
				Help:      "Requests that finished, by outcome",
			},
			[]string{"event", "outcome"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time from publish to reply or abandonment",
				Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"event", "outcome"},
		),
		pendingRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_requests",
				Help:      "Requests waiting for a reply",
			},
		),
		eventsDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dispatched_total",
				Help:      "Event entries delivered to at least one handler",
			},
			[]string{"cmd"},
		),
		framesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_dropped_total",
				Help:      "Downward frames that matched nothing",
			},
			[]string{"reason"},
		),
	}
}

// RequestSent implements messaging.Metrics
func (c *Collector) RequestSent(eventName string) {
	c.requestsSent.WithLabelValues(eventName).Inc()
}

// RequestCompleted implements messaging.Metrics
func (c *Collector) RequestCompleted(eventName, outcome string, duration time.Duration) {
	c.requestsCompleted.WithLabelValues(eventName, outcome).Inc()
	c.requestDuration.WithLabelValues(eventName, outcome).Observe(duration.Seconds())
}

// PendingRequests implements messaging.Metrics
func (c *Collector) PendingRequests(n int) {
	c.pendingRequests.Set(float64(n))
}

// EventDispatched implements messaging.Metrics
func (c *Collector) EventDispatched(cmdName string) {
	c.eventsDispatched.WithLabelValues(cmdName).Inc()
}

// FrameDropped implements messaging.Metrics
func (c *Collector) FrameDropped(reason string) {
	c.framesDropped.WithLabelValues(reason).Inc()
}
