package messaging

import "time"

// Request outcomes reported to Metrics
const (
	OutcomeResolved  = "resolved"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
	OutcomeClosed    = "closed"
)

// Metrics receives counters from the dispatcher and correlator
type Metrics interface {
	RequestSent(eventName string)
	RequestCompleted(eventName, outcome string, duration time.Duration)
	PendingRequests(count int)
	EventDispatched(cmdName string)
	FrameDropped(reason string)
}

type noopMetrics struct{}

func (noopMetrics) RequestSent(string)                              {}
func (noopMetrics) RequestCompleted(string, string, time.Duration) {}
func (noopMetrics) PendingRequests(int)                             {}
func (noopMetrics) EventDispatched(string)                          {}
func (noopMetrics) FrameDropped(string)                             {}
