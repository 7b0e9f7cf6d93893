package monitor

import (
	"context"
	"fmt"
	"time"
)

// ConnectionState reports whether a transport is connected.
// messaging.Transport satisfies it.
type ConnectionState interface {
	IsConnected() bool
}

// TransportChecker reports unhealthy while the transport is disconnected
type TransportChecker struct {
	name  string
	state ConnectionState
}

// NewTransportChecker creates a checker called name for state
func NewTransportChecker(name string, state ConnectionState) *TransportChecker {
	return &TransportChecker{name: name, state: state}
}

func (c *TransportChecker) Name() string {
	return c.name
}

func (c *TransportChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.name,
		Timestamp: start,
	}

	if c.state.IsConnected() {
		result.Status = StatusHealthy
		result.Message = "connected"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "transport is not connected"
	}
	result.Duration = time.Since(start)
	return result
}

// PendingCounter reports the number of outstanding requests.
// messaging.Correlator satisfies it.
type PendingCounter interface {
	Pending() int
}

// PendingChecker reports degraded once more than threshold requests wait
// for a reply
type PendingChecker struct {
	counter   PendingCounter
	threshold int
}

// NewPendingChecker creates a pending request checker
func NewPendingChecker(counter PendingCounter, threshold int) *PendingChecker {
	return &PendingChecker{counter: counter, threshold: threshold}
}

func (c *PendingChecker) Name() string {
	return "pending_requests"
}

func (c *PendingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	pending := c.counter.Pending()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: start,
		Details: map[string]any{
			"pending":   pending,
			"threshold": c.threshold,
		},
	}
	if c.threshold > 0 && pending > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d requests waiting for a reply", pending)
	}
	result.Duration = time.Since(start)
	return result
}
