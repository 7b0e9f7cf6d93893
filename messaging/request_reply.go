package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/nativebridge/contracts"
	"github.com/google/uuid"
)

// Invoker calls host functions and waits for their result
type Invoker interface {
	Invoke(ctx context.Context, eventName, cmdName string, registered bool, args ...any) (json.RawMessage, error)
}

// Correlator sends requests to the host and matches replies by callback id
type Correlator struct {
	publisher      TransportPublisher
	dispatcher     *Dispatcher
	logger         *slog.Logger
	metrics        Metrics
	defaultTimeout time.Duration
	newToken       func() string
}

// CorrelatorOption configures the Correlator
type CorrelatorOption func(*Correlator)

// WithCorrelatorLogger sets the logger
func WithCorrelatorLogger(logger *slog.Logger) CorrelatorOption {
	return func(c *Correlator) {
		c.logger = logger
	}
}

// WithCorrelatorMetrics sets the metrics sink
func WithCorrelatorMetrics(metrics Metrics) CorrelatorOption {
	return func(c *Correlator) {
		c.metrics = metrics
	}
}

// WithDefaultTimeout bounds requests whose context has no deadline.
// Zero waits until the context is cancelled.
func WithDefaultTimeout(timeout time.Duration) CorrelatorOption {
	return func(c *Correlator) {
		c.defaultTimeout = timeout
	}
}

// WithTokenGenerator replaces the UUID token source
func WithTokenGenerator(fn func() string) CorrelatorOption {
	return func(c *Correlator) {
		c.newToken = fn
	}
}

// NewCorrelator creates a correlator publishing through publisher and
// receiving replies through dispatcher
func NewCorrelator(publisher TransportPublisher, dispatcher *Dispatcher, opts ...CorrelatorOption) (*Correlator, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}

	c := &Correlator{
		publisher:  publisher,
		dispatcher: dispatcher,
		logger:     slog.Default(),
		metrics:    noopMetrics{},
		newToken: func() string {
			return uuid.New().String()
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = noopMetrics{}
	}

	return c, nil
}

// Invoke calls cmdName on the host event eventName and waits for the reply.
// It returns the second element of the first downward frame echoing the
// request's callback id. The wait ends early with ErrRequestCancelled when
// ctx ends, or with ErrBridgeClosed when the dispatcher closes.
func (c *Correlator) Invoke(ctx context.Context, eventName, cmdName string, registered bool, args ...any) (json.RawMessage, error) {
	if c.defaultTimeout > 0 {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.defaultTimeout)
			defer cancel()
		}
	}

	token := c.newToken()
	envelope := contracts.NewRequestEnvelope(token, eventName, registered)

	frame, err := contracts.EncodeRequest(envelope, cmdName, args...)
	if err != nil {
		return nil, err
	}

	pending, err := c.dispatcher.register(token)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	if err := c.publisher.Publish(ctx, contracts.ChannelUp, frame); err != nil {
		c.dispatcher.forget(token)
		c.metrics.RequestCompleted(envelope.EventName, OutcomeFailed, time.Since(started))
		return nil, fmt.Errorf("failed to send request %s: %w", cmdName, err)
	}
	c.metrics.RequestSent(envelope.EventName)

	c.logger.Debug("sent request",
		"callbackId", token,
		"eventName", envelope.EventName,
		"cmdName", cmdName,
	)

	select {
	case result := <-pending.reply:
		c.metrics.RequestCompleted(envelope.EventName, OutcomeResolved, time.Since(started))
		return result, nil
	case <-ctx.Done():
		c.dispatcher.forget(token)
		c.metrics.RequestCompleted(envelope.EventName, OutcomeCancelled, time.Since(started))
		return nil, fmt.Errorf("%w: %s: %w", contracts.ErrRequestCancelled, cmdName, ctx.Err())
	case <-c.dispatcher.Done():
		c.metrics.RequestCompleted(envelope.EventName, OutcomeClosed, time.Since(started))
		return nil, contracts.ErrBridgeClosed
	}
}

// Pending returns the number of requests still waiting for a reply
func (c *Correlator) Pending() int {
	return c.dispatcher.PendingCount()
}

// InvokeTyped calls Invoke and decodes the result into T
func InvokeTyped[T any](ctx context.Context, invoker Invoker, eventName, cmdName string, registered bool, args ...any) (T, error) {
	var zero T

	raw, err := invoker.Invoke(ctx, eventName, cmdName, registered, args...)
	if err != nil {
		return zero, err
	}

	var result T
	if len(raw) == 0 {
		return zero, errors.New("empty reply")
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return zero, fmt.Errorf("unexpected reply for %s: %w", cmdName, err)
	}
	return result, nil
}
