package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/glimte/nativebridge/contracts"
	"github.com/google/uuid"
)

// EventHandler receives the payload of a matching event entry
type EventHandler func(ctx context.Context, payload json.RawMessage)

// EventSubscriber registers and removes event handlers
type EventSubscriber interface {
	Subscribe(cmdName string, handler EventHandler) (*Subscription, error)
	Unsubscribe(sub *Subscription)
}

// Subscription is the handle returned by Subscribe
type Subscription struct {
	id      string
	cmdName string
	handler EventHandler
	active  atomic.Bool
}

// ID returns the unique subscription identifier
func (s *Subscription) ID() string {
	return s.id
}

// CmdName returns the event tag the subscription listens to
func (s *Subscription) CmdName() string {
	return s.cmdName
}

// Active reports whether the subscription still receives events
func (s *Subscription) Active() bool {
	return s.active.Load()
}

// pendingRequest is an outstanding correlated call
type pendingRequest struct {
	token string
	reply chan json.RawMessage
}

// Dispatcher routes downward frames to pending requests by correlation token
// and to subscriptions by event tag
type Dispatcher struct {
	mu            sync.RWMutex
	pending       map[string]*pendingRequest
	subscriptions map[string][]*Subscription
	allEntries    bool
	logger        *slog.Logger
	metrics       Metrics
	done          chan struct{}
	closeOnce     sync.Once

	// events queued for the handler goroutine, in arrival order
	queueMu sync.Mutex
	queue   []func()
	wake    chan struct{}
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDispatcherMetrics sets the metrics sink
func WithDispatcherMetrics(metrics Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithDispatchAllEntries dispatches every matching entry of an event frame
// instead of only the entry at index 0
func WithDispatchAllEntries(enabled bool) DispatcherOption {
	return func(d *Dispatcher) {
		d.allEntries = enabled
	}
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		pending:       make(map[string]*pendingRequest),
		subscriptions: make(map[string][]*Subscription),
		logger:        slog.Default(),
		metrics:       noopMetrics{},
		done:          make(chan struct{}),
		wake:          make(chan struct{}, 1),
	}

	for _, opt := range options {
		opt(d)
	}

	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.metrics == nil {
		d.metrics = noopMetrics{}
	}

	go d.runEvents()
	return d
}

// Subscribe registers handler for every frame carrying an entry named cmdName
func (d *Dispatcher) Subscribe(cmdName string, handler EventHandler) (*Subscription, error) {
	if cmdName == "" {
		return nil, contracts.ErrEmptyCommand
	}
	if handler == nil {
		return nil, contracts.ErrNilHandler
	}

	sub := &Subscription{
		id:      uuid.New().String(),
		cmdName: cmdName,
		handler: handler,
	}
	sub.active.Store(true)

	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-d.done:
		return nil, contracts.ErrBridgeClosed
	default:
	}

	d.subscriptions[cmdName] = append(d.subscriptions[cmdName], sub)

	d.logger.Debug("subscribed to event", "cmdName", cmdName, "subscriptionId", sub.id)
	return sub, nil
}

// Unsubscribe removes a subscription. Unknown or nil handles are ignored.
func (d *Dispatcher) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.active.Store(false)

	d.mu.Lock()
	defer d.mu.Unlock()

	subs := d.subscriptions[sub.cmdName]
	for i, s := range subs {
		if s == sub {
			remaining := make([]*Subscription, 0, len(subs)-1)
			remaining = append(remaining, subs[:i]...)
			remaining = append(remaining, subs[i+1:]...)
			if len(remaining) == 0 {
				delete(d.subscriptions, sub.cmdName)
			} else {
				d.subscriptions[sub.cmdName] = remaining
			}

			d.logger.Debug("unsubscribed from event", "cmdName", sub.cmdName, "subscriptionId", sub.id)
			return
		}
	}
}

// SubscriptionCount returns the number of active subscriptions for cmdName
func (d *Dispatcher) SubscriptionCount(cmdName string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscriptions[cmdName])
}

// PendingCount returns the number of outstanding requests
func (d *Dispatcher) PendingCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending)
}

// register adds a pending request for token. It must run before the request
// is published so a fast reply is never missed.
func (d *Dispatcher) register(token string) (*pendingRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-d.done:
		return nil, contracts.ErrBridgeClosed
	default:
	}

	if _, exists := d.pending[token]; exists {
		return nil, fmt.Errorf("%w: %s", contracts.ErrDuplicateCallbackID, token)
	}

	p := &pendingRequest{
		token: token,
		reply: make(chan json.RawMessage, 1),
	}
	d.pending[token] = p
	d.metrics.PendingRequests(len(d.pending))
	return p, nil
}

// forget drops a pending request without resolving it
func (d *Dispatcher) forget(token string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.pending[token]; exists {
		delete(d.pending, token)
		d.metrics.PendingRequests(len(d.pending))
	}
}

// resolve hands result to the request waiting on token. It reports false if
// no request is waiting.
func (d *Dispatcher) resolve(token string, result json.RawMessage) bool {
	d.mu.Lock()
	p, exists := d.pending[token]
	if exists {
		delete(d.pending, token)
		d.metrics.PendingRequests(len(d.pending))
	}
	d.mu.Unlock()

	if !exists {
		return false
	}

	// reply is buffered and has a single sender since the entry is gone
	p.reply <- result
	return true
}

// Done is closed when the dispatcher is closed
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// HandleDelivery adapts the dispatcher to TransportSubscriber
func (d *Dispatcher) HandleDelivery(delivery TransportDelivery) error {
	d.Deliver(context.Background(), delivery.Body())
	return delivery.Acknowledge()
}

// Deliver decodes a raw frame and dispatches it. Malformed frames are dropped.
func (d *Dispatcher) Deliver(ctx context.Context, frame []byte) {
	msg, err := contracts.DecodeInbound(frame)
	if err != nil {
		d.metrics.FrameDropped("malformed")
		d.logger.Debug("dropping malformed frame", "error", err)
		return
	}
	d.Dispatch(ctx, msg)
}

// Dispatch routes a decoded frame. A frame may both answer a request and
// carry events; both are handled. Replies are resolved before Dispatch
// returns. Events are queued for the handler goroutine, so a handler may
// wait on a reply that arrives in a later frame.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *contracts.InboundMessage) {
	if msg == nil {
		return
	}

	matched := false
	if token := msg.CallbackID(); token != "" {
		if d.resolve(token, msg.Body) {
			matched = true
			d.logger.Debug("resolved request", "callbackId", token)
		}
	}

	if d.dispatchEvents(ctx, msg) {
		matched = true
	}

	if !matched {
		d.metrics.FrameDropped("unmatched")
	}
}

func (d *Dispatcher) dispatchEvents(ctx context.Context, msg *contracts.InboundMessage) bool {
	var entries []contracts.EventEntry
	if d.allEntries {
		entries = msg.Entries()
	} else if entry, ok := msg.FirstEntry(); ok {
		entries = []contracts.EventEntry{entry}
	}

	type queued struct {
		subs    []*Subscription
		payload json.RawMessage
	}

	// handlers are resolved on arrival, so a later Subscribe never sees
	// an earlier frame
	var batch []queued
	for _, entry := range entries {
		d.mu.RLock()
		subs := make([]*Subscription, len(d.subscriptions[entry.CmdName]))
		copy(subs, d.subscriptions[entry.CmdName])
		d.mu.RUnlock()

		if len(subs) == 0 {
			continue
		}
		batch = append(batch, queued{subs: subs, payload: entry.Payload})
		d.metrics.EventDispatched(entry.CmdName)
	}
	if len(batch) == 0 {
		return false
	}

	return d.enqueue(func() {
		for _, item := range batch {
			for _, sub := range item.subs {
				if !sub.Active() {
					continue
				}
				d.invoke(ctx, sub, item.payload)
			}
		}
	})
}

// enqueue hands job to the handler goroutine. It reports false once the
// dispatcher is closed.
func (d *Dispatcher) enqueue(job func()) bool {
	d.queueMu.Lock()
	select {
	case <-d.done:
		d.queueMu.Unlock()
		return false
	default:
	}
	d.queue = append(d.queue, job)
	d.queueMu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// runEvents runs queued jobs one at a time until the dispatcher closes
func (d *Dispatcher) runEvents() {
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}

		for {
			d.queueMu.Lock()
			if len(d.queue) == 0 {
				d.queueMu.Unlock()
				break
			}
			job := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.queueMu.Unlock()

			job()
		}
	}
}

// Flush blocks until every event queued before the call has been handled.
// It must not be called from an event handler.
func (d *Dispatcher) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	if !d.enqueue(func() { close(barrier) }) {
		return contracts.ErrBridgeClosed
	}

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return contracts.ErrBridgeClosed
	}
}

func (d *Dispatcher) invoke(ctx context.Context, sub *Subscription, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				"cmdName", sub.cmdName,
				"subscriptionId", sub.id,
				"panic", r,
			)
		}
	}()

	sub.handler(ctx, payload)
}

// Close releases every waiting request with ErrBridgeClosed and drops all
// subscriptions
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		close(d.done)
		d.pending = make(map[string]*pendingRequest)
		for _, subs := range d.subscriptions {
			for _, sub := range subs {
				sub.active.Store(false)
			}
		}
		d.subscriptions = make(map[string][]*Subscription)
		d.metrics.PendingRequests(0)

		d.queueMu.Lock()
		d.queue = nil
		d.queueMu.Unlock()
	})
	return nil
}
