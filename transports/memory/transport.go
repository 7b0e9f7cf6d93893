// Package memory provides an in-process transport. The host side of the
// channel is simulated with HandleUp and Emit, which makes it suitable for
// tests and local demos.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/nativebridge/contracts"
	"github.com/glimte/nativebridge/messaging"
)

var (
	// ErrNotConnected is returned when publishing before Connect or after Close
	ErrNotConnected = errors.New("memory: transport not connected")
	// ErrAlreadySubscribed is returned when a channel already has a consumer
	ErrAlreadySubscribed = errors.New("memory: channel already has a consumer")
)

// HostHandler receives frames published by the bridge
type HostHandler func(ctx context.Context, frame []byte)

// ResponderFunc answers a decoded request. args[0] is the command name.
type ResponderFunc func(ctx context.Context, envelope *contracts.RequestEnvelope, args []json.RawMessage) (any, error)

// Transport implements messaging.Transport in memory
type Transport struct {
	mu         sync.RWMutex
	connected  bool
	hosts      map[string][]HostHandler
	consumers  map[string]*consumer
	bufferSize int
	logger     *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*Transport)

// WithBufferSize sets the per-channel delivery buffer
func WithBufferSize(size int) TransportOption {
	return func(t *Transport) {
		t.bufferSize = size
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport creates a disconnected in-memory transport
func NewTransport(options ...TransportOption) *Transport {
	t := &Transport{
		hosts:      make(map[string][]HostHandler),
		consumers:  make(map[string]*consumer),
		bufferSize: 256,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// Publisher returns a transport publisher
func (t *Transport) Publisher() messaging.TransportPublisher {
	return &publisher{transport: t}
}

// Subscriber returns a transport subscriber
func (t *Transport) Subscriber() messaging.TransportSubscriber {
	return &subscriber{transport: t}
}

// Connect marks the transport as connected
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Close stops every consumer and disconnects
func (t *Transport) Close() error {
	t.mu.Lock()
	consumers := t.consumers
	t.consumers = make(map[string]*consumer)
	t.connected = false
	t.mu.Unlock()

	for _, c := range consumers {
		c.stop()
	}
	return nil
}

// HandleUp registers a host-side handler for frames published on channel
func (t *Transport) HandleUp(channel string, handler HostHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hosts[channel] = append(t.hosts[channel], handler)
}

// Respond answers every request on contracts.ChannelUp with the value
// returned by fn, emitted on contracts.ChannelDown. A request whose fn
// returns an error is left unanswered.
func (t *Transport) Respond(fn ResponderFunc) {
	t.HandleUp(contracts.ChannelUp, func(ctx context.Context, frame []byte) {
		envelope, args, err := contracts.DecodeRequest(frame)
		if err != nil {
			t.logger.Warn("host received malformed request", "error", err)
			return
		}

		result, err := fn(ctx, envelope, args)
		if err != nil {
			t.logger.Debug("host left request unanswered", "callbackId", envelope.CallbackID, "error", err)
			return
		}

		reply, err := contracts.EncodeResponse(envelope.CallbackID, result)
		if err != nil {
			t.logger.Warn("host failed to encode reply", "error", err)
			return
		}
		if err := t.Emit(ctx, contracts.ChannelDown, reply); err != nil {
			t.logger.Warn("host failed to emit reply", "error", err)
		}
	})
}

// EmitEvent sends a single event entry on contracts.ChannelDown
func (t *Transport) EmitEvent(ctx context.Context, cmdName string, payload any) error {
	frame, err := contracts.EncodeEvent(cmdName, payload)
	if err != nil {
		return err
	}
	return t.Emit(ctx, contracts.ChannelDown, frame)
}

// Emit queues a frame for the consumer of channel. Frames for a channel
// without a consumer are dropped.
func (t *Transport) Emit(ctx context.Context, channel string, frame []byte) error {
	t.mu.RLock()
	c, ok := t.consumers[channel]
	connected := t.connected
	t.mu.RUnlock()

	if !connected {
		return ErrNotConnected
	}
	if !ok {
		t.logger.Debug("dropping frame without consumer", "channel", channel)
		return nil
	}
	return c.enqueue(ctx, frame)
}

func (t *Transport) publish(ctx context.Context, channel string, frame []byte) error {
	t.mu.RLock()
	connected := t.connected
	handlers := make([]HostHandler, len(t.hosts[channel]))
	copy(handlers, t.hosts[channel])
	t.mu.RUnlock()

	if !connected {
		return ErrNotConnected
	}

	for _, h := range handlers {
		body := make([]byte, len(frame))
		copy(body, frame)
		h(ctx, body)
	}
	return nil
}

func (t *Transport) subscribe(ctx context.Context, channel string, handler func(messaging.TransportDelivery) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return ErrNotConnected
	}
	if _, exists := t.consumers[channel]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, channel)
	}

	c := &consumer{
		channel: channel,
		queue:   make(chan []byte, t.bufferSize),
		handler: handler,
		done:    make(chan struct{}),
		logger:  t.logger,
	}
	t.consumers[channel] = c
	go c.run(ctx)
	return nil
}

func (t *Transport) unsubscribe(channel string) error {
	t.mu.Lock()
	c, ok := t.consumers[channel]
	delete(t.consumers, channel)
	t.mu.Unlock()

	if ok {
		c.stop()
	}
	return nil
}

// consumer delivers frames for one channel serially
type consumer struct {
	channel  string
	queue    chan []byte
	handler  func(messaging.TransportDelivery) error
	done     chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

func (c *consumer) run(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case frame := <-c.queue:
			if err := c.handler(&delivery{body: frame}); err != nil {
				c.logger.Warn("delivery handler failed", "channel", c.channel, "error", err)
			}
		}
	}
}

func (c *consumer) enqueue(ctx context.Context, frame []byte) error {
	select {
	case c.queue <- frame:
		return nil
	case <-c.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *consumer) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

type publisher struct {
	transport *Transport
}

// Publish implements messaging.TransportPublisher
func (p *publisher) Publish(ctx context.Context, channel string, frame []byte) error {
	return p.transport.publish(ctx, channel, frame)
}

// Close implements messaging.TransportPublisher
func (p *publisher) Close() error {
	return nil
}

type subscriber struct {
	transport *Transport
}

// Subscribe implements messaging.TransportSubscriber
func (s *subscriber) Subscribe(ctx context.Context, channel string, handler func(messaging.TransportDelivery) error) error {
	return s.transport.subscribe(ctx, channel, handler)
}

// Unsubscribe implements messaging.TransportSubscriber
func (s *subscriber) Unsubscribe(channel string) error {
	return s.transport.unsubscribe(channel)
}

// Close implements messaging.TransportSubscriber
func (s *subscriber) Close() error {
	s.transport.mu.RLock()
	channels := make([]string, 0, len(s.transport.consumers))
	for channel := range s.transport.consumers {
		channels = append(channels, channel)
	}
	s.transport.mu.RUnlock()

	for _, channel := range channels {
		s.transport.unsubscribe(channel)
	}
	return nil
}

type delivery struct {
	body []byte
}

func (d *delivery) Body() []byte              { return d.body }
func (d *delivery) Acknowledge() error        { return nil }
func (d *delivery) Reject(requeue bool) error { return nil }
