// Package websocket implements messaging.Transport over a websocket to a
// host relay. Every websocket message is a JSON object naming the bridge
// channel and carrying the frame unchanged:
//
//	{"channel":"IPC_UP_2","frame":[{"type":"request",...},["cmdName"]]}
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/glimte/nativebridge/messaging"
	"github.com/gorilla/websocket"
)

var (
	// ErrNotConnected is returned when the socket is not open
	ErrNotConnected = errors.New("websocket: transport not connected")
	// ErrAlreadySubscribed is returned when a channel already has a handler
	ErrAlreadySubscribed = errors.New("websocket: channel already has a handler")
)

// Message is the websocket wire unit
type Message struct {
	Channel string          `json:"channel"`
	Frame   json.RawMessage `json:"frame"`
}

// Transport implements messaging.Transport over a websocket connection
type Transport struct {
	url          string
	header       http.Header
	dialer       *websocket.Dialer
	writeTimeout time.Duration
	logger       *slog.Logger

	mu       sync.RWMutex
	conn     *websocket.Conn
	handlers map[string]func(messaging.TransportDelivery) error
	readDone chan struct{}

	writeMu sync.Mutex
}

// TransportOption configures the transport
type TransportOption func(*Transport)

// WithHeader sets headers sent with the handshake
func WithHeader(header http.Header) TransportOption {
	return func(t *Transport) {
		t.header = header
	}
}

// WithDialer replaces the default dialer
func WithDialer(dialer *websocket.Dialer) TransportOption {
	return func(t *Transport) {
		t.dialer = dialer
	}
}

// WithWriteTimeout bounds a single write when ctx has no deadline
func WithWriteTimeout(timeout time.Duration) TransportOption {
	return func(t *Transport) {
		t.writeTimeout = timeout
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport creates a transport for the relay at url
func NewTransport(url string, options ...TransportOption) *Transport {
	t := &Transport{
		url:          url,
		dialer:       websocket.DefaultDialer,
		writeTimeout: 10 * time.Second,
		logger:       slog.Default(),
		handlers:     make(map[string]func(messaging.TransportDelivery) error),
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// Connect dials the relay and starts the read loop
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to dial %s: %s: %w", t.url, resp.Status, err)
		}
		return fmt.Errorf("failed to dial %s: %w", t.url, err)
	}

	t.conn = conn
	t.readDone = make(chan struct{})
	go t.readLoop(conn, t.readDone)

	t.logger.Info("connected to host relay", "url", t.url)
	return nil
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn != nil
}

// Close sends a close frame and waits for the read loop to exit. Delivery
// handlers run on the read loop and must not call Close.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn := t.conn
	done := t.readDone
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()

	// the read loop may have closed conn already
	err := conn.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	<-done
	return err
}

// Publisher returns a transport publisher
func (t *Transport) Publisher() messaging.TransportPublisher {
	return &publisher{transport: t}
}

// Subscriber returns a transport subscriber
func (t *Transport) Subscriber() messaging.TransportSubscriber {
	return &subscriber{transport: t}
}

func (t *Transport) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Error("websocket read error", "error", err)
			}

			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
			}
			t.mu.Unlock()
			conn.Close()
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.logger.Warn("dropping malformed relay message", "error", err)
			continue
		}

		t.mu.RLock()
		handler, ok := t.handlers[msg.Channel]
		t.mu.RUnlock()

		if !ok {
			t.logger.Debug("dropping frame without handler", "channel", msg.Channel)
			continue
		}
		if err := handler(&delivery{body: msg.Frame}); err != nil {
			t.logger.Warn("delivery handler failed", "channel", msg.Channel, "error", err)
		}
	}
}

func (t *Transport) publish(ctx context.Context, channel string, frame []byte) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.writeTimeout)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := conn.WriteJSON(Message{Channel: channel, Frame: frame}); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
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

// Subscribe implements messaging.TransportSubscriber. Frames are handled on
// the read loop, one at a time, so handler must return without waiting on
// later frames.
func (s *subscriber) Subscribe(ctx context.Context, channel string, handler func(messaging.TransportDelivery) error) error {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()

	if _, exists := s.transport.handlers[channel]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, channel)
	}
	s.transport.handlers[channel] = handler
	return nil
}

// Unsubscribe implements messaging.TransportSubscriber
func (s *subscriber) Unsubscribe(channel string) error {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	delete(s.transport.handlers, channel)
	return nil
}

// Close implements messaging.TransportSubscriber
func (s *subscriber) Close() error {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	s.transport.handlers = make(map[string]func(messaging.TransportDelivery) error)
	return nil
}

type delivery struct {
	body []byte
}

func (d *delivery) Body() []byte              { return d.body }
func (d *delivery) Acknowledge() error        { return nil }
func (d *delivery) Reject(requeue bool) error { return nil }
