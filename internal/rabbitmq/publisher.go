package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends frames to queues on the default exchange with publisher
// confirms. Publishes are serialized on one channel.
type Publisher struct {
	manager        *ConnectionManager
	confirmTimeout time.Duration
	queueOptions   QueueOptions
	logger         *slog.Logger

	mu       sync.Mutex
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	declared map[string]bool
	closed   bool
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherQueueOptions sets how target queues are declared
func WithPublisherQueueOptions(options QueueOptions) PublisherOption {
	return func(p *Publisher) {
		p.queueOptions = options
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher on top of manager
func NewPublisher(manager *ConnectionManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		manager:        manager,
		confirmTimeout: 5 * time.Second,
		queueOptions:   DefaultQueueOptions(),
		logger:         slog.Default(),
		declared:       make(map[string]bool),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends body to queue and waits for the broker to confirm it
func (p *Publisher) Publish(ctx context.Context, queue string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}

	if err := p.publish(ctx, queue, body); err != nil {
		// the channel is unusable after most errors; open a fresh one next time
		p.resetChannel()
		return &PublishError{Queue: queue, Err: err, Timestamp: time.Now()}
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, queue string, body []byte) error {
	ch, err := p.channel()
	if err != nil {
		return err
	}

	if !p.declared[queue] {
		if err := DeclareQueue(ch, queue, p.queueOptions); err != nil {
			return err
		}
		p.declared[queue] = true
	}

	err = ch.PublishWithContext(ctx,
		"",    // default exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}

	select {
	case confirm, ok := <-p.confirms:
		if !ok {
			return ErrConnectionClosed
		}
		if !confirm.Ack {
			return ErrPublishNotConfirmed
		}
		return nil
	case <-time.After(p.confirmTimeout):
		return ErrConfirmTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// channel returns the confirm-mode channel, opening it if needed
func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}

	conn, err := p.manager.GetConnection()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to enable confirms: %w", err)
	}

	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	p.declared = make(map[string]bool)
	return ch, nil
}

func (p *Publisher) resetChannel() {
	if p.ch != nil {
		p.ch.Close()
	}
	p.ch = nil
	p.confirms = nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.resetChannel()
	return nil
}
