// Package rabbitmq implements messaging.Transport on RabbitMQ. Each bridge
// channel is a queue of the same name on the default exchange, so the host
// consumes IPC_UP_2 and publishes to IPC_DOWN_2.
package rabbitmq

import (
	"context"
	"fmt"

	"github.com/glimte/nativebridge/internal/rabbitmq"
	"github.com/glimte/nativebridge/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// NewTransport creates a RabbitMQ transport. It does not dial until Connect.
func NewTransport(connectionString string, options ...TransportOption) *Transport {
	cfg := &TransportConfig{}
	for _, opt := range options {
		opt(cfg)
	}

	manager := rabbitmq.NewConnectionManager(connectionString, cfg.ConnectionOptions...)

	return &Transport{
		manager:   manager,
		publisher: rabbitmq.NewPublisher(manager, cfg.PublisherOptions...),
		consumer:  rabbitmq.NewConsumer(manager, cfg.ConsumerOptions...),
	}
}

// Publisher returns a transport publisher
func (t *Transport) Publisher() messaging.TransportPublisher {
	return &publisherAdapter{publisher: t.publisher}
}

// Subscriber returns a transport subscriber
func (t *Transport) Subscriber() messaging.TransportSubscriber {
	return &subscriberAdapter{consumer: t.consumer}
}

// Connect establishes connection to the broker
func (t *Transport) Connect(ctx context.Context) error {
	if err := t.manager.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

// Close closes all resources
func (t *Transport) Close() error {
	t.consumer.UnsubscribeAll()
	t.publisher.Close()
	return t.manager.Close()
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// publisherAdapter adapts the RabbitMQ publisher to TransportPublisher
type publisherAdapter struct {
	publisher *rabbitmq.Publisher
}

// Publish implements TransportPublisher
func (p *publisherAdapter) Publish(ctx context.Context, channel string, frame []byte) error {
	return p.publisher.Publish(ctx, channel, frame)
}

// Close implements TransportPublisher
func (p *publisherAdapter) Close() error {
	return p.publisher.Close()
}

// subscriberAdapter adapts the RabbitMQ consumer to TransportSubscriber
type subscriberAdapter struct {
	consumer *rabbitmq.Consumer
}

// Subscribe implements TransportSubscriber
func (s *subscriberAdapter) Subscribe(ctx context.Context, channel string, handler func(messaging.TransportDelivery) error) error {
	return s.consumer.Subscribe(ctx, channel, func(d amqp.Delivery) error {
		return handler(&deliveryAdapter{delivery: d})
	})
}

// Unsubscribe implements TransportSubscriber
func (s *subscriberAdapter) Unsubscribe(channel string) error {
	return s.consumer.Unsubscribe(channel)
}

// Close implements TransportSubscriber
func (s *subscriberAdapter) Close() error {
	return s.consumer.UnsubscribeAll()
}

// deliveryAdapter adapts amqp.Delivery to TransportDelivery
type deliveryAdapter struct {
	delivery amqp.Delivery
}

// Body implements TransportDelivery
func (d *deliveryAdapter) Body() []byte {
	return d.delivery.Body
}

// Acknowledge implements TransportDelivery
func (d *deliveryAdapter) Acknowledge() error {
	return d.delivery.Ack(false)
}

// Reject implements TransportDelivery
func (d *deliveryAdapter) Reject(requeue bool) error {
	return d.delivery.Nack(false, requeue)
}
