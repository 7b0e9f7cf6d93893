package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes a delivery. The handler acknowledges it; a
// returned error rejects it without requeue.
type DeliveryHandler func(delivery amqp.Delivery) error

// Consumer consumes bridge queues and resumes consuming after a reconnect
type Consumer struct {
	manager       *ConnectionManager
	prefetchCount int
	queueOptions  QueueOptions
	logger        *slog.Logger

	mu        sync.Mutex
	consumers map[string]*consumerInfo
}

type consumerInfo struct {
	queue   string
	handler DeliveryHandler
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerQueueOptions sets how consumed queues are declared
func WithConsumerQueueOptions(options QueueOptions) ConsumerOption {
	return func(c *Consumer) {
		c.queueOptions = options
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer and registers it for reconnect notifications
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		prefetchCount: 1,
		queueOptions:  DefaultQueueOptions(),
		logger:        slog.Default(),
		consumers:     make(map[string]*consumerInfo),
	}

	for _, opt := range options {
		opt(c)
	}

	manager.AddStateListener(c)
	return c
}

// Subscribe starts consuming queue. Deliveries are handled one at a time in
// arrival order.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler DeliveryHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.consumers[queue]; exists {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: ErrConsumerExists, Timestamp: time.Now()}
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	info := &consumerInfo{
		queue:   queue,
		handler: handler,
		ctx:     consumerCtx,
		cancel:  cancel,
	}

	if err := c.start(info); err != nil {
		cancel()
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	c.consumers[queue] = info
	c.logger.Info("subscribed to queue", "queue", queue, "prefetchCount", c.prefetchCount)
	return nil
}

// start opens a channel and begins the delivery loop for info
func (c *Consumer) start(info *consumerInfo) error {
	conn, err := c.manager.GetConnection()
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}
	if err := DeclareQueue(ch, info.queue, c.queueOptions); err != nil {
		ch.Close()
		return err
	}
	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := ch.Consume(
		info.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	info.done = make(chan struct{})
	go c.process(info, ch, deliveries)
	return nil
}

func (c *Consumer) process(info *consumerInfo, ch *amqp.Channel, deliveries <-chan amqp.Delivery) {
	defer close(info.done)
	defer ch.Close()

	for {
		select {
		case <-info.ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", info.queue)
				return
			}
			if err := info.handler(delivery); err != nil {
				c.logger.Error("failed to handle delivery", "queue", info.queue, "error", err)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					c.logger.Error("failed to nack delivery", "queue", info.queue, "error", nackErr)
				}
			}
		}
	}
}

// Unsubscribe stops consuming queue and waits for the loop to exit
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	info, ok := c.consumers[queue]
	delete(c.consumers, queue)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoConsumer, queue)
	}

	info.cancel()
	if info.done != nil {
		<-info.done
	}
	return nil
}

// UnsubscribeAll stops every consumer
func (c *Consumer) UnsubscribeAll() error {
	c.mu.Lock()
	queues := make([]string, 0, len(c.consumers))
	for queue := range c.consumers {
		queues = append(queues, queue)
	}
	c.mu.Unlock()

	for _, queue := range queues {
		if err := c.Unsubscribe(queue); err != nil {
			c.logger.Error("failed to unsubscribe", "queue", queue, "error", err)
		}
	}
	c.manager.RemoveStateListener(c)
	return nil
}

// ActiveQueues returns the queues being consumed
func (c *Consumer) ActiveQueues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	queues := make([]string, 0, len(c.consumers))
	for queue := range c.consumers {
		queues = append(queues, queue)
	}
	return queues
}

// OnConnected restarts consumers whose loop ended with the old connection
func (c *Consumer) OnConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for queue, info := range c.consumers {
		if info.ctx.Err() != nil {
			continue
		}
		if info.done != nil {
			select {
			case <-info.done:
			default:
				continue
			}
		}
		if err := c.start(info); err != nil {
			c.logger.Error("failed to resume consumer", "queue", queue, "error", err)
			continue
		}
		c.logger.Info("resumed consumer", "queue", queue)
	}
}

// OnDisconnected logs the connection loss; deliveries resume in OnConnected
func (c *Consumer) OnDisconnected(err error) {
	c.mu.Lock()
	active := len(c.consumers)
	c.mu.Unlock()

	c.logger.Warn("consumer lost connection", "error", err, "queues", active)
}
