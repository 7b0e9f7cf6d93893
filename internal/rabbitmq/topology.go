package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueOptions defines how bridge channel queues are declared
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Args       map[string]interface{}
}

// DefaultQueueOptions returns non-durable, non-auto-delete queues. Frames
// are only meaningful while both sides run.
func DefaultQueueOptions() QueueOptions {
	return QueueOptions{}
}

// DeclareQueue declares queue on ch
func DeclareQueue(ch *amqp.Channel, queue string, options QueueOptions) error {
	args := make(amqp.Table, len(options.Args))
	for k, v := range options.Args {
		args[k] = v
	}

	_, err := ch.QueueDeclare(
		queue,
		options.Durable,
		options.AutoDelete,
		false, // exclusive
		false, // no-wait
		args,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return nil
}
