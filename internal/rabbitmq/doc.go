// Package rabbitmq carries bridge frames over RabbitMQ queues.
//
// Each bridge channel maps to a queue of the same name on the default
// exchange. ConnectionManager keeps one connection alive and reconnects with
// exponential backoff; Consumer re-establishes its consumers when the
// connection comes back.
package rabbitmq
