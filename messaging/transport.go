package messaging

import (
	"context"
)

// TransportPublisher sends frames to the host
type TransportPublisher interface {
	// Publish sends a frame on the named channel
	Publish(ctx context.Context, channel string, frame []byte) error

	// Close closes the publisher
	Close() error
}

// TransportSubscriber receives frames from the host.
//
// Implementations must call handler serially for a given channel.
type TransportSubscriber interface {
	// Subscribe registers a handler for frames on a channel
	Subscribe(ctx context.Context, channel string, handler func(delivery TransportDelivery) error) error

	// Unsubscribe stops delivery for a channel
	Unsubscribe(channel string) error

	// Close closes the subscriber
	Close() error
}

// TransportDelivery represents a frame delivered by the transport
type TransportDelivery interface {
	// Body returns the raw frame
	Body() []byte

	// Acknowledge marks the frame as processed
	Acknowledge() error

	// Reject rejects the frame with optional requeue
	Reject(requeue bool) error
}

// Transport provides both publisher and subscriber functionality
type Transport interface {
	// Publisher returns a transport publisher
	Publisher() TransportPublisher

	// Subscriber returns a transport subscriber
	Subscriber() TransportSubscriber

	// Connect establishes the connection to the host
	Connect(ctx context.Context) error

	// Close closes all resources
	Close() error

	// IsConnected returns connection status
	IsConnected() bool
}
