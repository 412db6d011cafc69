package transport

import "context"

// Payload is one message body.
type Payload map[string]any

// String returns the string field key, or "" if it is missing or not a string.
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Handler receives messages for a subscription in receipt order.
type Handler func(Payload)

// Subscription is the handle returned by [Channel.Subscribe].
type Subscription interface {
	Topic() string
	// Unsubscribe stops delivery. Calling it more than once is a no-op.
	Unsubscribe() error
}

// Channel is a client connection to a pub/sub broker.
type Channel interface {
	// Connect establishes the connection. It is idempotent; callbacks
	// registered with OnConnect run on every transition to connected,
	// including reconnections made by the implementation itself.
	Connect(ctx context.Context) error

	// Subscribe registers h for topic. Subscriptions survive reconnects.
	Subscribe(topic string, h Handler) (Subscription, error)

	// Send publishes p to destination. Delivery is at most once.
	Send(ctx context.Context, destination string, p Payload) error

	// OnConnect registers f and returns a function that removes it.
	OnConnect(f func()) (remove func())

	// OnDisconnect registers f, called with the cause when the connection
	// is lost, and returns a function that removes it.
	OnDisconnect(f func(error)) (remove func())

	// Close tears the connection down and drops all subscriptions and
	// callbacks.
	Close() error
}
