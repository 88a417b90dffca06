package port

import "context"

// Message is one relay delivery.
type Message struct {
	Topic   string
	Payload []byte
}

// Relay decouples ingestion from broadcast. Delivery is at-most-once and
// there is no replay: a subscriber only sees messages published after it
// subscribed.
type Relay interface {
	// Publish is fire-and-forget from the caller's point of view.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe returns an unbounded stream of messages whose topic matches
	// one of the glob patterns (e.g. "price:*"). The channel is closed when
	// ctx is cancelled or the relay is closed.
	Subscribe(ctx context.Context, patterns ...string) (<-chan Message, error)

	Close() error
}
