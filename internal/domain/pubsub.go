package domain

import "context"

// Message is a raw message received from a broker channel.
type Message struct {
	Channel string
	Payload []byte
}

// Broker is a cross-process publish/subscribe channel.
//
// Subscribe returns a channel that is closed when the context is cancelled,
// when Close is called, or when the underlying connection is lost. Callers
// that need a permanent subscription re-subscribe after closure.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	Ping(ctx context.Context) error
	Close() error
}
