package domain

// Connection is one live transport session as seen by the registry.
//
// Send must not block: implementations enqueue the frame and report an error
// when the peer is gone or its buffer is full. Close is idempotent.
type Connection interface {
	ID() string
	Identity() Identity
	Send(frame []byte) error
	Close(reason string)
}

// Deliverer performs local delivery of a propagated event and returns the
// number of connections the event was handed to.
type Deliverer interface {
	Deliver(event Event) int
}
