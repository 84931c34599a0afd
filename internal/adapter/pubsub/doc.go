// Package pubsub provides the cross-process broker backends behind
// domain.Broker: an in-process memory broker, Redis PUBLISH/SUBSCRIBE and
// PostgreSQL LISTEN/NOTIFY.
//
// Every backend closes a subscription channel when its context ends, when
// the broker is closed, or when the underlying connection is lost. Callers
// re-subscribe to recover.
package pubsub
