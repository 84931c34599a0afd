// Package registry keeps the per-process map of live connections keyed by user.
//
// The Registry is an actor: a single goroutine owns the map and every
// mutation or query travels through its command channel, so no locks guard
// the state. Delivery never blocks on socket I/O; connections enqueue frames
// into their own writer goroutines and a failed enqueue evicts the connection.
package registry
