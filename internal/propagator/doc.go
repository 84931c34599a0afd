// Package propagator fans events out across server instances. Every
// instance publishes to and subscribes on one shared broker channel, and
// hands each received event to its local deliverer, including events it
// published itself.
package propagator
