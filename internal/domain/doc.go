// Package domain defines the core types and contracts of the real-time layer:
// connection identity, propagation events and their target selectors, and the
// interfaces the registry, transport and broker implement.
//
// No implementation code beyond value-type helpers. Interfaces that only one
// package consumes live next to that consumer instead.
package domain
