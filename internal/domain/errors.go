package domain

import "errors"

var (
	ErrHandshakeRejected        = errors.New("handshake rejected")
	ErrTooManyConnections       = errors.New("too many connections for user")
	ErrDeliveryFailed           = errors.New("delivery failed")
	ErrMalformedEvent           = errors.New("malformed event")
	ErrPayloadTooLarge          = errors.New("event payload too large for broker")
	ErrBrokerUnavailable        = errors.New("broker unavailable")
	ErrPropagatorNotConnected   = errors.New("propagator not connected")
	ErrTransportAlreadyAttached = errors.New("transport already attached")
	ErrRegistryStopped          = errors.New("registry stopped")
	ErrInvalidBackendURL        = errors.New("invalid backend URL")
)
