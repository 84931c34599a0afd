package domain

import "strings"

// UnsetToken is the literal clients send when their token variable was never
// assigned. It is treated exactly like a missing token.
const UnsetToken = "undefined"

// Identity is the resolved identity of an admitted connection. It is built
// once during the handshake and never mutated afterwards.
type Identity struct {
	UserID string `json:"user_id"`
	Scope  string `json:"scope,omitempty"`
}

// IsUnsetToken reports whether a raw handshake token carries no identity.
func IsUnsetToken(token string) bool {
	token = strings.TrimSpace(token)
	return token == "" || token == UnsetToken
}
