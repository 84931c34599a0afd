package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// TargetAll is the wire literal selecting every connected user.
const TargetAll = "all"

type targetKind int

const (
	targetNone targetKind = iota
	targetUser
	targetUsers
	targetAll
)

// TargetSelector addresses a propagated event: one user, a set of users, or
// everyone currently connected. The zero value selects nobody and is invalid.
//
// On the wire it is the string "all", a user ID string, or an array of user
// IDs. A user whose ID is literally "all" can only be addressed through the
// array form.
type TargetSelector struct {
	kind  targetKind
	users []string
}

func ToUser(userID string) TargetSelector {
	return TargetSelector{kind: targetUser, users: []string{userID}}
}

// ToUsers selects the given users. Duplicates and empty IDs are dropped.
func ToUsers(userIDs ...string) TargetSelector {
	set := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if id != "" && !slices.Contains(set, id) {
			set = append(set, id)
		}
	}
	return TargetSelector{kind: targetUsers, users: set}
}

func ToAll() TargetSelector {
	return TargetSelector{kind: targetAll}
}

func (t TargetSelector) IsAll() bool { return t.kind == targetAll }

// Users returns the explicitly addressed users (nil for broadcast).
func (t TargetSelector) Users() []string {
	if t.kind == targetAll {
		return nil
	}
	return slices.Clone(t.users)
}

func (t TargetSelector) Validate() error {
	switch t.kind {
	case targetAll:
		return nil
	case targetUser, targetUsers:
		if len(t.users) == 0 || slices.Contains(t.users, "") {
			return fmt.Errorf("%w: empty target user", ErrMalformedEvent)
		}
		return nil
	default:
		return fmt.Errorf("%w: missing target selector", ErrMalformedEvent)
	}
}

func (t TargetSelector) String() string {
	switch t.kind {
	case targetAll:
		return TargetAll
	case targetUser:
		return t.users[0]
	case targetUsers:
		return fmt.Sprintf("%v", t.users)
	default:
		return "<none>"
	}
}

func (t TargetSelector) MarshalJSON() ([]byte, error) {
	switch t.kind {
	case targetAll:
		return json.Marshal(TargetAll)
	case targetUser:
		return json.Marshal(t.users[0])
	case targetUsers:
		return json.Marshal(t.users)
	default:
		return nil, fmt.Errorf("%w: missing target selector", ErrMalformedEvent)
	}
}

func (t *TargetSelector) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("%w: missing target selector", ErrMalformedEvent)
	}

	if data[0] == '[' {
		var ids []string
		if err := json.Unmarshal(data, &ids); err != nil {
			return fmt.Errorf("%w: target selector: %w", ErrMalformedEvent, err)
		}
		*t = ToUsers(ids...)
		return t.Validate()
	}

	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return fmt.Errorf("%w: target selector: %w", ErrMalformedEvent, err)
	}
	if id == TargetAll {
		*t = ToAll()
		return nil
	}
	*t = ToUser(id)
	return t.Validate()
}

// Event is a propagation event as it travels over the broker channel.
// Unknown fields are ignored on decode.
type Event struct {
	Target  TargetSelector  `json:"targetSelector"`
	Payload json.RawMessage `json:"payload"`
	Name    string          `json:"event,omitempty"`
	Scope   string          `json:"scope,omitempty"`
	Origin  string          `json:"origin,omitempty"`
}

// NewEvent builds an event whose payload is the JSON encoding of payload.
// A []byte payload that is not valid JSON is carried as a JSON string.
func NewEvent(target TargetSelector, name string, payload any) (Event, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Event{}, err
	}
	event := Event{Target: target, Payload: raw, Name: name}
	return event, event.Validate()
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if json.Valid(p) {
			return p, nil
		}
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrMalformedEvent)
	case []byte:
		if json.Valid(p) {
			return json.RawMessage(p), nil
		}
		return json.Marshal(string(p))
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%w: encode payload: %w", ErrMalformedEvent, err)
		}
		return raw, nil
	}
}

func (e Event) Validate() error {
	if err := e.Target.Validate(); err != nil {
		return err
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", ErrMalformedEvent)
	}
	return nil
}

// Encode serializes the event into its wire shape.
func (e Event) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}

// DecodeEvent parses a broker message. Every failure wraps ErrMalformedEvent.
func DecodeEvent(raw []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		if errors.Is(err, ErrMalformedEvent) {
			return Event{}, err
		}
		return Event{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Matches reports whether a connection with the given identity should
// receive the event once its user has been selected. Events without a scope
// reach every connection of the user.
func (e Event) Matches(id Identity) bool {
	return e.Scope == "" || e.Scope == id.Scope
}

type clientFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Frame renders the bytes written to client sockets: the bare payload for
// unnamed events, otherwise an {"event","payload"} envelope.
func (e Event) Frame() ([]byte, error) {
	if e.Name == "" {
		return e.Payload, nil
	}
	data, err := json.Marshal(clientFrame{Event: e.Name, Payload: e.Payload})
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}
