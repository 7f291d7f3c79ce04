// Package confirm implements the human-in-the-loop confirmation broker.
// An elevated request becomes a pending confirmation that a person
// approves or denies, or that expires after a fixed window.
package confirm

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flemzord/toolgate/internal/policy"
)

// Sentinel errors returned by the broker.
var (
	ErrAlreadyPending  = errors.New("a confirmation is already pending for this tool in this session")
	ErrAlreadyResolved = errors.New("confirmation already resolved")
	ErrNotFound        = errors.New("confirmation not found")
	ErrClosed          = errors.New("confirmation broker closed")
	ErrDenied          = errors.New("confirmation denied")
	ErrExpired         = errors.New("confirmation expired")
)

// State is the lifecycle position of a confirmation.
type State int

// States: pending → approved | denied | expired.
const (
	StatePending State = iota
	StateApproved
	StateDenied
	StateExpired
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateApproved:
		return "approved"
	case StateDenied:
		return "denied"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for st := StatePending; st <= StateExpired; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown confirmation state %q", text)
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s != StatePending
}

// Confirmation is a snapshot of one confirmation request.
type Confirmation struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	Tool       string          `json:"tool"`
	Command    string          `json:"command"`
	Input      json.RawMessage `json:"input,omitempty"`
	Role       policy.Role     `json:"role"`
	Reason     string          `json:"reason,omitempty"`
	State      State           `json:"state"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
	ResolvedAt time.Time       `json:"resolved_at,omitzero"`
}

// EventType names a broker notification.
type EventType string

// Event types published to subscribers.
const (
	EventCreated  EventType = "created"
	EventApproved EventType = "approved"
	EventDenied   EventType = "denied"
	EventExpired  EventType = "expired"
)

// Event is published whenever a confirmation is created or changes state.
type Event struct {
	Type         EventType    `json:"type"`
	Confirmation Confirmation `json:"confirmation"`
}

func eventFor(s State) EventType {
	switch s {
	case StateApproved:
		return EventApproved
	case StateDenied:
		return EventDenied
	case StateExpired:
		return EventExpired
	default:
		return EventCreated
	}
}

// Outcome maps a resolved confirmation to an error: nil when approved,
// ErrDenied or ErrExpired otherwise. A pending confirmation has no outcome
// yet and also returns nil.
func (c Confirmation) Outcome() error {
	switch c.State {
	case StateDenied:
		return fmt.Errorf("%w: %s", ErrDenied, c.ID)
	case StateExpired:
		return fmt.Errorf("%w: %s", ErrExpired, c.ID)
	}
	return nil
}
