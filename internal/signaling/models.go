package signaling

import (
	"encoding/json"
	"errors"
	"time"
)

// Type is the kind of negotiation message relayed between the two peers.
type Type string

const (
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
)

func (t Type) Valid() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	}
	return false
}

// Message is one append-only signaling row. Data is the opaque session
// description or ICE candidate, exactly as the sending peer produced it.
type Message struct {
	ID        string          `json:"id"`
	CallID    string          `json:"call_id"`
	FromID    string          `json:"from_id"`
	ToID      string          `json:"to_id,omitempty"`
	Type      Type            `json:"signal_type"`
	Data      json.RawMessage `json:"signal_data"`
	CreatedAt time.Time       `json:"created_at"`
}

// Decode unmarshals Data into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

// AddressedTo reports whether m should be handled by userID.
func (m Message) AddressedTo(userID string) bool {
	if m.FromID == userID {
		return false
	}
	return m.ToID == "" || m.ToID == userID
}

var ErrInvalidSignal = errors.New("signaling: invalid signal")
