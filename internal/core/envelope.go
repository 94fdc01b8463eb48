package core

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	TypeJoin              MessageType = "join"
	TypeAssignID          MessageType = "assign-id"
	TypeUserList          MessageType = "user-list"
	TypeLeave             MessageType = "leave"
	TypeOffer             MessageType = "offer"
	TypeAnswer            MessageType = "answer"
	TypeICECandidate      MessageType = "ice-candidate"
	TypeMediaUpdate       MessageType = "media-update"
	TypeKicked            MessageType = "kicked"
	TypeNegotiationFailed MessageType = "negotiation-failed"
)

var (
	ErrUnknownType = errors.New("unknown envelope type")
	ErrMissingFrom = errors.New("envelope without sender")
	ErrEmptyData   = errors.New("envelope without data")
)

// Envelope is one signaling message. The relay reads only Type, From and To;
// Data is forwarded verbatim.
type Envelope struct {
	Type   MessageType     `json:"type"`
	From   domain.PeerID   `json:"from,omitempty"`
	To     domain.PeerID   `json:"to,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Name   string          `json:"name,omitempty"`
	ID     domain.PeerID   `json:"id,omitempty"`
	Users  []UserEntry     `json:"users,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// UserEntry is one participant in a user-list enumeration.
type UserEntry struct {
	UserID   domain.PeerID `json:"userId"`
	UserName string        `json:"userName"`
}

// Description is the data of offer and answer envelopes.
type Description struct {
	webrtc.SessionDescription
	ICERestart bool `json:"iceRestart,omitempty"`
}

func NewEnvelope(t MessageType, to domain.PeerID, data any) (Envelope, error) {
	env := Envelope{Type: t, To: to}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s data: %w", t, err)
	}
	env.Data = raw
	return env, nil
}

func ParseEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	return env, env.Validate()
}

// Validate checks the fields each type needs to be routed.
func (e Envelope) Validate() error {
	switch e.Type {
	case TypeAssignID, TypeUserList, TypeKicked:
		return nil
	case TypeJoin, TypeLeave, TypeMediaUpdate, TypeNegotiationFailed:
		return nil
	case TypeOffer, TypeAnswer, TypeICECandidate:
		if len(e.Data) == 0 {
			return fmt.Errorf("%s: %w", e.Type, ErrEmptyData)
		}
		return nil
	default:
		return fmt.Errorf("%q: %w", e.Type, ErrUnknownType)
	}
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: %w", e.Type, ErrEmptyData)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", e.Type, err)
	}
	return nil
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
