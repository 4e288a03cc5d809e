package choreo

import (
	"github.com/Armour007/aura-core/internal/codec"
	"github.com/Armour007/aura-core/internal/types"
)

// Message is the payload of every choreography envelope.
type Message struct {
	Session     types.SessionID   `cbor:"1,keyasint" json:"session_id"`
	Type        string            `cbor:"2,keyasint" json:"message_type"`
	Sender      types.AuthorityID `cbor:"3,keyasint" json:"sender"`
	TimestampMs uint64            `cbor:"4,keyasint" json:"timestamp_ms"`
	Payload     []byte            `cbor:"5,keyasint,omitempty" json:"payload,omitempty"`
}

func (m Message) Encode() ([]byte, error) { return codec.Marshal(m) }

func DecodeMessage(b []byte) (Message, error) {
	var m Message
	err := codec.Unmarshal(b, &m)
	return m, err
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error { return codec.Unmarshal(m.Payload, v) }
