// Package wire defines the envelope and receipt formats exchanged between
// authorities and their canonical encodings.
package wire

import (
	"bytes"
	"io"

	"github.com/Armour007/aura-core/internal/codec"
	"github.com/Armour007/aura-core/internal/crypto"
	"github.com/Armour007/aura-core/internal/types"
)

// Reserved metadata keys.
const (
	MetaContentType = "content-type"
	MetaSessionID   = "session-id"

	ContentTypeChoreography = "application/aura-choreography"
)

// Receipt is a signed, chained acknowledgement of a guarded send.
type Receipt struct {
	Context types.ContextID   `cbor:"context"`
	Src     types.AuthorityID `cbor:"src"`
	Dst     types.AuthorityID `cbor:"dst"`
	Epoch   uint64            `cbor:"epoch"`
	Cost    uint64            `cbor:"cost"`
	Nonce   uint64            `cbor:"nonce"`
	Prev    types.Hash32      `cbor:"prev"`
	Sig     []byte            `cbor:"sig"`
}

// SigningBytes is the message covered by Sig.
func (r Receipt) SigningBytes() []byte {
	u := r
	u.Sig = nil
	return codec.MustMarshal(u)
}

// Hash identifies the receipt, signature included.
func (r Receipt) Hash() types.Hash32 {
	return crypto.Hash(codec.MustMarshal(r))
}

func (r Receipt) Encode() ([]byte, error) { return codec.Marshal(r) }

func DecodeReceipt(b []byte) (Receipt, error) {
	var r Receipt
	err := codec.Unmarshal(b, &r)
	return r, err
}

// Envelope is the unit moved by a transport.
type Envelope struct {
	Source      types.AuthorityID `cbor:"source"`
	Destination types.AuthorityID `cbor:"destination"`
	Context     types.ContextID   `cbor:"context"`
	Payload     []byte            `cbor:"payload"`
	Metadata    map[string]string `cbor:"metadata"`
	Receipt     *Receipt          `cbor:"receipt,omitempty"`
}

// Clone deep-copies the envelope so queued values never alias caller buffers.
func (e Envelope) Clone() Envelope {
	c := e
	if e.Payload != nil {
		c.Payload = make([]byte, len(e.Payload))
		copy(c.Payload, e.Payload)
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	if e.Receipt != nil {
		r := *e.Receipt
		r.Sig = append([]byte(nil), e.Receipt.Sig...)
		c.Receipt = &r
	}
	return c
}

// SetMeta sets a metadata key, allocating the map when needed.
func (e *Envelope) SetMeta(k, v string) {
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	e.Metadata[k] = v
}

func (e Envelope) Encode() ([]byte, error) { return codec.Marshal(e) }

func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	err := codec.Unmarshal(b, &e)
	return e, err
}

// WriteEnvelope writes one framed envelope.
func WriteEnvelope(w io.Writer, e Envelope) error {
	b, err := e.Encode()
	if err != nil {
		return err
	}
	return codec.WriteFrame(w, b)
}

// ReadEnvelope reads one framed envelope.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	b, err := codec.ReadFrame(r)
	if err != nil {
		return Envelope{}, err
	}
	return DecodeEnvelope(b)
}

// MarshalFrame returns the framed encoding of e.
func MarshalFrame(e Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteEnvelope(&buf, e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
