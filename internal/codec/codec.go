// Package codec is the canonical on-wire and on-disk encoding: CBOR with
// core deterministic encoding rules, plus 4-byte big-endian length framing.
package codec

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/Armour007/aura-core/internal/auraerr"
	cbor "github.com/fxamacker/cbor/v2"
)

// MaxFrameSize bounds a single framed message.
const MaxFrameSize = 16 << 20

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

func init() {
	// both option sets are static and valid
	encMode, _ = cbor.CoreDetEncOptions().EncMode()
	decMode, _ = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}.DecMode()
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, auraerr.Wrap(auraerr.KindInvalid, "codec.marshal", err)
	}
	return b, nil
}

// MustMarshal is for values whose encoding cannot fail (fixed structs of
// byte arrays and integers). It returns nil on failure.
func MustMarshal(v any) []byte {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// Unmarshal decodes b into v. Decode failures are corruption.
func Unmarshal(b []byte, v any) error {
	if err := decMode.Unmarshal(b, v); err != nil {
		return auraerr.Wrap(auraerr.KindCorruption, "codec.unmarshal", err)
	}
	return nil
}

// WriteFrame writes a length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return auraerr.Wrap(auraerr.KindInvalid, "codec.write_frame", ErrFrameTooLarge)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return auraerr.Wrap(auraerr.KindNetwork, "codec.write_frame", err)
	}
	if _, err := w.Write(payload); err != nil {
		return auraerr.Wrap(auraerr.KindNetwork, "codec.write_frame", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, auraerr.Wrap(auraerr.KindNetwork, "codec.read_frame", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, auraerr.Wrap(auraerr.KindCorruption, "codec.read_frame", ErrFrameTooLarge)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, auraerr.Wrap(auraerr.KindCorruption, "codec.read_frame", err)
	}
	return buf, nil
}

// Frame returns payload with its length prefix.
func Frame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

// Unframe strips a single length prefix, checking that it matches.
func Unframe(b []byte) ([]byte, error) {
	if len(b) < 4 {
		return nil, auraerr.New(auraerr.KindCorruption, "codec.unframe", "short frame")
	}
	n := binary.BigEndian.Uint32(b)
	if int(n) != len(b)-4 {
		return nil, auraerr.Errorf(auraerr.KindCorruption, "codec.unframe", "length %d does not match body %d", n, len(b)-4)
	}
	return b[4:], nil
}
