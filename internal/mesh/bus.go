// Package mesh gossips journal deltas between replicas over a pub/sub bus.
package mesh

import (
	"context"
	"time"

	"github.com/Armour007/aura-core/internal/types"
)

const (
	// TopicJournalDelta is prefixed to a context id; replicas subscribed to
	// that context receive every fact batch merged into it.
	TopicJournalDelta = "journal.delta."
	// TopicDigest carries periodic journal digests for anti-entropy.
	TopicDigest = "journal.digest"
)

func JournalDeltaTopic(cid types.ContextID) string { return TopicJournalDelta + cid.String() }

// Event is one published message. Payload is canonical CBOR chosen by the
// publisher.
type Event struct {
	Topic     string            `cbor:"1,keyasint"`
	Origin    types.AuthorityID `cbor:"2,keyasint"`
	Payload   []byte            `cbor:"3,keyasint,omitempty"`
	Timestamp time.Time         `cbor:"4,keyasint"`
}

type Handler func(ctx context.Context, e Event)

type Bus interface {
	Publish(ctx context.Context, e Event) error
	Subscribe(topic string, h Handler) (unsubscribe func(), err error)
	Close() error
}
