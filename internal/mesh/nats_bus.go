package mesh

import (
	"context"
	"time"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/codec"
	nats "github.com/nats-io/nats.go"
)

// NatsBus publishes events on NATS subjects named after their topic.
type NatsBus struct {
	nc     *nats.Conn
	prefix string
}

func NewNatsBus(url string) (*NatsBus, error) {
	nc, err := nats.Connect(url, nats.Name("aura-mesh"))
	if err != nil {
		return nil, auraerr.Wrap(auraerr.KindNetwork, "mesh.nats_connect", err)
	}
	return &NatsBus{nc: nc, prefix: "aura.mesh."}, nil
}

// NewNatsBusConn shares an existing connection.
func NewNatsBusConn(nc *nats.Conn) *NatsBus { return &NatsBus{nc: nc, prefix: "aura.mesh."} }

func (b *NatsBus) Publish(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	payload, err := codec.Marshal(e)
	if err != nil {
		return auraerr.Wrap(auraerr.KindInvalid, "mesh.publish", err)
	}
	return auraerr.Wrap(auraerr.KindNetwork, "mesh.publish", b.nc.Publish(b.prefix+e.Topic, payload))
}

func (b *NatsBus) Subscribe(topic string, h Handler) (func(), error) {
	sub, err := b.nc.Subscribe(b.prefix+topic, func(msg *nats.Msg) {
		var e Event
		if err := codec.Unmarshal(msg.Data, &e); err == nil {
			h(context.Background(), e)
		}
	})
	if err != nil {
		return nil, auraerr.Wrap(auraerr.KindNetwork, "mesh.subscribe", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (b *NatsBus) Close() error { _ = b.nc.Flush(); b.nc.Close(); return nil }
