package mesh

import (
	"context"
	"sync"
	"time"
)

// LocalBus fans events out in process. Handlers run on their own
// goroutines unless Sync is set.
type LocalBus struct {
	Sync bool

	mu       sync.RWMutex
	next     int
	handlers map[string]map[int]Handler
}

func NewLocalBus() *LocalBus { return &LocalBus{handlers: map[string]map[int]Handler{}} }

func (b *LocalBus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[e.Topic]))
	for _, h := range b.handlers[e.Topic] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	for _, h := range hs {
		if b.Sync {
			h(ctx, e)
			continue
		}
		go h(context.WithoutCancel(ctx), e)
	}
	return nil
}

func (b *LocalBus) Subscribe(topic string, h Handler) (func(), error) {
	b.mu.Lock()
	id := b.next
	b.next++
	if b.handlers[topic] == nil {
		b.handlers[topic] = map[int]Handler{}
	}
	b.handlers[topic][id] = h
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers[topic], id)
		b.mu.Unlock()
	}, nil
}

func (b *LocalBus) Close() error { return nil }
