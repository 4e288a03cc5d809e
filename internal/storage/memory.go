// Package storage provides the KV backends behind effects.Storage: memory,
// SQL (Postgres or SQLite), Redis, S3, and an encrypting wrapper.
package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/effects"
)

// Memory is an in-process store. Safe for concurrent use.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory { return &Memory{data: map[string][]byte{}} }

func checkKey(op, key string) error {
	if key == "" {
		return auraerr.New(auraerr.KindInvalid, op, "empty key")
	}
	return nil
}

func (m *Memory) Store(ctx context.Context, key string, value []byte) error {
	if err := checkKey("storage.store", key); err != nil {
		return err
	}
	m.mu.Lock()
	m.data[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Retrieve(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) Remove(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	delete(m.data, key)
	return ok, nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	out := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	_, ok := m.data[key]
	m.mu.RUnlock()
	return ok, nil
}

func (m *Memory) Batch(ctx context.Context, ops []effects.BatchOp) error {
	for _, op := range ops {
		if err := checkKey("storage.batch", op.Key); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range ops {
		if op.Delete {
			delete(m.data, op.Key)
			continue
		}
		m.data[op.Key] = append([]byte(nil), op.Value...)
	}
	return nil
}

func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.data = map[string][]byte{}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Stats(ctx context.Context) (effects.StorageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := effects.StorageStats{Backend: "memory", Keys: int64(len(m.data))}
	for _, v := range m.data {
		st.Bytes += int64(len(v))
	}
	return st, nil
}

// ContentKey is the conventional key for content-addressed chunks.
func ContentKey(hexHash string) string { return "content:" + hexHash }
