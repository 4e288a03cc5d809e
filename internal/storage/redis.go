package storage

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/effects"
	"github.com/redis/go-redis/v9"
)

// Redis stores keys under a namespace prefix in a Redis database.
type Redis struct {
	rc     redis.UniversalClient
	prefix string
}

// NewRedis wraps an existing client. prefix namespaces every key (e.g. "aura:<authority>:").
func NewRedis(rc redis.UniversalClient, prefix string) *Redis {
	return &Redis{rc: rc, prefix: prefix}
}

// NewRedisFromAddr dials addr with an optional password.
func NewRedisFromAddr(addr, password string, db int, prefix string) *Redis {
	return NewRedis(redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}), prefix)
}

func (r *Redis) k(key string) string { return r.prefix + key }

func (r *Redis) Store(ctx context.Context, key string, value []byte) error {
	if err := checkKey("storage.redis.store", key); err != nil {
		return err
	}
	return auraerr.Wrap(auraerr.KindStorage, "storage.redis.store", r.rc.Set(ctx, r.k(key), value, 0).Err())
}

func (r *Redis) Retrieve(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.rc.Get(ctx, r.k(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, auraerr.Wrap(auraerr.KindStorage, "storage.redis.retrieve", err)
	}
	return b, true, nil
}

func (r *Redis) Remove(ctx context.Context, key string) (bool, error) {
	n, err := r.rc.Del(ctx, r.k(key)).Result()
	if err != nil {
		return false, auraerr.Wrap(auraerr.KindStorage, "storage.redis.remove", err)
	}
	return n > 0, nil
}

func (r *Redis) scan(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := r.rc.Scan(ctx, 0, r.k(prefix)+"*", 256).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (r *Redis) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := r.scan(ctx, prefix)
	if err != nil {
		return nil, auraerr.Wrap(auraerr.KindStorage, "storage.redis.list", err)
	}
	// glob metacharacters in prefix can over-match
	out := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.rc.Exists(ctx, r.k(key)).Result()
	if err != nil {
		return false, auraerr.Wrap(auraerr.KindStorage, "storage.redis.exists", err)
	}
	return n > 0, nil
}

// Batch applies ops inside MULTI/EXEC.
func (r *Redis) Batch(ctx context.Context, ops []effects.BatchOp) error {
	for _, op := range ops {
		if err := checkKey("storage.redis.batch", op.Key); err != nil {
			return err
		}
	}
	_, err := r.rc.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, op := range ops {
			if op.Delete {
				p.Del(ctx, r.k(op.Key))
			} else {
				p.Set(ctx, r.k(op.Key), op.Value, 0)
			}
		}
		return nil
	})
	return auraerr.Wrap(auraerr.KindStorage, "storage.redis.batch", err)
}

func (r *Redis) Clear(ctx context.Context) error {
	keys, err := r.scan(ctx, "")
	if err != nil {
		return auraerr.Wrap(auraerr.KindStorage, "storage.redis.clear", err)
	}
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.k(k)
	}
	return auraerr.Wrap(auraerr.KindStorage, "storage.redis.clear", r.rc.Del(ctx, full...).Err())
}

func (r *Redis) Stats(ctx context.Context) (effects.StorageStats, error) {
	keys, err := r.scan(ctx, "")
	if err != nil {
		return effects.StorageStats{}, auraerr.Wrap(auraerr.KindStorage, "storage.redis.stats", err)
	}
	st := effects.StorageStats{Backend: "redis", Keys: int64(len(keys))}
	for _, k := range keys {
		n, err := r.rc.StrLen(ctx, r.k(k)).Result()
		if err != nil {
			return effects.StorageStats{}, auraerr.Wrap(auraerr.KindStorage, "storage.redis.stats", err)
		}
		st.Bytes += n
	}
	return st, nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error { return r.rc.Ping(ctx).Err() }

func (r *Redis) Close() error { return r.rc.Close() }
