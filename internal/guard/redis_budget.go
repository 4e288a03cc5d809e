package guard

import (
	"context"
	"errors"
	"strconv"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/redis/go-redis/v9"
)

// RedisBudgets keeps budgets in Redis hashes so several node processes can
// share one allowance. Reserve runs as a single script.
type RedisBudgets struct {
	rc           redis.UniversalClient
	prefix       string
	defaultLimit uint64
}

func NewRedisBudgets(rc redis.UniversalClient, prefix string, defaultLimit uint64) *RedisBudgets {
	if prefix == "" {
		prefix = "aura:budget:"
	}
	return &RedisBudgets{rc: rc, prefix: prefix, defaultLimit: defaultLimit}
}

func (s *RedisBudgets) key(k BudgetKey) string {
	return s.prefix + k.Context.String() + ":" + k.Peer.String()
}

// KEYS[1] budget hash; ARGV cost, epoch, default limit.
// Returns {ok, limit, spent, epoch}.
var reserveScript = redis.NewScript(`
local cost = tonumber(ARGV[1])
local epoch = tonumber(ARGV[2])
local limit = tonumber(redis.call('HGET', KEYS[1], 'limit') or ARGV[3])
local spent = tonumber(redis.call('HGET', KEYS[1], 'spent') or '0')
local cur = tonumber(redis.call('HGET', KEYS[1], 'epoch') or '0')
if epoch > cur then
  cur = epoch
  spent = 0
end
local ok = 0
if spent + cost <= limit then
  spent = spent + cost
  ok = 1
end
redis.call('HSET', KEYS[1], 'limit', string.format('%d', limit), 'spent', string.format('%d', spent), 'epoch', string.format('%d', cur))
return {ok, limit, spent, cur}
`)

var refundScript = redis.NewScript(`
local cost = tonumber(ARGV[1])
local epoch = tonumber(ARGV[2])
local cur = tonumber(redis.call('HGET', KEYS[1], 'epoch') or '0')
if cur ~= epoch then return 0 end
local spent = tonumber(redis.call('HGET', KEYS[1], 'spent') or '0')
spent = spent - cost
if spent < 0 then spent = 0 end
redis.call('HSET', KEYS[1], 'spent', string.format('%d', spent))
return 1
`)

func (s *RedisBudgets) Reserve(ctx context.Context, key BudgetKey, cost, epoch uint64) (Budget, error) {
	const op = "guard.redis_reserve"
	res, err := reserveScript.Run(ctx, s.rc, []string{s.key(key)}, cost, epoch, s.defaultLimit).Int64Slice()
	if err != nil {
		return Budget{}, auraerr.Wrap(auraerr.KindStorage, op, err)
	}
	if len(res) != 4 {
		return Budget{}, auraerr.Errorf(auraerr.KindCorruption, op, "unexpected script reply of %d values", len(res))
	}
	b := Budget{Limit: uint64(res[1]), Spent: uint64(res[2]), Epoch: uint64(res[3])}
	if res[0] != 1 {
		return b, ErrBudgetExhausted
	}
	return b, nil
}

func (s *RedisBudgets) Refund(ctx context.Context, key BudgetKey, cost, epoch uint64) error {
	err := refundScript.Run(ctx, s.rc, []string{s.key(key)}, cost, epoch).Err()
	return auraerr.Wrap(auraerr.KindStorage, "guard.redis_refund", err)
}

func (s *RedisBudgets) Set(ctx context.Context, key BudgetKey, b Budget) error {
	err := s.rc.HSet(ctx, s.key(key), "limit", b.Limit, "spent", b.Spent, "epoch", b.Epoch).Err()
	return auraerr.Wrap(auraerr.KindStorage, "guard.redis_set", err)
}

func (s *RedisBudgets) Get(ctx context.Context, key BudgetKey) (Budget, error) {
	m, err := s.rc.HGetAll(ctx, s.key(key)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Budget{}, auraerr.Wrap(auraerr.KindStorage, "guard.redis_get", err)
	}
	b := Budget{Limit: s.defaultLimit}
	if v, ok := m["limit"]; ok {
		b.Limit, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := m["spent"]; ok {
		b.Spent, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := m["epoch"]; ok {
		b.Epoch, _ = strconv.ParseUint(v, 10, 64)
	}
	return b, nil
}
