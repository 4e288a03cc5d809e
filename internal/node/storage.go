package node

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/config"
	"github.com/Armour007/aura-core/internal/effects"
	"github.com/Armour007/aura-core/internal/storage"
)

// OpenStorage builds the storage backend cfg names. db is only used for
// sql storage and must already carry the aura_kv table. A configured
// storage key wraps the backend in authenticated encryption.
func OpenStorage(ctx context.Context, cfg config.Config, db *sqlx.DB, rand effects.Random) (effects.Storage, error) {
	const op = "node.open_storage"
	var st effects.Storage
	switch cfg.Storage {
	case config.StorageMemory:
		st = storage.NewMemory()
	case config.StorageSQL:
		if db == nil {
			return nil, auraerr.New(auraerr.KindInvalid, op, "sql storage needs a database handle")
		}
		st = storage.NewSQL(db)
	case config.StorageRedis:
		st = storage.NewRedisFromAddr(cfg.RedisAddr, cfg.RedisPassword, 0, "aura:")
	case config.StorageS3:
		s3cfg := storage.S3ConfigFromEnv()
		s3cfg.Bucket, s3cfg.Prefix = cfg.S3Bucket, cfg.S3Prefix
		s, err := storage.NewS3(ctx, s3cfg)
		if err != nil {
			return nil, err
		}
		st = s
	default:
		return nil, auraerr.Errorf(auraerr.KindInvalid, op, "unknown storage %q", cfg.Storage)
	}
	if len(cfg.StorageKey) == 0 {
		return st, nil
	}
	if rand == nil {
		rand = effects.OSRandom{}
	}
	return storage.NewEncrypted(st, cfg.StorageKey, rand)
}
