package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/effects"
	"github.com/jmoiron/sqlx"
)

// SQL stores keys in the aura_kv table. Works on Postgres (pgx) and SQLite;
// queries are written with '?' and rebound for the driver.
type SQL struct {
	db *sqlx.DB
}

func NewSQL(db *sqlx.DB) *SQL { return &SQL{db: db} }

const (
	qUpsert = `INSERT INTO aura_kv (k, v) VALUES (?, ?) ON CONFLICT (k) DO UPDATE SET v = excluded.v`
	qGet    = `SELECT v FROM aura_kv WHERE k = ?`
	qDelete = `DELETE FROM aura_kv WHERE k = ?`
	qList   = `SELECT k FROM aura_kv WHERE k LIKE ? ESCAPE '\' ORDER BY k`
	qExists = `SELECT COUNT(1) FROM aura_kv WHERE k = ?`
	qClear  = `DELETE FROM aura_kv`
	qStats  = `SELECT COUNT(1) AS keys, COALESCE(SUM(LENGTH(v)), 0) AS bytes FROM aura_kv`
)

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

func (s *SQL) Store(ctx context.Context, key string, value []byte) error {
	if err := checkKey("storage.sql.store", key); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(qUpsert), key, value)
	return auraerr.Wrap(auraerr.KindStorage, "storage.sql.store", err)
}

func (s *SQL) Retrieve(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.GetContext(ctx, &v, s.db.Rebind(qGet), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, auraerr.Wrap(auraerr.KindStorage, "storage.sql.retrieve", err)
	}
	return v, true, nil
}

func (s *SQL) Remove(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(qDelete), key)
	if err != nil {
		return false, auraerr.Wrap(auraerr.KindStorage, "storage.sql.remove", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQL) List(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	if err := s.db.SelectContext(ctx, &keys, s.db.Rebind(qList), likePrefix(prefix)); err != nil {
		return nil, auraerr.Wrap(auraerr.KindStorage, "storage.sql.list", err)
	}
	return keys, nil
}

func (s *SQL) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(qExists), key); err != nil {
		return false, auraerr.Wrap(auraerr.KindStorage, "storage.sql.exists", err)
	}
	return n > 0, nil
}

// Batch runs every op in one transaction.
func (s *SQL) Batch(ctx context.Context, ops []effects.BatchOp) error {
	for _, op := range ops {
		if err := checkKey("storage.sql.batch", op.Key); err != nil {
			return err
		}
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return auraerr.Wrap(auraerr.KindStorage, "storage.sql.batch", err)
	}
	for _, op := range ops {
		if op.Delete {
			_, err = tx.ExecContext(ctx, tx.Rebind(qDelete), op.Key)
		} else {
			v := op.Value
			if v == nil {
				v = []byte{}
			}
			_, err = tx.ExecContext(ctx, tx.Rebind(qUpsert), op.Key, v)
		}
		if err != nil {
			_ = tx.Rollback()
			return auraerr.Wrap(auraerr.KindStorage, "storage.sql.batch", err)
		}
	}
	return auraerr.Wrap(auraerr.KindStorage, "storage.sql.batch", tx.Commit())
}

func (s *SQL) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, qClear)
	return auraerr.Wrap(auraerr.KindStorage, "storage.sql.clear", err)
}

func (s *SQL) Stats(ctx context.Context) (effects.StorageStats, error) {
	var row struct {
		Keys  int64 `db:"keys"`
		Bytes int64 `db:"bytes"`
	}
	if err := s.db.GetContext(ctx, &row, qStats); err != nil {
		return effects.StorageStats{}, auraerr.Wrap(auraerr.KindStorage, "storage.sql.stats", err)
	}
	return effects.StorageStats{Backend: "sql:" + s.db.DriverName(), Keys: row.Keys, Bytes: row.Bytes}, nil
}
