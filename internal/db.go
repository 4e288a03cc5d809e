package database

import (
	"context"
	"embed"
	"io/fs"
	"log"
	"path"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // registers "sqlite"

	"github.com/Armour007/aura-core/internal/auraerr"
)

//go:embed migrations
var migrations embed.FS

// Connect opens and pings a pool for driver ("pgx" or "sqlite").
func Connect(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	const op = "database.connect"
	switch driver {
	case "pgx", "sqlite":
	default:
		return nil, auraerr.Errorf(auraerr.KindInvalid, op, "unsupported driver %q", driver)
	}
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, auraerr.Wrap(auraerr.KindStorage, op, err)
	}
	if driver == "sqlite" {
		// one writer at a time
		db.SetMaxOpenConns(1)
	}
	log.Printf("Connected to %s database", driver)
	return db, nil
}

// dialect picks the migration directory for the handle's driver.
func dialect(db *sqlx.DB) string {
	if db.DriverName() == "sqlite" {
		return "sqlite"
	}
	return "postgres"
}

const qMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMP NOT NULL
)`

// Migrate applies the embedded migrations for db's dialect that are not yet
// recorded in schema_migrations, in file name order. It returns the names
// it applied.
func Migrate(ctx context.Context, db *sqlx.DB) ([]string, error) {
	const op = "database.migrate"
	if _, err := db.ExecContext(ctx, qMigrationsTable); err != nil {
		return nil, auraerr.Wrapf(auraerr.KindStorage, op, err, "ensure schema_migrations")
	}
	applied, err := Applied(ctx, db)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(applied))
	for _, m := range applied {
		done[m.Version] = true
	}

	dir := path.Join("migrations", dialect(db))
	files, err := fs.Glob(migrations, dir+"/*.sql")
	if err != nil {
		return nil, auraerr.Wrap(auraerr.KindCorruption, op, err)
	}
	sort.Strings(files)

	var ran []string
	for _, f := range files {
		name := path.Base(f)
		if done[name] {
			continue
		}
		b, err := migrations.ReadFile(f)
		if err != nil {
			return ran, auraerr.Wrap(auraerr.KindCorruption, op, err)
		}
		if up := upSection(string(b)); strings.TrimSpace(up) != "" {
			log.Printf("Applying migration: %s", name)
			if err := execStatements(ctx, db, up); err != nil {
				return ran, auraerr.Wrapf(auraerr.KindStorage, op, err, "migration %s", name)
			}
		}
		if _, err := db.ExecContext(ctx, db.Rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?) ON CONFLICT (version) DO NOTHING`), name, time.Now().UTC()); err != nil {
			return ran, auraerr.Wrapf(auraerr.KindStorage, op, err, "mark %s", name)
		}
		ran = append(ran, name)
	}
	return ran, nil
}

// Applied lists recorded migrations, oldest version first.
func Applied(ctx context.Context, db *sqlx.DB) ([]MigrationRow, error) {
	var rows []MigrationRow
	if err := db.SelectContext(ctx, &rows, `SELECT version, applied_at FROM schema_migrations ORDER BY version`); err != nil {
		return nil, auraerr.Wrap(auraerr.KindStorage, "database.applied", err)
	}
	return rows, nil
}

// upSection returns the text between "-- +goose Up" and "-- +goose Down".
// A file without markers is all Up.
func upSection(content string) string {
	lower := strings.ToLower(content)
	i := strings.Index(lower, "-- +goose up")
	if i == -1 {
		return content
	}
	rest := content[i:]
	if nl := strings.Index(rest, "\n"); nl != -1 {
		rest = rest[nl+1:]
	} else {
		rest = ""
	}
	if j := strings.Index(strings.ToLower(rest), "-- +goose down"); j != -1 {
		rest = rest[:j]
	}
	return rest
}

// execStatements runs sql split on ';'. The migrations hold no procedural
// bodies, so the naive split holds.
func execStatements(ctx context.Context, db *sqlx.DB, sql string) error {
	for _, raw := range strings.Split(sql, ";") {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
