package database

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/Armour007/aura-core/internal/storage"
)

func TestUpSection(t *testing.T) {
	in := "-- +goose Up\nCREATE TABLE a (x INT);\n-- +goose Down\nDROP TABLE a;\n"
	if got := upSection(in); got != "CREATE TABLE a (x INT);\n" {
		t.Fatalf("up = %q", got)
	}
	if got := upSection("CREATE TABLE b (y INT);"); got != "CREATE TABLE b (y INT);" {
		t.Fatalf("unmarked file = %q", got)
	}
}

func TestMigrateSkipsApplied(t *testing.T) {
	mdb, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer mdb.Close()
	db := sqlx.NewDb(mdb, "pgx")

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, applied_at FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version", "applied_at"}).AddRow("0001_aura_kv.sql", time.Unix(0, 0)))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX IF NOT EXISTS aura_kv_prefix_idx")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations")).
		WithArgs("0002_aura_kv_prefix.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ran, err := Migrate(context.Background(), db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(ran) != 1 || ran[0] != "0002_aura_kv_prefix.sql" {
		t.Fatalf("ran %v", ran)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMigrateSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := Connect(ctx, "sqlite", ":memory:")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer db.Close()
	if _, err := Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	again, err := Migrate(ctx, db)
	if err != nil || len(again) != 0 {
		t.Fatalf("second run applied %v (%v)", again, err)
	}
	rows, err := Applied(ctx, db)
	if err != nil || len(rows) != 1 {
		t.Fatalf("applied %v (%v)", rows, err)
	}

	st := storage.NewSQL(db)
	if err := st.Store(ctx, "journal", []byte("facts")); err != nil {
		t.Fatalf("store: %v", err)
	}
	v, ok, err := st.Retrieve(ctx, "journal")
	if err != nil || !ok || string(v) != "facts" {
		t.Fatalf("retrieve %q %v %v", v, ok, err)
	}
}

func TestConnectRejectsDriver(t *testing.T) {
	if _, err := Connect(context.Background(), "mysql", "x"); err == nil {
		t.Fatalf("unsupported driver accepted")
	}
}
