package database

import "time"

// MigrationRow represents the 'schema_migrations' table
type MigrationRow struct {
	Version   string    `db:"version"`
	AppliedAt time.Time `db:"applied_at"`
}

