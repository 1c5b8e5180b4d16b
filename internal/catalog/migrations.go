package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Migration is one schema change.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Known log files",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Task history",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS logs (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    source_primary    TEXT NOT NULL,
    source_secondary  TEXT NOT NULL DEFAULT '',
    data_path         TEXT NOT NULL UNIQUE,
    index_path        TEXT NOT NULL,
    codec             TEXT NOT NULL,
    compression       TEXT NOT NULL DEFAULT 'none',
    created_ns        INTEGER NOT NULL,
    last_opened_ns    INTEGER NOT NULL,
    record_count      INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_logs_source ON logs(source_primary, source_secondary);
CREATE INDEX IF NOT EXISTS idx_logs_opened ON logs(last_opened_ns);
`

const migrationV1Down = `
DROP INDEX IF EXISTS idx_logs_opened;
DROP INDEX IF EXISTS idx_logs_source;
DROP TABLE IF EXISTS logs;
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS task_history (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    description  TEXT NOT NULL DEFAULT '',
    state        TEXT NOT NULL,
    error        TEXT,
    created_ns   INTEGER NOT NULL,
    started_ns   INTEGER,
    ended_ns     INTEGER NOT NULL,
    metadata     TEXT
);

CREATE INDEX IF NOT EXISTS idx_task_history_ended ON task_history(ended_ns);
`

const migrationV2Down = `
DROP INDEX IF EXISTS idx_task_history_ended;
DROP TABLE IF EXISTS task_history;
`

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version     INTEGER PRIMARY KEY,
    applied_at  INTEGER NOT NULL,
    description TEXT
)`

// MigrateDB brings db up to the latest schema. Each migration runs in its
// own transaction together with its schema_migrations row.
func MigrateDB(db *sql.DB) error {
	if _, err := db.Exec(createMigrationsTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	current, err := SchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		err := inTx(db, func(tx *sql.Tx) error {
			if _, err := tx.Exec(m.Up); err != nil {
				return err
			}
			_, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)`,
				m.Version, time.Now().UnixNano(), m.Description)
			return err
		})
		if err != nil {
			return fmt.Errorf("migrate to v%d (%s): %w", m.Version, m.Description, err)
		}
	}
	return nil
}

// RollbackMigration undoes the newest applied migration.
func RollbackMigration(db *sql.DB) error {
	current, err := SchemaVersion(db)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(migrations, func(m Migration) bool { return m.Version == current })
	if current == 0 || idx < 0 {
		return fmt.Errorf("no migration to roll back at v%d", current)
	}

	m := migrations[idx]
	err = inTx(db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(m.Down); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM schema_migrations WHERE version = ?`, m.Version)
		return err
	})
	if err != nil {
		return fmt.Errorf("roll back v%d: %w", m.Version, err)
	}
	return nil
}

// SchemaVersion returns the newest applied migration, or 0.
func SchemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func inTx(db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	return tx.Commit()
}
