// Package catalog keeps a SQLite record of known log files and of the
// background tasks run against them.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tailview/internal/event"
)

// ErrNotFound is returned when no catalog entry matches.
var ErrNotFound = errors.New("catalog: not found")

// Log describes a known file buffer.
type Log struct {
	ID          int64
	Source      event.SourceIdentifier
	DataPath    string
	IndexPath   string
	Codec       string
	Compression string
	Created     time.Time
	LastOpened  time.Time
	RecordCount uint64
}

// Catalog is the SQLite-backed store.
type Catalog struct {
	db *sql.DB
}

// Open opens or creates the catalog database at path and applies pending
// migrations.
func Open(path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Catalog{db: db}, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// DB exposes the underlying database.
func (c *Catalog) DB() *sql.DB { return c.db }

// Register adds l, or updates the entry with the same data path. It
// returns the entry id. Created and LastOpened default to now.
func (c *Catalog) Register(l *Log) (int64, error) {
	now := time.Now()
	if l.Created.IsZero() {
		l.Created = now
	}
	if l.LastOpened.IsZero() {
		l.LastOpened = now
	}
	if l.Compression == "" {
		l.Compression = "none"
	}

	var id int64
	err := c.db.QueryRow(`
		INSERT INTO logs (source_primary, source_secondary, data_path, index_path, codec, compression, created_ns, last_opened_ns, record_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(data_path) DO UPDATE SET
			source_primary = excluded.source_primary,
			source_secondary = excluded.source_secondary,
			index_path = excluded.index_path,
			codec = excluded.codec,
			compression = excluded.compression,
			last_opened_ns = excluded.last_opened_ns,
			record_count = excluded.record_count
		RETURNING id`,
		l.Source.Primary, l.Source.Secondary, l.DataPath, l.IndexPath, l.Codec, l.Compression,
		l.Created.UnixNano(), l.LastOpened.UnixNano(), int64(l.RecordCount),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("register log: %w", err)
	}
	l.ID = id
	return id, nil
}

// Touch records that the log at dataPath was opened with count records.
func (c *Catalog) Touch(dataPath string, count uint64) error {
	result, err := c.db.Exec(`UPDATE logs SET last_opened_ns = ?, record_count = ? WHERE data_path = ?`,
		time.Now().UnixNano(), int64(count), dataPath)
	if err != nil {
		return fmt.Errorf("touch log: %w", err)
	}
	return expectRow(result, dataPath)
}

// Get returns the entry for dataPath.
func (c *Catalog) Get(dataPath string) (*Log, error) {
	row := c.db.QueryRow(`
		SELECT id, source_primary, source_secondary, data_path, index_path, codec, compression, created_ns, last_opened_ns, record_count
		FROM logs WHERE data_path = ?`, dataPath)
	l, err := scanLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", dataPath, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get log: %w", err)
	}
	return l, nil
}

// List returns all entries, most recently opened first.
func (c *Catalog) List() ([]Log, error) {
	rows, err := c.db.Query(`
		SELECT id, source_primary, source_secondary, data_path, index_path, codec, compression, created_ns, last_opened_ns, record_count
		FROM logs
		ORDER BY last_opened_ns DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var logs []Log
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		logs = append(logs, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}
	return logs, nil
}

// Remove deletes the entry for dataPath. The files are not touched.
func (c *Catalog) Remove(dataPath string) error {
	result, err := c.db.Exec(`DELETE FROM logs WHERE data_path = ?`, dataPath)
	if err != nil {
		return fmt.Errorf("remove log: %w", err)
	}
	return expectRow(result, dataPath)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLog(s scanner) (*Log, error) {
	var l Log
	var created, opened, count int64
	if err := s.Scan(&l.ID, &l.Source.Primary, &l.Source.Secondary, &l.DataPath, &l.IndexPath,
		&l.Codec, &l.Compression, &created, &opened, &count); err != nil {
		return nil, err
	}
	l.Created = time.Unix(0, created)
	l.LastOpened = time.Unix(0, opened)
	l.RecordCount = uint64(count)
	return &l, nil
}

func expectRow(result sql.Result, key string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return nil
}
