package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const dbFileName = "counters.db"

// SQLiteStore keeps the record in a SQLite database, one row per category.
// The group name keys the record so unrelated deployments can share a file.
type SQLiteStore struct {
	db  *sql.DB
	grp string
}

// NewSQLiteStore opens (or creates) the database at path and initializes the
// schema. An empty path resolves to counters.db under the same state dir the
// file backend defaults to; an empty DSN would open a throwaway in-memory
// database instead of a durable one.
func NewSQLiteStore(path, group string) (*SQLiteStore, error) {
	if path == "" {
		path = filepath.Join(defaultStateDir(), dbFileName)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLiteStore{db: db, grp: group}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS counters (
		grp        TEXT NOT NULL,
		category   TEXT NOT NULL,
		count      INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (grp, category)
	);`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Load() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT category, count FROM counters WHERE grp = ?`, s.grp)
	if err != nil {
		return nil, fmt.Errorf("query counters: %w", err)
	}
	defer rows.Close()

	counters := make(map[string]int)
	for rows.Next() {
		var category string
		var count int
		if err := rows.Scan(&category, &count); err != nil {
			return nil, fmt.Errorf("scan counter: %w", err)
		}
		counters[category] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read counters: %w", err)
	}
	if len(counters) == 0 {
		return nil, nil
	}
	return counters, nil
}

// Save upserts every category in one transaction so readers never observe a
// partially written record.
func (s *SQLiteStore) Save(counters map[string]int) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnContention(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for category, count := range counters {
			if _, err := tx.Exec(
				`INSERT INTO counters (grp, category, count, updated_at)
				 VALUES (?, ?, ?, ?)
				 ON CONFLICT(grp, category) DO UPDATE SET
				   count = excluded.count, updated_at = excluded.updated_at`,
				s.grp, category, count, now,
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
