// Package sqlite_store provides a persistent cachestore.Backend on SQLite.
package sqlite_store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/pmkol/swcache/pkg/cachestore"
)

var _ cachestore.Backend = (*SQLiteStore)(nil)

const schema = `CREATE TABLE IF NOT EXISTS entries (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	key   BLOB NOT NULL UNIQUE,
	value BLOB NOT NULL
)`

// SQLiteStore keeps entries in a single table. The autoincrement id
// records first-store order.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := "file:" + filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM entries WHERE key = ?`, []byte(key)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select entry: %w", err)
	}
	return v, true, nil
}

// StoreBatch stores b in one transaction.
func (s *SQLiteStore) StoreBatch(ctx context.Context, b []cachestore.KV) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO entries (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, kv := range b {
		v := kv.V
		if v == nil {
			v = []byte{}
		}
		if _, err = stmt.ExecContext(ctx, []byte(kv.Key), v); err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if len(prefix) == 0 {
		rows, err = s.db.QueryContext(ctx, `SELECT key FROM entries ORDER BY id`)
	} else {
		// substr on a BLOB counts bytes.
		rows, err = s.db.QueryContext(ctx,
			`SELECT key FROM entries WHERE substr(key, 1, ?) = ? ORDER BY id`,
			len(prefix), []byte(prefix))
	}
	if err != nil {
		return nil, fmt.Errorf("select keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k []byte
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, string(k))
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Len() int {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0
	}
	return n
}
