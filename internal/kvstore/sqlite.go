package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

const (
	busyTimeoutMillis = 10_000
	maxBusyRetries    = 3
)

// OpenSQLite opens an SQLite database at path with WAL journaling and a busy timeout.
// The special path ":memory:" opens a private in-memory database bound to one connection.
func OpenSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMillis),
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return db, nil
}

// SQLite is a Store backed by a single table in an SQLite database.
type SQLite struct {
	db   *sql.DB
	opts options
	now  func() time.Time
}

// NewSQLite prepares the kv table in db and returns a Store over it.
func NewSQLite(db *sql.DB, opts ...Option) (*SQLite, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite store requires a database handle")
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, &StorageError{Op: "init", Err: err}
	}
	return &SQLite{db: db, opts: buildOptions(opts), now: time.Now}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &StorageError{Op: "get", Key: key, Err: err}
	}
	return value, true, nil
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte) (SetResult, error) {
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		if s.opts.maxBytes > 0 {
			var used int64
			if err := tx.QueryRowContext(ctx,
				`SELECT COALESCE(SUM(length(value)), 0) FROM kv WHERE key <> ?`, key,
			).Scan(&used); err != nil {
				return err
			}
			if err := checkQuota(s.opts, key, used+int64(len(value))); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, s.now().UnixMilli(),
		)
		return err
	})
	if err != nil {
		if IsQuotaExceededError(err) {
			return SetResult{}, err
		}
		return SetResult{}, &StorageError{Op: "set", Key: key, Err: err}
	}
	return SetResult{SizeKB: sizeKB(len(value))}, nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		return err
	})
	if err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

func (s *SQLite) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`, len(prefix), prefix)
	if err != nil {
		return nil, &StorageError{Op: "keys", Key: prefix, Err: err}
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, &StorageError{Op: "keys", Key: prefix, Err: err}
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "keys", Key: prefix, Err: err}
	}
	return keys, nil
}

// runTx executes fn in a transaction, retrying on SQLITE_BUSY with a linear backoff.
func (s *SQLite) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	var err error
	for i := range maxBusyRetries {
		err = s.runOnce(ctx, fn)
		if err == nil || !isBusy(err) || i == maxBusyRetries-1 {
			return err
		}
		t := time.NewTimer(time.Duration(100*(i+1)) * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

func (s *SQLite) runOnce(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
