// Package sqlstore implements condamap.BlobStore on SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/pseudomuto/condamap"

	_ "modernc.org/sqlite"
)

const schema = `
	CREATE TABLE IF NOT EXISTS blobs (
		key TEXT PRIMARY KEY,
		data BLOB NOT NULL
	);
`

// dbtx abstracts sql.DB and sql.Tx for shared query execution.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements condamap.BlobStore and condamap.Deleter using SQLite.
type Store struct {
	tx dbtx    // *sql.DB or *sql.Tx - used for all queries
	db *sql.DB // original DB - only used by WithTx to start transactions
}

// Open opens (creating if needed) the database at dsn, e.g. "file:condamap.db" or
// ":memory:".
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer at a time. A single connection serializes them here
	// instead of surfacing SQLITE_BUSY, and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	s, err := New(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// New creates the schema in db if needed and returns a Store using it.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{tx: db, db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get implements condamap.BlobStore.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.tx.
		QueryRowContext(ctx, "SELECT data FROM blobs WHERE key = ?", key).
		Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, condamap.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("query blob: %w", err)
	}

	return data, nil
}

// Put implements condamap.BlobStore.
func (s *Store) Put(ctx context.Context, key string, data []byte, opts condamap.PutOptions) error {
	if opts.Overwrite {
		if _, err := s.tx.ExecContext(ctx,
			"INSERT INTO blobs (key, data) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET data = excluded.data",
			key, data,
		); err != nil {
			return fmt.Errorf("upsert blob: %w", err)
		}
		return nil
	}

	res, err := s.tx.ExecContext(ctx,
		"INSERT INTO blobs (key, data) VALUES (?, ?) ON CONFLICT (key) DO NOTHING",
		key, data,
	)
	if err != nil {
		return fmt.Errorf("insert blob: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected after insert: %w", err)
	}

	if n == 0 {
		return condamap.ErrExists
	}

	return nil
}

// List implements condamap.BlobStore.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.tx.QueryContext(ctx,
		"SELECT key FROM blobs WHERE substr(key, 1, ?) = ? ORDER BY key",
		utf8.RuneCountInString(prefix), prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Exists implements condamap.BlobStore.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.tx.
		QueryRowContext(ctx, "SELECT 1 FROM blobs WHERE key = ?", key).
		Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("query blob: %w", err)
	}

	return true, nil
}

// Delete implements condamap.Deleter.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.tx.ExecContext(ctx, "DELETE FROM blobs WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}

	return nil
}

// WithTx runs fn against a Store bound to a single transaction. The transaction is
// committed when fn returns nil and rolled back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(*Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Store{tx: tx, db: s.db}); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}
