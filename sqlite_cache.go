//go:build sqlite
// +build sqlite

package batchq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteCache implements the ResultCache interface using SQLite.
// Insertion order comes from the rowid, so FIFO eviction is a
// min-rowid delete. Requires CGO and the sqlite build tag.
type SQLiteCache struct {
	db         *sql.DB
	maxEntries int
}

// NewSQLiteCache creates a SQLite-backed result cache bounded to maxEntries.
// The database file will be created if it doesn't exist.
func NewSQLiteCache(dbPath string, maxEntries int) (*SQLiteCache, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("maxEntries must be > 0, got %d", maxEntries)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cache := &SQLiteCache{db: db, maxEntries: maxEntries}
	if err := cache.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return cache, nil
}

// Close closes the database connection.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

// initSchema initializes the database schema.
func (c *SQLiteCache) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		result BLOB NOT NULL
	);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Get returns the cached result for key.
func (c *SQLiteCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var result []byte
	err := c.db.QueryRowContext(ctx,
		"SELECT result FROM cache_entries WHERE key = ?", key).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	return result, true, nil
}

// Put stores a result, evicting the oldest rows when at capacity.
// An UPDATE on an existing key keeps its rowid, preserving the entry's
// original insertion position.
func (c *SQLiteCache) Put(ctx context.Context, key string, result []byte) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache put: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		"UPDATE cache_entries SET result = ? WHERE key = ?", result, key)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE rowid IN (
			SELECT rowid FROM cache_entries ORDER BY rowid
			LIMIT max((SELECT count(*) FROM cache_entries) - ?, 0)
		)`, c.maxEntries-1)
	if err != nil {
		return fmt.Errorf("cache put: eviction failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO cache_entries (key, result) VALUES (?, ?)", key, result)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return tx.Commit()
}

// Len returns the number of entries currently stored.
func (c *SQLiteCache) Len(ctx context.Context) (int, error) {
	var count int
	err := c.db.QueryRowContext(ctx, "SELECT count(*) FROM cache_entries").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("cache len: %w", err)
	}
	return count, nil
}

// Clear removes all entries.
func (c *SQLiteCache) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM cache_entries"); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}
