package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"mullproxy/internal/storage"
)

// DB implements the Storage interface using SQLite
type DB struct {
	db *sql.DB

	mu        sync.RWMutex
	listeners map[int]storage.ChangeFunc
	nextID    int
}

// New creates a new SQLite storage instance
func New(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &DB{db: db, listeners: make(map[int]storage.ChangeFunc)}

	if err := runMigrations(store); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

// Get returns the stored document for key or storage.ErrNotFound.
func (d *DB) Get(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := d.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

// Set writes value under key and notifies listeners with the previous value.
func (d *DB) Set(ctx context.Context, key string, value []byte) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	var old []byte
	var prev string
	switch err := tx.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&prev); {
	case err == nil:
		old = []byte(prev)
	case errors.Is(err, sql.ErrNoRows):
	default:
		tx.Rollback()
		return err
	}

	query := `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := tx.ExecContext(ctx, query, key, string(value)); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	d.emit(storage.Change{Key: key, OldValue: old, NewValue: value})
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (d *DB) Delete(ctx context.Context, key string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key)
	return err
}

// Keys lists all stored keys in lexical order.
func (d *DB) Keys(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT key FROM kv ORDER BY key")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// OnChanged registers fn for committed writes.
func (d *DB) OnChanged(fn storage.ChangeFunc) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

func (d *DB) emit(change storage.Change) {
	d.mu.RLock()
	fns := make([]storage.ChangeFunc, 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.mu.RUnlock()

	for _, fn := range fns {
		fn(change)
	}
}
