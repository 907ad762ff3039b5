package storage

import (
	"context"
	"errors"
)

// Keys persisted by the background process.
const (
	KeyOptions             = "options"
	KeyServerList          = "serverList"
	KeyServerListFrom      = "serverListFrom"
	KeyRecentServers       = "recentServers"
	KeyLastConnectedServer = "lastConnectedServer"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("key not found")

// Change describes a single key write. OldValue is nil when the key was absent.
type Change struct {
	Key      string
	OldValue []byte
	NewValue []byte
}

// ChangeFunc is called after a write has been committed.
type ChangeFunc func(change Change)

// Storage defines the interface for data persistence.
// Values are opaque JSON documents.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)

	// OnChanged registers a listener for committed writes and returns a
	// function that removes it.
	OnChanged(fn ChangeFunc) (remove func())

	// Close closes the storage connection
	Close() error
}
