package options

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"mullproxy/internal/storage"
	"mullproxy/internal/storage/sqlite"
	pkgerrors "mullproxy/pkg/errors"
)

func newTestStore(t *testing.T) (*Store, storage.Storage) {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "options.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewStore(db)
	t.Cleanup(s.Close)
	return s, db
}

func TestUpdateSeedsDefaults(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, Defaults()))

	opts, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.True(t, opts.ProxyDNS)
	require.True(t, opts.EnableNotifications)
	require.False(t, opts.AutoConnect)
	require.Empty(t, opts.ExcludeList)
}

func TestUpdateDoesNotOverwrite(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, ProxyDNS, false))
	require.NoError(t, s.Update(ctx, Defaults()))

	v, err := s.Bool(ctx, ProxyDNS)
	require.NoError(t, err)
	require.False(t, v)
}

func TestUpdateIsIdempotent(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, Defaults()))
	first, err := db.Get(ctx, storage.KeyOptions)
	require.NoError(t, err)

	var events [][]string
	s.Subscribe(func(changed []string) { events = append(events, changed) })

	require.NoError(t, s.Update(ctx, Defaults()))
	second, err := db.Get(ctx, storage.KeyOptions)
	require.NoError(t, err)

	require.JSONEq(t, string(first), string(second))
	require.Empty(t, events)
}

func TestGetMissingOption(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Get(context.Background(), "doesNotExist")
	require.ErrorIs(t, err, pkgerrors.ErrOptionNotFound)

	var optErr *pkgerrors.OptionError
	require.ErrorAs(t, err, &optErr)
	require.Equal(t, "doesNotExist", optErr.Name)
}

func TestChangeEventReportsOnlyChangedKeys(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, Defaults()))

	var events [][]string
	s.Subscribe(func(changed []string) { events = append(events, changed) })

	require.NoError(t, s.Set(ctx, ExcludeList, []string{"example.com"}))
	require.NoError(t, s.Set(ctx, ExcludeList, []string{"example.com"}))
	require.NoError(t, s.Set(ctx, "brandNewKey", true))
	require.NoError(t, s.Set(ctx, EnableExcludeList, true))

	require.Equal(t, [][]string{{ExcludeList}, {EnableExcludeList}}, events)
}

func TestChangedKeys(t *testing.T) {
	old := Values{"a": true, "list": []any{"x", "y"}, "s": "v"}

	require.Empty(t, ChangedKeys(old, Values{"a": true, "list": []any{"x", "y"}, "s": "v"}))
	require.Equal(t, []string{"list"}, ChangedKeys(old, Values{"a": true, "list": []any{"y", "x"}, "s": "v"}))
	require.Equal(t, []string{"a", "list"}, ChangedKeys(old, Values{"a": false, "list": []any{"x"}, "s": "v", "added": 1.0}))
	require.Equal(t, []string{"a", "b"}, ChangedKeys(nil, Values{"a": true, "b": false}))
}

func TestParse(t *testing.T) {
	v, err := Parse(ProxyDNS, "false")
	require.NoError(t, err)
	require.Equal(t, false, v)

	v, err = Parse(ExcludeList, "example.com, foo.test,,")
	require.NoError(t, err)
	require.Equal(t, []string{"example.com", "foo.test"}, v)

	_, err = Parse(ProxyDNS, "maybe")
	require.ErrorIs(t, err, pkgerrors.ErrOptionInvalid)

	_, err = Parse("nope", "1")
	require.ErrorIs(t, err, pkgerrors.ErrOptionNotFound)
}

func TestSyncPicksUpExternalWrites(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()

	open := func() *Store {
		db, err := sqlite.New(dbPath)
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		s := NewStore(db)
		t.Cleanup(s.Close)
		return s
	}
	daemon, other := open(), open()
	require.NoError(t, daemon.Update(ctx, Defaults()))

	var events [][]string
	daemon.Subscribe(func(changed []string) { events = append(events, changed) })

	require.NoError(t, daemon.Sync(ctx))
	require.Empty(t, events)

	require.NoError(t, other.Set(ctx, ProxyDNS, false))
	require.Empty(t, events)

	require.NoError(t, daemon.Sync(ctx))
	require.Equal(t, [][]string{{ProxyDNS}}, events)

	require.NoError(t, daemon.Sync(ctx))
	require.Len(t, events, 1)

	require.NoError(t, daemon.Set(ctx, AutoConnect, true))
	require.NoError(t, daemon.Sync(ctx))
	require.Equal(t, [][]string{{ProxyDNS}, {AutoConnect}}, events)
}

func TestWatchStopsWithContext(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shared.db")
	db, err := sqlite.New(dbPath)
	require.NoError(t, err)
	defer db.Close()
	other, err := sqlite.New(dbPath)
	require.NoError(t, err)
	defer other.Close()

	s := NewStore(db)
	defer s.Close()
	require.NoError(t, s.Update(context.Background(), Defaults()))

	changes := make(chan []string, 4)
	s.Subscribe(func(changed []string) { changes <- changed })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx, 20*time.Millisecond, nil) }()

	require.Eventually(t, func() bool {
		s.lastMu.Lock()
		defer s.lastMu.Unlock()
		return s.last != nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, NewStore(other).Set(context.Background(), EnableDebugInfo, true))

	select {
	case changed := <-changes:
		require.Equal(t, []string{EnableDebugInfo}, changed)
	case <-time.After(2 * time.Second):
		t.Fatal("external write was not picked up")
	}

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return")
	}
}
