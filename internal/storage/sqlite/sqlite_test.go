package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"mullproxy/internal/storage"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestGetMissingKey(t *testing.T) {
	db := newTestDB(t)

	_, err := db.Get(context.Background(), "nope")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSetGetRoundTripAndKeys(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Set(ctx, "b", []byte(`1`)))
	require.NoError(t, db.Set(ctx, "a", []byte(`{"x":true}`)))
	require.NoError(t, db.Set(ctx, "b", []byte(`2`)))

	v, err := db.Get(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, `2`, string(v))

	keys, err := db.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, db.Delete(ctx, "a"))
	_, err = db.Get(ctx, "a")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOnChangedReportsOldAndNewValues(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var changes []storage.Change
	remove := db.OnChanged(func(c storage.Change) { changes = append(changes, c) })

	require.NoError(t, db.Set(ctx, "k", []byte(`"one"`)))
	require.NoError(t, db.Set(ctx, "k", []byte(`"two"`)))
	remove()
	require.NoError(t, db.Set(ctx, "k", []byte(`"three"`)))

	require.Len(t, changes, 2)
	require.Nil(t, changes[0].OldValue)
	require.Equal(t, `"one"`, string(changes[0].NewValue))
	require.Equal(t, `"one"`, string(changes[1].OldValue))
	require.Equal(t, `"two"`, string(changes[1].NewValue))
}
