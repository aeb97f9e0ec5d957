package cache

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mkravchenko/kegsync/common"
)

// The package must register the driver itself; consumers of Open import
// nothing but this package.
func TestSQLiteDriverRegistered(t *testing.T) {
	require.Contains(t, sql.Drivers(), "sqlite")
}

func setupStore(t *testing.T) (*sql.DB, *SQLiteStore) {
	t.Helper()
	db, store, err := Open(context.Background(), "file:cachetest?mode=memory&cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() {
		_ = store.Clear(context.Background())
		_ = db.Close()
	})
	return db, store
}

func TestSQLiteStore_SetGet(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "salt", []byte{1, 2, 3}))

	got, err := store.Get(ctx, "salt")
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, got)

	// overwrite
	require.NoError(t, store.Set(ctx, "salt", []byte{9}))
	got, err = store.Get(ctx, "salt")
	require.NoError(t, err)
	require.Equal(t, []byte{9}, got)
}

func TestSQLiteStore_GetMissing(t *testing.T) {
	_, store := setupStore(t)

	_, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestSQLiteStore_DeleteClearList(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", []byte("1")))
	require.NoError(t, store.Set(ctx, "b", []byte("2")))

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, store.Delete(ctx, "a"))
	_, err = store.Get(ctx, "a")
	require.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, store.Clear(ctx))
	all, err = store.List(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	db, store := setupStore(t)
	ctx := context.Background()

	err := WithTx(ctx, db, nil, func(ctx context.Context, tx DBTX) error {
		txStore := NewSQLiteStore(tx)
		if err := txStore.Set(ctx, "k", []byte("v")); err != nil {
			return err
		}
		return context.Canceled // force rollback
	})
	require.Error(t, err)

	_, err = store.Get(ctx, "k")
	require.ErrorIs(t, err, common.ErrNotFound)
}
