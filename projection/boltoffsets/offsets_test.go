package boltoffsets_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/AntonStoeckl/cart-eventstore-go/projection"
	"github.com/AntonStoeckl/cart-eventstore-go/projection/boltoffsets"
)

func Test_Store_OffsetsSurviveReopen(t *testing.T) {
	// arrange
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "offsets", "offsets.db")
	id := projection.ID{Name: "publish-events", Tag: "carts-1"}

	store, err := boltoffsets.Open(path)
	require.NoError(t, err)

	offset, err := store.LoadOffset(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, offset)

	require.NoError(t, store.SaveOffset(ctx, id, 41))
	require.NoError(t, store.SaveOffset(ctx, id, 42))
	require.NoError(t, store.Close())

	// act
	reopened, err := boltoffsets.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	offset, err = reopened.LoadOffset(ctx, id)

	// assert
	require.NoError(t, err)
	assert.EqualValues(t, 42, offset)

	other, err := reopened.LoadOffset(ctx, projection.ID{Name: "publish-events", Tag: "carts-2"})
	require.NoError(t, err)
	assert.Zero(t, other)
}

func Test_Store_DetectsCorruptOffsets(t *testing.T) {
	// arrange
	ctx := context.Background()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "offsets.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		bucket, createErr := tx.CreateBucketIfNotExists([]byte("publish-events"))
		if createErr != nil {
			return createErr
		}

		return bucket.Put([]byte("carts-0"), []byte("bogus"))
	}))

	store := boltoffsets.New(db)

	// act
	_, err = store.LoadOffset(ctx, projection.ID{Name: "publish-events", Tag: "carts-0"})

	// assert
	assert.ErrorIs(t, err, boltoffsets.ErrCorruptOffset)
	assert.ErrorIs(t, err, projection.ErrLoadingOffsetFailed)
	assert.NoError(t, store.Close(), "closing a borrowed database is a no-op")
}
