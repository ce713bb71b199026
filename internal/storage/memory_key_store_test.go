package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryKeyStore(t *testing.T) {
	ctx := context.Background()

	t.Run("add and find", func(t *testing.T) {
		store := NewInMemoryKeyStore()
		apiKey, plaintext := newTestKey(t, false, 5)

		require.NoError(t, store.Add(ctx, apiKey))

		found, ok := store.FindByKey(ctx, plaintext)
		require.True(t, ok)
		assert.Equal(t, apiKey.ID, found.ID)
		assert.Equal(t, []int64{5}, found.GroupIDs)

		_, ok = store.FindByKey(ctx, "unknown")
		assert.False(t, ok)
	})

	t.Run("rejects nil and duplicates", func(t *testing.T) {
		store := NewInMemoryKeyStore()
		apiKey, _ := newTestKey(t, true)

		require.NoError(t, store.Add(ctx, apiKey))
		assert.ErrorIs(t, store.Add(ctx, nil), ErrKeyNil)
		assert.ErrorIs(t, store.Add(ctx, apiKey), ErrKeyAlreadyExists)
	})

	t.Run("delete deactivates", func(t *testing.T) {
		store := NewInMemoryKeyStore()
		apiKey, plaintext := newTestKey(t, true)

		require.NoError(t, store.Add(ctx, apiKey))
		require.NoError(t, store.Delete(ctx, apiKey.ID))

		_, ok := store.FindByKey(ctx, plaintext)
		assert.False(t, ok)

		keys, err := store.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)

		assert.ErrorIs(t, store.Delete(ctx, uuid.NewString()), ErrKeyNotFound)
	})

	t.Run("expired key does not authenticate", func(t *testing.T) {
		store := NewInMemoryKeyStore()
		apiKey, plaintext := newTestKey(t, true)
		expired := time.Now().Add(-time.Minute)
		apiKey.ExpiresAt = &expired

		require.NoError(t, store.Add(ctx, apiKey))

		_, ok := store.FindByKey(ctx, plaintext)
		assert.False(t, ok)
	})
}
