package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/schmalle/secman-snapshot/internal/config"
)

func setupKeyStore(t *testing.T) (*PersistentKeyStore, *Connection) {
	t.Helper()

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := &Connection{DB: testDB.Connection}

	return NewPersistentKeyStore(conn, nil), conn
}

func newTestKey(t *testing.T, unrestricted bool, groupIDs ...int64) (*Key, string) {
	t.Helper()

	plaintext, err := GenerateAPIKey()
	require.NoError(t, err)

	return &Key{
		ID:           uuid.NewString(),
		Key:          plaintext,
		Name:         "test key",
		Unrestricted: unrestricted,
		GroupIDs:     groupIDs,
		CreatedAt:    time.Now().UTC(),
		Active:       true,
	}, plaintext
}

func TestPersistentKeyStoreAddAndFind(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, _ := setupKeyStore(t)
	ctx := context.Background()

	apiKey, plaintext := newTestKey(t, false, 1, 3)
	require.NoError(t, store.Add(ctx, apiKey))

	// Add masks the key in place; the plaintext never leaves this scope.
	assert.NotEqual(t, plaintext, apiKey.Key)

	found, ok := store.FindByKey(ctx, plaintext)
	require.True(t, ok)
	assert.Equal(t, apiKey.ID, found.ID)
	assert.Equal(t, []int64{1, 3}, found.GroupIDs)
	assert.False(t, found.Scope().All)

	// The stored value is a hash, never the plaintext.
	assert.NotContains(t, found.Key, plaintext[len(apiKeyPrefix):])

	_, ok = store.FindByKey(ctx, "secman_ak_wrong")
	assert.False(t, ok)
}

func TestPersistentKeyStoreRejectsDuplicate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, _ := setupKeyStore(t)
	ctx := context.Background()

	apiKey, plaintext := newTestKey(t, true)
	require.NoError(t, store.Add(ctx, apiKey))

	duplicate := &Key{
		ID:        uuid.NewString(),
		Key:       plaintext,
		Name:      "duplicate",
		CreatedAt: time.Now().UTC(),
		Active:    true,
	}

	err := store.Add(ctx, duplicate)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyAlreadyExists)
}

func TestPersistentKeyStoreDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, conn := setupKeyStore(t)
	ctx := context.Background()

	apiKey, plaintext := newTestKey(t, true)
	require.NoError(t, store.Add(ctx, apiKey))

	require.NoError(t, store.Delete(ctx, apiKey.ID))

	// Soft-deleted keys no longer authenticate.
	_, ok := store.FindByKey(ctx, plaintext)
	assert.False(t, ok)

	assert.ErrorIs(t, store.Delete(ctx, apiKey.ID+"missing"), ErrKeyNotFound)

	// The audit trail recorded both operations.
	var auditCount int

	err := conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_key_audit_log WHERE api_key_id = $1`, apiKey.ID).Scan(&auditCount)
	require.NoError(t, err)
	assert.Equal(t, 2, auditCount)
}

func TestPersistentKeyStoreList(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, _ := setupKeyStore(t)
	ctx := context.Background()

	first, _ := newTestKey(t, true)
	second, _ := newTestKey(t, false, 2)
	require.NoError(t, store.Add(ctx, first))
	require.NoError(t, store.Add(ctx, second))
	require.NoError(t, store.Delete(ctx, second.ID))

	keys, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, first.ID, keys[0].ID)
}

func TestPersistentKeyStoreExpiredKey(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, _ := setupKeyStore(t)
	ctx := context.Background()

	apiKey, plaintext := newTestKey(t, true)
	expired := time.Now().Add(-time.Hour)
	apiKey.ExpiresAt = &expired

	require.NoError(t, store.Add(ctx, apiKey))

	_, ok := store.FindByKey(ctx, plaintext)
	assert.False(t, ok, "expired keys must not authenticate")
}
