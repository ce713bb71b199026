package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastRefreshedNever(t *testing.T) {
	server := newTestServer(t, &mockRefreshService{}, &mockSnapshotReader{})
	rec := getPath(t, server, "/api/v1/snapshot/last-refreshed")

	require.Equal(t, http.StatusOK, rec.Code)

	var response LastRefreshedResponse

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.True(t, response.Never)
	assert.Nil(t, response.RefreshedAt)
}

func TestLastRefreshed(t *testing.T) {
	refreshed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	snapshots := &mockSnapshotReader{
		lastFunc: func(context.Context) (*time.Time, error) {
			return &refreshed, nil
		},
	}

	server := newTestServer(t, &mockRefreshService{}, snapshots)
	rec := getPath(t, server, "/api/v1/snapshot/last-refreshed")

	require.Equal(t, http.StatusOK, rec.Code)

	var response LastRefreshedResponse

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.False(t, response.Never)
	require.NotNil(t, response.RefreshedAt)
	assert.True(t, refreshed.Equal(*response.RefreshedAt))
}

func TestLastRefreshedStorageError(t *testing.T) {
	snapshots := &mockSnapshotReader{
		lastFunc: func(context.Context) (*time.Time, error) {
			return nil, assert.AnError
		},
	}

	server := newTestServer(t, &mockRefreshService{}, snapshots)
	rec := getPath(t, server, "/api/v1/snapshot/last-refreshed")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
