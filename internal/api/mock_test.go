package api

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/schmalle/secman-snapshot/internal/refresh"
	"github.com/schmalle/secman-snapshot/internal/snapshot"
)

type mockRefreshService struct {
	triggerFunc   func(ctx context.Context, reason string) (int64, error)
	jobFunc       func(ctx context.Context, id int64) (*refresh.Job, error)
	historyFunc   func(ctx context.Context, limit int) ([]refresh.Job, error)
	subscribeFunc func(ctx context.Context) (<-chan refresh.ProgressEvent, func(), error)
}

func (m *mockRefreshService) TriggerRefresh(ctx context.Context, reason string) (int64, error) {
	if m.triggerFunc != nil {
		return m.triggerFunc(ctx, reason)
	}

	return 1, nil
}

func (m *mockRefreshService) Job(ctx context.Context, id int64) (*refresh.Job, error) {
	if m.jobFunc != nil {
		return m.jobFunc(ctx, id)
	}

	return nil, refresh.ErrJobNotFound
}

func (m *mockRefreshService) History(ctx context.Context, limit int) ([]refresh.Job, error) {
	if m.historyFunc != nil {
		return m.historyFunc(ctx, limit)
	}

	return nil, nil
}

func (m *mockRefreshService) Subscribe(ctx context.Context) (<-chan refresh.ProgressEvent, func(), error) {
	if m.subscribeFunc != nil {
		return m.subscribeFunc(ctx)
	}

	events := make(chan refresh.ProgressEvent)
	close(events)

	return events, func() {}, nil
}

type mockSnapshotReader struct {
	listFunc func(
		ctx context.Context,
		scope snapshot.CallerScope,
		filter snapshot.ListFilter,
		page snapshot.Page,
	) (*snapshot.ListResult, error)
	lastFunc func(ctx context.Context) (*time.Time, error)
}

func (m *mockSnapshotReader) ListSnapshot(
	ctx context.Context,
	scope snapshot.CallerScope,
	filter snapshot.ListFilter,
	page snapshot.Page,
) (*snapshot.ListResult, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, scope, filter, page)
	}

	return &snapshot.ListResult{}, nil
}

func (m *mockSnapshotReader) LastRefreshed(ctx context.Context) (*time.Time, error) {
	if m.lastFunc != nil {
		return m.lastFunc(ctx)
	}

	return nil, nil
}

func testServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            8080,
		Host:            "127.0.0.1",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		LogLevel:        slog.LevelError,
		MaxRequestSize:  defaultMaxRequestSize,
	}
}

// newTestServer builds a server with no authentication or rate limiting,
// suitable for exercising handlers directly.
func newTestServer(t *testing.T, refresher RefreshService, snapshots SnapshotReader) *Server {
	t.Helper()

	return NewServer(testServerConfig(), refresher, snapshots, nil, nil, nil)
}

func testJob(id int64, status refresh.JobStatus, processed, total int) refresh.Job {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	job := refresh.Job{
		ID:             id,
		Reason:         refresh.ReasonManual,
		Status:         status,
		ProcessedCount: processed,
		TotalCount:     total,
		StartedAt:      now,
		UpdatedAt:      now.Add(time.Minute),
	}

	if status.IsTerminal() {
		finished := now.Add(2 * time.Minute)
		job.FinishedAt = &finished
	}

	return job
}
