// Package api provides the HTTP API server for the snapshot service.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/schmalle/secman-snapshot/internal/refresh"
	"github.com/schmalle/secman-snapshot/internal/snapshot"
)

type (
	// RefreshService is the slice of the refresh engine the API needs:
	// triggering runs, reading job state and subscribing to progress.
	// *refresh.Orchestrator satisfies it.
	RefreshService interface {
		TriggerRefresh(ctx context.Context, reason string) (int64, error)
		Job(ctx context.Context, id int64) (*refresh.Job, error)
		History(ctx context.Context, limit int) ([]refresh.Job, error)
		Subscribe(ctx context.Context) (<-chan refresh.ProgressEvent, func(), error)
	}

	// SnapshotReader is the read side of the snapshot store.
	// *storage.SnapshotStore satisfies it.
	SnapshotReader interface {
		ListSnapshot(
			ctx context.Context,
			scope snapshot.CallerScope,
			filter snapshot.ListFilter,
			page snapshot.Page,
		) (*snapshot.ListResult, error)
		LastRefreshed(ctx context.Context) (*time.Time, error)
	}

	// HealthChecker verifies a storage backend is reachable.
	// *storage.Connection satisfies it.
	HealthChecker interface {
		HealthCheck(ctx context.Context) error
	}

	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// TriggerRefreshRequest is the body of POST /api/v1/refresh.
	// The reason is optional and defaults to manual.
	TriggerRefreshRequest struct {
		Reason string `json:"reason,omitempty"`
	}

	// TriggerRefreshResponse acknowledges an accepted refresh trigger.
	TriggerRefreshResponse struct {
		JobID  int64  `json:"jobId"`
		Status string `json:"status"`
		Reason string `json:"reason"`
	}

	// RefreshJobResponse is the API view of a refresh job.
	RefreshJobResponse struct {
		ID             int64      `json:"id"`
		Reason         string     `json:"reason"`
		Status         string     `json:"status"`
		ProcessedCount int        `json:"processedCount"`
		TotalCount     int        `json:"totalCount"`
		StartedAt      time.Time  `json:"startedAt"`
		UpdatedAt      time.Time  `json:"updatedAt"`
		FinishedAt     *time.Time `json:"finishedAt,omitempty"`
		Error          string     `json:"error,omitempty"`
	}

	// RefreshJobListResponse is a page of recent refresh jobs.
	RefreshJobListResponse struct {
		Jobs  []RefreshJobResponse `json:"jobs"`
		Limit int                  `json:"limit"`
	}

	// SnapshotRowResponse is the API view of one snapshot row.
	SnapshotRowResponse struct {
		AssetID           int64     `json:"assetId"`
		AssetName         string    `json:"assetName"`
		AssetType         string    `json:"assetType"`
		GroupIDs          []int64   `json:"groupIds"`
		TotalFindings     int       `json:"totalFindings"`
		CriticalCount     int       `json:"criticalCount"`
		HighCount         int       `json:"highCount"`
		MediumCount       int       `json:"mediumCount"`
		LowCount          int       `json:"lowCount"`
		OldestFindingDays int       `json:"oldestFindingDays"`
		RefreshedAt       time.Time `json:"refreshedAt"`
	}

	// SnapshotListResponse is a page of snapshot rows plus pagination metadata.
	SnapshotListResponse struct {
		Assets []SnapshotRowResponse `json:"assets"`
		Total  int                   `json:"total"`
		Limit  int                   `json:"limit"`
		Offset int                   `json:"offset"`
	}

	// LastRefreshedResponse reports when the snapshot was last rebuilt.
	// Never is true when no refresh has completed yet; RefreshedAt is
	// omitted in that case.
	LastRefreshedResponse struct {
		Never       bool       `json:"never"`
		RefreshedAt *time.Time `json:"refreshedAt,omitempty"`
	}

	// ProgressEventResponse is the SSE payload for one progress event.
	ProgressEventResponse struct {
		JobID     int64     `json:"jobId"`
		Status    string    `json:"status"`
		Reason    string    `json:"reason,omitempty"`
		Processed int       `json:"processed"`
		Total     int       `json:"total"`
		Error     string    `json:"error,omitempty"`
		Timestamp time.Time `json:"timestamp"`
	}

	// Route represents an HTTP route configuration with a path and handler.
	// Used for declarative route registration with middleware bypass support.
	Route struct {
		Path    string           // The URL path for this route (e.g., "GET /ping")
		Handler http.HandlerFunc // The HTTP handler function for this route
	}
)

// mapJobToResponse converts a domain refresh job to its API view.
func mapJobToResponse(job refresh.Job) RefreshJobResponse {
	return RefreshJobResponse{
		ID:             job.ID,
		Reason:         job.Reason,
		Status:         string(job.Status),
		ProcessedCount: job.ProcessedCount,
		TotalCount:     job.TotalCount,
		StartedAt:      job.StartedAt,
		UpdatedAt:      job.UpdatedAt,
		FinishedAt:     job.FinishedAt,
		Error:          job.Error,
	}
}

// mapRowToResponse converts a domain snapshot row to its API view.
func mapRowToResponse(row snapshot.Row) SnapshotRowResponse {
	groupIDs := row.GroupIDs
	if groupIDs == nil {
		groupIDs = []int64{}
	}

	return SnapshotRowResponse{
		AssetID:           row.AssetID,
		AssetName:         row.AssetName,
		AssetType:         row.AssetType,
		GroupIDs:          groupIDs,
		TotalFindings:     row.TotalFindings,
		CriticalCount:     row.Severities.Critical,
		HighCount:         row.Severities.High,
		MediumCount:       row.Severities.Medium,
		LowCount:          row.Severities.Low,
		OldestFindingDays: row.OldestFindingDays,
		RefreshedAt:       row.RefreshedAt,
	}
}

// mapEventToResponse converts a domain progress event to its SSE payload.
func mapEventToResponse(event refresh.ProgressEvent) ProgressEventResponse {
	return ProgressEventResponse{
		JobID:     event.JobID,
		Status:    string(event.Status),
		Reason:    event.Reason,
		Processed: event.Processed,
		Total:     event.Total,
		Error:     event.Error,
		Timestamp: event.Timestamp,
	}
}

// parseJobID parses the {id} path value of a job route.
func parseJobID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}
