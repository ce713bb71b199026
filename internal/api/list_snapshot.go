package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/schmalle/secman-snapshot/internal/api/middleware"
	"github.com/schmalle/secman-snapshot/internal/snapshot"
)

type (
	// snapshotListParams holds parsed query parameters for snapshot list.
	snapshotListParams struct {
		filter snapshot.ListFilter
		limit  int
		offset int
	}
)

// handleListSnapshot handles GET /api/v1/snapshot.
// Returns a paginated list of snapshot rows visible to the caller.
//
// Query Parameters:
//   - severity: critical | high | medium | low (keep rows with at least one such finding)
//   - search: case-insensitive substring match on asset name
//   - sort: name (default) | findings | oldest
//   - limit: 1-100 (default: 20)
//   - offset: >= 0 (default: 0)
//
// The caller's group scope (from the API key) bounds what is visible;
// ungrouped assets are visible to every caller.
func (s *Server) handleListSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	params, err := parseSnapshotListParams(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	result, err := s.snapshots.ListSnapshot(ctx, s.callerScope(ctx), params.filter, snapshot.Page{
		Limit:  params.limit,
		Offset: params.offset,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to query snapshot",
			"correlation_id", correlationID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to query snapshot"))

		return
	}

	response := SnapshotListResponse{
		Assets: make([]SnapshotRowResponse, 0, len(result.Rows)),
		Total:  result.Total,
		Limit:  params.limit,
		Offset: params.offset,
	}
	for _, row := range result.Rows {
		response.Assets = append(response.Assets, mapRowToResponse(row))
	}

	data, err := json.Marshal(response)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to marshal snapshot response",
			"correlation_id", correlationID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// callerScope resolves the read scope for the current request.
// With authentication disabled there is no caller and every row is visible.
func (s *Server) callerScope(ctx context.Context) snapshot.CallerScope {
	if caller, ok := middleware.GetCaller(ctx); ok {
		return caller.Scope
	}

	return snapshot.Unrestricted()
}

// parseSnapshotListParams parses and validates query parameters.
func parseSnapshotListParams(r *http.Request) (*snapshotListParams, error) {
	q := r.URL.Query()

	params := &snapshotListParams{
		limit:  defaultLimit,
		offset: 0,
	}

	if severity := q.Get("severity"); severity != "" {
		if !snapshot.ValidSeverity(severity) {
			return nil, &paramError{param: "severity", msg: "must be one of critical, high, medium, low"}
		}

		params.filter.Severity = severity
	}

	params.filter.Search = q.Get("search")

	if sortBy := q.Get("sort"); sortBy != "" {
		switch sortBy {
		case snapshot.SortByName, snapshot.SortByFindings, snapshot.SortByOldest:
			params.filter.SortBy = sortBy
		default:
			return nil, &paramError{param: "sort", msg: "must be one of name, findings, oldest"}
		}
	}

	limit, err := parseLimit(r, defaultLimit)
	if err != nil {
		return nil, err
	}

	params.limit = limit

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, &paramError{param: "offset", msg: "must be a valid integer"}
		}

		if offset < 0 {
			return nil, &paramError{param: "offset", msg: "must be >= 0"}
		}

		params.offset = offset
	}

	return params, nil
}
