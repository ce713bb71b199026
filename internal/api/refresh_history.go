package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/schmalle/secman-snapshot/internal/api/middleware"
)

type (
	// paramError represents a parameter validation error.
	paramError struct {
		param string
		msg   string
	}
)

const (
	// Pagination defaults and limits.
	defaultLimit = 20
	maxLimit     = 100
	minLimit     = 1
)

func (e *paramError) Error() string {
	return "Invalid parameter '" + e.param + "': " + e.msg
}

// handleRefreshHistory handles GET /api/v1/refresh/jobs.
// Returns recent refresh jobs, newest first.
//
// Query Parameters:
//   - limit: 1-100 (default: 20)
func (s *Server) handleRefreshHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	limit, err := parseLimit(r, defaultLimit)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	jobs, err := s.refresher.History(ctx, limit)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to query refresh history",
			"correlation_id", correlationID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to query refresh history"))

		return
	}

	response := RefreshJobListResponse{
		Jobs:  make([]RefreshJobResponse, 0, len(jobs)),
		Limit: limit,
	}
	for _, job := range jobs {
		response.Jobs = append(response.Jobs, mapJobToResponse(job))
	}

	data, err := json.Marshal(response)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to marshal history response",
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

// parseLimit parses and validates the limit query parameter.
func parseLimit(r *http.Request, fallback int) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return fallback, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, &paramError{param: "limit", msg: "must be a valid integer"}
	}

	if limit < minLimit || limit > maxLimit {
		return 0, &paramError{param: "limit", msg: "must be between 1 and 100"}
	}

	return limit, nil
}
