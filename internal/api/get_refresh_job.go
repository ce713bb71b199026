package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/schmalle/secman-snapshot/internal/api/middleware"
	"github.com/schmalle/secman-snapshot/internal/refresh"
)

// handleGetRefreshJob handles GET /api/v1/refresh/jobs/{id}.
// Returns the current state of one refresh job, terminal or not.
func (s *Server) handleGetRefreshJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	jobID, err := parseJobID(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Invalid parameter 'id': must be a valid integer"))

		return
	}

	job, err := s.refresher.Job(ctx, jobID)
	if err != nil {
		if errors.Is(err, refresh.ErrJobNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("No refresh job with that id"))

			return
		}

		s.logger.ErrorContext(ctx, "Failed to load refresh job",
			"correlation_id", correlationID,
			"job_id", jobID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to load refresh job"))

		return
	}

	data, err := json.Marshal(mapJobToResponse(*job))
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to marshal job response",
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
