package api

import (
	"encoding/json"
	"net/http"

	"github.com/schmalle/secman-snapshot/internal/api/middleware"
)

// handleLastRefreshed handles GET /api/v1/snapshot/last-refreshed.
//
// Reports when the snapshot was last rebuilt. Before the first completed
// refresh there is no timestamp; the response then carries never=true,
// which is a normal state and not an error.
func (s *Server) handleLastRefreshed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	refreshedAt, err := s.snapshots.LastRefreshed(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to query last refreshed timestamp",
			"correlation_id", correlationID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to query last refreshed timestamp"))

		return
	}

	response := LastRefreshedResponse{
		Never:       refreshedAt == nil,
		RefreshedAt: refreshedAt,
	}

	data, err := json.Marshal(response)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to marshal last refreshed response",
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
