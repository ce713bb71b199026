package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/schmalle/secman-snapshot/internal/api/middleware"
	"github.com/schmalle/secman-snapshot/internal/refresh"
)

// handleTriggerRefresh handles POST /api/v1/refresh.
//
// The body is optional; an empty body or a missing reason triggers a
// manual refresh. Accepted triggers return 202 with the admitted job ID.
// A trigger that loses the admission race to a running job returns 409
// and changes nothing.
func (s *Server) handleTriggerRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	reason, err := parseTriggerReason(r, s.config.MaxRequestSize)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	jobID, err := s.refresher.TriggerRefresh(ctx, reason)
	if err != nil {
		switch {
		case errors.Is(err, refresh.ErrRefreshAlreadyRunning):
			WriteErrorResponse(w, r, s.logger, Conflict("A refresh is already running"))
		case errors.Is(err, refresh.ErrUnknownReason):
			WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))
		default:
			s.logger.ErrorContext(ctx, "Failed to trigger refresh",
				"correlation_id", correlationID,
				"reason", reason,
				"error", err.Error(),
			)
			WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to trigger refresh"))
		}

		return
	}

	response := TriggerRefreshResponse{
		JobID:  jobID,
		Status: string(refresh.StatusRunning),
		Reason: reason,
	}

	data, err := json.Marshal(response)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to marshal trigger response",
			"correlation_id", correlationID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write(data)
}

// parseTriggerReason extracts the trigger reason from the request body.
// Missing body and missing reason both default to a manual trigger; a
// present but malformed body is a client error.
func parseTriggerReason(r *http.Request, maxSize int64) (string, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSize))
	if err != nil {
		return "", &paramError{param: "body", msg: "failed to read request body"}
	}

	if len(body) == 0 {
		return refresh.ReasonManual, nil
	}

	var request TriggerRefreshRequest
	if err := json.Unmarshal(body, &request); err != nil {
		return "", &paramError{param: "body", msg: "must be valid JSON"}
	}

	if request.Reason == "" {
		return refresh.ReasonManual, nil
	}

	return request.Reason, nil
}
