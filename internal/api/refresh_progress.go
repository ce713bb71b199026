package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/schmalle/secman-snapshot/internal/api/middleware"
)

// handleRefreshProgress handles GET /api/v1/refresh/progress.
//
// Streams refresh progress as Server-Sent Events. The first event always
// describes the current state (the running job, or idle when none), so a
// client that connects mid-run or between runs still gets an immediate
// answer. The stream ends after a terminal event or when the client
// disconnects.
func (s *Server) handleRefreshProgress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorResponse(w, r, s.logger, InternalServerError("Streaming unsupported"))

		return
	}

	events, cancel, err := s.refresher.Subscribe(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to subscribe to progress events",
			"correlation_id", correlationID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to subscribe to progress events"))

		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-events:
			if !open {
				return
			}

			data, err := json.Marshal(mapEventToResponse(event))
			if err != nil {
				s.logger.ErrorContext(ctx, "Failed to marshal progress event",
					"correlation_id", correlationID,
					"error", err.Error(),
				)

				continue
			}

			if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data); err != nil {
				// Client went away mid-write.
				return
			}

			flusher.Flush()

			if event.IsTerminal() {
				return
			}
		}
	}
}
