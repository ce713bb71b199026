// Package middleware provides HTTP middleware components for the snapshot API.
package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// panicProblem is the RFC 7807 body written for recovered panics. Defined
// locally so the middleware package does not depend on the api package.
type panicProblem struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail"`
	Instance      string `json:"instance"`
	CorrelationID string `json:"correlationId"`
}

// Recovery creates a middleware that turns handler panics into 500 responses
// instead of tearing down the connection.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				cause := recover()
				if cause == nil {
					return
				}

				correlationID := GetCorrelationID(r.Context())

				logger.Error("HTTP request panic recovered",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("correlation_id", correlationID),
					slog.Any("panic", cause),
					slog.String("stack_trace", string(debug.Stack())),
				)

				writePanicResponse(w, r, logger, correlationID)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func writePanicResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, correlationID string) {
	problem := panicProblem{
		Type:          fmt.Sprintf("https://secman.io/problems/%d", http.StatusInternalServerError),
		Title:         "Internal Server Error",
		Status:        http.StatusInternalServerError,
		Detail:        "An unexpected error occurred while processing the request",
		Instance:      r.URL.Path,
		CorrelationID: correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusInternalServerError)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("Failed to encode panic response",
			slog.Any("error", err),
			slog.String("correlation_id", correlationID),
		)
	}
}
