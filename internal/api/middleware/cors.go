// Package middleware provides HTTP middleware components for the snapshot API.
package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
)

// CORSConfig supplies cross-origin settings. The concrete type lives in the
// api package next to the rest of the server configuration.
type CORSConfig interface {
	GetAllowedOrigins() []string
	GetAllowedMethods() []string
	GetAllowedHeaders() []string
	GetMaxAge() int
}

// CORS creates a middleware that answers preflight requests and attaches
// cross-origin headers. Header values are computed once at construction; only
// the origin check depends on the request.
func CORS(config CORSConfig) func(http.Handler) http.Handler {
	origins := config.GetAllowedOrigins()
	wildcard := len(origins) == 1 && origins[0] == "*"
	methods := strings.Join(config.GetAllowedMethods(), ", ")
	headers := strings.Join(config.GetAllowedHeaders(), ", ")
	maxAge := strconv.Itoa(config.GetMaxAge())

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			responseHeader := w.Header()

			switch {
			case wildcard:
				responseHeader.Set("Access-Control-Allow-Origin", "*")
			case slices.Contains(origins, r.Header.Get("Origin")):
				responseHeader.Set("Access-Control-Allow-Origin", r.Header.Get("Origin"))
			}

			if methods != "" {
				responseHeader.Set("Access-Control-Allow-Methods", methods)
			}

			if headers != "" {
				responseHeader.Set("Access-Control-Allow-Headers", headers)
			}

			if config.GetMaxAge() > 0 {
				responseHeader.Set("Access-Control-Max-Age", maxAge)
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
