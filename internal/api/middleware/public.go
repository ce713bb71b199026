// Package middleware provides HTTP middleware components for the snapshot API.
package middleware

// publicEndpoints defines endpoints that bypass authentication.
//
// Registration happens during route setup, before the server accepts
// traffic, so the map needs no locking.
var publicEndpoints = map[string]bool{} //nolint: gochecknoglobals

// RegisterPublicEndpoint registers an endpoint that bypasses authentication.
//
// Only health and probe endpoints belong here; never register business
// endpoints as public.
//
// Example:
//
//	middleware.RegisterPublicEndpoint("/ping")
//	middleware.RegisterPublicEndpoint("/health")
func RegisterPublicEndpoint(endpoint string) {
	publicEndpoints[endpoint] = true
}
