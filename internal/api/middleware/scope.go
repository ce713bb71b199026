// Package middleware provides HTTP middleware components for the snapshot API.
package middleware

import (
	"context"
	"time"

	"github.com/schmalle/secman-snapshot/internal/snapshot"
)

// callerKey is the context key for authenticated caller information.
// Using a struct type ensures type safety and prevents collisions with other context keys.
type callerKey struct{}

// Caller contains authenticated caller information enriched in the request
// context by the authentication middleware after API key validation.
type Caller struct {
	// KeyID is the API key ID used for authentication (for audit logging)
	KeyID string

	// Name is the human-readable key name for logging and display
	Name string

	// Scope restricts which snapshot rows this caller may read
	Scope snapshot.CallerScope

	// AuthTime is the timestamp when authentication occurred (for latency tracking)
	AuthTime time.Time
}

// GetCaller extracts the authenticated caller from the request context.
// Returns (caller, true) if authenticated, (empty, false) if not found.
func GetCaller(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(callerKey{}).(Caller)

	return caller, ok
}

// SetCaller adds caller information to the request context.
// Returns a new context with the caller attached.
func SetCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}
