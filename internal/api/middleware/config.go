// Package middleware provides HTTP middleware components for the snapshot API.
package middleware

import (
	"time"

	"github.com/schmalle/secman-snapshot/internal/config"
)

// Config holds rate limiter configuration.
//
// Rate limits specify requests per second (RPS) for three tiers:
//   - Global: Applied to all requests
//   - Per-client: Applied to authenticated requests
//   - Unauthenticated: Applied to requests without an API key
//
// Burst capacity allows temporary bursts above sustained rate.
// If burst fields are 0, they are computed automatically as 2 × rate.
type Config struct {
	// Rate limits (requests per second)
	GlobalRPS int // Default: 100
	ClientRPS int // Default: 50
	UnAuthRPS int // Default: 10

	// Optional burst capacity overrides (0 = computed as 2 × rate)
	GlobalBurst int
	ClientBurst int
	UnAuthBurst int

	// Memory cleanup configuration
	CleanupInterval time.Duration // Default: 5 minutes
	IdleTimeout     time.Duration // Default: 1 hour
	MaxClients      int           // Default: 100
}

// LoadConfig loads middleware config from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS: config.GetEnvInt("SNAPSHOT_GLOBAL_RPS", defaultGlobalRPS),
		ClientRPS: config.GetEnvInt("SNAPSHOT_CLIENT_RPS", defaultClientRPS),
		UnAuthRPS: config.GetEnvInt("SNAPSHOT_UNAUTH_RPS", defaultUnAuthRPS),

		// Burst overrides (0 = auto-compute)
		GlobalBurst: config.GetEnvInt("SNAPSHOT_GLOBAL_BURST", 0),
		ClientBurst: config.GetEnvInt("SNAPSHOT_CLIENT_BURST", 0),
		UnAuthBurst: config.GetEnvInt("SNAPSHOT_UNAUTH_BURST", 0),

		CleanupInterval: config.GetEnvDuration(
			"SNAPSHOT_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout: config.GetEnvDuration("SNAPSHOT_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxClients:  config.GetEnvInt("SNAPSHOT_RATE_LIMIT_MAX_CLIENTS", maxClients),
	}
}
