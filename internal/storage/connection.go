package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // registers the postgres driver
)

// healthCheckTimeout bounds the readiness ping so a wedged database cannot
// hang the health endpoint.
const healthCheckTimeout = 5 * time.Second

// Connection wraps a pooled *sql.DB configured for the snapshot service.
// All stores share one Connection; the pool settings come from Config.
type Connection struct {
	*sql.DB
}

// NewConnection opens a PostgreSQL connection pool from the given config.
// The connection is lazy; call HealthCheck to verify the database is reachable.
func NewConnection(cfg *Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage config: %w", err)
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return &Connection{DB: db}, nil
}

// HealthCheck verifies database connectivity with a bounded ping.
func (c *Connection) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := c.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}
