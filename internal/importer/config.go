// Package importer consumes import-completion events and triggers snapshot
// refreshes for them.
//
// The vulnerability scanners feed their results into the source tables through
// a separate import pipeline. When an import finishes, the pipeline publishes
// a completion event to Kafka; this package consumes those events and asks the
// refresh engine for a scheduled-import refresh so the snapshot catches up
// with the new findings.
package importer

import (
	"errors"

	"github.com/schmalle/secman-snapshot/internal/config"
)

// Defaults for the Kafka consumer.
const (
	DefaultTopic   = "secman.imports.completed"
	DefaultGroupID = "secman-snapshot"

	defaultMinBytes = 1       // respond as soon as a single event is available
	defaultMaxBytes = 1 << 20 // 1 MB
)

var (
	// ErrNoTopic indicates brokers are configured without a topic.
	ErrNoTopic = errors.New("kafka topic cannot be empty")

	// ErrNoGroupID indicates brokers are configured without a consumer group.
	ErrNoGroupID = errors.New("kafka group id cannot be empty")
)

// Config holds Kafka consumer configuration.
// Pure configuration only - no runtime dependencies.
type Config struct {
	// Brokers lists the Kafka bootstrap brokers. An empty list disables the
	// importer entirely; deployments without an import pipeline run fine on
	// manual and config-change triggers alone.
	Brokers []string

	// Topic is the import-completion topic to consume.
	Topic string

	// GroupID is the consumer group id. All replicas of the service share one
	// group so each completion event triggers at most one refresh attempt.
	GroupID string
}

// LoadConfig loads Kafka consumer configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		Brokers: config.ParseCommaSeparatedList(config.GetEnvStr("SNAPSHOT_KAFKA_BROKERS", "")),
		Topic:   config.GetEnvStr("SNAPSHOT_KAFKA_TOPIC", DefaultTopic),
		GroupID: config.GetEnvStr("SNAPSHOT_KAFKA_GROUP", DefaultGroupID),
	}
}

// Enabled reports whether the importer should run at all.
func (c *Config) Enabled() bool {
	return len(c.Brokers) > 0
}

// Validate validates the consumer configuration. Only meaningful when the
// importer is enabled.
func (c *Config) Validate() error {
	if !c.Enabled() {
		return nil
	}

	if c.Topic == "" {
		return ErrNoTopic
	}

	if c.GroupID == "" {
		return ErrNoGroupID
	}

	return nil
}
