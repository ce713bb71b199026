// Package criteria loads the refresh criteria file and watches it for changes.
//
// Operators tune what counts as "overdue" through a small YAML file instead of
// environment variables, so the thresholds can change without restarting the
// service: the provider re-reads the file before every refresh run, and the
// watcher triggers a config-change refresh when the file is edited.
package criteria

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/schmalle/secman-snapshot/internal/config"
	"github.com/schmalle/secman-snapshot/internal/refresh"
)

// Config holds refresh criteria loaded from .secman-snapshot.yaml.
type Config struct {
	// StaleAfterDays is the age in days at which an open finding counts as
	// overdue. Zero or negative falls back to the built-in default.
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	StaleAfterDays int `yaml:"stale_after_days"`

	// BatchSize is how many candidate assets are read per source batch.
	// Zero or negative falls back to the built-in default.
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	BatchSize int `yaml:"batch_size"`
}

// DefaultConfigPath is the default location for the criteria file.
// Uses hidden file format following common tool conventions (.eslintrc, .prettierrc, etc.).
const DefaultConfigPath = ".secman-snapshot.yaml"

// ConfigPathEnvVar is the environment variable name for a custom criteria file path.
const ConfigPathEnvVar = "SNAPSHOT_CRITERIA_PATH"

const hoursPerDay = 24

// LoadConfig loads refresh criteria from a YAML file at the given path.
//
// Behavior:
//   - Returns empty config (not error) if the file doesn't exist - the file is optional
//   - Returns empty config + logs warning if the YAML is invalid (graceful degradation)
//   - Returns populated config on success
//
// This graceful degradation ensures the service can start without a criteria
// file; the built-in defaults apply whenever a field is absent.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Missing file is OK - defaults apply
			slog.Debug("Criteria file not found, using built-in defaults",
				slog.String("path", path))

			return cfg, nil
		}

		// Other read errors (permissions, etc.) - log warning and continue
		slog.Warn("Failed to read criteria file, using built-in defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	// Empty file is valid - defaults apply
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		// Invalid YAML - log warning and continue with defaults
		slog.Warn("Failed to parse criteria file, using built-in defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &Config{}, nil
	}

	return cfg, nil
}

// LoadConfigFromEnv loads criteria from the path in SNAPSHOT_CRITERIA_PATH.
// Falls back to ".secman-snapshot.yaml" in the current directory if not set.
func LoadConfigFromEnv() (*Config, error) {
	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)

	return LoadConfig(path)
}

// ToCriteria converts the config to refresh criteria, substituting the
// built-in defaults for absent or out-of-range fields.
func (c *Config) ToCriteria() refresh.Criteria {
	crit := refresh.DefaultCriteria()

	if c == nil {
		return crit
	}

	if c.StaleAfterDays > 0 {
		crit.StaleAfter = time.Duration(c.StaleAfterDays) * hoursPerDay * time.Hour
	}

	if c.BatchSize > 0 {
		crit.BatchSize = c.BatchSize
	}

	return crit
}

// Provider returns a refresh criteria provider that re-reads the file at path
// on every call. The orchestrator consults the provider once per run, so an
// edited file takes effect on the next refresh without a restart.
func Provider(path string) refresh.CriteriaProvider {
	return func() refresh.Criteria {
		cfg, _ := LoadConfig(path) // LoadConfig degrades gracefully, never errors

		return cfg.ToCriteria()
	}
}
