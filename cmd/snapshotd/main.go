// Package main provides the secman snapshot service.
//
// The service maintains a materialized "assets with overdue findings" snapshot
// over the vulnerability source tables. It exposes the snapshot through a
// paginated query API, refreshes it on demand or when an import completes,
// and streams refresh progress to connected clients.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/schmalle/secman-snapshot/internal/api"
	"github.com/schmalle/secman-snapshot/internal/api/middleware"
	"github.com/schmalle/secman-snapshot/internal/config"
	"github.com/schmalle/secman-snapshot/internal/criteria"
	"github.com/schmalle/secman-snapshot/internal/importer"
	"github.com/schmalle/secman-snapshot/internal/refresh"
	"github.com/schmalle/secman-snapshot/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "snapshotd"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting snapshot service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	// Load rate limiter configuration
	middlewareConfig := middleware.LoadConfig()

	// Create rate limiter instance (graceful shutdown handled by server.shutdown())
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("global_burst", middlewareConfig.GlobalBurst),
		slog.Int("client_rps", middlewareConfig.ClientRPS),
		slog.Int("client_burst", middlewareConfig.ClientBurst),
		slog.Int("unauth_rps", middlewareConfig.UnAuthRPS),
		slog.Int("unauth_burst", middlewareConfig.UnAuthBurst),
	)

	// Load storage configuration
	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	logger.Info("Storage connection established",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
		slog.Duration("database_conn_max_lifetime", storageConfig.ConnMaxLifetime),
		slog.Duration("database_conn_max_idle_time", storageConfig.ConnMaxIdleTime),
	)

	var keyStore storage.KeyStore

	authEnabled := config.GetEnvBool("SNAPSHOT_AUTH_ENABLED", false)
	if authEnabled {
		keyStore = storage.NewPersistentKeyStore(dbConn, logger)

		logger.Info("API key authentication enabled")
	} else {
		logger.Warn("API key authentication disabled",
			slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
			slog.String("note", "Set SNAPSHOT_AUTH_ENABLED=true to enable API key authentication"),
		)
	}

	// Refresh engine: ledger for admission and history, source reader for the
	// batch loop, snapshot store for the atomic swap, bus for progress fan-out.
	ledger := storage.NewRefreshLedger(dbConn, logger)
	sourceStore := storage.NewSourceStore(dbConn, logger)
	snapshotStore := storage.NewSnapshotStore(dbConn, logger)
	bus := refresh.NewProgressBus(logger)

	criteriaPath := config.GetEnvStr(criteria.ConfigPathEnvVar, criteria.DefaultConfigPath)

	orchestrator := refresh.NewOrchestrator(
		ledger,
		sourceStore,
		snapshotStore,
		bus,
		criteria.Provider(criteriaPath),
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Watchdog reconciles RUNNING jobs orphaned by a crashed worker, releasing
	// the admission slot for the next trigger.
	watchdog := refresh.NewWatchdog(
		ledger,
		bus,
		config.GetEnvDuration("SNAPSHOT_WATCHDOG_INTERVAL", refresh.DefaultWatchdogInterval),
		config.GetEnvDuration("SNAPSHOT_STALL_THRESHOLD", refresh.DefaultStallThreshold),
		logger,
	)
	watchdog.Start(ctx)

	defer func() { _ = watchdog.Close() }()

	// Criteria watcher triggers a config-change refresh when the criteria file
	// is edited.
	watcher := criteria.NewWatcher(
		criteriaPath,
		orchestrator,
		config.GetEnvDuration("SNAPSHOT_CRITERIA_POLL_INTERVAL", criteria.DefaultPollInterval),
		logger,
	)
	watcher.Start(ctx)

	defer func() { _ = watcher.Close() }()

	// Import-completion consumer, enabled only when brokers are configured.
	importerConfig := importer.LoadConfig()
	if err := importerConfig.Validate(); err != nil {
		logger.Error("Invalid importer configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if importerConfig.Enabled() {
		consumer := importer.NewConsumer(importerConfig, orchestrator, logger)
		consumer.Start(ctx)

		defer func() { _ = consumer.Close() }()

		logger.Info("Import consumer started",
			slog.Any("brokers", importerConfig.Brokers),
			slog.String("topic", importerConfig.Topic),
			slog.String("group", importerConfig.GroupID),
		)
	} else {
		logger.Info("Import consumer disabled",
			slog.String("note", "Set SNAPSHOT_KAFKA_BROKERS to consume import-completion events"),
		)
	}

	server := api.NewServer(serverConfig, orchestrator, snapshotStore, dbConn, keyStore, rateLimiter)

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	// Let an in-flight refresh run to completion before closing the bus.
	cancel()

	_ = orchestrator.Close()
	_ = bus.Close()

	logger.Info("Snapshot service stopped")
}
