// Package main is the entry point for the compliance core server binary.
// It dispatches three subcommands — serve, migrate, and version — via a simple
// switch on os.Args so the binary's full CLI surface is readable in one place
// without requiring a cobra dependency. The serve command runs auto-migration on
// startup so freshly deployed containers never need a separate migration step.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/compliance-core/compliance-core/internal/api"
	"github.com/compliance-core/compliance-core/internal/audit"
	auditpg "github.com/compliance-core/compliance-core/internal/audit/postgres"
	"github.com/compliance-core/compliance-core/internal/config"
	"github.com/compliance-core/compliance-core/internal/db"
	"github.com/compliance-core/compliance-core/internal/logging"
	"github.com/compliance-core/compliance-core/internal/phi"
	"github.com/compliance-core/compliance-core/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	// Parse command from args
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Execute command
	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "version":
		fmt.Printf("Compliance Core v%s\n", api.Version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

func serve(cfg *config.Config) error {
	// Initialise the slog fallback channel as early as possible so internal
	// diagnostics use the configured format (json / text) and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	// Set Gin mode
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// The operational log stream: PHI-filtered records, buffered so request
	// handling never blocks on a slow writer.
	filter := phi.Default()
	sink := logging.NewBufferedSink(logging.NewWriterSink(os.Stdout), cfg.Logging.BufferSize)
	defer func() {
		if err := sink.Close(); err != nil {
			slog.Error("log sink close failed", "error", err)
		}
	}()
	logger := logging.New("server", sink, filter)

	// Select the audit store.
	var (
		store audit.Store
		ping  func() error
	)
	switch cfg.Audit.Store {
	case "postgres":
		database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()
		slog.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)

		// Begin exporting DB pool statistics to Prometheus.
		telemetry.StartDBStatsCollector(database.DB)

		// Run migrations automatically on startup
		if err := db.RunMigrations(database.DB, "up"); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		version, dirty, err := db.GetMigrationVersion(database.DB)
		if err != nil {
			slog.Warn("failed to get migration version", "error", err)
		} else {
			slog.Info("database schema ready", "version", version, "dirty", dirty)
		}

		store = auditpg.NewStore(database)
		ping = database.Ping
	default:
		store = audit.NewMemoryStore()
	}

	// Optional external shipping of committed entries.
	shippers, err := audit.NewMultiShipper(cfg.Audit.Shippers)
	if err != nil {
		return fmt.Errorf("failed to configure audit shippers: %w", err)
	}
	defer func() {
		if err := shippers.Close(); err != nil {
			slog.Error("audit shipper close failed", "error", err)
		}
	}()

	trail := audit.NewTrail(store, filter,
		audit.WithLogger(logger),
		audit.WithShipper(shippers),
	)

	// Start Prometheus metrics endpoint on a dedicated port so it is not
	// reachable through the public API ingress path.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	// Create router
	router := api.NewRouter(api.Deps{
		Config: cfg,
		Trail:  trail,
		Logger: logger,
		Ping:   ping,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		slog.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"audit_store", cfg.Audit.Store,
			"shippers", len(cfg.Audit.Shippers),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	// Graceful shutdown with timeout. The deferred sink and shipper Close
	// calls flush buffered records after in-flight requests drain.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

func runMigrations(cfg *config.Config, direction string) error {
	// Connect to database
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	log.Printf("Running migrations: %s", direction)

	// Run migrations
	if err := db.RunMigrations(database.DB, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	// Get current version
	version, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	log.Printf("Migration completed successfully. Current version: %d (dirty: %v)", version, dirty)
	return nil
}
