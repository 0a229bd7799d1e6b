// cifixd orchestrator server — provides the HTTP API, manages queue workers,
// and drives CI-failure repair runs.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/anchapin/cifixd/pkg/api"
	"github.com/anchapin/cifixd/pkg/cleanup"
	"github.com/anchapin/cifixd/pkg/config"
	"github.com/anchapin/cifixd/pkg/database"
	"github.com/anchapin/cifixd/pkg/queue"
	"github.com/anchapin/cifixd/pkg/reliability"
	"github.com/anchapin/cifixd/pkg/store"
	"github.com/anchapin/cifixd/pkg/version"
)

// maintenanceInterval is how often retention pruning and the adaptive
// threshold review run.
const maintenanceInterval = time.Hour

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	podID := resolvePodID()

	slog.Info("Starting cifixd",
		"version", version.Full(),
		"http_port", httpPort,
		"pod_id", podID,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize database (runs embedded migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	st := store.New(dbClient.DB())

	// 3. One-time startup orphan recovery: runs this pod left working before
	// a crash go back to pending.
	if requeued, err := st.RequeueStartupOrphans(ctx, podID); err != nil {
		slog.Error("Failed to requeue startup orphans", "error", err)
		// Non-fatal — the periodic orphan scan will catch them
	} else if requeued > 0 {
		slog.Info("Requeued startup orphans", "count", requeued, "pod_id", podID)
	}

	// 4. Reliability services: shared threshold state, metrics, telemetry
	telemetry := reliability.NewTelemetry(st, slog.Default())
	metrics := reliability.NewMetrics(st)
	thresholds := reliability.NewAdaptiveThresholdService(cfg.Thresholds, metrics, slog.Default())

	// 5. Background maintenance: event retention and threshold review
	maintenance := cleanup.NewService(
		cfg.Defaults.EventTTLOrDefault(),
		maintenanceInterval,
		telemetry,
		thresholds,
		slog.Default())
	maintenance.Start(ctx)
	defer maintenance.Stop()

	// 6. Start worker pool (before HTTP server)
	executor := queue.NewExecutor(cfg, st, thresholds, slog.Default())
	workerPool := queue.NewWorkerPool(podID, st, cfg.Queue, executor)
	if err := workerPool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 7. Create HTTP server
	apiServer := api.NewServer(api.Deps{
		Store:      st,
		DB:         dbClient.DB(),
		Pool:       workerPool,
		Metrics:    metrics,
		Thresholds: thresholds,
		QueueCfg:   cfg.Queue,
		Defaults:   cfg.Defaults,
		Logger:     slog.Default(),
	})
	httpServer := &http.Server{
		Addr:              ":" + httpPort,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 8. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("cifixd started successfully",
		"pod_id", podID,
		"workers", cfg.Queue.WorkerCount)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: wait for active runs within the budget
	workerShutdownCtx, workerCancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer workerCancel()

	done := make(chan struct{})
	go func() {
		workerPool.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-workerShutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded — incomplete runs will be orphan-recovered")
	}
	executor.Close()

	// Stop HTTP server with its own timeout budget
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
