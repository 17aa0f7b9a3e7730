/*
main.go - Application entry point

PURPOSE:
  Starts the client deduplication API server. Handles configuration,
  dependency injection, the periodic scan and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, then environment)
  2. Build the zap logger
  3. Open SQLite and apply migrations
  4. Wire engines and HTTP handlers
  5. Start the scan scheduler when DEDUP_SCAN_INTERVAL is set
  6. Serve until SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -addr    Listen address, overrides DEDUP_ADDR
  -db      SQLite database path, overrides DEDUP_DB_PATH
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scan scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

SEE ALSO:
  - config: Environment keys
  - api/server.go: Router configuration
  - cmd/dedupctl: The same operations from the command line
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/casework/client-dedup/api"
	"github.com/casework/client-dedup/app"
	"github.com/casework/client-dedup/config"
	"github.com/casework/client-dedup/logging"
	"github.com/casework/client-dedup/scan"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Flags
	addr := flag.String("addr", cfg.Addr, "HTTP listen address")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()
	cfg.Addr, cfg.DBPath = *addr, *dbPath

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, "client-dedup")
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	a, err := app.New(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	handler := api.NewHandler(a.Store, log)
	handler.Uploads = a.Uploads
	handler.Merges = a.Merges
	handler.Scans = a.Scans
	handler.Enrollments = a.Enrollments
	handler.MaxUploadBytes = cfg.MaxUploadBytes
	handler.PruneThreshold = cfg.FlagThreshold

	scheduler := scan.NewScheduler(a.Scans, cfg.ScanInterval, scan.Options{AutoMerge: cfg.ScanAutoMerge}, log)
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewRouter(handler, cfg.CORSAllowedOrigins, log),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", cfg.Addr), zap.String("db", cfg.DBPath))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
