package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ppiankov/configwatch/internal/engine"
	"github.com/ppiankov/configwatch/internal/metrics"
	"github.com/ppiankov/configwatch/internal/notify"
	"github.com/ppiankov/configwatch/internal/web"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 60 * time.Second
	idleTimeout       = 120 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the evaluation service with HTTP API and /metrics",
	Long: `Start configwatch as a long-running service.

Change notifications are posted to the events endpoint, evaluated against the
policy rules and stored as findings.

Endpoints:
  /healthz                          Liveness probe (503 if the store is unreachable)
  /metrics                          Prometheus scrape endpoint
  POST /api/v1/events               Evaluate a notification payload
  GET  /api/v1/findings             List findings (status, severity, resource_type, resource_id)
  GET  /api/v1/findings/{id}        One finding
  PUT  /api/v1/findings/{id}/status Operator status override
  GET  /api/v1/findings/{id}/links  Correlation links
  GET  /api/v1/impact?resource=     Blast radius of a resource
  GET  /api/v1/stats                Finding counts
  GET  /api/v1/rule-errors          Recent rule faults`,
	Example: `  # Run with default config
  configwatch serve

  # Run with custom config file
  configwatch serve --config /etc/configwatch/config.yaml

  # Override listen address and database
  configwatch serve --listen :9090 --db /var/lib/configwatch/findings.db

  # Run with JSON logging for log aggregation
  configwatch serve --log-format json --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("config", defaultConfigPath, "Path to config file")
	serveCmd.Flags().String("listen", "", "Listen address (overrides config)")
	serveCmd.Flags().String("db", "", "Path to SQLite finding database (overrides config)")
	serveCmd.Flags().Duration("refresh-every", 30*time.Second, "Interval for refreshing finding gauges from the store")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if listenFlag, _ := cmd.Flags().GetString("listen"); listenFlag != "" { //nolint:errcheck // flag registered above
		cfg.ListenAddr = listenFlag
	}
	refreshEvery, err := cmd.Flags().GetDuration("refresh-every")
	if err != nil {
		return err
	}
	if refreshEvery <= 0 {
		return fmt.Errorf("--refresh-every must be positive, got %s", refreshEvery)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	observers := []engine.Observer{collector}
	if notifier := notify.New(cfg.Notifications); notifier != nil {
		observers = append(observers, notifier)
		slog.Info("notifications enabled", "webhooks", len(cfg.Notifications.Webhooks))
	}

	rt, err := newRuntime(ctx, cmd, cfg, databasePath(cmd, cfg), observers...)
	if err != nil {
		return err
	}
	defer rt.Close()

	handler := web.NewRouter(web.Options{
		Evaluator:   rt.orch,
		Findings:    rt.store,
		Metrics:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		MetricsPath: cfg.MetricsPath,
		Workers:     cfg.Workers,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	refresh := func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("metrics refresh panic recovered", "panic", r)
			}
		}()
		if err := collector.Refresh(ctx, rt.store); err != nil {
			slog.Warn("refreshing finding metrics", "err", err)
		}
	}
	refresh()

	go func() {
		ticker := time.NewTicker(refreshEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refresh()
			}
		}
	}()

	srvErr := make(chan error, 1)
	go func() {
		slog.Info("configwatch serve listening", "version", version, "addr", cfg.ListenAddr,
			"lookupMode", cfg.LinkedLookupMode, "workers", cfg.Workers)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		return err
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("shutdown complete")
	return nil
}
