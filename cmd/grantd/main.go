package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/grantd/grantd"
	"github.com/grantd/grantd/clients"
	"github.com/grantd/grantd/instrumentation"
	"github.com/grantd/grantd/storage"
	"github.com/grantd/grantd/storage/memory"
	"github.com/grantd/grantd/storage/valkey"
	"github.com/grantd/grantd/users"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	// Ephemeral record storage
	var store storage.Store
	switch cfg.StorageMode {
	case "valkey":
		vs, err := valkey.New(valkey.Config{
			Address:   cfg.Valkey.Addr,
			Password:  cfg.Valkey.Password,
			DB:        cfg.Valkey.DB,
			KeyPrefix: cfg.Valkey.KeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to Valkey: %w", err)
		}
		defer vs.Close()
		store = vs
		logger.Info("Using Valkey storage", "addr", cfg.Valkey.Addr)
	case "memory":
		ms := memory.New()
		defer ms.Stop()
		store = ms
		logger.Warn("Using in-memory storage (single instance only, not persistent)")
	default:
		return fmt.Errorf("invalid storage mode %q", cfg.StorageMode)
	}

	// Client registry
	registry, err := clients.LoadFile(cfg.ClientsFile)
	if err != nil {
		return fmt.Errorf("failed to load client registry: %w", err)
	}

	server, err := grantd.NewServer(store, registry, users.NewMemoryStore(), &grantd.Config{
		PendingAuthTTL:  cfg.PendingAuthTTL,
		AuthCodeTTL:     cfg.AuthCodeTTL,
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
		AccessTokenKey:  []byte(cfg.AccessTokenKey),
		RefreshTokenKey: []byte(cfg.RefreshTokenKey),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer server.Stop()

	mux := grantd.NewHandler(server, logger).Routes()

	// Metrics: export through the Prometheus bridge so an existing scrape
	// infrastructure picks them up from /metrics.
	if cfg.Metrics {
		exporter, err := otelprom.New()
		if err != nil {
			return fmt.Errorf("failed to create Prometheus exporter: %w", err)
		}
		provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				logger.Error("Failed to shut down meter provider", "error", err)
			}
		}()

		inst, err := instrumentation.New(instrumentation.Config{
			ServiceName:   "grantd",
			Enabled:       true,
			MeterProvider: provider,
		})
		if err != nil {
			return fmt.Errorf("failed to create instrumentation: %w", err)
		}
		server.SetInstrumentation(inst)

		mux.Handle("GET /metrics", promhttp.Handler())
		logger.Info("Prometheus metrics enabled", "path", "/metrics")
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Authorization server starting", "port", cfg.Port, "storage", cfg.StorageMode)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
