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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxecho/voxecho/internal/api"
	"github.com/voxecho/voxecho/internal/config"
	"github.com/voxecho/voxecho/internal/database"
	"github.com/voxecho/voxecho/internal/ivr"
	"github.com/voxecho/voxecho/internal/media"
	"github.com/voxecho/voxecho/internal/metrics"
	"github.com/voxecho/voxecho/internal/prompts"
	sipserver "github.com/voxecho/voxecho/internal/sip"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting voxecho",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"rtp_ports", fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax),
		"data_dir", cfg.DataDir,
	)

	// Ship the system prompts to the data directory; operators may
	// replace individual files there with their own recordings.
	if err := prompts.ExtractToDataDir(cfg.DataDir); err != nil {
		slog.Error("failed to extract system prompts", "error", err)
		os.Exit(1)
	}

	sounds := ivr.NewCatalog(prompts.SystemDir(cfg.DataDir))
	if err := validatePrompts(sounds); err != nil {
		slog.Error("prompt validation failed", "error", err)
		os.Exit(1)
	}

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	cdrs := database.NewCDRRepository(db)

	registry := ivr.NewCallRegistry(logger)

	endpoints, err := media.NewEndpointManager(cfg.RTPPortMin, cfg.RTPPortMax, logger)
	if err != nil {
		slog.Error("failed to create media endpoint manager", "error", err)
		os.Exit(1)
	}
	defer endpoints.Close()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	sipSrv, err := sipserver.NewServer(cfg, endpoints, sounds, registry, cdrs)
	if err != nil {
		slog.Error("failed to create sip server", "error", err)
		os.Exit(1)
	}
	if err := sipSrv.Start(appCtx); err != nil {
		slog.Error("failed to start sip server", "error", err)
		os.Exit(1)
	}

	// Prometheus collector scraping live state and CDR aggregates.
	promReg := prometheus.NewRegistry()
	collector := metrics.NewCollector(
		registry,
		endpoints,
		&callStatsAdapter{cdrs: cdrs},
		time.Now(),
	)
	promReg.MustRegister(collector)
	metricsHandler := promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})

	handler := api.NewServer(registry, endpoints, cdrs, metricsHandler, logger)
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down servers")
	sipSrv.Stop()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("voxecho stopped")
}

// validatePrompts verifies every catalog prompt exists on disk and is a
// playable G.711 WAV before any call can reach it.
func validatePrompts(sounds *ivr.Catalog) error {
	for _, s := range sounds.All() {
		_, duration, err := media.ValidateWAVFile(s.Path)
		if err != nil {
			return fmt.Errorf("prompt %s: %w", s.Name, err)
		}
		slog.Debug("prompt validated",
			"name", s.Name,
			"duration_ms", duration.Milliseconds(),
		)
	}
	return nil
}

// callStatsAdapter bridges the CDR repository to the metrics
// collector's provider interface.
type callStatsAdapter struct {
	cdrs database.CDRRepository
}

func (a *callStatsAdapter) CallStats(ctx context.Context) (*metrics.CallStats, error) {
	stats, err := a.cdrs.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &metrics.CallStats{
		TotalCalls:     stats.TotalCalls,
		ByDisposition:  stats.ByDisposition,
		DigitsPlayed:   stats.DigitsPlayed,
		PlaybackRounds: stats.PlaybackRounds,
	}, nil
}
