package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgallion1/ctxgest/internal/api"
	"github.com/dgallion1/ctxgest/internal/app"
	"github.com/dgallion1/ctxgest/internal/config"
	"github.com/dgallion1/ctxgest/internal/pipeline"
	"github.com/dgallion1/ctxgest/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log := app.NewLogger(cfg.LogLevel)
	if err := cfg.ValidateServer(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, "ctxgest", cfg.OTELEnabled)
	if err != nil {
		log.Error("failed to start telemetry", "error", err)
		os.Exit(1)
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	if a.Claude == nil {
		log.Warn("ANTHROPIC_API_KEY not set, using structural extraction and disabling /api/query")
	}

	// Initialize pipeline.
	orch := pipeline.NewOrchestrator(cfg, a.PipelineDeps(), log)
	orch.Start(ctx)

	// Initialize HTTP server.
	deps := api.Deps{
		Ingestor:  orch,
		Store:     a.Store,
		Searcher:  a.Searcher,
		Retriever: a.Engine,
		Stats:     a.Stats,
		Models:    a.Models(),
	}
	if a.Answerer != nil {
		deps.Answerer = a.Answerer
	}
	srv := api.NewServer(deps, log, cfg)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")

		orch.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)

		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Warn("telemetry shutdown", "error", err)
		}
		a.Close()
	}()

	log.Info("starting ctxgest",
		"port", cfg.Port,
		"db_driver", cfg.DBDriver,
		"vector_backend", cfg.VectorBackend,
	)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}
