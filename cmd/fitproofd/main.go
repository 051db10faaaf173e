// Package main implements the entry point for the fitproof service.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/aggregator"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/auth"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/config"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/event"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/googlefit"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/proof"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/publish"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/server"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/service"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/streak"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/telemetry"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// main is the entry point for the fitproof service.
// It initializes all components, starts the HTTP server, and handles graceful shutdown.
func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	if _, err := telemetry.InitTracer(telemetry.ServiceName, telemetry.WithVersion(version)); err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	if err := run(cfg, logger); err != nil {
		logger.Error("fitproofd stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited")
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx := context.Background()
	m := metrics.NewMetrics()

	// Initialize the proof archive (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		pg, err := storage.NewPostgres(ctx, cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("initialize postgres storage: %w", err)
		}
		store = pg
	} else {
		logger.Warn("FITPROOF_DB_DSN not set, proofs are archived in memory only")
		store = storage.NewMemory()
	}
	defer store.Close()

	// Initialize event publisher (NATS JetStream, Kafka, both, or no-op)
	events := event.New(event.Options{
		NATSURL:      cfg.NATSURL,
		KafkaBrokers: cfg.KafkaBrokers,
		Logger:       logger,
		Metrics:      m,
	})
	defer events.Close()

	fit := googlefit.New(cfg.GoogleFitURL, googlefit.WithTimeout(cfg.FetchTimeout), googlefit.WithLogger(logger))
	agg := aggregator.New(fit,
		aggregator.WithPermissionChecker(fit),
		aggregator.WithLogger(logger),
		aggregator.WithMetrics(m),
	)

	validator, err := schema.NewValidator()
	if err != nil {
		return fmt.Errorf("initialize schema validator: %w", err)
	}

	gist := publish.NewGist(cfg.GitHubAPIURL, cfg.GitHubToken,
		publish.WithGistLogger(logger),
		publish.WithGistMetrics(m),
	)
	if !gist.Configured() {
		logger.Warn("FITPROOF_GITHUB_TOKEN not set, verified proofs will not be published")
	}

	var muxOpts []server.Option
	deps := service.Deps{
		Aggregator: agg,
		Streak:     &streak.Engine{Threshold: cfg.StreakThreshold, Convention: cfg.StreakConvention},
		Builder:    proof.NewBuilder(proof.WithMetrics(m)),
		Validator:  validator,
		Publisher:  gist,
		Store:      store,
		Events:     events,
		Metrics:    m,
		Logger:     logger,
		Location:   cfg.Location,
	}
	if cfg.MirrorEnabled() {
		mirror, err := publish.NewS3Mirror(ctx, cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			return fmt.Errorf("initialize S3 mirror: %w", err)
		}
		deps.Mirror = mirror.WithMetrics(m)
		muxOpts = append(muxOpts, server.WithReadinessCheck(mirror.Ping))
	}

	svc, err := service.New(deps)
	if err != nil {
		return err
	}

	verifier := auth.NewVerifier(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer, Audience: cfg.JWTAudience})
	muxOpts = append(muxOpts, server.WithLogger(logger))
	mux := server.NewMux(svc, verifier, muxOpts...)

	// Sync and verify wait on provider and GitHub round trips.
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.FetchTimeout + 30*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed to start: %w", err)
	case <-quit:
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}
