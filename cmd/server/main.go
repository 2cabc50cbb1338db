// Package main is the entrypoint for the magickapi HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/magickapi/internal/api"
	"github.com/kiranshivaraju/magickapi/internal/api/handler"
	mw "github.com/kiranshivaraju/magickapi/internal/api/middleware"
	"github.com/kiranshivaraju/magickapi/internal/auth"
	"github.com/kiranshivaraju/magickapi/internal/bootstrap"
	"github.com/kiranshivaraju/magickapi/internal/cache"
	"github.com/kiranshivaraju/magickapi/internal/config"
	"github.com/kiranshivaraju/magickapi/internal/imaging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load .env and config, fail fast on invalid config
	if err := loadDotEnv(".env"); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.Level,
	}))
	slog.SetDefault(logger)
	slog.Info("config loaded", "env", cfg.Server.Env, "keystore", cfg.KeyStore.Backend)
	if cfg.Auth.Disabled {
		slog.Warn("API key authentication is DISABLED; do not run this in production")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Build the application
	router, cleanup, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// 3. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Magick.Timeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// newApp wires the key store, optional Redis rate limiter, ImageMagick
// runner and router. cleanup releases every opened resource.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (http.Handler, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	backend, err := bootstrap.OpenKeyStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open key store: %w", err)
	}
	closers = append(closers, backend.Close)

	authenticator := auth.New(backend.Keys, auth.WithLogger(logger))

	health := handler.HealthDeps{AuthEnabled: cfg.Auth.Required && !cfg.Auth.Disabled}
	if backend.Database != nil {
		health.Database = backend.Database
	}

	var rateLimit *mw.RateLimit
	if cfg.RateLimitEnabled() {
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("create redis cache: %w", err)
		}
		closers = append(closers, func() { redisCache.Close() })

		if err := redisCache.Ping(ctx); err != nil {
			slog.Warn("redis unreachable, rate limiting fails open until it recovers", "error", err)
		} else {
			slog.Info("redis connected")
		}
		rateLimit = mw.NewRateLimit(redisCache, cfg.RateLimit.Requests, cfg.RateLimit.Window)
		health.Cache = redisCache
	}

	magick := imaging.NewMagick(cfg.Magick.Commands, cfg.Magick.Timeout, logger)
	if _, err := magick.Detect(ctx); err != nil {
		slog.Warn("imagemagick not found; processing requests will fail", "candidates", cfg.Magick.Commands)
	}
	health.Magick = magick

	var signature *mw.Signature
	if cfg.Signature.Secret != "" {
		signature = mw.NewSignature(cfg.Signature.Secret, cfg.Signature.Tolerance, cfg.Signature.Required)
	}

	router := api.NewRouter(api.Dependencies{
		Auth:              mw.NewAuth(authenticator, cfg.Auth.Disabled),
		RateLimit:         rateLimit,
		Signature:         signature,
		HealthRequiresKey: cfg.Auth.Required,
		CORSOrigins:       cfg.Server.CORSOrigins,
		MaxUploadBytes:    cfg.Server.MaxUploadBytes,
		LogRequests:       cfg.Log.LogRequests,

		HealthHandler:         handler.NewHealthHandler(health),
		ProcessHandler:        handler.NewProcessHandler(magick, cfg.Log.LogRequests),
		WebhookProcessHandler: handler.NewWebhookProcessHandler(magick, cfg.Log.LogRequests),
		CreateKeyHandler:      handler.NewCreateKeyHandler(backend.Keys),
		ListKeysHandler:       handler.NewListKeysHandler(backend.Keys),
		GetKeyHandler:         handler.NewGetKeyHandler(backend.Keys),
		RenameKeyHandler:      handler.NewRenameKeyHandler(backend.Keys),
		RevokeKeyHandler:      handler.NewRevokeKeyHandler(backend.Keys),
	})

	return router, cleanup, nil
}

// loadDotEnv applies path to the environment if it exists. Variables already
// set win over the file.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
