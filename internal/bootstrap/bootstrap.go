// Package bootstrap opens the configured key store backend for the server
// and the CLI.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/magickapi/internal/config"
	"github.com/kiranshivaraju/magickapi/internal/keystore"
	"github.com/kiranshivaraju/magickapi/internal/store"
)

// Backend is an opened key store together with the resources behind it.
type Backend struct {
	Keys *keystore.Store
	// Database is set only for the postgres backend.
	Database store.Store

	pool *pgxpool.Pool
}

// Close releases the database pool, if any.
func (b *Backend) Close() {
	if b.pool != nil {
		b.pool.Close()
	}
}

// OpenKeyStore builds the persister named by cfg.KeyStore.Backend and loads
// the key store from it. Postgres schemas are migrated first.
func OpenKeyStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []keystore.Option{
		keystore.WithHasher(keystore.NewHasher(cfg.KeyStore.HashIterations)),
		keystore.WithLogger(logger),
	}

	switch cfg.KeyStore.Backend {
	case config.BackendFile:
		fp := keystore.NewFilePersister(cfg.KeyStore.File)
		ks, err := keystore.Open(ctx, fp, opts...)
		if err != nil {
			return nil, fmt.Errorf("open key file %s: %w", fp.Path(), err)
		}
		logger.Info("key store loaded", "backend", config.BackendFile, "path", fp.Path(), "keys", ks.Len())
		return &Backend{Keys: ks}, nil

	case config.BackendPostgres:
		pool, err := store.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := store.RunMigrations(cfg.Database.URL); err != nil {
			pool.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}

		pg := store.NewPostgresStore(pool)
		ks, err := keystore.Open(ctx, pg, opts...)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("load keys from database: %w", err)
		}
		logger.Info("key store loaded", "backend", config.BackendPostgres, "keys", ks.Len())
		return &Backend{Keys: ks, Database: pg, pool: pool}, nil

	default:
		return nil, fmt.Errorf("unknown key store backend %q", cfg.KeyStore.Backend)
	}
}
