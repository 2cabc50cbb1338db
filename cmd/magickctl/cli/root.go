// Package cli implements the magickctl command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/magickapi/internal/bootstrap"
	"github.com/kiranshivaraju/magickapi/internal/config"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	envFile  string
	keysFile string
}

// Execute creates the root command tree and runs it.
func Execute(version string) error {
	return newRootCmd(version).Execute()
}

func newRootCmd(version string) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:     "magickctl",
		Short:   "Manage the magickapi image service",
		Long:    "magickctl administers the API keys used to authenticate against the magickapi HTTP service.",
		Version: version,

		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	cmd.PersistentFlags().StringVar(&opts.keysFile, "keys-file", "", "key file to use (overrides API_KEYS_FILE)")

	cmd.AddCommand(newKeyCmd(opts))

	return cmd
}

// openBackend loads configuration the same way the server does and opens
// the configured key store. Logs are discarded to keep command output clean.
func openBackend(ctx context.Context, opts *rootOptions) (*bootstrap.Backend, error) {
	if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", opts.envFile, err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.keysFile != "" {
		cfg.KeyStore.Backend = config.BackendFile
		cfg.KeyStore.File = opts.keysFile
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return bootstrap.OpenKeyStore(ctx, cfg, logger)
}
