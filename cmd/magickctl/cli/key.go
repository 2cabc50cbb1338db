package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kiranshivaraju/magickapi/internal/keystore"
	"github.com/kiranshivaraju/magickapi/pkg/models"
	"github.com/spf13/cobra"
)

func newKeyCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey", "keys"},
		Short:   "Manage API keys",
		Long:    "Generate, list, inspect, rename and revoke API keys used to authenticate against the magickapi REST API.",
	}

	cmd.AddCommand(newKeyGenerateCmd(opts))
	cmd.AddCommand(newKeyListCmd(opts))
	cmd.AddCommand(newKeyShowCmd(opts))
	cmd.AddCommand(newKeyRenameCmd(opts))
	cmd.AddCommand(newKeyRevokeCmd(opts))

	return cmd
}

// ---------- key generate ----------

func newKeyGenerateCmd(opts *rootOptions) *cobra.Command {
	var (
		permissions []string
		expiresDays int
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:     "generate <name>",
		Aliases: []string{"create"},
		Short:   "Generate a new API key",
		Long:    "Generate a new API key. The raw key is shown once and cannot be retrieved again.",
		Example: `  magickctl key generate "CI pipeline" --permissions process
  magickctl key generate ops --permissions admin,health --expires-days 30`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if expiresDays < 0 {
				return fmt.Errorf("--expires-days must not be negative")
			}

			b, err := openBackend(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer b.Close()

			key, raw, err := b.Keys.Create(cmd.Context(), keystore.CreateParams{
				Name:        args[0],
				Permissions: permissions,
				ExpiresIn:   time.Duration(expiresDays) * 24 * time.Hour,
			})
			if err != nil {
				return fmt.Errorf("generate api key: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, struct {
					*models.APIKey
					Credential string `json:"api_key"`
				}{key, raw})
			}

			fmt.Fprintln(out, "API key generated:")
			fmt.Fprintln(out)
			fmt.Fprintf(out, "  Key:         %s\n", raw)
			fmt.Fprintf(out, "  Key ID:      %s\n", key.KeyID)
			fmt.Fprintf(out, "  Name:        %s\n", key.Name)
			fmt.Fprintf(out, "  Permissions: %s\n", strings.Join(key.PermissionStrings(), ", "))
			if key.ExpiresAt != nil {
				fmt.Fprintf(out, "  Expires:     %s\n", key.ExpiresAt.Format(time.RFC3339))
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, "  Save this key now - it cannot be retrieved again.")
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&permissions, "permissions", nil, "Permissions to grant: process, health, admin (default process,health)")
	cmd.Flags().IntVar(&expiresDays, "expires-days", 0, "Expire the key after this many days (0 = never)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// ---------- key list ----------

func newKeyListCmd(opts *rootOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all API keys",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer b.Close()

			keys, err := b.Keys.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list api keys: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, keys)
			}

			if len(keys) == 0 {
				fmt.Fprintln(out, "No API keys configured. Use 'magickctl key generate' to create one.")
				return nil
			}

			now := time.Now()
			fmt.Fprintf(out, "%-16s  %-20s  %-20s  %-8s  %s\n", "KEY ID", "NAME", "PERMISSIONS", "STATUS", "USES")
			fmt.Fprintf(out, "%-16s  %-20s  %-20s  %-8s  %s\n", "------", "----", "-----------", "------", "----")
			for _, k := range keys {
				fmt.Fprintf(out, "%-16s  %-20s  %-20s  %-8s  %d\n",
					k.KeyID, truncate(k.Name, 20), strings.Join(k.PermissionStrings(), ","), status(k, now), k.UsageCount)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// ---------- key show ----------

func newKeyShowCmd(opts *rootOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show <key-id>",
		Short: "Show details of an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer b.Close()

			k, err := b.Keys.Find(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("show api key %s: %w", args[0], err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, k)
			}

			fmt.Fprintf(out, "Key ID:      %s\n", k.KeyID)
			fmt.Fprintf(out, "Name:        %s\n", k.Name)
			fmt.Fprintf(out, "Permissions: %s\n", strings.Join(k.PermissionStrings(), ", "))
			fmt.Fprintf(out, "Status:      %s\n", status(k, time.Now()))
			fmt.Fprintf(out, "Created:     %s\n", k.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "Expires:     %s\n", formatTime(k.ExpiresAt, "never"))
			fmt.Fprintf(out, "Last used:   %s\n", formatTime(k.LastUsedAt, "never"))
			fmt.Fprintf(out, "Usage count: %d\n", k.UsageCount)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// ---------- key rename ----------

func newKeyRenameCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <key-id> <name>",
		Short: "Change the name of an API key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer b.Close()

			k, err := b.Keys.Rename(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("rename api key %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "API key %s renamed to %q.\n", k.KeyID, k.Name)
			return nil
		},
	}
}

// ---------- key revoke ----------

func newKeyRevokeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "revoke <key-id>",
		Aliases: []string{"rm"},
		Short:   "Revoke an API key",
		Long:    "Revoke an API key. Revocation is permanent; the key is kept for auditing.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.Keys.Revoke(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("revoke api key %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "API key %s revoked.\n", args[0])
			return nil
		},
	}
}

func status(k *models.APIKey, now time.Time) string {
	switch {
	case k.Revoked:
		return "revoked"
	case k.Expired(now):
		return "expired"
	default:
		return "active"
	}
}

func formatTime(t *time.Time, empty string) string {
	if t == nil {
		return empty
	}
	return t.Format(time.RFC3339)
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
