package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomsuite/mailroom/internal/config"
)

var (
	cfgFile string
	verbose bool
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mailroom",
	Short: "Mail-provider ingestion service",
	Long: `mailroom ingests provider mailboxes into normalized, safely-renderable
email records: it decodes the MIME part tree, sanitizes content into one
HTML string, and materializes attachments into object storage behind
signed URLs.

It also manages the OAuth token lifecycle every provider call (mail and
calendar) depends on.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Set up logging
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
		slog.SetDefault(logger)

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		// Ensure home directory exists on first use
		if err := os.MkdirAll(cfg.Data.DataDir, 0o700); err != nil {
			return fmt.Errorf("create data directory %s: %w", cfg.Data.DataDir, err)
		}

		return nil
	},
}

// Execute runs the root command with a background context.
// Prefer ExecuteContext for signal-aware execution.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with the given context,
// enabling graceful shutdown when the context is cancelled.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.mailroom/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
