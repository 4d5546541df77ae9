package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomsuite/mailroom/internal/api"
	"github.com/loomsuite/mailroom/internal/blob"
	"github.com/loomsuite/mailroom/internal/ingest"
	"github.com/loomsuite/mailroom/internal/oauth"
	"github.com/loomsuite/mailroom/internal/provider"
	"github.com/loomsuite/mailroom/internal/store"
	"github.com/loomsuite/mailroom/internal/token"
	"github.com/loomsuite/mailroom/internal/warm"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run mailroom as a daemon serving the ingestion API",
	Long: `Run mailroom as a long-running daemon.

The daemon runs in the foreground and performs:
  - HTTP API server on configured port (default: 8080)
  - Scheduled cache warming for configured accounts

Configure warm schedules in config.toml:
  [[warm]]
  user_id = "u_123"
  schedule = "*/15 * * * *"   # every 15 minutes (cron format)
  enabled = true

Cron format: minute hour day-of-month month day-of-week
  Examples:
    0 2 * * *     = 2:00 AM daily
    */15 * * * *  = Every 15 minutes
    0 8,18 * * *  = 8 AM and 6 PM daily

Use Ctrl+C to stop the daemon gracefully.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// buildIngestService wires the provider client, token manager, and object
// store into an ingest.Service. Shared by serve and show.
func buildIngestService(ctx context.Context, s *store.Store) (*ingest.Service, error) {
	flow, err := oauth.NewFlow(cfg.Provider, logger)
	if err != nil {
		return nil, err
	}

	mgr := token.NewManager(s, &token.OAuthRefresher{Config: flow.Config()},
		token.WithLogger(logger))

	clientOpts := []provider.ClientOption{
		provider.WithLogger(logger),
		provider.WithRateLimiter(provider.NewRateLimiter(float64(cfg.Provider.RateLimitQPS))),
	}
	if cfg.Provider.MailBaseURL != "" || cfg.Provider.CalendarBaseURL != "" {
		clientOpts = append(clientOpts,
			provider.WithBaseURLs(cfg.Provider.MailBaseURL, cfg.Provider.CalendarBaseURL))
	}
	client := provider.NewClient(mgr, clientOpts...)

	if cfg.Storage.Bucket == "" {
		return nil, fmt.Errorf("no storage bucket configured; set [storage] bucket in config.toml")
	}
	blobs, err := blob.NewS3Store(ctx, blob.S3Config{
		Bucket:          cfg.Storage.Bucket,
		Region:          cfg.Storage.Region,
		Endpoint:        cfg.Storage.Endpoint,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		KeyPrefix:       cfg.Storage.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store: %w", err)
	}

	return ingest.NewService(client, s, blobs, ingest.WithLogger(logger)), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	// Validate security posture before doing any work
	if err := cfg.Server.ValidateSecure(); err != nil {
		return err
	}

	if cfg.Provider.ClientID == "" || cfg.Provider.ClientSecret == "" {
		return fmt.Errorf("no provider credentials configured; set [provider] client_id and client_secret in config.toml")
	}

	// Open database
	s, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer s.Close()

	svc, err := buildIngestService(cmd.Context(), s)
	if err != nil {
		return err
	}

	// Cache warming fetches the first page of the inbox so list requests
	// hit a fresh provider-side cache.
	warmFunc := func(ctx context.Context, userID string) error {
		_, err := svc.ListMessages(ctx, userID, ingest.DefaultPageSize, "")
		return err
	}
	warmer := warm.New(warmFunc).WithLogger(logger)

	count, errs := warmer.AddAccountsFromConfig(cfg)
	for _, err := range errs {
		logger.Error("failed to schedule warm account", "error", err)
	}

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	warmer.Start()

	apiServer := api.NewServer(cfg, svc, s, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	bindAddr := cfg.Server.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	fmt.Printf("mailroom daemon started\n")
	fmt.Printf("  API server: http://%s\n", net.JoinHostPort(bindAddr, strconv.Itoa(cfg.Server.APIPort)))
	fmt.Printf("  Warm accounts: %d\n", count)
	fmt.Printf("  Data directory: %s\n", cfg.Data.DataDir)
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()

	for _, status := range warmer.Status() {
		fmt.Printf("  %s: next warm at %s\n", status.UserID, status.NextRun.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Println()

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-serverErr:
		logger.Error("API server error", "error", err)
		fmt.Printf("\nAPI server error: %v\n", err)
	case <-ctx.Done():
		logger.Info("context cancelled")
	}

	// Graceful shutdown
	fmt.Println("Shutting down API server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", "error", err)
	}

	fmt.Println("Waiting for running warms to complete...")
	warmCtx := warmer.Stop()

	select {
	case <-warmCtx.Done():
		fmt.Println("Shutdown complete.")
	case <-time.After(30 * time.Second):
		fmt.Println("Shutdown timed out after 30 seconds.")
	}

	return nil
}
