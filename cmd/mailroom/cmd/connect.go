package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomsuite/mailroom/internal/oauth"
	"github.com/loomsuite/mailroom/internal/provider"
	"github.com/loomsuite/mailroom/internal/store"
	"github.com/loomsuite/mailroom/internal/token"
)

var connectCmd = &cobra.Command{
	Use:   "connect <user-id>",
	Short: "Connect a provider account via OAuth",
	Long: `Connect a provider mailbox for a user by completing the OAuth2
authorization flow in a browser.

The granted refresh token is stored and used for all later provider calls.
Connecting again for the same user replaces any previous connection.

Examples:
  mailroom connect u_123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := args[0]

		if cfg.Provider.ClientID == "" || cfg.Provider.ClientSecret == "" {
			return fmt.Errorf("no provider credentials configured; set [provider] client_id and client_secret in config.toml")
		}

		s, err := store.Open(cfg.DatabasePath())
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer s.Close()

		flow, err := oauth.NewFlow(cfg.Provider, logger)
		if err != nil {
			return err
		}

		fmt.Println("Starting browser authorization...")
		tok, err := flow.Authorize(cmd.Context())
		if err != nil {
			return fmt.Errorf("authorization failed: %w", err)
		}

		// Fetch the profile with the freshly granted token to learn which
		// mailbox was actually authorized. The connection is not persisted
		// yet, so the transient record never hits the refresh path.
		mgr := token.NewManager(s, &token.OAuthRefresher{Config: flow.Config()},
			token.WithLogger(logger))
		clientOpts := []provider.ClientOption{provider.WithLogger(logger)}
		if cfg.Provider.MailBaseURL != "" || cfg.Provider.CalendarBaseURL != "" {
			clientOpts = append(clientOpts,
				provider.WithBaseURLs(cfg.Provider.MailBaseURL, cfg.Provider.CalendarBaseURL))
		}
		client := provider.NewClient(mgr, clientOpts...)

		profile, err := client.GetProfile(cmd.Context(), &store.Connection{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
		})
		if err != nil {
			return fmt.Errorf("fetch profile: %w", err)
		}

		conn, err := s.Create(userID, profile.EmailAddress, tok.AccessToken, tok.RefreshToken)
		if err != nil {
			return fmt.Errorf("save connection: %w", err)
		}

		fmt.Printf("\nConnected %s for user %s (connection %d).\n", conn.EmailAddress, userID, conn.ID)
		fmt.Println("You can now run: mailroom serve")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(connectCmd)
}
