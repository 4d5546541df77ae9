package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomsuite/mailroom/internal/ingest"
	"github.com/loomsuite/mailroom/internal/store"
)

var showJSONOut bool

var showCmd = &cobra.Command{
	Use:   "show <user-id> <message-id>",
	Short: "Fetch and display one normalized message",
	Long: `Fetch a message from the provider, normalize it, and print the result.

Attachments are materialized to object storage and listed with their
signed download URLs. Use --json for programmatic output.

Examples:
  mailroom show u_123 18f0abc123def
  mailroom show u_123 18f0abc123def --json`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, messageID := args[0], args[1]

		s, err := store.Open(cfg.DatabasePath())
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer s.Close()

		svc, err := buildIngestService(cmd.Context(), s)
		if err != nil {
			return err
		}

		email, err := svc.GetMessage(cmd.Context(), userID, messageID)
		if err != nil {
			return fmt.Errorf("get message: %w", err)
		}

		if showJSONOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(email)
		}
		outputEmailText(email)
		return nil
	},
}

func outputEmailText(email *ingest.NormalizedEmail) {
	fmt.Println("═══════════════════════════════════════════════════════════════════════════════")
	fmt.Printf("Message ID: %s (thread %s)\n", email.ID, email.ThreadID)
	fmt.Println("───────────────────────────────────────────────────────────────────────────────")
	fmt.Printf("From:    %s\n", email.From)
	fmt.Printf("To:      %s\n", email.To)
	fmt.Printf("Date:    %s\n", email.Date)
	fmt.Printf("Subject: %s\n", email.Subject)
	if email.Unread {
		fmt.Println("Status:  unread")
	}

	if len(email.Attachments) > 0 {
		fmt.Println("───────────────────────────────────────────────────────────────────────────────")
		fmt.Printf("Attachments (%d):\n", len(email.Attachments))
		for _, att := range email.Attachments {
			fmt.Printf("  %s (%s, %d bytes)\n", att.Filename, att.MimeType, att.Size)
			if att.DownloadURL != "" {
				fmt.Printf("    %s\n", att.DownloadURL)
			}
		}
	}

	fmt.Println("───────────────────────────────────────────────────────────────────────────────")
	fmt.Println(email.Content)
	fmt.Println("═══════════════════════════════════════════════════════════════════════════════")
}

func init() {
	showCmd.Flags().BoolVar(&showJSONOut, "json", false, "Output as JSON")
	rootCmd.AddCommand(showCmd)
}
