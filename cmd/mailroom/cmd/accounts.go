package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/loomsuite/mailroom/internal/store"
)

var accountsJSON bool

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List connected provider accounts",
	Long: `List all provider connections, including deactivated ones.

Examples:
  mailroom accounts
  mailroom accounts --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := store.Open(cfg.DatabasePath())
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer s.Close()

		conns, err := s.List()
		if err != nil {
			return fmt.Errorf("list connections: %w", err)
		}

		if len(conns) == 0 {
			fmt.Println("No connections found. Use 'mailroom connect <user-id>' to add one.")
			return nil
		}

		if accountsJSON {
			return outputConnectionsJSON(conns)
		}
		outputConnectionsTable(conns)
		return nil
	},
}

func outputConnectionsTable(conns []*store.Connection) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tEMAIL\tACTIVE\tLAST ERROR")
	fmt.Fprintln(w, "──\t────\t─────\t──────\t──────────")

	for _, conn := range conns {
		active := "yes"
		if !conn.IsActive {
			active = "no"
		}
		lastError := conn.LastError
		if lastError == "" {
			lastError = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", conn.ID, conn.UserID, conn.EmailAddress, active, lastError)
	}

	w.Flush()
	fmt.Printf("\n%d connection(s)\n", len(conns))
}

func outputConnectionsJSON(conns []*store.Connection) error {
	output := make([]map[string]interface{}, len(conns))
	for i, conn := range conns {
		output[i] = map[string]interface{}{
			"id":         conn.ID,
			"user_id":    conn.UserID,
			"email":      conn.EmailAddress,
			"is_active":  conn.IsActive,
			"last_error": conn.LastError,
			"created_at": conn.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}

func init() {
	accountsCmd.Flags().BoolVar(&accountsJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(accountsCmd)
}
