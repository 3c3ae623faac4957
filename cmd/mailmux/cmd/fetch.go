package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailmux/mailmux/internal/aggregate"
	"github.com/mailmux/mailmux/internal/mail"
)

func newFetchCmd() *cobra.Command {
	var (
		folder    string
		page      int
		batchSize int
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "fetch <user-id>",
		Short: "Fetch one aggregated batch from the command line",
		Long: `Run one aggregation round for a user and print the result. Uses the
same engine as the API server, so learned windows are read and updated
exactly as they would be for an HTTP request.

Examples:
  mailmux fetch u-123
  mailmux fetch u-123 --folder sent --page 1
  mailmux fetch u-123 --batch-size 50 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := args[0]

			folderID := mail.NormalizeFolder(folder)
			if folderID == "" {
				folderID = mail.FolderInbox
			}
			if batchSize < 1 {
				batchSize = cfg.Fetch.BatchSize
			}
			if page < 0 {
				page = 0
			}

			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			engine := newEngine(s)

			result, err := engine.FetchPage(cmd.Context(), aggregate.Request{
				UserID:    userID,
				FolderID:  folderID,
				Page:      page,
				BatchSize: batchSize,
			})
			if err != nil {
				return fmt.Errorf("fetch: %w", err)
			}

			if asJSON {
				return outputFetchJSON(result)
			}
			outputFetchTable(result)
			return nil
		},
	}
	cmd.Flags().StringVar(&folder, "folder", "inbox", "Folder to aggregate")
	cmd.Flags().IntVar(&page, "page", 0, "Batch offset (0 = newest window)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Target batch size (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func outputFetchTable(result *aggregate.Result) {
	if len(result.Records) == 0 {
		fmt.Println("No messages found.")
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DATE\tPROVIDER\tFROM\tSUBJECT")
		fmt.Fprintln(w, "────\t────────\t────\t───────")

		for _, m := range result.Records {
			date := m.Timestamp.Local().Format("2006-01-02 15:04")
			from := m.From.Email
			if from == "" {
				from = m.From.Name
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", date, m.Provider, truncate(from, 30), truncate(m.Subject, 50))
		}

		w.Flush()
	}

	fmt.Printf("\nShowing %d of %d message(s) in the window\n", len(result.Records), result.TotalCount)
	fmt.Printf("Window: %dh, attempts: %d, more: %v\n", result.WindowHours, result.AttemptsUsed, result.HasMore)
}

func outputFetchJSON(result *aggregate.Result) error {
	messages := make([]map[string]interface{}, len(result.Records))
	for i, m := range result.Records {
		messages[i] = map[string]interface{}{
			"id":              m.ID,
			"account_id":      m.AccountID,
			"provider":        string(m.Provider),
			"subject":         m.Subject,
			"from_email":      m.From.Email,
			"from_name":       m.From.Name,
			"timestamp":       m.Timestamp.UTC().Format(time.RFC3339),
			"snippet":         m.Snippet,
			"folders":         m.Folders,
			"read":            m.Read,
			"starred":         m.Starred,
			"has_attachments": m.HasAttachments,
		}
	}

	output := map[string]interface{}{
		"messages":      messages,
		"total_count":   result.TotalCount,
		"window_hours":  result.WindowHours,
		"attempts_used": result.AttemptsUsed,
		"has_more":      result.HasMore,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func init() {
	rootCmd.AddCommand(newFetchCmd())
}
