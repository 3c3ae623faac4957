package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mailmux/mailmux/internal/mail"
)

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Inspect learned fetch patterns",
	Long: `Inspect the per-folder query windows the aggregation engine has
learned for a user. Patterns seed the first attempt of every fetch;
resetting one makes the next fetch start from the baseline window.`,
}

func newPatternsListCmd() *cobra.Command {
	var (
		userID string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's learned patterns",
		Long: `List the learned query windows for a user, one row per folder.

Examples:
  mailmux patterns list --user u-123
  mailmux patterns list --user u-123 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user is required")
			}

			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			patterns, err := s.ListPatterns(userID)
			if err != nil {
				return fmt.Errorf("list patterns: %w", err)
			}

			if len(patterns) == 0 {
				fmt.Println("No patterns learned yet. They appear after the first fetch.")
				return nil
			}

			if asJSON {
				return outputPatternsJSON(patterns)
			}
			outputPatternsTable(patterns)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User the patterns belong to")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newPatternsResetCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "reset <folder>",
		Short: "Reset the learned window for a folder",
		Long: `Drop the learned query window for one folder. The next fetch for
that folder re-estimates from the baseline.

Examples:
  mailmux patterns reset inbox --user u-123
  mailmux patterns reset SENT --user u-123`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user is required")
			}
			folderID := mail.NormalizeFolder(args[0])
			if folderID == "" {
				return fmt.Errorf("folder is required")
			}

			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.DeletePattern(userID, folderID); err != nil {
				return fmt.Errorf("reset pattern: %w", err)
			}

			fmt.Printf("Pattern for %s reset.\n", folderID)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User the pattern belongs to")
	return cmd
}

func outputPatternsTable(patterns []mail.FetchPattern) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FOLDER\tWINDOW HOURS\tLAST YIELD\tLAST FETCHED")
	fmt.Fprintln(w, "──────\t────────────\t──────────\t────────────")

	for _, p := range patterns {
		lastFetched := "-"
		if !p.LastFetchedAt.IsZero() {
			lastFetched = p.LastFetchedAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", p.FolderID, p.OptimalHours, p.EmailsInLastFetch, lastFetched)
	}

	w.Flush()
	fmt.Printf("\n%d pattern(s)\n", len(patterns))
}

func outputPatternsJSON(patterns []mail.FetchPattern) error {
	output := make([]map[string]interface{}, len(patterns))
	for i, p := range patterns {
		output[i] = map[string]interface{}{
			"folder_id":            p.FolderID,
			"optimal_hours":        p.OptimalHours,
			"emails_in_last_fetch": p.EmailsInLastFetch,
			"last_fetched_at":      p.LastFetchedAt,
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}

func init() {
	patternsCmd.AddCommand(newPatternsListCmd())
	patternsCmd.AddCommand(newPatternsResetCmd())
	rootCmd.AddCommand(patternsCmd)
}
