package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mailmux/mailmux/internal/mail"
	imapsource "github.com/mailmux/mailmux/internal/source/imap"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage registered mailbox accounts",
	Long: `Manage the mailbox accounts mailmux aggregates over.

Accounts belong to a user and carry an opaque credential obtained by
your authorization service (an OAuth grant for Gmail and Outlook, a
password for IMAP). mailmux stores credentials, it never mints them.`,
}

func newAccountsListCmd() *cobra.Command {
	var (
		userID string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's registered accounts",
		Long: `List the mailbox accounts registered for a user.

Examples:
  mailmux accounts list --user u-123
  mailmux accounts list --user u-123 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user is required")
			}

			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			accounts, err := s.ListAccounts(userID)
			if err != nil {
				return fmt.Errorf("list accounts: %w", err)
			}

			if len(accounts) == 0 {
				fmt.Println("No accounts found. Use 'mailmux accounts add' to register one.")
				return nil
			}

			if asJSON {
				return outputAccountsJSON(accounts)
			}
			outputAccountsTable(accounts)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User the accounts belong to")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newAccountsAddCmd() *cobra.Command {
	var (
		userID       string
		provider     string
		address      string
		displayName  string
		credential   string
		imapHost     string
		imapPort     int
		imapUsername string
		imapNoTLS    bool
		imapSTARTTLS bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a mailbox account",
		Long: `Register a mailbox account for aggregation.

Gmail and Outlook accounts need --credential, the opaque OAuth grant
issued by your authorization service. IMAP accounts need --imap-host;
the password is prompted for when --credential is not given.

By default IMAP connects using implicit TLS (IMAPS, port 993).
Use --imap-starttls for STARTTLS upgrade on port 143.
Use --imap-no-tls for a plain unencrypted connection (not recommended).

Examples:
  mailmux accounts add --user u-123 --provider gmail --address you@gmail.com --credential "$GRANT"
  mailmux accounts add --user u-123 --provider outlook --address you@example.com --credential "$GRANT"
  mailmux accounts add --user u-123 --provider imap --address you@example.org --imap-host mail.example.org`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user is required")
			}
			if address == "" {
				return fmt.Errorf("--address is required")
			}
			p := mail.Provider(strings.ToLower(strings.TrimSpace(provider)))
			if !p.Valid() {
				return fmt.Errorf("unknown provider %q (must be gmail, outlook, or imap)", provider)
			}

			settings := ""
			switch p {
			case mail.ProviderIMAP:
				if imapHost == "" {
					return fmt.Errorf("--imap-host is required for imap accounts")
				}
				username := imapUsername
				if username == "" {
					username = address
				}
				imapCfg := imapsource.Settings{
					Host:     imapHost,
					Port:     imapPort,
					TLS:      !imapNoTLS && !imapSTARTTLS,
					STARTTLS: imapSTARTTLS,
					Username: username,
				}
				raw, err := json.Marshal(imapCfg)
				if err != nil {
					return fmt.Errorf("serialize settings: %w", err)
				}
				settings = string(raw)

				// Password via secure interactive prompt when not
				// passed as --credential (shell history exposure).
				if credential == "" {
					fmt.Printf("Password for %s@%s: ", username, imapHost)
					pw, err := term.ReadPassword(int(syscall.Stdin))
					fmt.Println()
					if err != nil {
						return fmt.Errorf("read password: %w", err)
					}
					credential = string(pw)
				}
				if credential == "" {
					return fmt.Errorf("password is required")
				}
			default:
				if credential == "" {
					return fmt.Errorf("--credential is required for %s accounts", p)
				}
			}

			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			acct := &mail.Account{
				UserID:      userID,
				Provider:    p,
				Address:     address,
				DisplayName: displayName,
				Credential:  credential,
				Settings:    settings,
				Connected:   true,
			}
			if err := s.CreateAccount(acct); err != nil {
				return fmt.Errorf("create account: %w", err)
			}

			fmt.Printf("Account added.\n")
			fmt.Printf("  ID:       %s\n", acct.ID)
			fmt.Printf("  Provider: %s\n", acct.Provider)
			fmt.Printf("  Address:  %s\n", acct.Address)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User the account belongs to")
	cmd.Flags().StringVar(&provider, "provider", "", "Account provider: gmail, outlook, or imap")
	cmd.Flags().StringVar(&address, "address", "", "Mailbox address")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Human-readable account name")
	cmd.Flags().StringVar(&credential, "credential", "", "Opaque credential (OAuth grant or IMAP password)")
	cmd.Flags().StringVar(&imapHost, "imap-host", "", "IMAP server hostname")
	cmd.Flags().IntVar(&imapPort, "imap-port", 0, "IMAP server port (default 993 TLS, 143 otherwise)")
	cmd.Flags().StringVar(&imapUsername, "imap-username", "", "IMAP login (defaults to --address)")
	cmd.Flags().BoolVar(&imapSTARTTLS, "imap-starttls", false, "Use STARTTLS upgrade instead of implicit TLS")
	cmd.Flags().BoolVar(&imapNoTLS, "imap-no-tls", false, "Connect without encryption (not recommended)")
	return cmd
}

func newAccountsRemoveCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "remove <account-id>",
		Short: "Remove a registered account",
		Long: `Remove a registered account. Its learned fetch patterns for shared
folders are kept; they re-tune on the next fetch.

Examples:
  mailmux accounts remove 7d9f1c2e-...
  mailmux accounts remove 7d9f1c2e-... --yes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			acct, err := s.GetAccount(id)
			if err != nil {
				return fmt.Errorf("look up account: %w", err)
			}
			if acct == nil {
				return fmt.Errorf("account %q not found", id)
			}

			fmt.Printf("Account:  %s\n", acct.Address)
			fmt.Printf("Provider: %s\n", acct.Provider)
			fmt.Printf("User:     %s\n", acct.UserID)

			if !yes {
				fmt.Print("\nRemove this account? [y/N] ")
				scanner := bufio.NewScanner(os.Stdin)
				if !scanner.Scan() {
					return fmt.Errorf("cannot read confirmation; use --yes to skip the prompt")
				}
				answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
				if answer != "y" && answer != "yes" {
					fmt.Println("Aborted.")
					return nil
				}
			}

			if err := s.DeleteAccount(id); err != nil {
				return fmt.Errorf("remove account: %w", err)
			}

			fmt.Printf("\nAccount %s removed.\n", acct.Address)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompt")
	return cmd
}

func outputAccountsTable(accounts []mail.Account) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROVIDER\tADDRESS\tCONNECTED\tDISPLAY NAME")
	fmt.Fprintln(w, "──\t────────\t───────\t─────────\t────────────")

	for _, acct := range accounts {
		displayName := acct.DisplayName
		if displayName == "" {
			displayName = "-"
		}
		connected := "no"
		if acct.Connected {
			connected = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", acct.ID, acct.Provider, acct.Address, connected, displayName)
	}

	w.Flush()
	fmt.Printf("\n%d account(s)\n", len(accounts))
}

func outputAccountsJSON(accounts []mail.Account) error {
	output := make([]map[string]interface{}, len(accounts))
	for i, acct := range accounts {
		output[i] = map[string]interface{}{
			"id":           acct.ID,
			"user_id":      acct.UserID,
			"provider":     string(acct.Provider),
			"address":      acct.Address,
			"display_name": acct.DisplayName,
			"connected":    acct.Connected,
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}

func init() {
	accountsCmd.AddCommand(newAccountsListCmd())
	accountsCmd.AddCommand(newAccountsAddCmd())
	accountsCmd.AddCommand(newAccountsRemoveCmd())
	rootCmd.AddCommand(accountsCmd)
}
