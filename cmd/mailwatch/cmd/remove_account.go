package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/weddingdesk/mailwatch/internal/engine"
)

var removeAccountYes bool

var removeAccountCmd = &cobra.Command{
	Use:   "remove-account <email>",
	Short: "Disconnect an account",
	Long: `Disconnect an account: stop its Gmail watch, then delete its stored
credential, watch state and processed-message ledger. Todos already
created are kept.

If OAuth is not configured the watch cannot be stopped on Gmail's side;
the local state is removed anyway and the watch lapses within seven days.

Examples:
  mailwatch remove-account couple@gmail.com
  mailwatch remove-account couple@gmail.com --yes`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := normalizeEmail(args[0])

		s, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		cred, err := s.GetCredential(email)
		if err != nil {
			return fmt.Errorf("look up account: %w", err)
		}
		if cred == nil {
			return fmt.Errorf("account %q not found", email)
		}
		processed, err := s.CountProcessed(email)
		if err != nil {
			return fmt.Errorf("count processed: %w", err)
		}
		w, err := s.GetWatch(email)
		if err != nil {
			return fmt.Errorf("look up watch: %w", err)
		}

		fmt.Printf("Account:   %s\n", email)
		if w != nil {
			fmt.Printf("Watch:     %s\n", w.Status)
		} else {
			fmt.Printf("Watch:     none\n")
		}
		fmt.Printf("Processed: %d\n", processed)

		if !removeAccountYes {
			fmt.Print("\nDisconnect this account? [y/N] ")
			scanner := bufio.NewScanner(os.Stdin)
			scanner.Scan()
			answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
			if answer != "y" && answer != "yes" {
				fmt.Println("Aborted.")
				return nil
			}
		}

		eng, err := newEngine(cmd.Context(), s, engine.WithoutPushVerifier())
		switch {
		case err == nil:
			defer shutdownEngine(eng)
			if err := eng.RemoveAccount(cmd.Context(), email); err != nil {
				return fmt.Errorf("remove account: %w", err)
			}
		case cfg.OAuth.ClientSecrets == "":
			fmt.Fprintln(os.Stderr, "Warning: OAuth is not configured; the Gmail watch was not stopped.")
			if err := s.DeleteCredential(email); err != nil {
				return fmt.Errorf("remove account: %w", err)
			}
		default:
			return err
		}

		fmt.Printf("\nAccount %s removed.\n", email)
		return nil
	},
}

func init() {
	removeAccountCmd.Flags().BoolVarP(
		&removeAccountYes, "yes", "y", false,
		"Skip confirmation prompt",
	)
	rootCmd.AddCommand(removeAccountCmd)
}
