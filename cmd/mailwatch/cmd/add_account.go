package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/weddingdesk/mailwatch/internal/engine"
	"github.com/weddingdesk/mailwatch/internal/oauth"
)

var (
	headless bool
	noWatch  bool
)

var addAccountCmd = &cobra.Command{
	Use:   "add-account <email>",
	Short: "Connect a Gmail account via OAuth",
	Long: `Connect a Gmail account by completing the OAuth2 consent flow, then
register a push watch for it.

By default, opens a browser for authorization. Use --headless to run the
device flow instead. Running add-account again for a connected account
replaces its grant; use this after an account was flagged for
re-authorization.

Examples:
  mailwatch add-account couple@gmail.com
  mailwatch add-account couple@gmail.com --headless
  mailwatch add-account couple@gmail.com --no-watch`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := normalizeEmail(args[0])

		if cfg.OAuth.ClientSecrets == "" {
			return errOAuthNotConfigured()
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		mgr, err := oauth.NewManager(cfg.OAuth.ClientSecrets, s, logger)
		if err != nil {
			return wrapOAuthError(fmt.Errorf("create oauth manager: %w", err))
		}

		prev, err := s.GetCredential(email)
		if err != nil {
			return fmt.Errorf("look up account: %w", err)
		}
		if prev != nil && prev.ReauthRequired {
			fmt.Printf("Account %s needs re-authorization (%s).\n", email, prev.ReauthReason)
		}

		if headless {
			fmt.Println("Starting device authorization...")
		} else {
			fmt.Println("Starting browser authorization...")
		}
		if err := mgr.Authorize(cmd.Context(), email, headless); err != nil {
			return fmt.Errorf("authorization failed: %w", err)
		}
		fmt.Printf("\nAccount %s authorized successfully!\n", email)

		if noWatch || cfg.Gmail.Topic == "" {
			if cfg.Gmail.Topic == "" {
				fmt.Println("No [gmail] topic configured; skipping watch registration.")
			}
			fmt.Println("Register the watch later with: mailwatch watch", email)
			return nil
		}

		eng, err := newEngine(cmd.Context(), s,
			engine.WithOAuthConfig(mgr.Config()),
			engine.WithoutPushVerifier())
		if err != nil {
			return err
		}
		defer shutdownEngine(eng)

		w, err := eng.Registrar.EnsureWatch(cmd.Context(), email)
		if err != nil {
			return fmt.Errorf("register watch: %w", err)
		}
		fmt.Printf("Watch registered on %s\n", w.Topic)
		fmt.Printf("  Cursor:  %d\n", w.Cursor)
		fmt.Printf("  Expires: %s\n", w.ExpiresAt.Local().Format("2006-01-02 15:04"))
		return nil
	},
}

// shutdownEngine releases the outbound connections of an engine used by a
// one-shot command.
func shutdownEngine(eng *engine.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		logger.Warn("engine shutdown", "error", err)
	}
}

func init() {
	addAccountCmd.Flags().BoolVar(&headless, "headless", false, "Use the device flow instead of a browser")
	addAccountCmd.Flags().BoolVar(&noWatch, "no-watch", false, "Only store the grant; do not register a watch")
	rootCmd.AddCommand(addAccountCmd)
}
