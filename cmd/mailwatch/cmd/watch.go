package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weddingdesk/mailwatch/internal/engine"
)

var stopWatch bool

var watchCmd = &cobra.Command{
	Use:   "watch <email>",
	Short: "Register, renew or stop an account's Gmail watch",
	Long: `Register or renew the Gmail push watch for a connected account.
Renewing resets the seven-day expiry; the stored history cursor is kept.

Examples:
  mailwatch watch couple@gmail.com
  mailwatch watch couple@gmail.com --stop`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := normalizeEmail(args[0])

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		cred, err := s.GetCredential(email)
		if err != nil {
			return fmt.Errorf("look up account: %w", err)
		}
		if cred == nil {
			return fmt.Errorf("account %q not found; run 'mailwatch add-account %s' first", email, email)
		}

		if !stopWatch && cfg.Gmail.Topic == "" {
			return fmt.Errorf("no Pub/Sub topic configured\n\nAdd to config.toml:\n\n  [gmail]\n  topic = \"projects/<project>/topics/<topic>\"")
		}

		eng, err := newEngine(cmd.Context(), s, engine.WithoutPushVerifier())
		if err != nil {
			return err
		}
		defer shutdownEngine(eng)

		if stopWatch {
			if err := eng.Registrar.Stop(cmd.Context(), email); err != nil {
				return fmt.Errorf("stop watch: %w", err)
			}
			fmt.Printf("Watch for %s stopped.\n", email)
			return nil
		}

		w, err := eng.Registrar.EnsureWatch(cmd.Context(), email)
		if err != nil {
			return fmt.Errorf("register watch: %w", err)
		}
		fmt.Printf("Watch for %s is %s\n", email, w.Status)
		fmt.Printf("  Topic:   %s\n", w.Topic)
		fmt.Printf("  Cursor:  %d\n", w.Cursor)
		fmt.Printf("  Expires: %s\n", w.ExpiresAt.Local().Format("2006-01-02 15:04"))
		return nil
	},
}

func init() {
	watchCmd.Flags().BoolVar(&stopWatch, "stop", false, "Stop push delivery instead of renewing")
	rootCmd.AddCommand(watchCmd)
}
