package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/weddingdesk/mailwatch/internal/engine"
)

var syncCmd = &cobra.Command{
	Use:   "sync <email>",
	Short: "Process new mail for an account now",
	Long: `Run one history sync for an account without waiting for a push
notification. Messages already processed are skipped.

Examples:
  mailwatch sync couple@gmail.com`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := normalizeEmail(args[0])

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		w, err := s.GetWatch(email)
		if err != nil {
			return fmt.Errorf("look up watch: %w", err)
		}
		if w == nil {
			return fmt.Errorf("account %q has no watch; run 'mailwatch watch %s' first", email, email)
		}

		eng, err := newEngine(cmd.Context(), s, engine.WithoutPushVerifier())
		if err != nil {
			return err
		}
		defer shutdownEngine(eng)

		res, err := eng.Syncer.Sync(cmd.Context(), email)
		if err != nil {
			return fmt.Errorf("sync %s: %w", email, err)
		}

		fmt.Printf("Sync of %s complete in %s\n", email, res.Duration.Round(time.Millisecond))
		fmt.Printf("  Cursor:     %d -> %d\n", res.CursorBefore, res.NewCursor)
		fmt.Printf("  Delivered:  %d\n", len(res.ProcessedMessageIDs))
		fmt.Printf("  Skipped:    %d\n", res.Skipped)
		if res.Gone > 0 {
			fmt.Printf("  Deleted:    %d\n", res.Gone)
		}
		if res.Unreadable > 0 {
			fmt.Printf("  Unreadable: %d\n", res.Unreadable)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
