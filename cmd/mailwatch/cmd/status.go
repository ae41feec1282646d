package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/weddingdesk/mailwatch/internal/store"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connected accounts and their watches",
	Long: `Show every connected account with its watch state, expiry, history
cursor and last sync. Reads the local database only.

Examples:
  mailwatch status
  mailwatch status --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		rows, err := collectStatus(s)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("No accounts found. Use 'mailwatch add-account <email>' to add one.")
			return nil
		}

		if statusJSON {
			return outputStatusJSON(os.Stdout, rows)
		}
		outputStatusTable(os.Stdout, rows, time.Now())
		return nil
	},
}

type accountStatus struct {
	Email          string     `json:"email"`
	ReauthRequired bool       `json:"reauth_required"`
	ReauthReason   string     `json:"reauth_reason,omitempty"`
	WatchStatus    string     `json:"watch_status"`
	ExpiresAt      *time.Time `json:"watch_expires_at,omitempty"`
	Cursor         uint64     `json:"cursor"`
	LastError      string     `json:"last_error,omitempty"`
	LastSync       *time.Time `json:"last_sync_at,omitempty"`
	LastSyncStatus string     `json:"last_sync_status,omitempty"`
	Processed      int64      `json:"processed"`
}

func collectStatus(s *store.Store) ([]accountStatus, error) {
	creds, err := s.ListCredentials()
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	rows := make([]accountStatus, 0, len(creds))
	for _, c := range creds {
		row := accountStatus{
			Email:          c.AccountID,
			ReauthRequired: c.ReauthRequired,
			ReauthReason:   c.ReauthReason,
			WatchStatus:    "none",
		}

		w, err := s.GetWatch(c.AccountID)
		if err != nil {
			return nil, fmt.Errorf("get watch for %s: %w", c.AccountID, err)
		}
		if w != nil {
			row.WatchStatus = w.Status
			row.Cursor = w.Cursor
			row.LastError = w.LastError
			if !w.ExpiresAt.IsZero() {
				exp := w.ExpiresAt
				row.ExpiresAt = &exp
			}
		}
		if c.ReauthRequired {
			row.WatchStatus = store.WatchNeedsReauth
		}

		run, err := s.LastSyncRun(c.AccountID)
		if err != nil {
			return nil, fmt.Errorf("last sync for %s: %w", c.AccountID, err)
		}
		if run != nil {
			started := run.StartedAt
			row.LastSync = &started
			row.LastSyncStatus = run.Status
		}

		if row.Processed, err = s.CountProcessed(c.AccountID); err != nil {
			return nil, fmt.Errorf("count processed for %s: %w", c.AccountID, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func outputStatusTable(out io.Writer, rows []accountStatus, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EMAIL\tWATCH\tEXPIRES IN\tCURSOR\tLAST SYNC\tPROCESSED")
	fmt.Fprintln(w, "─────\t─────\t──────────\t──────\t─────────\t─────────")

	for _, r := range rows {
		expires := "-"
		if r.ExpiresAt != nil {
			expires = formatRemaining(r.ExpiresAt.Sub(now))
		}
		cursor := "-"
		if r.Cursor != 0 {
			cursor = fmt.Sprintf("%d", r.Cursor)
		}
		lastSync := "-"
		if r.LastSync != nil {
			lastSync = fmt.Sprintf("%s (%s)", r.LastSync.Local().Format("2006-01-02 15:04"), r.LastSyncStatus)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n", r.Email, r.WatchStatus, expires, cursor, lastSync, r.Processed)
	}
	w.Flush()

	fmt.Fprintf(out, "\n%d account(s)\n", len(rows))
	for _, r := range rows {
		switch {
		case r.ReauthRequired:
			fmt.Fprintf(out, "  %s needs re-authorization: run 'mailwatch add-account %s'\n", r.Email, r.Email)
		case r.LastError != "":
			fmt.Fprintf(out, "  %s: %s\n", r.Email, r.LastError)
		}
	}
}

// formatRemaining renders a duration until expiry at day/hour precision.
func formatRemaining(d time.Duration) string {
	if d <= 0 {
		return "expired"
	}
	days := int(d / (24 * time.Hour))
	hours := int((d % (24 * time.Hour)) / time.Hour)
	if days > 0 {
		return fmt.Sprintf("%dd %dh", days, hours)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh", hours)
	}
	return "<1h"
}

func outputStatusJSON(out io.Writer, rows []accountStatus) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(statusCmd)
}
