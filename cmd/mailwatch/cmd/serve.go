package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/weddingdesk/mailwatch/internal/api"
	"github.com/weddingdesk/mailwatch/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the push endpoint, renewal schedule and HTTP API",
	Long: `Run mailwatch as a long-lived service.

The service accepts Gmail push notifications on /webhooks/gmail, renews
watches on the configured schedule, and exposes the account API under
/api/v1.

Configure in config.toml:

  [gmail]
  topic = "projects/my-project/topics/gmail-push"

  [webhook]
  audience = "https://planner.example/webhooks/gmail"

  [server]
  api_port = 8080
  bind_addr = "127.0.0.1"
  api_key = "your-secret-key"`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Server.ValidateSecure(); err != nil {
		return err
	}
	if cfg.Gmail.Topic == "" {
		return fmt.Errorf("no Pub/Sub topic configured\n\nAdd to config.toml:\n\n  [gmail]\n  topic = \"projects/<project>/topics/<topic>\"")
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	eng, err := newEngine(ctx, s)
	if err != nil {
		return err
	}
	warnUnconnectedAccounts(s)

	eng.Start(ctx)

	apiServer := api.NewServer(cfg, s, eng, eng.Handler(), logger)
	serverErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	bindAddr := cfg.Server.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	fmt.Printf("mailwatch started\n")
	fmt.Printf("  API server:    http://%s\n", net.JoinHostPort(bindAddr, strconv.Itoa(cfg.Server.APIPort)))
	fmt.Printf("  Push endpoint: /webhooks/gmail\n")
	fmt.Printf("  Topic:         %s\n", cfg.Gmail.Topic)
	fmt.Printf("  Renewal:       %s (window %s)\n", cfg.Watch.RenewSchedule, cfg.Watch.RenewalWindow.Duration)
	fmt.Printf("  Data directory: %s\n", cfg.Data.DataDir)
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()

	var runErr error
	select {
	case err := <-serverErr:
		logger.Error("API server error", "error", err)
		runErr = err
	case <-ctx.Done():
		logger.Info("shutdown requested")
	}

	fmt.Println("Shutting down API server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", "error", err)
	}

	fmt.Println("Waiting for running jobs to complete...")
	engCtx, engCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer engCancel()
	if err := eng.Shutdown(engCtx); err != nil {
		fmt.Println("Shutdown timed out after 30 seconds.")
		return errors.Join(runErr, err)
	}
	fmt.Println("Shutdown complete.")
	return runErr
}

// warnUnconnectedAccounts logs configured accounts that have never been
// authorized, since the scheduler only sees stored credentials.
func warnUnconnectedAccounts(s *store.Store) {
	for _, acc := range cfg.EnabledAccounts() {
		cred, err := s.GetCredential(normalizeEmail(acc.Email))
		if err != nil {
			logger.Warn("could not check account", "account", acc.Email, "error", err)
			continue
		}
		if cred == nil {
			logger.Warn("configured account is not connected; run add-account", "account", acc.Email)
		}
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
