// Package oauth obtains and maintains delegated Gmail credentials: the
// one-time consent flows and the refresher that keeps access tokens valid.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/weddingdesk/mailwatch/internal/store"
)

// Scopes requested on consent. Watching and reading history only needs
// read access.
var Scopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
}

// Manager runs the consent flows and stores the granted credential.
type Manager struct {
	config *oauth2.Config
	store  CredentialStore
	logger *slog.Logger
	out    io.Writer

	redirectPort string
	openBrowser  func(string) error
}

// NewManager creates a consent manager from a Google client secrets file.
func NewManager(clientSecretsPath string, st CredentialStore, logger *slog.Logger) (*Manager, error) {
	data, err := os.ReadFile(clientSecretsPath)
	if err != nil {
		return nil, fmt.Errorf("read client secrets: %w", err)
	}

	config, err := google.ConfigFromJSON(data, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse client secrets: %w", err)
	}
	return newManager(config, st, logger), nil
}

func newManager(config *oauth2.Config, st CredentialStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:       config,
		store:        st,
		logger:       logger,
		out:          os.Stdout,
		redirectPort: redirectPort,
		openBrowser:  openBrowser,
	}
}

// Config returns the OAuth client configuration, shared with the Refresher.
func (m *Manager) Config() *oauth2.Config {
	return m.config
}

// Authorize runs the consent flow for an account and stores the grant,
// replacing any previous credential and clearing a re-authorization flag.
// If headless is true it uses the device flow; otherwise it opens a browser.
func (m *Manager) Authorize(ctx context.Context, email string, headless bool) error {
	var token *oauth2.Token
	var err error

	if headless {
		token, err = m.deviceFlow(ctx)
	} else {
		token, err = m.browserFlow(ctx)
	}
	if err != nil {
		return err
	}
	return m.saveGrant(email, token)
}

// saveGrant persists a freshly granted token. A grant without a refresh
// token is stored anyway; it will need consent again once it expires.
func (m *Manager) saveGrant(email string, token *oauth2.Token) error {
	if token.RefreshToken == "" {
		m.logger.Warn("consent did not issue a refresh token", "account", email)
	}
	cred := &store.Credential{
		AccountID:    email,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiresAt:    token.Expiry,
		Scopes:       grantedScopes(token, m.config.Scopes),
	}
	if err := m.store.PutCredential(cred, false); err != nil {
		return fmt.Errorf("save credential for %s: %w", email, err)
	}
	m.logger.Info("stored credential", "account", email, "expires_at", token.Expiry)
	return nil
}

// grantedScopes prefers the scope list the token endpoint reports, since
// users can deselect scopes on the consent screen.
func grantedScopes(token *oauth2.Token, requested []string) []string {
	if s, ok := token.Extra("scope").(string); ok && s != "" {
		return strings.Fields(s)
	}
	return requested
}

const (
	redirectPort = "8089"
	callbackPath = "/callback"
)

// newCallbackHandler returns an HTTP handler that processes the OAuth callback.
func (m *Manager) newCallbackHandler(expectedState string, codeChan chan<- string, errChan chan<- error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != expectedState {
			errChan <- errors.New("state mismatch: possible CSRF attack")
			fmt.Fprintf(w, "Error: state mismatch")
			return
		}
		if e := q.Get("error"); e != "" {
			errChan <- fmt.Errorf("authorization denied: %s", e)
			fmt.Fprintf(w, "Authorization was not granted. You can close this window.")
			return
		}
		code := q.Get("code")
		if code == "" {
			errChan <- errors.New("no code in callback")
			fmt.Fprintf(w, "Error: no authorization code received")
			return
		}
		codeChan <- code
		fmt.Fprintf(w, "Authorization successful! You can close this window.")
	}
}

// browserFlow opens a browser for OAuth authorization and exchanges the
// returned code with PKCE.
func (m *Manager) browserFlow(ctx context.Context) (*oauth2.Token, error) {
	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	state := base64.URLEncoding.EncodeToString(stateBytes)
	verifier := oauth2.GenerateVerifier()

	codeChan := make(chan string, 1)
	errChan := make(chan error, 1)

	mux := http.NewServeMux()
	mux.Handle(callbackPath, m.newCallbackHandler(state, codeChan, errChan))
	server := &http.Server{
		Addr:              "localhost:" + m.redirectPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errChan <- err
		}
	}()
	defer func() { _ = server.Shutdown(context.WithoutCancel(ctx)) }()

	m.config.RedirectURL = "http://localhost:" + m.redirectPort + callbackPath
	authURL := m.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline, oauth2.ApprovalForce, oauth2.S256ChallengeOption(verifier))

	fmt.Fprintf(m.out, "Opening browser for authorization...\n")
	fmt.Fprintf(m.out, "If browser doesn't open, visit:\n%s\n\n", authURL)

	if err := m.openBrowser(authURL); err != nil {
		m.logger.Warn("failed to open browser", "error", err)
	}

	select {
	case code := <-codeChan:
		tok, err := m.config.Exchange(ctx, code, oauth2.VerifierOption(verifier))
		if err != nil {
			return nil, fmt.Errorf("exchange authorization code: %w", err)
		}
		return tok, nil
	case err := <-errChan:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deviceFlow uses the device authorization grant for headless environments.
func (m *Manager) deviceFlow(ctx context.Context) (*oauth2.Token, error) {
	resp, err := m.config.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("request device code: %w", err)
	}

	fmt.Fprintf(m.out, "\n")
	fmt.Fprintf(m.out, "To authorize mailwatch, visit:\n")
	fmt.Fprintf(m.out, "  %s\n\n", resp.VerificationURI)
	fmt.Fprintf(m.out, "And enter code: %s\n\n", resp.UserCode)
	fmt.Fprintf(m.out, "Waiting for authorization...\n")

	tok, err := m.config.DeviceAccessToken(ctx, resp)
	if err != nil {
		return nil, fmt.Errorf("device authorization: %w", err)
	}
	fmt.Fprintf(m.out, "Authorization successful!\n")
	return tok, nil
}

// openBrowser opens the default browser to the given URL.
func openBrowser(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	return cmd.Start()
}
