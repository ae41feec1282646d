package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/weddingdesk/mailwatch/internal/clock"
	"github.com/weddingdesk/mailwatch/internal/failure"
	"github.com/weddingdesk/mailwatch/internal/gmail"
	"github.com/weddingdesk/mailwatch/internal/retry"
	"github.com/weddingdesk/mailwatch/internal/store"
)

const opRefresh = "token refresh"

// DefaultRefreshMargin is how long before expiry a stored access token is
// treated as stale.
const DefaultRefreshMargin = 5 * time.Minute

// ErrNoCredential means the account never completed consent.
var ErrNoCredential = errors.New("no stored credential")

// ErrNoRefreshToken means the stored grant cannot be renewed.
var ErrNoRefreshToken = errors.New("no refresh token")

// CredentialStore is the persistence the refresher needs.
type CredentialStore interface {
	GetCredential(accountID string) (*store.Credential, error)
	PutCredential(cred *store.Credential, merge bool) error
	MarkReauthRequired(accountID, reason string) error
}

// Refresher hands out valid access tokens, refreshing them through the
// token endpoint when they are within the safety margin of expiry.
type Refresher struct {
	store  CredentialStore
	config *oauth2.Config
	exec   *retry.Executor
	margin time.Duration
	clock  clock.Clock
	client *http.Client
	logger *slog.Logger

	group singleflight.Group
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithMargin sets the refresh safety margin.
func WithMargin(d time.Duration) RefresherOption {
	return func(r *Refresher) { r.margin = d }
}

// WithClock sets the clock used to judge expiry.
func WithClock(c clock.Clock) RefresherOption {
	return func(r *Refresher) { r.clock = clock.OrSystem(c) }
}

// WithHTTPClient sets the client used to reach the token endpoint.
func WithHTTPClient(c *http.Client) RefresherOption {
	return func(r *Refresher) { r.client = c }
}

// WithRefresherLogger sets the logger.
func WithRefresherLogger(l *slog.Logger) RefresherOption {
	return func(r *Refresher) { r.logger = l }
}

// NewRefresher creates a Refresher. cfg supplies the client credentials and
// token endpoint; exec runs each exchange.
func NewRefresher(st CredentialStore, cfg *oauth2.Config, exec *retry.Executor, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		store:  st,
		config: cfg,
		exec:   exec,
		margin: DefaultRefreshMargin,
		clock:  clock.System{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AccessToken returns a token for account that is valid for at least the
// refresh margin. Failures are NeedsReauth or deferrable (Transient,
// Exhausted). Concurrent callers for one account share a single exchange.
func (r *Refresher) AccessToken(ctx context.Context, account string) (*oauth2.Token, error) {
	cred, err := r.load(account)
	if err != nil {
		return nil, err
	}
	if r.fresh(cred) {
		return tokenFromCredential(cred), nil
	}

	ch := r.group.DoChan(account, func() (any, error) {
		// The exchange outlives any single caller's cancellation.
		return r.refresh(context.WithoutCancel(ctx), account)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*oauth2.Token), nil
	case <-ctx.Done():
		return nil, failure.New(failure.ErrTransient, opRefresh, account, ctx.Err())
	}
}

// load reads the credential and rejects accounts that cannot produce a
// token without the owner.
func (r *Refresher) load(account string) (*store.Credential, error) {
	cred, err := r.store.GetCredential(account)
	if err != nil {
		return nil, failure.New(failure.ErrTransient, opRefresh, account, err)
	}
	if cred == nil {
		return nil, failure.NeedsReauth(opRefresh, account, ErrNoCredential)
	}
	if cred.ReauthRequired {
		reason := cred.ReauthReason
		if reason == "" {
			reason = "re-authorization required"
		}
		return nil, failure.NeedsReauth(opRefresh, account, errors.New(reason))
	}
	return cred, nil
}

func (r *Refresher) fresh(cred *store.Credential) bool {
	if cred.AccessToken == "" || cred.ExpiresAt.IsZero() {
		return false
	}
	return cred.ExpiresAt.After(r.clock.Now().Add(r.margin))
}

func (r *Refresher) refresh(ctx context.Context, account string) (*oauth2.Token, error) {
	// Another flight may have finished between the caller's read and ours.
	cred, err := r.load(account)
	if err != nil {
		return nil, err
	}
	if r.fresh(cred) {
		return tokenFromCredential(cred), nil
	}
	if !cred.HasRefreshToken() {
		r.markReauth(account, ErrNoRefreshToken.Error())
		return nil, failure.NeedsReauth(opRefresh, account, ErrNoRefreshToken)
	}

	tok, err := retry.Do(ctx, r.exec, account, gmail.OpTokenRefresh, func(ctx context.Context) (*oauth2.Token, error) {
		if r.client != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
		}
		return r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	})
	if err != nil {
		if reason, ok := rejectedGrant(err); ok {
			r.markReauth(account, reason)
			return nil, failure.NeedsReauth(opRefresh, account, err)
		}
		if failure.Kind(err) != nil {
			return nil, err
		}
		return nil, failure.New(failure.ErrTransient, opRefresh, account, err)
	}

	update := &store.Credential{
		AccountID:    account,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
	}
	if err := r.store.PutCredential(update, true); err != nil {
		return nil, failure.New(failure.ErrTransient, opRefresh, account, fmt.Errorf("persist refreshed token: %w", err))
	}
	r.logger.Debug("refreshed access token", "account", account, "expires_at", tok.Expiry)
	return tok, nil
}

func (r *Refresher) markReauth(account, reason string) {
	if err := r.store.MarkReauthRequired(account, reason); err != nil {
		r.logger.Warn("failed to flag credential for re-authorization", "account", account, "error", err)
		return
	}
	r.logger.Warn("credential needs re-authorization", "account", account, "reason", reason)
}

// rejectedGrant reports whether the token endpoint refused the grant itself,
// which only fresh consent can fix.
func rejectedGrant(err error) (string, bool) {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		return "", false
	}
	switch rerr.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client":
		return rerr.ErrorCode, true
	}
	if rerr.Response != nil {
		switch rerr.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized:
			return rerr.Response.Status, true
		}
	}
	return "", false
}

func tokenFromCredential(c *store.Credential) *oauth2.Token {
	tokenType := c.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    tokenType,
		Expiry:       c.ExpiresAt,
	}
}

// TokenSource adapts the refresher to oauth2.TokenSource for one account.
// Its signature matches gmail.TokenSourceFunc.
func (r *Refresher) TokenSource(ctx context.Context, account string) oauth2.TokenSource {
	return &accountTokenSource{ctx: ctx, account: account, r: r}
}

type accountTokenSource struct {
	ctx     context.Context
	account string
	r       *Refresher
}

func (s *accountTokenSource) Token() (*oauth2.Token, error) {
	return s.r.AccessToken(s.ctx, s.account)
}
