package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/weddingdesk/mailwatch/internal/clock"
)

// Issuers Google uses for push OIDC tokens.
var googleIssuers = map[string]bool{
	"accounts.google.com":         true,
	"https://accounts.google.com": true,
}

const (
	jwksRefreshInterval = 15 * time.Minute
	tokenSkew           = 30 * time.Second
)

// Verifier checks that a push request came from the configured sender.
type Verifier interface {
	Verify(r *http.Request) error
}

// KeySource supplies the key set push tokens are signed with.
type KeySource interface {
	KeySet(ctx context.Context) (jwk.Set, error)
}

// JWKSCache keeps a remote JWKS warm and refreshes it in the background.
type JWKSCache struct {
	url   string
	cache *jwk.Cache
}

// NewJWKSCache registers url and performs the first fetch.
func NewJWKSCache(ctx context.Context, url string) (*JWKSCache, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(url, jwk.WithMinRefreshInterval(jwksRefreshInterval)); err != nil {
		return nil, fmt.Errorf("register JWKS %s: %w", url, err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := cache.Refresh(fetchCtx, url); err != nil {
		return nil, fmt.Errorf("initial JWKS fetch: %w", err)
	}
	return &JWKSCache{url: url, cache: cache}, nil
}

// KeySet returns the cached set, fetching directly if the cache has none.
func (c *JWKSCache) KeySet(ctx context.Context) (jwk.Set, error) {
	set, err := c.cache.Get(ctx, c.url)
	if err != nil {
		return jwk.Fetch(ctx, c.url)
	}
	return set, nil
}

// StaticKeys is a fixed key set.
type StaticKeys struct {
	Set jwk.Set
}

func (s StaticKeys) KeySet(context.Context) (jwk.Set, error) {
	return s.Set, nil
}

// OIDCVerifier validates the bearer token Pub/Sub attaches to authenticated
// push requests: signature, expiry, issuer, audience and the push service
// account's email.
type OIDCVerifier struct {
	keys           KeySource
	audience       string
	serviceAccount string
	clock          clock.Clock
}

// NewOIDCVerifier creates an OIDCVerifier. An empty serviceAccount accepts
// any verified Google identity.
func NewOIDCVerifier(keys KeySource, audience, serviceAccount string, clk clock.Clock) *OIDCVerifier {
	return &OIDCVerifier{
		keys:           keys,
		audience:       audience,
		serviceAccount: serviceAccount,
		clock:          clock.OrSystem(clk),
	}
}

// Verify checks the request's Authorization header.
func (v *OIDCVerifier) Verify(r *http.Request) error {
	set, err := v.keys.KeySet(r.Context())
	if err != nil {
		return fmt.Errorf("load signing keys: %w", err)
	}

	tok, err := jwt.ParseRequest(r,
		jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithValidate(false))
	if err != nil {
		return fmt.Errorf("parse push token: %w", err)
	}

	opts := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(v.clock.Now)),
		jwt.WithAcceptableSkew(tokenSkew),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	if err := jwt.Validate(tok, opts...); err != nil {
		return fmt.Errorf("validate push token: %w", err)
	}
	if tok.Expiration().IsZero() {
		return errors.New("push token has no expiry")
	}
	if !googleIssuers[tok.Issuer()] {
		return fmt.Errorf("push token issuer %q not accepted", tok.Issuer())
	}

	email := stringClaim(tok, "email")
	if v.serviceAccount != "" && email != v.serviceAccount {
		return fmt.Errorf("push token email %q is not the configured service account", email)
	}
	if verified, ok := tok.Get("email_verified"); ok {
		if b, isBool := verified.(bool); isBool && !b {
			return errors.New("push token email is not verified")
		}
	}
	return nil
}

func stringClaim(tok jwt.Token, name string) string {
	v, ok := tok.Get(name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
