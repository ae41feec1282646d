package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"

	"github.com/weddingdesk/mailwatch/internal/failure"
	"github.com/weddingdesk/mailwatch/internal/gmail"
)

// Class says what the executor should do with a failed attempt.
type Class int

const (
	Terminal    Class = iota // return the error as is
	Retryable                // back off and try again
	RateLimited              // back off, throttle the account's quota bucket
	Auth                     // 401/403 from the provider, returned unmodified
)

func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case RateLimited:
		return "rate_limited"
	case Auth:
		return "auth"
	default:
		return "terminal"
	}
}

// Classify maps an attempt error to a Class and any provider-requested delay.
// NeedsReauth anywhere in the chain is terminal and wins over everything.
func Classify(err error) (Class, time.Duration) {
	if err == nil {
		return Terminal, 0
	}
	if errors.Is(err, failure.ErrNeedsReauth) {
		return Terminal, 0
	}
	// Already classified by a nested executor (token refresh inside a call).
	if failure.Kind(err) != nil {
		return Terminal, 0
	}

	var apiErr *gmail.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode, apiErr.IsRateLimit()), apiErr.RetryAfter
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		class := classifyStatus(rerr.Response.StatusCode, rerr.Response.StatusCode == http.StatusTooManyRequests)
		if class == Auth {
			class = Terminal
		}
		return class, 0
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Retryable, 0
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable, 0
	}
	if errors.Is(err, context.Canceled) {
		return Terminal, 0
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return Retryable, 0
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable, 0
	}
	return Terminal, 0
}

func classifyStatus(status int, rateLimited bool) Class {
	switch {
	case rateLimited:
		return RateLimited
	case status >= 500:
		return Retryable
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Auth
	default:
		return Terminal
	}
}

func (c Class) retries() bool {
	return c == Retryable || c == RateLimited
}
