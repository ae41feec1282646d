package gmail

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
)

// APIError is a non-2xx response from the Gmail API.
type APIError struct {
	Op         string // e.g. "users.watch"
	StatusCode int
	Reason     string // first googleapi error reason, e.g. "rateLimitExceeded"
	Message    string
	RetryAfter time.Duration // zero when the response carried no Retry-After
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("gmail %s: %d %s: %s", e.Op, e.StatusCode, e.Reason, e.Message)
	}
	return fmt.Sprintf("gmail %s: %d: %s", e.Op, e.StatusCode, e.Message)
}

// IsRateLimit reports whether the response is a quota rejection. Gmail
// returns 403 with a rateLimitExceeded reason for quota errors instead of 429.
func (e *APIError) IsRateLimit() bool {
	if e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if e.StatusCode != http.StatusForbidden {
		return false
	}
	return isRateLimitReason(e.Reason) || isRateLimitReason(e.Message)
}

func isRateLimitReason(s string) bool {
	return strings.Contains(s, "rateLimitExceeded") ||
		strings.Contains(s, "RATE_LIMIT_EXCEEDED") ||
		strings.Contains(s, "Quota exceeded") ||
		strings.Contains(s, "userRateLimitExceeded")
}

// IsNotFound reports whether err is a Gmail 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// wrapError converts a googleapi error into an *APIError. Other errors
// (transport failures, token errors) are returned unchanged.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return fmt.Errorf("gmail %s: %w", op, err)
	}
	apiErr := &APIError{
		Op:         op,
		StatusCode: gerr.Code,
		Message:    gerr.Message,
		RetryAfter: parseRetryAfter(gerr.Header.Get("Retry-After")),
	}
	if len(gerr.Errors) > 0 {
		apiErr.Reason = gerr.Errors[0].Reason
		if apiErr.Message == "" {
			apiErr.Message = gerr.Errors[0].Message
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(gerr.Body)
	}
	return apiErr
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
