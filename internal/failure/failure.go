// Package failure defines the error taxonomy shared by the token, watch and
// history components.
//
// Every classified failure is a *Error whose Kind is one of the sentinel
// errors below, so callers can branch with errors.Is without knowing which
// component produced it.
package failure

import (
	"errors"
	"fmt"
)

var (
	// ErrNeedsReauth means the account owner must grant consent again.
	// It is never retried automatically.
	ErrNeedsReauth = errors.New("needs re-authorization")

	// ErrProviderRejected is a permanent provider-side refusal.
	ErrProviderRejected = errors.New("provider rejected request")

	// ErrTransient covers network errors, 5xx and 429 responses.
	ErrTransient = errors.New("transient provider failure")

	// ErrExhausted means the retry budget ran out on transient failures.
	// The operation is safe to trigger again later.
	ErrExhausted = errors.New("retries exhausted")

	// ErrCursorGone means the provider no longer knows the stored history
	// cursor and the account has to be re-baselined.
	ErrCursorGone = errors.New("history cursor expired")
)

// Error is a classified failure.
type Error struct {
	Kind    error  // one of the sentinel errors above
	Op      string // operation that failed, e.g. "watch" or "token refresh"
	Account string
	Status  int // HTTP status when the provider answered, 0 otherwise
	Err     error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Account != "" {
		msg += " for " + e.Account
	}
	msg += ": " + e.Kind.Error()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (%d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is this failure's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a classified failure.
func New(kind error, op, account string, err error) *Error {
	return &Error{Kind: kind, Op: op, Account: account, Err: err}
}

// NeedsReauth is shorthand for New(ErrNeedsReauth, ...).
func NeedsReauth(op, account string, err error) *Error {
	return New(ErrNeedsReauth, op, account, err)
}

// Kind returns the sentinel kind of err, or nil if err is not classified.
func Kind(err error) error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return nil
}

// IsDeferrable reports whether err is a failure that should simply be tried
// again on the next natural trigger (next tick, next webhook).
func IsDeferrable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrExhausted)
}
