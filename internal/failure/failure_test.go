package failure

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsKind(t *testing.T) {
	cause := errors.New("invalid_grant")
	err := NeedsReauth("token refresh", "bride@example.com", cause)

	if !errors.Is(err, ErrNeedsReauth) {
		t.Error("errors.Is(err, ErrNeedsReauth) = false, want true")
	}
	if errors.Is(err, ErrTransient) {
		t.Error("errors.Is(err, ErrTransient) = true, want false")
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}

	wrapped := fmt.Errorf("ensure watch: %w", err)
	if !errors.Is(wrapped, ErrNeedsReauth) {
		t.Error("kind lost through fmt.Errorf wrapping")
	}
	if Kind(wrapped) != ErrNeedsReauth {
		t.Errorf("Kind() = %v, want ErrNeedsReauth", Kind(wrapped))
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: ErrProviderRejected, Op: "watch", Account: "a@example.com", Status: 400, Err: errors.New("bad topic")}
	want := "watch for a@example.com: provider rejected request (400): bad topic"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestIsDeferrable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", New(ErrTransient, "op", "", nil), true},
		{"exhausted", New(ErrExhausted, "op", "", nil), true},
		{"needs reauth", New(ErrNeedsReauth, "op", "", nil), false},
		{"rejected", New(ErrProviderRejected, "op", "", nil), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDeferrable(tt.err); got != tt.want {
				t.Errorf("IsDeferrable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindUnclassified(t *testing.T) {
	if k := Kind(errors.New("x")); k != nil {
		t.Errorf("Kind() = %v, want nil", k)
	}
}
