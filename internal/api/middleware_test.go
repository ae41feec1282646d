package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCORSMiddleware(t *testing.T) {
	cfg := CORSConfig{
		AllowedOrigins: []string{"https://planner.example"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization"},
		MaxAge:         600,
	}
	handler := CORSMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name           string
		method         string
		origin         string
		wantStatus     int
		wantCORSHeader bool
	}{
		{"no origin", "GET", "", http.StatusOK, false},
		{"allowed origin", "GET", "https://planner.example", http.StatusOK, true},
		{"foreign origin", "GET", "https://evil.example", http.StatusOK, false},
		{"preflight", "OPTIONS", "https://planner.example", http.StatusNoContent, true},
		{"foreign preflight", "OPTIONS", "https://evil.example", http.StatusOK, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/v1/accounts", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			got := w.Header().Get("Access-Control-Allow-Origin")
			if tt.wantCORSHeader && got != tt.origin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.origin)
			}
			if !tt.wantCORSHeader && got != "" {
				t.Errorf("Allow-Origin = %q, want none", got)
			}
		})
	}
}

func TestCORSPreflightHeaders(t *testing.T) {
	handler := CORSMiddleware(CORSConfig{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "DELETE"},
		AllowedHeaders:   []string{"X-API-Key"},
		AllowCredentials: true,
		MaxAge:           60,
	})(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/accounts", nil)
	req.Header.Set("Origin", "https://planner.example")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	want := map[string]string{
		"Access-Control-Allow-Methods":     "GET, DELETE",
		"Access-Control-Allow-Headers":     "X-API-Key",
		"Access-Control-Allow-Credentials": "true",
		"Access-Control-Max-Age":           "60",
	}
	for k, v := range want {
		if got := w.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(1, 2)
	defer limiter.Close()

	if !limiter.Allow("10.0.0.1") || !limiter.Allow("10.0.0.1") {
		t.Fatal("burst requests should be allowed")
	}
	if limiter.Allow("10.0.0.1") {
		t.Error("third immediate request should be limited")
	}
	if !limiter.Allow("10.0.0.2") {
		t.Error("other IPs have their own bucket")
	}
}

func TestRateLimiterEvictsIdle(t *testing.T) {
	limiter := NewRateLimiter(1, 1)
	defer limiter.Close()
	limiter.Allow("10.0.0.1")

	limiter.evict(time.Now().Add(limiterIdleTTL + time.Second))

	limiter.mu.Lock()
	n := len(limiter.visitors)
	limiter.mu.Unlock()
	if n != 0 {
		t.Errorf("visitors = %d after eviction, want 0", n)
	}
	limiter.Close() // idempotent
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewRateLimiter(1, 1)
	defer limiter.Close()
	handler := RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/health", nil)
		req.RemoteAddr = remote
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	if w := send("192.0.2.1:1111"); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}
	// Same IP, different source port, shares the bucket.
	w := send("192.0.2.1:2222")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "198.51.100.7:443"
	if got := clientIP(req); got != "198.51.100.7" {
		t.Errorf("clientIP = %q", got)
	}
	req.Header.Set("X-Real-IP", "203.0.113.9")
	if got := clientIP(req); got != "203.0.113.9" {
		t.Errorf("clientIP with X-Real-IP = %q", got)
	}
	req = httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "pipe"
	if got := clientIP(req); got != "pipe" {
		t.Errorf("clientIP without port = %q", got)
	}
}
