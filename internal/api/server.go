// Package api provides the HTTP surface of mailwatch: the Gmail push
// endpoint and the operator API.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/weddingdesk/mailwatch/internal/config"
	"github.com/weddingdesk/mailwatch/internal/dispatch"
	"github.com/weddingdesk/mailwatch/internal/scheduler"
	"github.com/weddingdesk/mailwatch/internal/store"
)

// AccountStore defines the store reads the API needs.
type AccountStore interface {
	GetStats() (*store.Stats, error)
	ListCredentials() ([]*store.Credential, error)
	GetCredential(accountID string) (*store.Credential, error)
	GetWatch(accountID string) (*store.Watch, error)
	LastSyncRun(accountID string) (*store.SyncRun, error)
	ListSyncRuns(accountID string, limit int) ([]*store.SyncRun, error)
	CountProcessed(accountID string) (int64, error)
	ListTodos(accountID string, limit int) ([]*store.Todo, error)
}

// Controller queues account work and reports scheduling state.
// *engine.Engine satisfies it.
type Controller interface {
	SubmitSync(account string) (*dispatch.Ticket, bool, error)
	TriggerRenewal(account string) (*dispatch.Ticket, error)
	StopWatch(account string) (*dispatch.Ticket, error)
	SchedulerStatus() (*scheduler.Status, error)
}

// Server represents the HTTP API server.
type Server struct {
	cfg         *config.Config
	store       AccountStore
	ctl         Controller
	push        http.Handler
	logger      *slog.Logger
	router      chi.Router
	server      *http.Server
	rateLimiter *RateLimiter
}

// NewServer creates a new API server. push serves the Gmail webhook.
func NewServer(cfg *config.Config, st AccountStore, ctl Controller, push http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		store:  st,
		ctl:    ctl,
		push:   push,
		logger: logger,
	}
	s.router = s.setupRouter()
	return s
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(s.loggerMiddleware)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	// Pub/Sub authenticates itself and paces its own retries, so the push
	// endpoint sits outside CORS and the per-IP limiter.
	if s.push != nil {
		r.Method(http.MethodPost, "/webhooks/gmail", s.push)
		r.Method(http.MethodGet, "/webhooks/gmail", s.push)
	}

	r.Group(func(r chi.Router) {
		corsConfig := CORSConfig{
			AllowedOrigins:   s.cfg.Server.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
			AllowCredentials: s.cfg.Server.CORSCredentials,
			MaxAge:           s.cfg.Server.CORSMaxAge,
		}
		if corsConfig.MaxAge == 0 && len(corsConfig.AllowedOrigins) > 0 {
			corsConfig.MaxAge = 86400
		}
		r.Use(CORSMiddleware(corsConfig))

		rps, burst := s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst
		if rps <= 0 {
			rps = 10
		}
		if burst <= 0 {
			burst = 20
		}
		s.rateLimiter = NewRateLimiter(rps, burst)
		r.Use(RateLimitMiddleware(s.rateLimiter))

		r.Get("/health", s.handleHealth)

		r.Route("/api/v1", func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/stats", s.handleStats)

			r.Get("/accounts", s.handleListAccounts)
			r.Route("/accounts/{account}", func(r chi.Router) {
				r.Get("/", s.handleGetAccount)
				r.Post("/watch", s.handleEnsureWatch)
				r.Delete("/watch", s.handleStopWatch)
				r.Post("/sync", s.handleTriggerSync)
				r.Get("/todos", s.handleListTodos)
			})

			r.Get("/scheduler/status", s.handleSchedulerStatus)
		})
	})

	return r
}

// Start begins listening for HTTP requests.
// Returns an error if the security posture is invalid.
func (s *Server) Start() error {
	if err := s.cfg.Server.ValidateSecure(); err != nil {
		return err
	}

	bindAddr := s.cfg.Server.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	addr := net.JoinHostPort(bindAddr, strconv.Itoa(s.cfg.Server.APIPort))

	if s.cfg.Server.APIKey == "" {
		s.logger.Warn("API server running without authentication; set [server] api_key in config.toml")
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.rateLimiter != nil {
		s.rateLimiter.Close()
	}
	if s.server == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// loggerMiddleware logs HTTP requests.
func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// authMiddleware validates the API key.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Server.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			authHeader = r.Header.Get("X-API-Key")
		}
		if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
			authHeader = authHeader[7:]
		}

		if subtle.ConstantTimeCompare([]byte(authHeader), []byte(s.cfg.Server.APIKey)) != 1 {
			s.logger.Warn("unauthorized API request",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
