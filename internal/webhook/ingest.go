// Package webhook receives Gmail push notifications relayed by Pub/Sub and
// turns each new one into a queued history sync.
package webhook

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/weddingdesk/mailwatch/internal/clock"
	"github.com/weddingdesk/mailwatch/internal/dispatch"
	"github.com/weddingdesk/mailwatch/internal/store"
)

// Outcome is what happened to one push delivery.
type Outcome int

const (
	Rejected Outcome = iota
	Accepted
	Deduplicated
	Ignored // unknown or disconnected account, acknowledged anyway
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Deduplicated:
		return "deduplicated"
	case Ignored:
		return "ignored"
	default:
		return "rejected"
	}
}

var (
	// ErrUnauthenticated means the request failed the token or OIDC check.
	ErrUnauthenticated = errors.New("push request not authenticated")

	// ErrMalformed means the envelope or its data could not be decoded.
	ErrMalformed = errors.New("malformed push notification")
)

const (
	defaultDedupeWindow = 60 * time.Second
	defaultMaxBody      = 1 << 20
)

// Notification is one decoded Gmail push.
type Notification struct {
	Account      string
	HistoryID    uint64 // hint only; the syncer reads from the stored cursor
	MessageID    string // Pub/Sub message ID
	PublishTime  time.Time
	Subscription string
	ReceivedAt   time.Time
	DedupeKey    string
}

type pushEnvelope struct {
	Message struct {
		Data        string    `json:"data"`
		MessageID   string    `json:"messageId"`
		PublishTime time.Time `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type gmailPayload struct {
	EmailAddress string          `json:"emailAddress"`
	HistoryID    json.RawMessage `json:"historyId"`
}

// Accounts looks up whether an account has a watch.
type Accounts interface {
	GetWatch(accountID string) (*store.Watch, error)
}

// Enqueuer queues a history sync for an account without blocking.
type Enqueuer interface {
	EnqueueSync(account string) error
}

// Config configures an Ingestor.
type Config struct {
	VerificationToken string        // shared ?token= secret; empty disables the check
	DedupeWindow      time.Duration // default 60s
	MaxBodyBytes      int64
}

// Ingestor validates, deduplicates and enqueues push notifications.
type Ingestor struct {
	cfg      Config
	verifier Verifier // nil disables OIDC verification
	accounts Accounts
	queue    Enqueuer
	clock    clock.Clock
	logger   *slog.Logger

	mu        sync.Mutex
	seen      map[string]time.Time
	lastSweep time.Time
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithVerifier sets the OIDC verifier.
func WithVerifier(v Verifier) Option {
	return func(i *Ingestor) { i.verifier = v }
}

// WithClock sets the clock used for the dedupe window.
func WithClock(c clock.Clock) Option {
	return func(i *Ingestor) { i.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Ingestor) { i.logger = l }
}

// NewIngestor creates an Ingestor.
func NewIngestor(cfg Config, accounts Accounts, queue Enqueuer, opts ...Option) *Ingestor {
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = defaultDedupeWindow
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	i := &Ingestor{
		cfg:      cfg,
		accounts: accounts,
		queue:    queue,
		logger:   slog.Default(),
		seen:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.clock = clock.OrSystem(i.clock)
	return i
}

// OnNotification handles one push delivery. Authentication runs before
// anything else and a rejected request has no side effects. A non-nil
// error with an Accepted-looking request means the sync could not be
// queued and the push should be redelivered.
func (i *Ingestor) OnNotification(r *http.Request) (Outcome, *Notification, error) {
	if err := i.authenticate(r); err != nil {
		return Rejected, nil, err
	}

	n, err := i.decode(r)
	if err != nil {
		return Rejected, nil, err
	}

	w, err := i.accounts.GetWatch(n.Account)
	if err != nil {
		return Rejected, n, fmt.Errorf("look up account: %w", err)
	}
	if w == nil || w.Status == store.WatchStopped {
		i.logger.Info("push for unknown account acknowledged", "account", n.Account, "history_id", n.HistoryID)
		return Ignored, n, nil
	}

	if !i.claim(n.DedupeKey) {
		i.logger.Debug("duplicate push dropped", "account", n.Account, "history_id", n.HistoryID)
		return Deduplicated, n, nil
	}

	if err := i.queue.EnqueueSync(n.Account); err != nil {
		i.forget(n.DedupeKey)
		i.logger.Warn("could not queue sync", "account", n.Account, "error", err)
		return Rejected, n, err
	}
	i.logger.Debug("push accepted", "account", n.Account, "history_id", n.HistoryID, "pubsub_id", n.MessageID)
	return Accepted, n, nil
}

func (i *Ingestor) authenticate(r *http.Request) error {
	if !i.tokenMatches(r) {
		return fmt.Errorf("%w: bad verification token", ErrUnauthenticated)
	}
	if i.verifier != nil {
		if err := i.verifier.Verify(r); err != nil {
			return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}
	}
	return nil
}

func (i *Ingestor) tokenMatches(r *http.Request) bool {
	if i.cfg.VerificationToken == "" {
		return true
	}
	got := r.URL.Query().Get("token")
	return subtle.ConstantTimeCompare([]byte(got), []byte(i.cfg.VerificationToken)) == 1
}

func (i *Ingestor) decode(r *http.Request) (*Notification, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, i.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrMalformed, err)
	}
	if int64(len(body)) > i.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrMalformed, i.cfg.MaxBodyBytes)
	}

	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	data, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		// Some relays use the URL-safe alphabet.
		if data, err = base64.URLEncoding.DecodeString(env.Message.Data); err != nil {
			return nil, fmt.Errorf("%w: message data is not base64", ErrMalformed)
		}
	}

	var p gmailPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: message data: %v", ErrMalformed, err)
	}
	account := strings.ToLower(strings.TrimSpace(p.EmailAddress))
	if account == "" {
		return nil, fmt.Errorf("%w: no emailAddress", ErrMalformed)
	}
	historyID, err := parseHistoryID(p.HistoryID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return &Notification{
		Account:      account,
		HistoryID:    historyID,
		MessageID:    env.Message.MessageID,
		PublishTime:  env.Message.PublishTime,
		Subscription: env.Subscription,
		ReceivedAt:   i.clock.Now(),
		DedupeKey:    account + ":" + strconv.FormatUint(historyID, 10),
	}, nil
}

// parseHistoryID accepts the ID as a JSON number or string.
func parseHistoryID(raw json.RawMessage) (uint64, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" {
		return 0, errors.New("no historyId")
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid historyId %q", s)
	}
	return id, nil
}

// claim records key and reports whether it was not seen inside the window.
func (i *Ingestor) claim(key string) bool {
	now := i.clock.Now()
	i.mu.Lock()
	defer i.mu.Unlock()

	if now.Sub(i.lastSweep) >= i.cfg.DedupeWindow {
		for k, at := range i.seen {
			if now.Sub(at) >= i.cfg.DedupeWindow {
				delete(i.seen, k)
			}
		}
		i.lastSweep = now
	}

	if at, ok := i.seen[key]; ok && now.Sub(at) < i.cfg.DedupeWindow {
		return false
	}
	i.seen[key] = now
	return true
}

func (i *Ingestor) forget(key string) {
	i.mu.Lock()
	delete(i.seen, key)
	i.mu.Unlock()
}

// ServeHTTP answers Pub/Sub: 204 for anything that should not be
// redelivered, 503 when the queue is full, 401 or 400 for rejections. GET
// echoes the challenge parameter for endpoint verification.
func (i *Ingestor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		i.serveChallenge(w, r)
	case http.MethodPost:
		i.servePush(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (i *Ingestor) serveChallenge(w http.ResponseWriter, r *http.Request) {
	if !i.tokenMatches(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	challenge := r.URL.Query().Get("challenge")
	if challenge == "" {
		http.Error(w, "missing challenge", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, challenge)
}

func (i *Ingestor) servePush(w http.ResponseWriter, r *http.Request) {
	outcome, _, err := i.OnNotification(r)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrUnauthenticated):
		i.logger.Warn("push rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, ErrMalformed):
		i.logger.Warn("push rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
	case errors.Is(err, dispatch.ErrQueueFull), errors.Is(err, dispatch.ErrClosed):
		w.Header().Set("Retry-After", "10")
		http.Error(w, "busy", http.StatusServiceUnavailable)
	default:
		i.logger.Error("push failed", "outcome", outcome.String(), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
