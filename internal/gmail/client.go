package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const (
	defaultTimeout = 30 * time.Second

	// Gmail rejects history pages above this size.
	maxHistoryPageSize = 500
)

// TokenSourceFunc returns the token source for one account. The context is
// the request context so token refreshes observe cancellation.
type TokenSourceFunc func(ctx context.Context, account string) oauth2.TokenSource

type accountKey struct{}

func withAccount(ctx context.Context, account string) context.Context {
	return context.WithValue(ctx, accountKey{}, account)
}

func accountFrom(ctx context.Context) string {
	s, _ := ctx.Value(accountKey{}).(string)
	return s
}

// accountTransport authorizes each request with the token of the account
// carried in the request context.
type accountTransport struct {
	sources TokenSourceFunc
	base    http.RoundTripper
}

func (t *accountTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	account := accountFrom(req.Context())
	if account == "" {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, errors.New("gmail: request has no account")
	}
	rt := &oauth2.Transport{
		Source: t.sources(req.Context(), account),
		Base:   t.base,
	}
	return rt.RoundTrip(req)
}

// Client implements the Gmail API interface on top of google.golang.org/api.
// One Client serves every account; retries and pacing are the caller's job.
type Client struct {
	svc      *gmailv1.Service
	logger   *slog.Logger
	userID   string // "me" for authenticated user
	endpoint string
	base     http.RoundTripper
	timeout  time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithEndpoint points the client at a different API root (tests).
func WithEndpoint(endpoint string) ClientOption {
	return func(c *Client) {
		c.endpoint = endpoint
	}
}

// WithTransport sets the base transport under the authorizing transport.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) {
		c.base = rt
	}
}

// NewClient creates a Gmail client that authorizes every call with the
// token source of the call's account.
func NewClient(ctx context.Context, sources TokenSourceFunc, opts ...ClientOption) (*Client, error) {
	c := &Client{
		logger:  slog.Default(),
		userID:  "me",
		base:    http.DefaultTransport,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	httpClient := &http.Client{
		Transport: &accountTransport{sources: sources, base: c.base},
		Timeout:   c.timeout,
	}
	svcOpts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if c.endpoint != "" {
		svcOpts = append(svcOpts, option.WithEndpoint(c.endpoint))
	}

	svc, err := gmailv1.NewService(ctx, svcOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	c.svc = svc
	return c, nil
}

// Close releases resources held by the client.
func (c *Client) Close() error {
	// HTTP client doesn't need explicit closing
	return nil
}

// Watch calls users.watch. Only changes to the requested labels are pushed.
func (c *Client) Watch(ctx context.Context, account string, req WatchRequest) (*WatchResponse, error) {
	wr := &gmailv1.WatchRequest{
		TopicName: req.TopicName,
		LabelIds:  req.LabelIDs,
	}
	if len(req.LabelIDs) > 0 {
		wr.LabelFilterBehavior = "include"
	}

	resp, err := c.svc.Users.Watch(c.userID, wr).Context(withAccount(ctx, account)).Do()
	if err != nil {
		return nil, wrapError("users.watch", err)
	}

	c.logger.Debug("watch registered", "account", account, "history_id", resp.HistoryId, "expiration", resp.Expiration)
	return &WatchResponse{
		HistoryID:  resp.HistoryId,
		Expiration: time.UnixMilli(resp.Expiration),
	}, nil
}

// Stop calls users.stop.
func (c *Client) Stop(ctx context.Context, account string) error {
	err := c.svc.Users.Stop(c.userID).Context(withAccount(ctx, account)).Do()
	return wrapError("users.stop", err)
}

// GetProfile returns the authenticated user's profile.
func (c *Client) GetProfile(ctx context.Context, account string) (*Profile, error) {
	resp, err := c.svc.Users.GetProfile(c.userID).Context(withAccount(ctx, account)).Do()
	if err != nil {
		return nil, wrapError("users.getProfile", err)
	}
	return &Profile{
		EmailAddress:  resp.EmailAddress,
		MessagesTotal: resp.MessagesTotal,
		ThreadsTotal:  resp.ThreadsTotal,
		HistoryID:     resp.HistoryId,
	}, nil
}

// ListHistory returns one page of messageAdded changes since the given history ID.
func (c *Client) ListHistory(ctx context.Context, account string, req HistoryRequest) (*HistoryResponse, error) {
	call := c.svc.Users.History.List(c.userID).
		StartHistoryId(req.StartHistoryID).
		HistoryTypes("messageAdded")
	if req.LabelID != "" {
		call = call.LabelId(req.LabelID)
	}
	if req.PageSize > 0 {
		size := req.PageSize
		if size > maxHistoryPageSize {
			size = maxHistoryPageSize
		}
		call = call.MaxResults(int64(size))
	}
	if req.PageToken != "" {
		call = call.PageToken(req.PageToken)
	}

	resp, err := call.Context(withAccount(ctx, account)).Do()
	if err != nil {
		return nil, wrapError("users.history.list", err)
	}

	records := make([]HistoryRecord, 0, len(resp.History))
	for _, h := range resp.History {
		rec := HistoryRecord{ID: h.Id}
		for _, added := range h.MessagesAdded {
			if added == nil || added.Message == nil {
				continue
			}
			rec.MessagesAdded = append(rec.MessagesAdded, MessageID{
				ID:       added.Message.Id,
				ThreadID: added.Message.ThreadId,
			})
		}
		records = append(records, rec)
	}

	return &HistoryResponse{
		History:       records,
		NextPageToken: resp.NextPageToken,
		HistoryID:     resp.HistoryId,
	}, nil
}

// GetMessageRaw fetches a single message with raw MIME data.
func (c *Client) GetMessageRaw(ctx context.Context, account, messageID string) (*RawMessage, error) {
	resp, err := c.svc.Users.Messages.Get(c.userID, messageID).
		Format("raw").
		Context(withAccount(ctx, account)).
		Do()
	if err != nil {
		return nil, wrapError("users.messages.get", err)
	}

	rawBytes, err := decodeBase64URL(resp.Raw)
	if err != nil {
		return nil, fmt.Errorf("decode raw MIME for %s: %w", messageID, err)
	}

	return &RawMessage{
		ID:           resp.Id,
		ThreadID:     resp.ThreadId,
		LabelIDs:     resp.LabelIds,
		Snippet:      resp.Snippet,
		HistoryID:    resp.HistoryId,
		InternalDate: resp.InternalDate,
		SizeEstimate: resp.SizeEstimate,
		Raw:          rawBytes,
	}, nil
}

// decodeBase64URL decodes a base64url-encoded string, tolerating optional padding.
// Gmail typically returns unpadded base64url.
func decodeBase64URL(s string) ([]byte, error) {
	if strings.ContainsRune(s, '=') {
		return base64.URLEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// Ensure Client implements API interface.
var _ API = (*Client)(nil)
