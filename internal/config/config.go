// Package config handles loading and managing mailwatch configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from TOML strings like "5m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents the mailwatch configuration.
type Config struct {
	Data     DataConfig     `toml:"data"`
	OAuth    OAuthConfig    `toml:"oauth"`
	Gmail    GmailConfig    `toml:"gmail"`
	Watch    WatchConfig    `toml:"watch"`
	Retry    RetryConfig    `toml:"retry"`
	Webhook  WebhookConfig  `toml:"webhook"`
	Dispatch DispatchConfig `toml:"dispatch"`
	NATS     NATSConfig     `toml:"nats"`
	Server   ServerConfig   `toml:"server"`
	Accounts []Account      `toml:"accounts"`

	// Computed paths (not from config file)
	HomeDir    string `toml:"-"`
	configPath string
}

// DataConfig holds data storage configuration.
type DataConfig struct {
	DataDir     string `toml:"data_dir"`
	DatabaseURL string `toml:"database_url"`
}

// OAuthConfig holds OAuth configuration.
type OAuthConfig struct {
	ClientSecrets string `toml:"client_secrets"`
	// RefreshMargin is how close to expiry a stored access token may get
	// before it is refreshed instead of returned.
	RefreshMargin Duration `toml:"refresh_margin"`
}

// GmailConfig holds provider-side settings.
type GmailConfig struct {
	Topic         string   `toml:"topic"`     // projects/<project>/topics/<topic>
	LabelIDs      []string `toml:"label_ids"` // watch filter, default INBOX
	RateLimitQPS  float64  `toml:"rate_limit_qps"`
	VerifyProfile bool     `toml:"verify_profile"` // probe getProfile on health ticks
}

// WatchConfig holds watch renewal and delivery tuning.
type WatchConfig struct {
	RenewSchedule       string   `toml:"renew_schedule"` // cron expression or @every
	RenewalWindow       Duration `toml:"renewal_window"`
	MaxItemsPerDelivery int      `toml:"max_items_per_delivery"`
	InterDeliveryDelay  Duration `toml:"inter_delivery_delay"`
}

// RetryConfig holds the provider call retry policy.
type RetryConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
	CallTimeout Duration `toml:"call_timeout"`
}

// WebhookConfig holds push endpoint verification settings.
type WebhookConfig struct {
	Audience          string   `toml:"audience"`           // expected OIDC audience
	ServiceAccount    string   `toml:"service_account"`    // expected push identity email
	VerificationToken string   `toml:"verification_token"` // shared ?token= secret
	DedupeWindow      Duration `toml:"dedupe_window"`
	JWKSURL           string   `toml:"jwks_url"`
	MaxBodyBytes      int64    `toml:"max_body_bytes"`
}

// DispatchConfig sizes the worker pool.
type DispatchConfig struct {
	Workers   int `toml:"workers"`
	QueueSize int `toml:"queue_size"`
}

// NATSConfig configures the JetStream publisher. Empty URL disables it.
type NATSConfig struct {
	URL           string `toml:"url"`
	Stream        string `toml:"stream"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	APIPort         int      `toml:"api_port"`
	BindAddr        string   `toml:"bind_addr"`
	APIKey          string   `toml:"api_key"`
	CORSOrigins     []string `toml:"cors_origins"`
	CORSCredentials bool     `toml:"cors_credentials"`
	CORSMaxAge      int      `toml:"cors_max_age"` // seconds
	RateLimitRPS    float64  `toml:"rate_limit_rps"`
	RateLimitBurst  int      `toml:"rate_limit_burst"`
}

// IsLoopback reports whether the server binds to a loopback address only.
func (s ServerConfig) IsLoopback() bool {
	addr := s.BindAddr
	if addr == "" || strings.EqualFold(addr, "localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(addr, "[]"))
	return ip != nil && ip.IsLoopback()
}

// ValidateSecure refuses to expose the operator API beyond loopback
// without an API key.
func (s ServerConfig) ValidateSecure() error {
	if s.APIKey == "" && !s.IsLoopback() {
		return fmt.Errorf("refusing to bind the API server to %s without an api_key; set [server] api_key in config.toml", s.BindAddr)
	}
	return nil
}

// Account is a Gmail account the daemon manages.
type Account struct {
	Email   string `toml:"email"`
	Enabled bool   `toml:"enabled"`
}

// DefaultJWKSURL is where Google publishes the keys for push OIDC tokens.
const DefaultJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

// NewDefaultConfig returns a configuration with all defaults applied.
func NewDefaultConfig(homeDir string) *Config {
	return &Config{
		HomeDir: homeDir,
		Data: DataConfig{
			DataDir: homeDir,
		},
		OAuth: OAuthConfig{
			RefreshMargin: Duration{5 * time.Minute},
		},
		Gmail: GmailConfig{
			LabelIDs:      []string{"INBOX"},
			RateLimitQPS:  5,
			VerifyProfile: true,
		},
		Watch: WatchConfig{
			RenewSchedule:       "@every 3h",
			RenewalWindow:       Duration{24 * time.Hour},
			MaxItemsPerDelivery: 100,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelay:   Duration{time.Second},
			MaxDelay:    Duration{60 * time.Second},
			CallTimeout: Duration{30 * time.Second},
		},
		Webhook: WebhookConfig{
			DedupeWindow: Duration{60 * time.Second},
			JWKSURL:      DefaultJWKSURL,
			MaxBodyBytes: 1 << 20,
		},
		Dispatch: DispatchConfig{
			Workers:   4,
			QueueSize: 1024,
		},
		NATS: NATSConfig{
			Stream:        "MAILWATCH",
			SubjectPrefix: "mailwatch",
		},
		Server: ServerConfig{
			APIPort:        8080,
			RateLimitRPS:   10,
			RateLimitBurst: 20,
		},
		Accounts: []Account{},
	}
}

// DefaultHome returns the default mailwatch home directory.
// Respects MAILWATCH_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("MAILWATCH_HOME"); h != "" {
		return expandPath(h)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailwatch"
	}
	return filepath.Join(home, ".mailwatch")
}

// Load reads the configuration from the specified file.
// If path is empty, uses <home>/config.toml. homeDir overrides MAILWATCH_HOME.
// A missing default config file is not an error; a missing explicit one is.
func Load(path, homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHome()
	} else {
		homeDir = expandPath(homeDir)
	}

	explicit := path != ""
	if !explicit {
		path = filepath.Join(homeDir, "config.toml")
	}
	path = expandPath(path)

	cfg := NewDefaultConfig(homeDir)
	cfg.configPath = path

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Data.DataDir = expandPath(cfg.Data.DataDir)
	cfg.OAuth.ClientSecrets = expandPath(cfg.OAuth.ClientSecrets)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the tuning values are usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.BaseDelay.Duration <= 0 {
		errs = append(errs, fmt.Errorf("retry.base_delay must be positive"))
	}
	if c.Retry.MaxDelay.Duration < c.Retry.BaseDelay.Duration {
		errs = append(errs, fmt.Errorf("retry.max_delay (%s) is below retry.base_delay (%s)", c.Retry.MaxDelay, c.Retry.BaseDelay))
	}
	if c.Watch.RenewalWindow.Duration <= 0 {
		errs = append(errs, fmt.Errorf("watch.renewal_window must be positive"))
	}
	// Gmail caps history.list page size at 500.
	if c.Watch.MaxItemsPerDelivery < 1 || c.Watch.MaxItemsPerDelivery > 500 {
		errs = append(errs, fmt.Errorf("watch.max_items_per_delivery must be in [1, 500], got %d", c.Watch.MaxItemsPerDelivery))
	}
	if c.Watch.InterDeliveryDelay.Duration < 0 {
		errs = append(errs, fmt.Errorf("watch.inter_delivery_delay must not be negative"))
	}
	if c.Webhook.DedupeWindow.Duration < 0 {
		errs = append(errs, fmt.Errorf("webhook.dedupe_window must not be negative"))
	}
	if c.Dispatch.Workers < 1 {
		errs = append(errs, fmt.Errorf("dispatch.workers must be at least 1"))
	}
	if c.Dispatch.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("dispatch.queue_size must be at least 1"))
	}
	return errors.Join(errs...)
}

// ConfigFilePath returns the path the configuration was (or would be) read from.
func (c *Config) ConfigFilePath() string {
	if c.configPath != "" {
		return c.configPath
	}
	return filepath.Join(c.HomeDir, "config.toml")
}

// EnsureHomeDir creates the home directory if it does not exist.
func (c *Config) EnsureHomeDir() error {
	return os.MkdirAll(c.HomeDir, 0700)
}

// DatabaseDSN returns the path to the SQLite database.
func (c *Config) DatabaseDSN() string {
	if c.Data.DatabaseURL != "" {
		return c.Data.DatabaseURL
	}
	return filepath.Join(c.Data.DataDir, "mailwatch.db")
}

// EnabledAccounts returns accounts the daemon should manage.
func (c *Config) EnabledAccounts() []Account {
	var enabled []Account
	for _, acc := range c.Accounts {
		if acc.Enabled && acc.Email != "" {
			enabled = append(enabled, acc)
		}
	}
	return enabled
}

// GetAccount returns a copy of the configured account, or nil.
func (c *Config) GetAccount(email string) *Account {
	for i := range c.Accounts {
		if strings.EqualFold(c.Accounts[i].Email, email) {
			acc := c.Accounts[i]
			return &acc
		}
	}
	return nil
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path == "~" || strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
