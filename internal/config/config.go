package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables
// and, optionally, a YAML file named by CONFIG_FILE.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	ConfigFile  string `envconfig:"CONFIG_FILE"`

	// Backend endpoints
	SocketURL string `envconfig:"ASSISTANT_SOCKET_URL" default:"ws://localhost:8000/chat/ws"`
	HTTPURL   string `envconfig:"ASSISTANT_HTTP_URL" default:"http://localhost:8000"`

	// Credential. Opaque tokens without an exp claim are treated as valid for TokenTTL.
	Token           string        `envconfig:"ASSISTANT_TOKEN"`
	TokenTTL        time.Duration `envconfig:"ASSISTANT_TOKEN_TTL" default:"1h"`
	TokenParam      string        `envconfig:"ASSISTANT_TOKEN_PARAM"` // empty: token is a path segment
	FreshnessMargin time.Duration `envconfig:"TOKEN_FRESHNESS_MARGIN" default:"5m"`

	// Duplex connection
	PingInterval         time.Duration `envconfig:"WS_PING_INTERVAL" default:"30s"`
	HandshakeTimeout     time.Duration `envconfig:"WS_HANDSHAKE_TIMEOUT" default:"10s"`
	ReconnectBaseDelay   time.Duration `envconfig:"WS_RECONNECT_BASE_DELAY" default:"1s"`
	ReconnectMaxDelay    time.Duration `envconfig:"WS_RECONNECT_MAX_DELAY" default:"30s"`
	MaxReconnectAttempts int           `envconfig:"WS_MAX_RECONNECT_ATTEMPTS" default:"5"`

	// Transport selection
	ConnectTimeout      time.Duration `envconfig:"CONNECT_TIMEOUT" default:"5s"`
	ConnectPollInterval time.Duration `envconfig:"CONNECT_POLL_INTERVAL" default:"100ms"`
	AutoPromote         bool          `envconfig:"AUTO_PROMOTE" default:"true"`

	// Chat
	ChatRatePerMinute int    `envconfig:"CHAT_RATE_PER_MINUTE" default:"10"`
	HistoryLimit      int    `envconfig:"CHAT_HISTORY_LIMIT" default:"50"`
	ConversationID    string `envconfig:"CHAT_CONVERSATION_ID"`

	// View API
	ViewListenAddr  string `envconfig:"VIEW_LISTEN_ADDR" default:"127.0.0.1:8090"`
	ViewAuthMode    string `envconfig:"VIEW_AUTH_MODE" default:"api-key"` // "api-key" or "none"
	ViewAPIKey      string `envconfig:"VIEW_API_KEY"`
	ViewCORSOrigins string `envconfig:"VIEW_CORS_ORIGINS"`

	// Local transcript (empty disables it)
	TranscriptPath string `envconfig:"TRANSCRIPT_PATH"`
}

// IsDevelopment reports whether the environment is a development one.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "" || strings.EqualFold(c.Environment, "development")
}

// TranscriptEnabled returns true if a transcript database is configured.
func (c *Config) TranscriptEnabled() bool {
	return c.TranscriptPath != ""
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if err := checkURL(c.SocketURL, "ws", "wss"); err != nil {
		return fmt.Errorf("socket url: %w", err)
	}
	if err := checkURL(c.HTTPURL, "http", "https"); err != nil {
		return fmt.Errorf("http url: %w", err)
	}
	switch c.ViewAuthMode {
	case "none":
	case "api-key":
		if c.ViewAPIKey == "" {
			return fmt.Errorf("VIEW_API_KEY is required when VIEW_AUTH_MODE=api-key")
		}
	default:
		return fmt.Errorf("unknown view auth mode %q", c.ViewAuthMode)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts must not be negative")
	}
	if c.ConnectPollInterval <= 0 || c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout and poll interval must be positive")
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("missing host in %q", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("scheme %q not one of %v", u.Scheme, schemes)
}

// Load reads configuration from environment variables, then applies the
// CONFIG_FILE overlay if one is named.
func Load() (*Config, error) {
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		if prefix == "" {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	if cfg.ConfigFile != "" {
		if err := cfg.ApplyFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}
