package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the YAML overlay. Only keys present in the file override the
// environment; values may reference the environment as ${VAR} or $VAR.
type File struct {
	Environment *string `yaml:"environment"`
	LogLevel    *string `yaml:"log_level"`

	Socket struct {
		URL              *string        `yaml:"url"`
		TokenParam       *string        `yaml:"token_param"`
		PingInterval     *time.Duration `yaml:"ping_interval"`
		HandshakeTimeout *time.Duration `yaml:"handshake_timeout"`
	} `yaml:"socket"`

	Reconnect struct {
		BaseDelay   *time.Duration `yaml:"base_delay"`
		MaxDelay    *time.Duration `yaml:"max_delay"`
		MaxAttempts *int           `yaml:"max_attempts"`
	} `yaml:"reconnect"`

	Transport struct {
		HTTPURL        *string        `yaml:"http_url"`
		ConnectTimeout *time.Duration `yaml:"connect_timeout"`
		PollInterval   *time.Duration `yaml:"poll_interval"`
		AutoPromote    *bool          `yaml:"auto_promote"`
	} `yaml:"transport"`

	Auth struct {
		Token           *string        `yaml:"token"`
		TokenTTL        *time.Duration `yaml:"token_ttl"`
		FreshnessMargin *time.Duration `yaml:"freshness_margin"`
	} `yaml:"auth"`

	Chat struct {
		RatePerMinute  *int    `yaml:"rate_per_minute"`
		HistoryLimit   *int    `yaml:"history_limit"`
		ConversationID *string `yaml:"conversation_id"`
	} `yaml:"chat"`

	View struct {
		ListenAddr  *string `yaml:"listen_addr"`
		AuthMode    *string `yaml:"auth_mode"`
		APIKey      *string `yaml:"api_key"`
		CORSOrigins *string `yaml:"cors_origins"`
	} `yaml:"view"`

	Transcript struct {
		Path *string `yaml:"path"`
	} `yaml:"transcript"`
}

// ApplyFile reads path and overlays its values onto c.
func (c *Config) ApplyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := c.ApplyBytes(raw); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// ApplyBytes overlays a YAML document onto c (useful for testing).
func (c *Config) ApplyBytes(data []byte) error {
	var f File
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &f); err != nil {
		return err
	}

	set(&c.Environment, f.Environment)
	set(&c.LogLevel, f.LogLevel)

	set(&c.SocketURL, f.Socket.URL)
	set(&c.TokenParam, f.Socket.TokenParam)
	set(&c.PingInterval, f.Socket.PingInterval)
	set(&c.HandshakeTimeout, f.Socket.HandshakeTimeout)

	set(&c.ReconnectBaseDelay, f.Reconnect.BaseDelay)
	set(&c.ReconnectMaxDelay, f.Reconnect.MaxDelay)
	set(&c.MaxReconnectAttempts, f.Reconnect.MaxAttempts)

	set(&c.HTTPURL, f.Transport.HTTPURL)
	set(&c.ConnectTimeout, f.Transport.ConnectTimeout)
	set(&c.ConnectPollInterval, f.Transport.PollInterval)
	set(&c.AutoPromote, f.Transport.AutoPromote)

	set(&c.Token, f.Auth.Token)
	set(&c.TokenTTL, f.Auth.TokenTTL)
	set(&c.FreshnessMargin, f.Auth.FreshnessMargin)

	set(&c.ChatRatePerMinute, f.Chat.RatePerMinute)
	set(&c.HistoryLimit, f.Chat.HistoryLimit)
	set(&c.ConversationID, f.Chat.ConversationID)

	set(&c.ViewListenAddr, f.View.ListenAddr)
	set(&c.ViewAuthMode, f.View.AuthMode)
	set(&c.ViewAPIKey, f.View.APIKey)
	set(&c.ViewCORSOrigins, f.View.CORSOrigins)

	set(&c.TranscriptPath, f.Transcript.Path)
	return nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// envVarPattern matches ${VAR_NAME} and $VAR_NAME.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR} and $VAR with the environment value. Missing
// variables expand to an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		return os.Getenv(name)
	})
}
