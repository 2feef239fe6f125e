// Package config tests.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "ws://localhost:8000/chat/ws", cfg.SocketURL)
	assert.Equal(t, "http://localhost:8000", cfg.HTTPURL)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Equal(t, time.Second, cfg.ReconnectBaseDelay)
	assert.Equal(t, 5, cfg.MaxReconnectAttempts)
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.ConnectPollInterval)
	assert.True(t, cfg.AutoPromote)
	assert.Equal(t, 5*time.Minute, cfg.FreshnessMargin)
	assert.Equal(t, 10, cfg.ChatRatePerMinute)
	assert.Equal(t, "api-key", cfg.ViewAuthMode)
	assert.False(t, cfg.TranscriptEnabled())
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("ASSISTANT_SOCKET_URL", "wss://api.example.com/chat/ws")
	t.Setenv("ASSISTANT_TOKEN_PARAM", "token")
	t.Setenv("WS_MAX_RECONNECT_ATTEMPTS", "3")
	t.Setenv("AUTO_PROMOTE", "false")
	t.Setenv("CONNECT_TIMEOUT", "2s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "wss://api.example.com/chat/ws", cfg.SocketURL)
	assert.Equal(t, "token", cfg.TokenParam)
	assert.Equal(t, 3, cfg.MaxReconnectAttempts)
	assert.False(t, cfg.AutoPromote)
	assert.Equal(t, 2*time.Second, cfg.ConnectTimeout)
}

func TestLoad_WithPrefix(t *testing.T) {
	t.Setenv("APP_LOG_LEVEL", "debug")
	cfg, err := LoadWithPrefix("APP")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("WS_PING_INTERVAL", "often")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_ConfigFileOverlay(t *testing.T) {
	t.Setenv("TEST_ASSISTANT_TOKEN", "secret-token")
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: production
socket:
  url: wss://assistant.example.com/chat/ws
  ping_interval: 15s
reconnect:
  max_attempts: 7
transport:
  auto_promote: false
auth:
  token: ${TEST_ASSISTANT_TOKEN}
view:
  auth_mode: none
transcript:
  path: /tmp/transcript.db
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Environment)
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, "warn", cfg.LogLevel, "keys absent from the file keep their env value")
	assert.Equal(t, "wss://assistant.example.com/chat/ws", cfg.SocketURL)
	assert.Equal(t, 15*time.Second, cfg.PingInterval)
	assert.Equal(t, 7, cfg.MaxReconnectAttempts)
	assert.False(t, cfg.AutoPromote)
	assert.Equal(t, "secret-token", cfg.Token)
	assert.Equal(t, "none", cfg.ViewAuthMode)
	assert.True(t, cfg.TranscriptEnabled())
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingConfigFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestApplyBytes_Invalid(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.ApplyBytes([]byte("socket: [unterminated")))
	assert.Error(t, cfg.ApplyBytes([]byte("socket:\n  ping_interval: soon\n")))
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO_HOST", "example.com")
	assert.Equal(t, "wss://example.com/ws", expandEnvVars("wss://${FOO_HOST}/ws"))
	assert.Equal(t, "example.com:", expandEnvVars("$FOO_HOST:${NOT_SET_ANYWHERE}"))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			SocketURL:           "wss://api.example.com/chat/ws",
			HTTPURL:             "https://api.example.com",
			ViewAuthMode:        "api-key",
			ViewAPIKey:          "k",
			ConnectTimeout:      time.Second,
			ConnectPollInterval: 10 * time.Millisecond,
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"http socket url", func(c *Config) { c.SocketURL = "http://api.example.com/ws" }},
		{"missing host", func(c *Config) { c.HTTPURL = "https://" }},
		{"ws http url", func(c *Config) { c.HTTPURL = "ws://api.example.com" }},
		{"api key missing", func(c *Config) { c.ViewAPIKey = "" }},
		{"unknown auth mode", func(c *Config) { c.ViewAuthMode = "oauth" }},
		{"negative attempts", func(c *Config) { c.MaxReconnectAttempts = -1 }},
		{"zero poll", func(c *Config) { c.ConnectPollInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
