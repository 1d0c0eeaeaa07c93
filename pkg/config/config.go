// Package config loads and validates client configuration: backend
// endpoints, credential source, and connection tuning. YAML with
// {{.ENV_VAR}} expansion, merged over built-in defaults.
package config

import (
	"fmt"
	"os"
	"time"
)

// Config is the resolved, validated client configuration.
type Config struct {
	// ServerURL is the websocket endpoint, e.g. "ws://localhost:8085/ws".
	ServerURL string
	// APIBaseURL is the REST root, e.g. "http://localhost:8085".
	APIBaseURL string
	// TokenEnv names the environment variable holding the access token.
	TokenEnv string

	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
}

// Token reads the access token from the configured environment variable.
// May be empty; the session core treats a missing token as a connect
// prerequisite failure, not a config error.
func (c *Config) Token() string {
	return os.Getenv(c.TokenEnv)
}

// yamlConfig is the on-disk shape. Durations are strings ("30s") parsed
// during resolution.
type yamlConfig struct {
	ServerURL  string         `yaml:"server_url"`
	APIBaseURL string         `yaml:"api_base_url"`
	TokenEnv   string         `yaml:"token_env"`
	Heartbeat  string         `yaml:"heartbeat_interval"`
	Reconnect  *reconnectYAML `yaml:"reconnect"`
}

type reconnectYAML struct {
	BaseDelay   string `yaml:"base_delay"`
	MaxDelay    string `yaml:"max_delay"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// defaultYAML returns the built-in configuration, pointing at a local dev
// backend.
func defaultYAML() *yamlConfig {
	return &yamlConfig{
		ServerURL:  "ws://localhost:8085/ws",
		APIBaseURL: "http://localhost:8085",
		TokenEnv:   "CONSULT_TOKEN",
		Heartbeat:  "30s",
		Reconnect: &reconnectYAML{
			BaseDelay:   "1s",
			MaxDelay:    "30s",
			MaxAttempts: 5,
		},
	}
}

// validate checks the resolved configuration for usability.
func validate(cfg *Config) error {
	if cfg.ServerURL == "" {
		return fmt.Errorf("%w: server_url", ErrMissingRequiredField)
	}
	if cfg.APIBaseURL == "" {
		return fmt.Errorf("%w: api_base_url", ErrMissingRequiredField)
	}
	if cfg.TokenEnv == "" {
		return fmt.Errorf("%w: token_env", ErrMissingRequiredField)
	}
	if cfg.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: heartbeat_interval must be positive", ErrInvalidValue)
	}
	if cfg.ReconnectBaseDelay <= 0 || cfg.ReconnectMaxDelay < cfg.ReconnectBaseDelay {
		return fmt.Errorf("%w: reconnect delays must be positive and max >= base", ErrInvalidValue)
	}
	if cfg.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("%w: reconnect.max_attempts must be positive", ErrInvalidValue)
	}
	return nil
}
