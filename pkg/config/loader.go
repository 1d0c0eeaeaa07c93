package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads, expands, merges, and validates configuration.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Read the YAML file at path (a missing file is fine — defaults apply)
//  3. Expand {{.ENV_VAR}} references in the raw YAML
//  4. Merge user values over defaults (non-zero user values win)
//  5. Parse durations and validate
func Load(path string) (*Config, error) {
	merged := defaultYAML()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		slog.Info("No config file found, using defaults", "path", path)
	case err != nil:
		return nil, NewLoadError(path, err)
	default:
		var user yamlConfig
		if err := yaml.Unmarshal(ExpandEnv(data), &user); err != nil {
			return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
		}
		if err := mergo.Merge(merged, &user, mergo.WithOverride); err != nil {
			return nil, NewLoadError(path, fmt.Errorf("merge config: %w", err))
		}
	}

	cfg, err := resolve(merged)
	if err != nil {
		return nil, NewLoadError(path, err)
	}
	if err := validate(cfg); err != nil {
		return nil, NewLoadError(path, err)
	}
	return cfg, nil
}

// resolve parses the string-typed YAML fields into their runtime types.
func resolve(y *yamlConfig) (*Config, error) {
	heartbeat, err := parseDuration("heartbeat_interval", y.Heartbeat)
	if err != nil {
		return nil, err
	}

	rc := y.Reconnect
	if rc == nil {
		rc = defaultYAML().Reconnect
	}
	base, err := parseDuration("reconnect.base_delay", rc.BaseDelay)
	if err != nil {
		return nil, err
	}
	maxDelay, err := parseDuration("reconnect.max_delay", rc.MaxDelay)
	if err != nil {
		return nil, err
	}

	return &Config{
		ServerURL:            y.ServerURL,
		APIBaseURL:           y.APIBaseURL,
		TokenEnv:             y.TokenEnv,
		HeartbeatInterval:    heartbeat,
		ReconnectBaseDelay:   base,
		ReconnectMaxDelay:    maxDelay,
		MaxReconnectAttempts: rc.MaxAttempts,
	}, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidValue, field, value)
	}
	return d, nil
}
