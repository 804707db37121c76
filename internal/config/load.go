// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the configuration file at path, merges environment overrides
// on top of defaults, and validates the result. An empty path skips the
// file and uses defaults plus environment only.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides file values with ROC_* environment variables.
func applyEnv(cfg *Config) {
	cfg.LogLevel = ParseString("ROC_LOG_LEVEL", cfg.LogLevel)

	cfg.OBS.Host = ParseString("ROC_OBS_HOST", cfg.OBS.Host)
	cfg.OBS.Port = ParseInt("ROC_OBS_PORT", cfg.OBS.Port)
	cfg.OBS.Password = ParseString("ROC_OBS_PASSWORD", cfg.OBS.Password)
	cfg.OBS.RequestTimeout = ParseDuration("ROC_OBS_REQUEST_TIMEOUT", cfg.OBS.RequestTimeout)
	cfg.OBS.AssumeSuccessOnTimeout = ParseBool("ROC_OBS_ASSUME_SUCCESS", cfg.OBS.AssumeSuccessOnTimeout)
	cfg.OBS.KeepAliveInterval = ParseDuration("ROC_OBS_KEEPALIVE_INTERVAL", cfg.OBS.KeepAliveInterval)
	cfg.OBS.MaxReconnectAttempts = ParseInt("ROC_OBS_MAX_RECONNECT_ATTEMPTS", cfg.OBS.MaxReconnectAttempts)
	cfg.OBS.ReconnectBaseDelay = ParseDuration("ROC_OBS_RECONNECT_BASE_DELAY", cfg.OBS.ReconnectBaseDelay)
	cfg.OBS.ReconnectMaxDelay = ParseDuration("ROC_OBS_RECONNECT_MAX_DELAY", cfg.OBS.ReconnectMaxDelay)

	cfg.Telemetry.URL = ParseString("ROC_TELEMETRY_URL", cfg.Telemetry.URL)
	cfg.Telemetry.PollInterval = ParseDuration("ROC_POLL_INTERVAL", cfg.Telemetry.PollInterval)
	cfg.Telemetry.FastPollInterval = ParseDuration("ROC_FAST_POLL_INTERVAL", cfg.Telemetry.FastPollInterval)

	cfg.Rules.File = ParseString("ROC_RULES_FILE", cfg.Rules.File)
	cfg.API.Listen = ParseString("ROC_API_LISTEN", cfg.API.Listen)
	cfg.PauseFile = ParseString("ROC_PAUSE_FILE", cfg.PauseFile)
	cfg.StatusFile = ParseString("ROC_STATUS_FILE", cfg.StatusFile)
	cfg.AuditPath = ParseString("ROC_AUDIT_PATH", cfg.AuditPath)
}

// Validate rejects configurations that cannot produce a working daemon.
func Validate(cfg Config) error {
	var errs []error

	if cfg.OBS.Host == "" {
		errs = append(errs, errors.New("obs.host must not be empty"))
	}
	if cfg.OBS.Port <= 0 || cfg.OBS.Port > 65535 {
		errs = append(errs, fmt.Errorf("obs.port %d out of range", cfg.OBS.Port))
	}
	if cfg.OBS.RequestTimeout <= 0 {
		errs = append(errs, errors.New("obs.request_timeout must be positive"))
	}
	if cfg.OBS.MaxReconnectAttempts <= 0 {
		errs = append(errs, errors.New("obs.max_reconnect_attempts must be positive"))
	}
	if cfg.OBS.ReconnectBaseDelay <= 0 {
		errs = append(errs, errors.New("obs.reconnect_base_delay must be positive"))
	}
	if cfg.Telemetry.PollInterval <= 0 {
		errs = append(errs, errors.New("telemetry.poll_interval must be positive"))
	}
	if cfg.Rules.File == "" {
		errs = append(errs, errors.New("rules.file must not be empty"))
	}
	if cfg.Camera.MaxRestarts < 0 {
		errs = append(errs, errors.New("camera_defaults.max_restarts must not be negative"))
	}
	if cfg.Camera.HealthInterval <= 0 {
		errs = append(errs, errors.New("camera_defaults.health_interval must be positive"))
	}

	seen := make(map[string]bool, len(cfg.Cameras))
	for _, cam := range cfg.Cameras {
		if cam.ID == "" {
			errs = append(errs, errors.New("camera id must not be empty"))
			continue
		}
		if seen[cam.ID] {
			errs = append(errs, fmt.Errorf("duplicate camera id %q", cam.ID))
		}
		seen[cam.ID] = true
		if cam.IsEnabled() && cam.StreamURL == "" {
			errs = append(errs, fmt.Errorf("camera %q: stream_url must not be empty", cam.ID))
		}
	}

	return errors.Join(errs...)
}
