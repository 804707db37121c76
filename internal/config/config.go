// SPDX-License-Identifier: MIT

// Package config loads and validates the daemon configuration from a YAML
// file with environment variable overrides.
package config

import (
	"time"
)

// Config is the complete daemon configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	OBS       OBSConfig       `yaml:"obs"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Rules     RulesConfig     `yaml:"rules"`
	Cameras   []CameraConfig  `yaml:"cameras"`
	Camera    CameraDefaults  `yaml:"camera_defaults"`
	API       APIConfig       `yaml:"api"`

	// PauseFile pauses all automated rule evaluation while it exists.
	PauseFile string `yaml:"pause_file"`
	// StatusFile receives a periodic JSON snapshot of engine state.
	StatusFile string `yaml:"status_file"`
	// AuditPath is the sqlite database recording scene changes and rule runs.
	AuditPath string `yaml:"audit_path"`
}

// OBSConfig describes the production-tool control channel.
type OBSConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`

	// Scenes maps logical scene names used by rules to OBS scene names.
	Scenes map[string]string `yaml:"scenes"`

	// RequestTimeout bounds the wait for a switch confirmation.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// AssumeSuccessOnTimeout treats an unconfirmed switch as successful
	// rather than blocking the control loop.
	AssumeSuccessOnTimeout bool          `yaml:"assume_success_on_timeout"`
	KeepAliveInterval      time.Duration `yaml:"keepalive_interval"`

	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`

	// RequestsPerSecond caps outgoing control requests.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// TelemetryConfig describes the scoreboard telemetry source.
type TelemetryConfig struct {
	URL          string        `yaml:"url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// FastPollInterval is used during critical moments (break about to end,
	// game just started).
	FastPollInterval time.Duration `yaml:"fast_poll_interval"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
}

// RulesConfig locates the scene rule document.
type RulesConfig struct {
	File string `yaml:"file"`
}

// CameraConfig describes one supervised camera pipeline.
type CameraConfig struct {
	ID          string `yaml:"id"`
	StreamURL   string `yaml:"stream_url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	DeviceIndex int    `yaml:"device_index"`
	Enabled     *bool  `yaml:"enabled"`
}

// IsEnabled reports whether the camera participates in supervision.
// Cameras are enabled unless explicitly disabled.
func (c CameraConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// CameraDefaults holds supervision parameters shared by all cameras.
type CameraDefaults struct {
	FFmpegPath      string        `yaml:"ffmpeg_path"`
	HealthInterval  time.Duration `yaml:"health_interval"`
	FrameStaleAfter time.Duration `yaml:"frame_stale_after"`
	MaxRestarts     int           `yaml:"max_restarts"`
	KillGrace       time.Duration `yaml:"kill_grace"`
	RestartPause    time.Duration `yaml:"restart_pause"`
}

// APIConfig describes the local control/observability endpoint.
type APIConfig struct {
	Listen string `yaml:"listen"`
	// RequestsPerMinute is the per-client rate limit on the API.
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// Defaults returns a configuration populated with production defaults.
// File and environment values are merged on top.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		OBS: OBSConfig{
			Host:                   "127.0.0.1",
			Port:                   4455,
			RequestTimeout:         2 * time.Second,
			AssumeSuccessOnTimeout: true,
			KeepAliveInterval:      10 * time.Second,
			MaxReconnectAttempts:   10,
			ReconnectBaseDelay:     2 * time.Second,
			ReconnectMaxDelay:      60 * time.Second,
			RequestsPerSecond:      20,
			Scenes: map[string]string{
				"game":      "Game Scene",
				"break":     "Break Scene",
				"breakout":  "Breakout Scene",
				"interview": "Interview Scene",
				"default":   "Default Scene",
			},
		},
		Telemetry: TelemetryConfig{
			PollInterval:     100 * time.Millisecond,
			FastPollInterval: 20 * time.Millisecond,
			RequestTimeout:   time.Second,
		},
		Rules: RulesConfig{
			File: "/etc/roc/rules.yaml",
		},
		Camera: CameraDefaults{
			FFmpegPath:      "ffmpeg",
			HealthInterval:  10 * time.Second,
			FrameStaleAfter: 30 * time.Second,
			MaxRestarts:     5,
			KillGrace:       5 * time.Second,
			RestartPause:    2 * time.Second,
		},
		API: APIConfig{
			Listen:            "127.0.0.1:8090",
			RequestsPerMinute: 120,
		},
		PauseFile:  "/tmp/roc-pause",
		StatusFile: "/run/roc/status.json",
		AuditPath:  "/var/lib/roc/audit.db",
	}
}
