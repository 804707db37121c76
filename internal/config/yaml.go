// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// duration accepts either a Go duration string ("2s", "500ms") or a bare
// number of seconds in YAML.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var asString string
	if err := node.Decode(&asString); err == nil {
		parsed, err := time.ParseDuration(asString)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", asString, err)
		}
		*d = duration(parsed)
		return nil
	}
	var asSeconds float64
	if err := node.Decode(&asSeconds); err != nil {
		return fmt.Errorf("invalid duration value on line %d", node.Line)
	}
	*d = duration(time.Duration(asSeconds * float64(time.Second)))
	return nil
}

// The yaml mirrors below exist only to parse duration fields; every other
// field passes through unchanged.

func (c *OBSConfig) UnmarshalYAML(node *yaml.Node) error {
	type mirror struct {
		Host                   string            `yaml:"host"`
		Port                   int               `yaml:"port"`
		Password               string            `yaml:"password"`
		Scenes                 map[string]string `yaml:"scenes"`
		RequestTimeout         duration          `yaml:"request_timeout"`
		AssumeSuccessOnTimeout *bool             `yaml:"assume_success_on_timeout"`
		KeepAliveInterval      duration          `yaml:"keepalive_interval"`
		MaxReconnectAttempts   int               `yaml:"max_reconnect_attempts"`
		ReconnectBaseDelay     duration          `yaml:"reconnect_base_delay"`
		ReconnectMaxDelay      duration          `yaml:"reconnect_max_delay"`
		RequestsPerSecond      float64           `yaml:"requests_per_second"`
	}
	m := mirror{
		Host:                 c.Host,
		Port:                 c.Port,
		Password:             c.Password,
		Scenes:               c.Scenes,
		RequestTimeout:       duration(c.RequestTimeout),
		KeepAliveInterval:    duration(c.KeepAliveInterval),
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		ReconnectBaseDelay:   duration(c.ReconnectBaseDelay),
		ReconnectMaxDelay:    duration(c.ReconnectMaxDelay),
		RequestsPerSecond:    c.RequestsPerSecond,
	}
	if err := node.Decode(&m); err != nil {
		return err
	}
	c.Host = m.Host
	c.Port = m.Port
	c.Password = m.Password
	if m.Scenes != nil {
		c.Scenes = m.Scenes
	}
	c.RequestTimeout = time.Duration(m.RequestTimeout)
	if m.AssumeSuccessOnTimeout != nil {
		c.AssumeSuccessOnTimeout = *m.AssumeSuccessOnTimeout
	}
	c.KeepAliveInterval = time.Duration(m.KeepAliveInterval)
	c.MaxReconnectAttempts = m.MaxReconnectAttempts
	c.ReconnectBaseDelay = time.Duration(m.ReconnectBaseDelay)
	c.ReconnectMaxDelay = time.Duration(m.ReconnectMaxDelay)
	c.RequestsPerSecond = m.RequestsPerSecond
	return nil
}

func (c *TelemetryConfig) UnmarshalYAML(node *yaml.Node) error {
	type mirror struct {
		URL              string   `yaml:"url"`
		PollInterval     duration `yaml:"poll_interval"`
		FastPollInterval duration `yaml:"fast_poll_interval"`
		RequestTimeout   duration `yaml:"request_timeout"`
	}
	m := mirror{
		URL:              c.URL,
		PollInterval:     duration(c.PollInterval),
		FastPollInterval: duration(c.FastPollInterval),
		RequestTimeout:   duration(c.RequestTimeout),
	}
	if err := node.Decode(&m); err != nil {
		return err
	}
	c.URL = m.URL
	c.PollInterval = time.Duration(m.PollInterval)
	c.FastPollInterval = time.Duration(m.FastPollInterval)
	c.RequestTimeout = time.Duration(m.RequestTimeout)
	return nil
}

func (c *CameraDefaults) UnmarshalYAML(node *yaml.Node) error {
	type mirror struct {
		FFmpegPath      string   `yaml:"ffmpeg_path"`
		HealthInterval  duration `yaml:"health_interval"`
		FrameStaleAfter duration `yaml:"frame_stale_after"`
		MaxRestarts     *int     `yaml:"max_restarts"`
		KillGrace       duration `yaml:"kill_grace"`
		RestartPause    duration `yaml:"restart_pause"`
	}
	m := mirror{
		FFmpegPath:      c.FFmpegPath,
		HealthInterval:  duration(c.HealthInterval),
		FrameStaleAfter: duration(c.FrameStaleAfter),
		KillGrace:       duration(c.KillGrace),
		RestartPause:    duration(c.RestartPause),
	}
	if err := node.Decode(&m); err != nil {
		return err
	}
	c.FFmpegPath = m.FFmpegPath
	c.HealthInterval = time.Duration(m.HealthInterval)
	c.FrameStaleAfter = time.Duration(m.FrameStaleAfter)
	if m.MaxRestarts != nil {
		c.MaxRestarts = *m.MaxRestarts
	}
	c.KillGrace = time.Duration(m.KillGrace)
	c.RestartPause = time.Duration(m.RestartPause)
	return nil
}
