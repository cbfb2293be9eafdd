// Package config provides the configuration schema, loader, hot-reload
// watcher and driver registry for the livedub translation relay.
package config

import (
	"fmt"
	"time"
)

// LogLevel controls log verbosity for the livedub server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for livedub.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Speech      SpeechConfig      `yaml:"speech"`
	Capture     CaptureConfig     `yaml:"capture"`
	Playback    PlaybackConfig    `yaml:"playback"`
	Suppression SuppressionConfig `yaml:"suppression"`
	Restart     RestartConfig     `yaml:"restart"`
	Tabs        []TabConfig       `yaml:"tabs"`
}

// ServerConfig holds network and logging settings for the control API.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// ShutdownTimeout bounds graceful shutdown. Default 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// SpeechConfig describes the streaming speech translation endpoint.
type SpeechConfig struct {
	// URL is the ws:// or wss:// endpoint. Required unless Demo is set.
	URL string `yaml:"url"`

	// APIKey, if set, is sent as a bearer token on the upgrade request.
	APIKey string `yaml:"api_key"`

	// InputRate is the sample rate of outbound PCM. Default 16000.
	InputRate int `yaml:"input_rate"`

	// OutputRate is the sample rate of synthesised PCM. Default 24000.
	OutputRate int `yaml:"output_rate"`

	// QueueFrames bounds the outbound frame queue. Default 32.
	QueueFrames int `yaml:"queue_frames"`

	// ReadyTimeout bounds the wait for the endpoint's ready status.
	// Default 10s.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`

	// Breaker guards connection attempts.
	Breaker BreakerConfig `yaml:"breaker"`

	// Demo runs an in-process endpoint that echoes the captured audio,
	// for trying the relay without a translation service.
	Demo bool `yaml:"demo"`
}

// BreakerConfig tunes the circuit breaker around the speech endpoint.
// Zero values use the breaker defaults.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// CaptureConfig selects the tab audio source.
type CaptureConfig struct {
	// Driver selects a source registered in the [Registry] (e.g., "wav").
	Driver DriverEntry `yaml:"driver"`

	// FrameSize is the outbound frame length in samples. Default 4096.
	FrameSize int `yaml:"frame_size"`
}

// PlaybackConfig selects the output device and scheduling parameters.
type PlaybackConfig struct {
	// Driver selects a device registered in the [Registry] (e.g., "wav").
	Driver DriverEntry `yaml:"driver"`

	// SampleRate is the device rate in Hz. Default 48000.
	SampleRate int `yaml:"sample_rate"`

	// GraceWindow is how long playback may stay silent before it counts as
	// idle. Default 500ms.
	GraceWindow time.Duration `yaml:"grace_window"`
}

// SuppressionConfig controls muting of the page's own media.
type SuppressionConfig struct {
	// Enabled turns suppression on for requests that ask for it.
	Enabled bool `yaml:"enabled"`

	// RetryDelays are the re-send offsets of every command. Default
	// [1s, 3s].
	RetryDelays []time.Duration `yaml:"retry_delays"`
}

// RestartConfig controls automatic restarts after the endpoint drops.
type RestartConfig struct {
	// MaxRetries is the number of attempts per drop. Zero disables restarts.
	MaxRetries int `yaml:"max_retries"`

	// Backoff is the initial wait; it doubles up to MaxBackoff.
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// TabConfig declares a tab the relay can capture.
type TabConfig struct {
	// ID is the tab identifier used in session requests.
	ID string `yaml:"id"`

	// Page is the path of the page fixture loaded for the tab's media.
	Page string `yaml:"page"`

	// Source overrides the capture driver for this tab. Without a name its
	// options are laid over those of capture.driver.
	Source *DriverEntry `yaml:"source"`
}

// DriverEntry is the common configuration block shared by source and device
// drivers. The Name field is used to look up the constructor in the
// [Registry].
type DriverEntry struct {
	// Name selects the registered driver (e.g., "wav", "silence").
	Name string `yaml:"name"`

	// Options holds driver-specific values.
	Options map[string]any `yaml:"options"`
}

// String returns the string option key, or def when unset.
func (e DriverEntry) String(key, def string) string {
	if v, ok := e.Options[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return def
}

// Bool returns the boolean option key, or def when unset or not a bool.
func (e DriverEntry) Bool(key string, def bool) bool {
	if v, ok := e.Options[key].(bool); ok {
		return v
	}
	return def
}

// Int returns the integer option key, or def when unset or not a number.
func (e DriverEntry) Int(key string, def int) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

// With returns a copy of e whose options are overlaid with extra.
func (e DriverEntry) With(extra map[string]any) DriverEntry {
	if len(extra) == 0 {
		return e
	}
	opts := make(map[string]any, len(e.Options)+len(extra))
	for k, v := range e.Options {
		opts[k] = v
	}
	for k, v := range extra {
		opts[k] = v
	}
	return DriverEntry{Name: e.Name, Options: opts}
}

// SourceFor returns the capture driver entry of tab.
func (c *Config) SourceFor(tab TabConfig) DriverEntry {
	entry := c.Capture.Driver
	if tab.Source == nil {
		return entry
	}
	if tab.Source.Name != "" && tab.Source.Name != entry.Name {
		return *tab.Source
	}
	return entry.With(tab.Source.Options)
}

// Tab returns the configuration of tab id.
func (c *Config) Tab(id string) (TabConfig, bool) {
	for _, t := range c.Tabs {
		if t.ID == id {
			return t, true
		}
	}
	return TabConfig{}, false
}
