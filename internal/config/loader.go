package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidDriverNames lists known driver names per driver kind.
// Used by [Validate] to warn about unrecognised driver names.
var ValidDriverNames = map[string][]string{
	"capture":  {"silence", "wav"},
	"playback": {"discard", "wav"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// An empty document yields the zero config, which fails validation unless
// the speech endpoint is in demo mode.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must not be negative"))
	}

	// Speech endpoint
	switch {
	case cfg.Speech.Demo:
		if cfg.Speech.URL != "" {
			slog.Warn("speech.url is ignored in demo mode", "url", cfg.Speech.URL)
		}
	case cfg.Speech.URL == "":
		errs = append(errs, errors.New("speech.url is required unless speech.demo is set"))
	default:
		u, err := url.Parse(cfg.Speech.URL)
		if err != nil {
			errs = append(errs, fmt.Errorf("speech.url: %w", err))
		} else if u.Scheme != "ws" && u.Scheme != "wss" {
			errs = append(errs, fmt.Errorf("speech.url scheme %q is invalid; valid values: ws, wss", u.Scheme))
		}
	}
	errs = appendNonNegative(errs, "speech.input_rate", cfg.Speech.InputRate)
	errs = appendNonNegative(errs, "speech.output_rate", cfg.Speech.OutputRate)
	errs = appendNonNegative(errs, "speech.queue_frames", cfg.Speech.QueueFrames)
	errs = appendNonNegative(errs, "speech.breaker.max_failures", cfg.Speech.Breaker.MaxFailures)
	errs = appendNonNegative(errs, "speech.breaker.half_open_max", cfg.Speech.Breaker.HalfOpenMax)
	if cfg.Speech.Breaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("speech.breaker.reset_timeout must not be negative"))
	}

	// Capture and playback
	validateDriverName("capture", cfg.Capture.Driver.Name)
	validateDriverName("playback", cfg.Playback.Driver.Name)
	errs = appendNonNegative(errs, "capture.frame_size", cfg.Capture.FrameSize)
	errs = appendNonNegative(errs, "playback.sample_rate", cfg.Playback.SampleRate)
	if cfg.Playback.GraceWindow < 0 {
		errs = append(errs, errors.New("playback.grace_window must not be negative"))
	}

	// Suppression
	for i, d := range cfg.Suppression.RetryDelays {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("suppression.retry_delays[%d] must be positive", i))
		} else if i > 0 && d <= cfg.Suppression.RetryDelays[i-1] {
			errs = append(errs, fmt.Errorf("suppression.retry_delays[%d] must be later than the previous delay", i))
		}
	}

	// Restart
	errs = appendNonNegative(errs, "restart.max_retries", cfg.Restart.MaxRetries)
	if cfg.Restart.Backoff < 0 || cfg.Restart.MaxBackoff < 0 {
		errs = append(errs, errors.New("restart backoff values must not be negative"))
	}

	// Tabs
	seen := make(map[string]int, len(cfg.Tabs))
	for i, tab := range cfg.Tabs {
		prefix := fmt.Sprintf("tabs[%d]", i)
		if tab.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
			continue
		}
		if prev, ok := seen[tab.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of tabs[%d]", prefix, tab.ID, prev))
		}
		seen[tab.ID] = i
	}
	if len(cfg.Tabs) == 0 {
		slog.Warn("no tabs configured; every session request will be rejected")
	}

	return errors.Join(errs...)
}

func appendNonNegative(errs []error, field string, v int) []error {
	if v < 0 {
		return append(errs, fmt.Errorf("%s must not be negative, got %d", field, v))
	}
	return errs
}

// validateDriverName logs a warning if name is non-empty and not found in
// the [ValidDriverNames] list for the given kind.
func validateDriverName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidDriverNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown driver name; may be a typo or a driver registered at runtime",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
