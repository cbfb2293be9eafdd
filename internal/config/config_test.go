package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/livedub/internal/capture"
	"github.com/MrWong99/livedub/internal/config"
	"github.com/MrWong99/livedub/pkg/audio/mock"
	"github.com/MrWong99/livedub/pkg/audio/playback"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: info
  shutdown_timeout: 5s

speech:
  url: wss://translate.example.com/v1/stream
  api_key: sk-test
  input_rate: 16000
  output_rate: 24000
  queue_frames: 16
  ready_timeout: 3s
  breaker:
    max_failures: 3
    reset_timeout: 20s

capture:
  driver:
    name: wav
    options:
      path: testdata/speech.wav
      loop: true
  frame_size: 2048

playback:
  driver:
    name: wav
    options:
      dir: out
  sample_rate: 48000
  grace_window: 750ms

suppression:
  enabled: true
  retry_delays: [500ms, 2s]

restart:
  max_retries: 3
  backoff: 1s
  max_backoff: 10s

tabs:
  - id: "12"
    page: pages/news.yaml
  - id: "13"
    page: pages/sports.yaml
    source:
      options:
        path: testdata/match.wav
  - id: "14"
    source:
      name: silence
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_FullSchema(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Errorf("shutdown_timeout: got %v, want 5s", cfg.Server.ShutdownTimeout)
	}

	wantSpeech := config.SpeechConfig{
		URL:          "wss://translate.example.com/v1/stream",
		APIKey:       "sk-test",
		InputRate:    16000,
		OutputRate:   24000,
		QueueFrames:  16,
		ReadyTimeout: 3 * time.Second,
		Breaker:      config.BreakerConfig{MaxFailures: 3, ResetTimeout: 20 * time.Second},
	}
	if diff := cmp.Diff(wantSpeech, cfg.Speech); diff != "" {
		t.Errorf("speech mismatch (-want +got):\n%s", diff)
	}

	if cfg.Capture.Driver.Name != "wav" || cfg.Capture.FrameSize != 2048 {
		t.Errorf("capture: got %+v", cfg.Capture)
	}
	if got := cfg.Capture.Driver.String("path", ""); got != "testdata/speech.wav" {
		t.Errorf("capture path: got %q", got)
	}
	if !cfg.Capture.Driver.Bool("loop", false) {
		t.Error("capture loop: want true")
	}
	if cfg.Playback.GraceWindow != 750*time.Millisecond {
		t.Errorf("grace_window: got %v, want 750ms", cfg.Playback.GraceWindow)
	}
	if diff := cmp.Diff([]time.Duration{500 * time.Millisecond, 2 * time.Second}, cfg.Suppression.RetryDelays); diff != "" {
		t.Errorf("retry_delays mismatch (-want +got):\n%s", diff)
	}
	if cfg.Restart != (config.RestartConfig{MaxRetries: 3, Backoff: time.Second, MaxBackoff: 10 * time.Second}) {
		t.Errorf("restart: got %+v", cfg.Restart)
	}
	if len(cfg.Tabs) != 3 {
		t.Fatalf("tabs: got %d, want 3", len(cfg.Tabs))
	}
	tab, ok := cfg.Tab("13")
	if !ok {
		t.Fatal("Tab(13) not found")
	}
	if tab.Page != "pages/sports.yaml" {
		t.Errorf("tab page: got %q", tab.Page)
	}
	src := cfg.SourceFor(tab)
	if src.Name != "wav" || src.String("path", "") != "testdata/match.wav" || !src.Bool("loop", false) {
		t.Errorf("SourceFor(13) = %+v, want wav driver with the tab path and the shared loop option", src)
	}
	if first, _ := cfg.Tab("12"); cfg.SourceFor(first).String("path", "") != "testdata/speech.wav" {
		t.Errorf("SourceFor(12) should use capture.driver unchanged")
	}
	if silent, _ := cfg.Tab("14"); cfg.SourceFor(silent).Name != "silence" {
		t.Errorf("SourceFor(14) should switch to the silence driver")
	}
	if _, ok := cfg.Tab("99"); ok {
		t.Error("Tab(99) should not exist")
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`
speech:
  demo: true
  voice: alloy
`))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoadFromReader_EmptyDocument(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(""))
	if err == nil {
		t.Fatal("expected error for empty config, got nil")
	}
	if !strings.Contains(err.Error(), "speech.url") {
		t.Errorf("error should mention speech.url, got: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/livedub.yaml"); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

// ── DriverEntry ───────────────────────────────────────────────────────────────

func TestDriverEntry_Options(t *testing.T) {
	t.Parallel()

	e := config.DriverEntry{Name: "wav", Options: map[string]any{
		"path":  "a.wav",
		"block": 512,
		"rate":  float64(44100),
		"loop":  "yes",
	}}

	if got := e.String("path", "x"); got != "a.wav" {
		t.Errorf("String(path): got %q", got)
	}
	if got := e.String("missing", "x"); got != "x" {
		t.Errorf("String(missing): got %q", got)
	}
	if got := e.Int("block", 0); got != 512 {
		t.Errorf("Int(block): got %d", got)
	}
	if got := e.Int("rate", 0); got != 44100 {
		t.Errorf("Int(rate): got %d", got)
	}
	if got := e.Bool("loop", false); got {
		t.Error("Bool(loop) on a string should fall back to default")
	}

	over := e.With(map[string]any{"path": "b.wav"})
	if got := over.String("path", ""); got != "b.wav" {
		t.Errorf("With: got %q", got)
	}
	if got := e.String("path", ""); got != "a.wav" {
		t.Errorf("With mutated the receiver: got %q", got)
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_CreateSource(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	var gotTab string
	reg.RegisterSource("mock", func(e config.DriverEntry, tabID string) (capture.Source, error) {
		gotTab = tabID
		return mock.NewSource(4), nil
	})

	src, err := reg.CreateSource(config.DriverEntry{Name: "mock"}, "42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer src.Close()
	if gotTab != "42" {
		t.Errorf("factory tab: got %q, want 42", gotTab)
	}

	_, err = reg.CreateSource(config.DriverEntry{Name: "pulse"}, "42")
	if !errors.Is(err, config.ErrDriverNotRegistered) {
		t.Errorf("unregistered source: got %v, want ErrDriverNotRegistered", err)
	}
}

func TestRegistry_CreateDevice(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	reg.RegisterDevice("mock", func(e config.DriverEntry, rate int) (playback.Device, error) {
		return mock.NewDevice(rate), nil
	})
	wantErr := errors.New("no such sink")
	reg.RegisterDevice("broken", func(config.DriverEntry, int) (playback.Device, error) {
		return nil, wantErr
	})

	dev, err := reg.CreateDevice(config.DriverEntry{Name: "mock"}, 44100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dev.SampleRate() != 44100 {
		t.Errorf("SampleRate: got %d, want 44100", dev.SampleRate())
	}
	if _, err := reg.CreateDevice(config.DriverEntry{Name: "broken"}, 48000); !errors.Is(err, wantErr) {
		t.Errorf("factory error: got %v, want %v", err, wantErr)
	}
	if _, err := reg.CreateDevice(config.DriverEntry{Name: "alsa"}, 48000); !errors.Is(err, config.ErrDriverNotRegistered) {
		t.Errorf("unregistered device: got %v, want ErrDriverNotRegistered", err)
	}

	if diff := cmp.Diff([]string{"broken", "mock"}, reg.Devices()); diff != "" {
		t.Errorf("Devices mismatch (-want +got):\n%s", diff)
	}
	if got := reg.Sources(); len(got) != 0 {
		t.Errorf("Sources: got %v, want none", got)
	}
}

func TestRegistry_OverwriteRegistration(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	reg.RegisterDevice("mock", func(config.DriverEntry, int) (playback.Device, error) {
		return mock.NewDevice(8000), nil
	})
	reg.RegisterDevice("mock", func(config.DriverEntry, int) (playback.Device, error) {
		return mock.NewDevice(16000), nil
	})
	dev, err := reg.CreateDevice(config.DriverEntry{Name: "mock"}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dev.SampleRate() != 16000 {
		t.Errorf("expected second registration to win, got rate %d", dev.SampleRate())
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error("trace should be invalid")
	}
}
