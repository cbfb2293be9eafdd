package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/livedub/internal/app"
	"github.com/MrWong99/livedub/internal/capture"
	"github.com/MrWong99/livedub/internal/config"
	"github.com/MrWong99/livedub/internal/dom"
	"github.com/MrWong99/livedub/internal/session"
	"github.com/MrWong99/livedub/internal/speechtest"
	"github.com/MrWong99/livedub/pkg/audio"
	"github.com/MrWong99/livedub/pkg/audio/mock"
	"github.com/MrWong99/livedub/pkg/audio/playback"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const newsPage = `
tab: "42"
origin: https://news.example
nodes:
  - tag: video
    id: hero
    media: {volume: 0.8, playing: true}
  - tag: iframe
    frame:
      id: "1"
      origin: https://news.example
      nodes:
        - {tag: audio, id: podcast, media: {volume: 0.5}}
  - tag: iframe
    frame:
      id: "2"
      origin: https://ads.example
      nodes:
        - {tag: video, id: ad, media: {playing: true}}
`

const sportsPage = `
tab: "42"
origin: https://sports.example
nodes:
  - {tag: video, id: match, media: {volume: 1, playing: true}}
`

var newsOriginal = []dom.ElementState{
	{Frame: "0", ID: "hero", Volume: 0.8},
	{Frame: "1", ID: "podcast", Volume: 0.5, Paused: true},
	{Frame: "2", ID: "ad", Volume: 1},
}

// drivers hands out mock sources and devices and remembers the last ones.
type drivers struct {
	mu  sync.Mutex
	src *mock.Source
	dev *mock.Device
}

func (d *drivers) registry() *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterSource("mock", func(config.DriverEntry, string) (capture.Source, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.src = mock.NewSource(64)
		return d.src, nil
	})
	reg.RegisterDevice("mock", func(_ config.DriverEntry, rate int) (playback.Device, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.dev = mock.NewDevice(rate)
		return d.dev, nil
	})
	return reg
}

func (d *drivers) last() (*mock.Source, *mock.Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.src, d.dev
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func testConfig(t *testing.T, url string) *config.Config {
	t.Helper()
	return &config.Config{
		Server:  config.ServerConfig{LogLevel: config.LogInfo},
		Speech:  config.SpeechConfig{URL: url},
		Capture: config.CaptureConfig{Driver: config.DriverEntry{Name: "mock"}, FrameSize: 1024},
		Playback: config.PlaybackConfig{
			Driver:      config.DriverEntry{Name: "mock"},
			GraceWindow: 100 * time.Millisecond,
		},
		Suppression: config.SuppressionConfig{
			Enabled:     true,
			RetryDelays: []time.Duration{10 * time.Millisecond},
		},
		Tabs: []config.TabConfig{{ID: "42", Page: writeFile(t, t.TempDir(), "news.yaml", newsPage)}},
	}
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) (*app.App, *httptest.Server) {
	t.Helper()
	a, err := app.New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		if err := a.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return a, ts
}

func do(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func media(t *testing.T, ts *httptest.Server) []dom.ElementState {
	t.Helper()
	var out []dom.ElementState
	if code := do(t, "GET", ts.URL+"/v1/tabs/42/media", "", &out); code != http.StatusOK {
		t.Fatalf("media: status %d", code)
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// frameBlock is one 48 kHz block that decimates to exactly one 1024-sample
// frame at 16 kHz.
func frameBlock() audio.Block {
	samples := make([]float32, 3*1024)
	for i := range samples {
		samples[i] = 0.1
	}
	return audio.Block{Samples: samples, SampleRate: 48000, Channels: 1}
}

const startBody = `{"tab_id":"42","target_lang":"de","source_lang":"en","mute_original":true}`

// ── Session API ──────────────────────────────────────────────────────────────

func TestAPI_SessionLifecycle(t *testing.T) {
	t.Parallel()

	srv := speechtest.NewServer()
	defer srv.Close()
	d := &drivers{}
	_, ts := newApp(t, testConfig(t, srv.URL()), app.WithRegistry(d.registry()))

	if diff := cmp.Diff(newsOriginal, media(t, ts)); diff != "" {
		t.Fatalf("initial media mismatch (-want +got):\n%s", diff)
	}

	var info session.Info
	if code := do(t, "POST", ts.URL+"/v1/session", startBody, &info); code != http.StatusAccepted {
		t.Fatalf("start: status %d", code)
	}
	if info.State != "capturing" || info.Request == nil || info.Request.TabID != "42" {
		t.Fatalf("start info = %+v", info)
	}

	var errBody struct{ Error string }
	if code := do(t, "POST", ts.URL+"/v1/session", startBody, &errBody); code != http.StatusConflict {
		t.Errorf("second start: status %d, want 409", code)
	}

	src, dev := d.last()
	for range 4 {
		src.Push(frameBlock())
	}
	eventually(t, "echoed chunks", func() bool {
		var got session.Info
		do(t, "GET", ts.URL+"/v1/session", "", &got)
		return got.ChunksReceived == 4
	})

	eventually(t, "page muted", func() bool {
		for _, el := range media(t, ts) {
			if !el.Muted || el.Volume != 0 {
				return false
			}
		}
		return true
	})

	var tabs []struct {
		ID    string
		Muted bool
	}
	do(t, "GET", ts.URL+"/v1/tabs", "", &tabs)
	if len(tabs) != 1 || !tabs[0].Muted {
		t.Errorf("tabs = %+v, want tab 42 muted", tabs)
	}

	eventually(t, "page restored after playback", func() bool {
		dev.Advance(500 * time.Millisecond)
		return cmp.Equal(newsOriginal, media(t, ts))
	})

	if code := do(t, "DELETE", ts.URL+"/v1/session", "", &info); code != http.StatusOK {
		t.Fatalf("stop: status %d", code)
	}
	if info.State != "idle" {
		t.Errorf("state after stop = %q, want idle", info.State)
	}
	if src.CallCountClose != 1 {
		t.Errorf("source closed %d times, want 1", src.CallCountClose)
	}
	if code := do(t, "DELETE", ts.URL+"/v1/session", "", &errBody); code != http.StatusConflict {
		t.Errorf("second stop: status %d, want 409", code)
	}

	hs := srv.Handshakes()
	if len(hs) != 1 {
		t.Fatalf("handshakes = %d, want 1", len(hs))
	}
}

func TestAPI_StartErrors(t *testing.T) {
	t.Parallel()

	srv := speechtest.NewServer()
	defer srv.Close()
	d := &drivers{}
	_, ts := newApp(t, testConfig(t, srv.URL()), app.WithRegistry(d.registry()))

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"tab_id":`, http.StatusBadRequest},
		{"unknown field", `{"tab_id":"42","target_lang":"de","speed":2}`, http.StatusBadRequest},
		{"missing target", `{"tab_id":"42"}`, http.StatusBadRequest},
		{"unknown tab", `{"tab_id":"7","target_lang":"de"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body struct{ Error string }
			if code := do(t, "POST", ts.URL+"/v1/session", tt.body, &body); code != tt.want {
				t.Errorf("status = %d, want %d", code, tt.want)
			}
			if body.Error == "" {
				t.Error("error body is empty")
			}
		})
	}

	if code := do(t, "GET", ts.URL+"/v1/tabs/7/media", "", nil); code != http.StatusNotFound {
		t.Errorf("media of unknown tab: status %d, want 404", code)
	}
	if len(srv.Handshakes()) != 0 {
		t.Errorf("rejected requests reached the endpoint")
	}
}

func TestAPI_UnreachableEndpoint(t *testing.T) {
	t.Parallel()

	srv := speechtest.NewServer()
	url := srv.URL()
	srv.Close()

	d := &drivers{}
	a, ts := newApp(t, testConfig(t, url), app.WithRegistry(d.registry()))

	var body struct{ Error string }
	if code := do(t, "POST", ts.URL+"/v1/session", startBody, &body); code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", code)
	}
	if got := a.Controller().State(); got != session.StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
	src, dev := d.last()
	if src.CallCountClose != 1 || dev.CallCountClose != 1 {
		t.Errorf("rollback closed source %d and device %d times, want 1 each", src.CallCountClose, dev.CallCountClose)
	}
}

// ── Health ───────────────────────────────────────────────────────────────────

func TestAPI_Health(t *testing.T) {
	t.Parallel()

	d := &drivers{}
	_, ts := newApp(t, testConfig(t, "ws://127.0.0.1:1/unused"), app.WithRegistry(d.registry()))

	if code := do(t, "GET", ts.URL+"/healthz", "", nil); code != http.StatusOK {
		t.Errorf("healthz: status %d", code)
	}

	var ready struct {
		Status  string
		Checks  map[string]string
		Details map[string]session.Info
	}
	if code := do(t, "GET", ts.URL+"/readyz", "", &ready); code != http.StatusOK {
		t.Fatalf("readyz: status %d (%+v)", code, ready)
	}
	if ready.Checks["tabs"] != "ok" || ready.Checks["endpoint"] != "ok" {
		t.Errorf("checks = %v", ready.Checks)
	}
	if got := ready.Details["session"].State; got != "idle" {
		t.Errorf("details.session.state = %q, want idle", got)
	}
}

func TestAPI_MetricsHandler(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("# livedub\n"))
	})
	_, ts := newApp(t, testConfig(t, "ws://127.0.0.1:1/unused"), app.WithMetricsHandler(metrics))

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if resp.StatusCode != http.StatusOK || buf.String() != "# livedub\n" {
		t.Errorf("metrics: status %d body %q", resp.StatusCode, buf.String())
	}
}

// ── New and Reload ───────────────────────────────────────────────────────────

func TestNew_RejectsMismatchedPage(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "ws://127.0.0.1:1/unused")
	cfg.Tabs = append(cfg.Tabs, config.TabConfig{ID: "43", Page: cfg.Tabs[0].Page})
	if _, err := app.New(cfg); err == nil {
		t.Fatal("expected error for a page fixture of another tab, got nil")
	}
}

func TestReload(t *testing.T) {
	t.Parallel()

	srv := speechtest.NewServer()
	defer srv.Close()
	other := speechtest.NewServer(speechtest.WithResponder(func([]byte) [][]byte { return nil }))
	defer other.Close()

	d := &drivers{}
	level := new(slog.LevelVar)
	old := testConfig(t, srv.URL())
	a, ts := newApp(t, old, app.WithRegistry(d.registry()), app.WithLogLevel(level))

	updated := *old
	updated.Server.LogLevel = config.LogDebug
	updated.Speech.URL = other.URL()
	updated.Tabs = []config.TabConfig{{ID: "42", Page: writeFile(t, t.TempDir(), "sports.yaml", sportsPage)}}
	a.Reload(config.Change{Old: old, New: &updated, Diff: config.Diff(old, &updated)})

	if level.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", level.Level())
	}
	want := []dom.ElementState{{Frame: "0", ID: "match", Volume: 1}}
	if diff := cmp.Diff(want, media(t, ts)); diff != "" {
		t.Errorf("media after reload mismatch (-want +got):\n%s", diff)
	}

	if code := do(t, "POST", ts.URL+"/v1/session", startBody, nil); code != http.StatusAccepted {
		t.Fatalf("start: status %d", code)
	}
	if len(other.Handshakes()) != 1 || len(srv.Handshakes()) != 0 {
		t.Errorf("handshakes: reloaded endpoint %d, old endpoint %d; want 1 and 0",
			len(other.Handshakes()), len(srv.Handshakes()))
	}
	if code := do(t, "DELETE", ts.URL+"/v1/session", "", nil); code != http.StatusOK {
		t.Errorf("stop: status %d", code)
	}
}
