package session_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/livedub/internal/capture"
	"github.com/MrWong99/livedub/internal/dom"
	"github.com/MrWong99/livedub/internal/resilience"
	"github.com/MrWong99/livedub/internal/session"
	"github.com/MrWong99/livedub/internal/speechtest"
	"github.com/MrWong99/livedub/internal/suppress"
	"github.com/MrWong99/livedub/internal/transport"
	"github.com/MrWong99/livedub/pkg/audio"
	"github.com/MrWong99/livedub/pkg/audio/mock"
	"github.com/MrWong99/livedub/pkg/audio/playback"
)

// ── Fakes ────────────────────────────────────────────────────────────────────

type sourceProvider struct {
	mu      sync.Mutex
	sources []*mock.Source
	err     error
}

func (p *sourceProvider) Acquire(_ context.Context, tabID string) (capture.Source, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	src := mock.NewSource(64)
	p.sources = append(p.sources, src)
	return src, nil
}

func (p *sourceProvider) last() *mock.Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sources) == 0 {
		return nil
	}
	return p.sources[len(p.sources)-1]
}

type deviceOpener struct {
	mu      sync.Mutex
	devices []*mock.Device
	err     error
}

func (o *deviceOpener) Open(context.Context) (playback.Device, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	dev := mock.NewDevice(48000)
	o.devices = append(o.devices, dev)
	return dev, nil
}

func (o *deviceOpener) last() *mock.Device {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.devices) == 0 {
		return nil
	}
	return o.devices[len(o.devices)-1]
}

// gatedSources blocks Acquire until release is closed. With honorCtx set it
// gives up when the start context ends.
type gatedSources struct {
	sourceProvider
	entered  chan struct{}
	release  chan struct{}
	honorCtx bool
}

func newGatedSources(honorCtx bool) *gatedSources {
	return &gatedSources{
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
		honorCtx: honorCtx,
	}
}

func (g *gatedSources) Acquire(ctx context.Context, tabID string) (capture.Source, error) {
	close(g.entered)
	if g.honorCtx {
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		<-g.release
	}
	return g.sourceProvider.Acquire(ctx, tabID)
}

// detachedConnector dials even after the start context is cancelled.
type detachedConnector struct{}

func (detachedConnector) Connect(ctx context.Context, cfg transport.Config) (session.Channel, error) {
	return session.DialConnector{}.Connect(context.WithoutCancel(ctx), cfg)
}

type failingConnector struct{ calls int }

func (f *failingConnector) Connect(context.Context, transport.Config) (session.Channel, error) {
	f.calls++
	return nil, errors.New("connection refused")
}

type stateLog struct {
	mu     sync.Mutex
	states []session.State
}

func (l *stateLog) record(s session.State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) get() []session.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]session.State(nil), l.states...)
}

type edgeLog struct {
	mu    sync.Mutex
	edges []playback.Edge
}

func (l *edgeLog) record(e playback.Edge) {
	l.mu.Lock()
	l.edges = append(l.edges, e)
	l.mu.Unlock()
}

func (l *edgeLog) get() []playback.Edge {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]playback.Edge(nil), l.edges...)
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

// block48k returns a mono 48 kHz block that decimates to n samples at 16 kHz.
func block48k(n int) audio.Block {
	samples := make([]float32, 3*n)
	for i := range samples {
		samples[i] = 0.1
	}
	return audio.Block{Samples: samples, SampleRate: 48000, Channels: 1}
}

// closeController bounds the wait for audio the mock device never renders.
func closeController(t *testing.T, c *session.Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func request() session.Request {
	return session.Request{TabID: "42", TargetLang: "de", SourceLang: "en", MuteOriginal: true}
}

// ── Tests ────────────────────────────────────────────────────────────────────

// Ten 4096-sample frames at 16 kHz come back as five 8000-sample chunks at
// 24 kHz, which must play back to back with a single started and a single
// idle edge, while the page's media is muted and then restored.
func TestController_EndToEnd(t *testing.T) {
	t.Parallel()

	srv := speechtest.NewServer(speechtest.WithResponder(speechtest.Batch(2, 8000)))
	t.Cleanup(srv.Close)

	page, err := dom.LoadPage(strings.NewReader(`
tab: "42"
origin: https://video.example
nodes:
  - tag: video
    id: main
    media: {volume: 0.7, playing: true}
  - tag: iframe
    frame:
      id: "1"
      origin: https://video.example
      nodes:
        - {tag: audio, id: jingle, media: {volume: 0.4}}
`))
	if err != nil {
		t.Fatalf("LoadPage: %v", err)
	}
	t.Cleanup(page.Close)
	before := page.Snapshot()

	bus := suppress.NewMemoryBus()
	relay := suppress.NewRelay(bus, page.TabID())
	t.Cleanup(func() { relay.Close() })
	for _, d := range page.Documents() {
		a := suppress.Attach(bus, page.TabID(), d.FrameID(), d)
		t.Cleanup(a.Detach)
	}

	sources := &sourceProvider{}
	devices := &deviceOpener{}
	c := session.NewController(session.Config{
		Sources:     sources,
		Devices:     devices,
		Bus:         bus,
		SpeechURL:   srv.URL(),
		FrameSize:   4096,
		GraceWindow: 500 * time.Millisecond,
		RetryDelays: []time.Duration{10 * time.Millisecond},
	})
	states := &stateLog{}
	edges := &edgeLog{}
	c.OnStateChange(states.record)
	c.OnPlayback(edges.record)

	info, err := c.Start(context.Background(), request())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if info.State != "capturing" || info.ID == "" {
		t.Fatalf("Info after Start = %+v, want capturing with an id", info)
	}

	src, dev := sources.last(), devices.last()
	for i := 0; i < 10; i++ {
		src.Push(block48k(4096))
	}

	eventually(t, "five scheduled chunks", func() bool { return len(dev.Calls()) == 5 })
	calls := dev.Calls()
	for i, call := range calls {
		if call.Length <= 0 {
			t.Errorf("chunk %d has length %v", i, call.Length)
		}
		if i > 0 && call.At != calls[i-1].End() {
			t.Errorf("chunk %d starts at %v, previous ends at %v", i, call.At, calls[i-1].End())
		}
	}
	if srv.Frames() != 10 {
		t.Errorf("endpoint received %d frames, want 10", srv.Frames())
	}

	eventually(t, "page muted", func() bool {
		for _, el := range page.Snapshot() {
			if !el.Muted || el.Volume != 0 {
				return false
			}
		}
		return true
	})

	dev.Advance(calls[4].End() + 2*time.Second)
	eventually(t, "idle edge", func() bool { return len(edges.get()) == 2 })
	if diff := cmp.Diff([]playback.Edge{playback.EdgeStarted, playback.EdgeIdle}, edges.get()); diff != "" {
		t.Errorf("edges (-want +got):\n%s", diff)
	}
	eventually(t, "page restored", func() bool { return cmp.Equal(before, page.Snapshot()) })

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !src.Closed() {
		t.Error("source not released")
	}
	if dev.CallCountClose != 1 {
		t.Errorf("device closed %d times, want 1", dev.CallCountClose)
	}
	eventually(t, "endpoint connection closed", func() bool { return srv.Connections() == 0 })

	want := []session.State{session.StateStarting, session.StateCapturing, session.StateStopping, session.StateIdle}
	if diff := cmp.Diff(want, states.get()); diff != "" {
		t.Errorf("states (-want +got):\n%s", diff)
	}
	if err := c.Stop(context.Background()); !errors.Is(err, session.ErrNotActive) {
		t.Errorf("second Stop err = %v, want ErrNotActive", err)
	}
}

func TestController_StartRollsBack(t *testing.T) {
	t.Parallel()

	srv := speechtest.NewServer(speechtest.WithoutReady())
	t.Cleanup(srv.Close)
	rejecting := speechtest.NewServer(speechtest.WithRejectHandshake("unsupported language"))
	t.Cleanup(rejecting.Close)

	tests := []struct {
		name       string
		sourceErr  error
		deviceErr  error
		url        string
		connector  session.Connector
		wantErr    error
		wantSource bool // a source was acquired and must be released
		wantDevice bool
	}{
		{
			name:      "source denied",
			sourceErr: errors.New("permission denied"),
			url:       srv.URL(),
		},
		{
			name:       "device unavailable",
			deviceErr:  errors.New("no output device"),
			url:        srv.URL(),
			wantSource: true,
		},
		{
			name:       "endpoint unreachable",
			connector:  &failingConnector{},
			wantSource: true,
			wantDevice: true,
		},
		{
			name:       "endpoint never ready",
			url:        srv.URL(),
			wantErr:    session.ErrNotReady,
			wantSource: true,
			wantDevice: true,
		},
		{
			name:       "endpoint rejects handshake",
			url:        rejecting.URL(),
			wantErr:    session.ErrNotReady,
			wantSource: true,
			wantDevice: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sources := &sourceProvider{err: tt.sourceErr}
			devices := &deviceOpener{err: tt.deviceErr}
			c := session.NewController(session.Config{
				Sources:      sources,
				Devices:      devices,
				Connector:    tt.connector,
				SpeechURL:    tt.url,
				ReadyTimeout: 100 * time.Millisecond,
			})

			_, err := c.Start(context.Background(), request())
			if err == nil {
				t.Fatal("Start succeeded, want error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if c.State() != session.StateIdle {
				t.Errorf("state = %v, want idle", c.State())
			}
			if info := c.Info(); info.LastError == "" {
				t.Error("Info.LastError empty after failed start")
			}

			if src := sources.last(); tt.wantSource {
				if src == nil || !src.Closed() {
					t.Error("acquired source not released")
				}
			}
			if dev := devices.last(); tt.wantDevice {
				if dev == nil || dev.CallCountClose != 1 {
					t.Error("opened device not closed exactly once")
				}
			}
		})
	}
}

func TestController_RejectsSecondStart(t *testing.T) {
	t.Parallel()

	srv := speechtest.NewServer()
	t.Cleanup(srv.Close)
	c := session.NewController(session.Config{
		Sources:   &sourceProvider{},
		Devices:   &deviceOpener{},
		SpeechURL: srv.URL(),
	})
	t.Cleanup(func() { closeController(t, c) })

	if _, err := c.Start(context.Background(), request()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := c.Start(context.Background(), request()); !errors.Is(err, session.ErrNotIdle) {
		t.Errorf("second Start err = %v, want ErrNotIdle", err)
	}
	if _, err := c.Start(context.Background(), session.Request{TabID: "1"}); err == nil {
		t.Error("Start without target language succeeded")
	}
}

func TestController_SourceEndFailsSession(t *testing.T) {
	t.Parallel()

	srv := speechtest.NewServer()
	t.Cleanup(srv.Close)
	sources := &sourceProvider{}
	c := session.NewController(session.Config{
		Sources:   sources,
		Devices:   &deviceOpener{},
		SpeechURL: srv.URL(),
		Restart:   session.RestartPolicy{MaxRetries: 3, Backoff: time.Millisecond},
	})
	failures := make(chan error, 1)
	c.OnFailure(func(err error) { failures <- err })

	if _, err := c.Start(context.Background(), request()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sources.last().End(errors.New("tab closed"))

	select {
	case err := <-failures:
		if !errors.Is(err, capture.ErrSourceEnded) {
			t.Errorf("failure = %v, want ErrSourceEnded", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no failure reported")
	}
	eventually(t, "idle", func() bool { return c.State() == session.StateIdle })

	// Source failures are not retried.
	time.Sleep(50 * time.Millisecond)
	if got := len(srv.Handshakes()); got != 1 {
		t.Errorf("endpoint saw %d sessions, want 1", got)
	}
}

func TestController_RestartsAfterEndpointDrop(t *testing.T) {
	t.Parallel()

	srv := speechtest.NewServer()
	t.Cleanup(srv.Close)
	sources := &sourceProvider{}
	c := session.NewController(session.Config{
		Sources:   sources,
		Devices:   &deviceOpener{},
		SpeechURL: srv.URL(),
		Restart:   session.RestartPolicy{MaxRetries: 3, Backoff: 10 * time.Millisecond},
	})
	t.Cleanup(func() { closeController(t, c) })

	first, err := c.Start(context.Background(), request())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	srv.Drop()

	eventually(t, "restarted session", func() bool {
		info := c.Info()
		return info.State == "capturing" && info.ID != first.ID
	})
	if got := len(srv.Handshakes()); got != 2 {
		t.Errorf("endpoint saw %d handshakes, want 2", got)
	}
	if got := c.Info().Request; got == nil || *got != request() {
		t.Errorf("restarted request = %+v, want %+v", got, request())
	}
}

func TestController_BreakerOpensAfterFailedDials(t *testing.T) {
	t.Parallel()

	conn := &failingConnector{}
	c := session.NewController(session.Config{
		Sources:   &sourceProvider{},
		Devices:   &deviceOpener{},
		Connector: conn,
		Breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "speech",
			MaxFailures:  2,
			ResetTimeout: time.Hour,
		}),
	})

	for i := 0; i < 2; i++ {
		if _, err := c.Start(context.Background(), request()); err == nil {
			t.Fatalf("Start %d succeeded", i)
		}
	}
	_, err := c.Start(context.Background(), request())
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if conn.calls != 2 {
		t.Errorf("connector called %d times, want 2", conn.calls)
	}
}

func TestController_StatusAndInfo(t *testing.T) {
	t.Parallel()

	srv := speechtest.NewServer(speechtest.WithTranscripts("hallo"))
	t.Cleanup(srv.Close)
	sources := &sourceProvider{}
	c := session.NewController(session.Config{
		Sources:   sources,
		Devices:   &deviceOpener{},
		SpeechURL: srv.URL(),
		FrameSize: 1024,
	})
	t.Cleanup(func() { closeController(t, c) })

	var mu sync.Mutex
	var texts []string
	c.OnStatus(func(st transport.Status) {
		mu.Lock()
		defer mu.Unlock()
		if st.Type == transport.StatusText {
			texts = append(texts, st.Text)
		}
	})

	if _, err := c.Start(context.Background(), request()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sources.last().Push(block48k(2048))

	eventually(t, "two transcripts", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(texts) == 2
	})
	eventually(t, "frames and chunks counted", func() bool {
		info := c.Info()
		return info.FramesSent == 2 && info.ChunksReceived == 2
	})

	info := c.Info()
	if info.FramesCaptured != 2 || info.FramesDropped != 0 {
		t.Errorf("frames captured=%d dropped=%d, want 2 and 0", info.FramesCaptured, info.FramesDropped)
	}
	if !info.Playing {
		t.Error("Info.Playing = false with chunks scheduled")
	}
	if info.Suppression != "" {
		t.Errorf("Suppression = %q without a bus, want empty", info.Suppression)
	}
}

func TestController_ClosedRejectsStart(t *testing.T) {
	t.Parallel()

	c := session.NewController(session.Config{Sources: &sourceProvider{}, Devices: &deviceOpener{}})
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := c.Start(context.Background(), request()); !errors.Is(err, session.ErrClosed) {
		t.Errorf("Start after Close err = %v, want ErrClosed", err)
	}
}

// A start that finishes opening after Close must release everything it
// acquired and restore the page instead of leaving a session running.
func TestController_CloseDuringStartReleasesSession(t *testing.T) {
	t.Parallel()

	srv := speechtest.NewServer()
	t.Cleanup(srv.Close)
	sources := newGatedSources(false)
	devices := &deviceOpener{}
	bus := suppress.NewMemoryBus()
	var unmutes atomic.Int32
	unsubscribe := bus.Subscribe(suppress.RelayEndpoint("42"), func(m suppress.Message) {
		if m.Command == suppress.Unmute {
			unmutes.Add(1)
		}
	})
	defer unsubscribe()

	c := session.NewController(session.Config{
		Sources:      sources,
		Devices:      devices,
		Connector:    detachedConnector{},
		SpeechURL:    srv.URL(),
		Bus:          bus,
		ReadyTimeout: -1,
		RetryDelays:  []time.Duration{},
	})

	startErr := make(chan error, 1)
	go func() {
		_, err := c.Start(context.Background(), request())
		startErr <- err
	}()
	<-sources.entered

	closeErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		closeErr <- c.Close(ctx)
	}()
	eventually(t, "controller closed", func() bool {
		_, err := c.Start(context.Background(), request())
		return errors.Is(err, session.ErrClosed)
	})
	close(sources.release)

	if err := <-startErr; !errors.Is(err, session.ErrClosed) {
		t.Errorf("Start err = %v, want ErrClosed", err)
	}
	if err := <-closeErr; err != nil {
		t.Errorf("Close: %v", err)
	}
	if got := c.State(); got != session.StateIdle {
		t.Errorf("State = %v, want idle", got)
	}
	if src := sources.last(); src == nil || !src.Closed() {
		t.Error("source not released")
	}
	if dev := devices.last(); dev == nil || dev.CallCountClose != 1 {
		t.Error("device not closed exactly once")
	}
	bus.Flush()
	if got := unmutes.Load(); got != 1 {
		t.Errorf("final UNMUTE sent %d times, want 1", got)
	}
}

// Close cancels a start still waiting on its collaborators.
func TestController_CloseCancelsPendingStart(t *testing.T) {
	t.Parallel()

	sources := newGatedSources(true)
	devices := &deviceOpener{}
	c := session.NewController(session.Config{Sources: sources, Devices: devices})

	startErr := make(chan error, 1)
	go func() {
		_, err := c.Start(context.Background(), request())
		startErr <- err
	}()
	<-sources.entered

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := <-startErr
	if !errors.Is(err, session.ErrClosed) || !errors.Is(err, context.Canceled) {
		t.Errorf("Start err = %v, want ErrClosed wrapping context.Canceled", err)
	}
	if devices.last() != nil {
		t.Error("device opened after Close")
	}
	if got := c.State(); got != session.StateIdle {
		t.Errorf("State = %v, want idle", got)
	}
}

func TestController_RejectsInvalidRequest(t *testing.T) {
	t.Parallel()

	sources := &sourceProvider{}
	c := session.NewController(session.Config{Sources: sources, Devices: &deviceOpener{}})
	defer closeController(t, c)

	_, err := c.Start(context.Background(), session.Request{MuteOriginal: true})
	if !errors.Is(err, session.ErrInvalidRequest) {
		t.Fatalf("Start err = %v, want ErrInvalidRequest", err)
	}
	for _, field := range []string{"tab_id", "target_lang"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error should mention %s, got: %v", field, err)
		}
	}
	if got := c.State(); got != session.StateIdle {
		t.Errorf("State = %v, want idle", got)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state session.State
		want  string
	}{
		{session.StateIdle, "idle"},
		{session.StateStarting, "starting"},
		{session.StateCapturing, "capturing"},
		{session.StateStopping, "stopping"},
		{session.State(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
