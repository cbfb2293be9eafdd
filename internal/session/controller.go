// Package session drives one translation session at a time: it binds a tab's
// audio source to the speech endpoint, schedules the synthesised audio on the
// playback device and keeps the tab's own media suppressed while it plays.
//
// The [Controller] state machine is Idle → Starting → Capturing → Stopping →
// Idle. Starting acquires the source, the playback device and the endpoint
// connection and waits for the endpoint to report ready; any failure on the
// way releases what was acquired and returns to Idle. Stopping tears down in
// a fixed order: capture, final UNMUTE, endpoint connection, playback.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/livedub/internal/capture"
	"github.com/MrWong99/livedub/internal/observe"
	"github.com/MrWong99/livedub/internal/resilience"
	"github.com/MrWong99/livedub/internal/suppress"
	"github.com/MrWong99/livedub/internal/transport"
	"github.com/MrWong99/livedub/pkg/audio"
	"github.com/MrWong99/livedub/pkg/audio/playback"
)

// Sentinel errors.
var (
	// ErrNotIdle is returned by Start while another session is active.
	ErrNotIdle = errors.New("session: a session is already active")

	// ErrNotActive is returned by Stop when no session is capturing.
	ErrNotActive = errors.New("session: no active session")

	// ErrNotReady is returned by Start when the endpoint does not report
	// ready in time.
	ErrNotReady = errors.New("session: speech endpoint not ready")

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("session: controller closed")

	// ErrInvalidRequest is returned by Start for a request that fails
	// [Request.Validate].
	ErrInvalidRequest = errors.New("session: invalid request")
)

// Defaults applied by [NewController].
const (
	DefaultReadyTimeout = 10 * time.Second
	DefaultDrainTimeout = 5 * time.Second
	DefaultFrameSize    = 4096
)

// State is the controller's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateCapturing
	StateStopping
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateCapturing:
		return "capturing"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Request describes the session a caller wants.
type Request struct {
	TabID        string `json:"tab_id"`
	SourceLang   string `json:"source_lang,omitempty"`
	TargetLang   string `json:"target_lang"`
	VoiceID      string `json:"voice_id,omitempty"`
	MuteOriginal bool   `json:"mute_original"`
}

// Validate reports every missing field.
func (r Request) Validate() error {
	var errs []error
	if r.TabID == "" {
		errs = append(errs, errors.New("tab_id is required"))
	}
	if r.TargetLang == "" {
		errs = append(errs, errors.New("target_lang is required"))
	}
	return errors.Join(errs...)
}

// ── Collaborators ────────────────────────────────────────────────────────────

// SourceProvider grants access to a tab's audio.
type SourceProvider interface {
	Acquire(ctx context.Context, tabID string) (capture.Source, error)
}

// DeviceOpener opens the playback device for a new session.
type DeviceOpener interface {
	Open(ctx context.Context) (playback.Device, error)
}

// Channel is an open endpoint connection. [*transport.Channel] satisfies it.
type Channel interface {
	capture.FrameSink
	Events() <-chan transport.Event
	Ready() <-chan struct{}
	Done() <-chan struct{}
	Stats() (sent, received uint64)
	Close() error
}

// Connector opens endpoint connections.
type Connector interface {
	Connect(ctx context.Context, cfg transport.Config) (Channel, error)
}

// DialConnector connects with [transport.Dial].
type DialConnector struct{}

// Connect implements [Connector].
func (DialConnector) Connect(ctx context.Context, cfg transport.Config) (Channel, error) {
	ch, err := transport.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// ── Configuration ────────────────────────────────────────────────────────────

// Config holds the collaborators and tuning of a [Controller].
type Config struct {
	// Sources and Devices are required.
	Sources SourceProvider
	Devices DeviceOpener

	// Connector defaults to [DialConnector].
	Connector Connector

	// Bus carries suppression commands. Nil disables suppression even for
	// requests with MuteOriginal set.
	Bus suppress.Bus

	// SpeechURL is the endpoint address; Header is sent on the upgrade.
	SpeechURL string
	Header    http.Header

	// InputRate, OutputRate and QueueFrames are passed to the transport;
	// zero uses the transport defaults.
	InputRate   int
	OutputRate  int
	QueueFrames int

	// FrameSize is the outbound frame length in samples.
	// Default [DefaultFrameSize].
	FrameSize int

	// ReadyTimeout bounds the wait for the endpoint's ready status.
	// Default [DefaultReadyTimeout]; negative disables the wait.
	ReadyTimeout time.Duration

	// GraceWindow is the playback idle grace window; zero uses the
	// scheduler default.
	GraceWindow time.Duration

	// RetryDelays overrides the suppression retry schedule when non-nil.
	RetryDelays []time.Duration

	// DrainTimeout bounds how long a session ended by a failure waits for
	// scheduled audio. Default [DefaultDrainTimeout].
	DrainTimeout time.Duration

	// Restart controls automatic restarts after the endpoint drops.
	Restart RestartPolicy

	// Breaker, if set, guards connecting to the endpoint.
	Breaker *resilience.CircuitBreaker

	// Metrics, if set, receives session and pipeline measurements.
	Metrics *observe.Metrics
}

func (cfg *Config) applyDefaults() {
	if cfg.Connector == nil {
		cfg.Connector = DialConnector{}
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = DefaultFrameSize
	}
	if cfg.InputRate <= 0 {
		cfg.InputRate = transport.DefaultInputRate
	}
	if cfg.OutputRate <= 0 {
		cfg.OutputRate = transport.DefaultOutputRate
	}
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = playback.DefaultGraceWindow
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	cfg.Restart.applyDefaults()
}

// ── Controller ───────────────────────────────────────────────────────────────

// Controller runs at most one session. All methods are safe for concurrent
// use. Observers registered with the On* methods run synchronously and must
// not call back into the controller.
type Controller struct {
	// notifyMu serialises state transitions with their observers so that
	// observers see transitions in order.
	notifyMu sync.Mutex

	mu        sync.Mutex
	cfg       Config
	state     State
	cur       *run
	lastErr   error
	restart   *restarter
	closed    bool

	// starting counts starts between Idle and Capturing; cancelStart aborts
	// the one in flight.
	starting    sync.WaitGroup
	cancelStart context.CancelFunc

	onState   []func(State)
	onStatus  []func(transport.Status)
	onFailure []func(error)
	onEdge    []func(playback.Edge)
}

// NewController returns an idle controller.
func NewController(cfg Config) *Controller {
	cfg.applyDefaults()
	return &Controller{cfg: cfg}
}

// Configure changes the configuration used by the next session. The active
// session keeps the settings it started with.
func (c *Controller) Configure(update func(cfg *Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	update(&c.cfg)
	c.cfg.applyDefaults()
}

// OnStateChange registers fn for every state transition.
func (c *Controller) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = append(c.onState, fn)
}

// OnStatus registers fn for every status message from the endpoint.
func (c *Controller) OnStatus(fn func(transport.Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = append(c.onStatus, fn)
}

// OnFailure registers fn for sessions that end without Stop.
func (c *Controller) OnFailure(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFailure = append(c.onFailure, fn)
}

// OnPlayback registers fn for playback edges.
func (c *Controller) OnPlayback(fn func(playback.Edge)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEdge = append(c.onEdge, fn)
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition moves to `to` if allow, evaluated under the lock, returns true.
func (c *Controller) transition(to State, allow func() bool) bool {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if !allow() {
		c.mu.Unlock()
		return false
	}
	from := c.state
	c.state = to
	fns := slices.Clone(c.onState)
	c.mu.Unlock()

	slog.Debug("session: state", "from", from, "to", to)
	for _, fn := range fns {
		fn(to)
	}
	return true
}

// Start begins a session for req and returns once it is capturing. A
// pending automatic restart is abandoned.
func (c *Controller) Start(ctx context.Context, req Request) (Info, error) {
	c.stopRestart()
	return c.start(ctx, req)
}

func (c *Controller) start(ctx context.Context, req Request) (Info, error) {
	if err := req.Validate(); err != nil {
		return Info{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	var cfg Config
	closed := false
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !c.transition(StateStarting, func() bool {
		cfg, closed = c.cfg, c.closed
		if closed || c.state != StateIdle {
			return false
		}
		c.starting.Add(1)
		c.cancelStart = cancel
		return true
	}) {
		if closed {
			return Info{}, ErrClosed
		}
		return Info{}, ErrNotIdle
	}
	defer c.starting.Done()

	begin := time.Now()
	id := uuid.NewString()
	ctx, span := observe.StartSpan(ctx, "session.start", trace.WithAttributes(
		attribute.String("tab.id", req.TabID),
		attribute.String("target_lang", req.TargetLang),
	))
	defer span.End()
	ctx = observe.WithSession(ctx, id)
	log := observe.Logger(ctx)

	r, stage, err := c.open(ctx, id, req, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if cfg.Metrics != nil {
			cfg.Metrics.RecordSessionFailure(ctx, stage)
		}
		log.Warn("session: start failed", "stage", stage, "err", err)
		c.transition(StateIdle, func() bool {
			c.cancelStart = nil
			if c.closed {
				err = fmt.Errorf("%w: %w", ErrClosed, err)
			}
			c.lastErr = err
			return true
		})
		return Info{}, err
	}

	if !c.transition(StateCapturing, func() bool {
		c.cancelStart = nil
		if c.closed {
			return false
		}
		c.cur = r
		c.lastErr = nil
		return true
	}) {
		log.Info("session: controller closed while starting, releasing")
		c.transition(StateStopping, func() bool { return true })
		tctx, tcancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
		defer tcancel()
		if terr := c.teardown(tctx, r); terr != nil {
			log.Warn("session: teardown", "err", terr)
		}
		c.transition(StateIdle, func() bool {
			c.lastErr = ErrClosed
			return true
		})
		return Info{}, ErrClosed
	}
	if cfg.Metrics != nil {
		cfg.Metrics.SessionStartDuration.Record(ctx, time.Since(begin).Seconds())
		cfg.Metrics.ActiveSessions.Add(ctx, 1)
	}
	log.Info("session started",
		"tab_id", req.TabID,
		"target_lang", req.TargetLang,
		"mute_original", req.MuteOriginal,
		"took", time.Since(begin),
	)
	go c.watch(r)
	return c.Info(), nil
}

// run is the set of resources owned by one session.
type run struct {
	id      string
	req     Request
	cfg     Config
	started time.Time

	dev     playback.Device
	ch      Channel
	sched   *playback.Scheduler
	orch    *suppress.Orchestrator
	capture *capture.Session

	pumpDone    chan struct{}
	closeReason error // written by pump before pumpDone is closed
}

// open acquires everything a session needs. On error every resource
// acquired so far is released and stage names the failing step.
func (c *Controller) open(ctx context.Context, id string, req Request, cfg Config) (_ *run, stage string, err error) {
	var closers []func()
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	src, err := cfg.Sources.Acquire(ctx, req.TabID)
	if err != nil {
		return nil, "source", fmt.Errorf("session: acquire source for tab %s: %w", req.TabID, err)
	}
	closers = append(closers, func() {
		if err := src.Close(); err != nil {
			slog.Warn("session: release source", "err", err)
		}
	})

	dev, err := cfg.Devices.Open(ctx)
	if err != nil {
		return nil, "device", fmt.Errorf("session: open playback device: %w", err)
	}
	closers = append(closers, func() {
		if err := dev.Close(); err != nil {
			slog.Warn("session: close playback device", "err", err)
		}
	})

	ch, err := c.connect(ctx, req, cfg)
	if err != nil {
		return nil, "transport", err
	}

	r := &run{
		id:       id,
		req:      req,
		cfg:      cfg,
		started:  time.Now(),
		dev:      dev,
		ch:       ch,
		pumpDone: make(chan struct{}),
	}

	if cfg.Bus != nil && req.MuteOriginal {
		var opts []suppress.OrchestratorOption
		if cfg.RetryDelays != nil {
			opts = append(opts, suppress.WithRetryDelays(cfg.RetryDelays...))
		}
		if cfg.Metrics != nil {
			opts = append(opts, suppress.WithOrchestratorMetrics(cfg.Metrics))
		}
		r.orch = suppress.NewOrchestrator(cfg.Bus, req.TabID, opts...)
	}

	popts := []playback.Option{
		playback.WithGraceWindow(cfg.GraceWindow),
		playback.WithOutputRate(cfg.OutputRate),
		playback.WithEdgeHandler(func(e playback.Edge) { c.edge(r, e) }),
	}
	if cfg.Metrics != nil {
		popts = append(popts, playback.WithRecorder(cfg.Metrics.PlaybackRecorder()))
	}
	r.sched = playback.New(dev, popts...)

	go c.pump(r)

	// The capture session owns the source from here on.
	r.capture = capture.Start(src, ch,
		capture.WithTargetRate(cfg.InputRate),
		capture.WithFrameSize(cfg.FrameSize),
		capture.WithMetrics(cfg.Metrics),
	)
	return r, "", nil
}

// connect dials the endpoint and waits for it to become ready, both under
// the circuit breaker when one is configured.
func (c *Controller) connect(ctx context.Context, req Request, cfg Config) (Channel, error) {
	tcfg := transport.Config{
		URL:          cfg.SpeechURL,
		SourceLang:   req.SourceLang,
		TargetLang:   req.TargetLang,
		VoiceID:      req.VoiceID,
		MuteOriginal: req.MuteOriginal,
		InputRate:    cfg.InputRate,
		OutputRate:   cfg.OutputRate,
		QueueFrames:  cfg.QueueFrames,
		Header:       cfg.Header,
		Metrics:      cfg.Metrics,
	}

	var ch Channel
	dial := func(ctx context.Context) error {
		conn, err := cfg.Connector.Connect(ctx, tcfg)
		if err != nil {
			return fmt.Errorf("session: connect to speech endpoint: %w", err)
		}
		if err := awaitReady(ctx, conn, cfg.ReadyTimeout); err != nil {
			closeChannel(conn)
			return err
		}
		ch = conn
		return nil
	}

	var err error
	if cfg.Breaker != nil {
		err = cfg.Breaker.Execute(ctx, dial)
	} else {
		err = dial(ctx)
	}
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// awaitReady waits for the endpoint's ready status. Events that arrive
// before it stay queued for the pump.
func awaitReady(ctx context.Context, ch Channel, timeout time.Duration) error {
	if timeout < 0 {
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch.Ready():
		return nil
	case <-ch.Done():
		return fmt.Errorf("%w: %w", ErrNotReady, drainClosed(ch))
	case <-timer.C:
		return fmt.Errorf("%w: no ready status after %s", ErrNotReady, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainClosed consumes the events of a closed channel and describes why it
// closed, preferring an error status sent by the endpoint.
func drainClosed(ch Channel) error {
	var status string
	var reason error
	for ev := range ch.Events() {
		switch ev.Kind {
		case transport.EventStatus:
			if ev.Status.Type == transport.StatusError && status == "" {
				status = ev.Status.Message
			}
		case transport.EventClosed:
			reason = ev.Reason
		}
	}
	if status != "" {
		return fmt.Errorf("endpoint error %q: %w", status, reason)
	}
	if reason == nil {
		return errors.New("connection closed")
	}
	return reason
}

// closeChannel closes ch and consumes its remaining events so its reader
// can exit.
func closeChannel(ch Channel) {
	if err := ch.Close(); err != nil {
		slog.Warn("session: close endpoint connection", "err", err)
	}
	audio.Drain(ch.Events())
}

// pump routes inbound events until the channel closes.
func (c *Controller) pump(r *run) {
	defer close(r.pumpDone)
	for ev := range r.ch.Events() {
		switch ev.Kind {
		case transport.EventAudio:
			r.sched.Enqueue(ev.Chunk)
		case transport.EventStatus:
			c.status(r, ev.Status)
		case transport.EventClosed:
			r.closeReason = ev.Reason
		}
	}
}

func (c *Controller) status(r *run, st transport.Status) {
	switch st.Type {
	case transport.StatusError:
		slog.Warn("session: endpoint error", "session_id", r.id, "message", st.Message)
	case transport.StatusText:
		slog.Debug("session: transcript", "session_id", r.id, "final", st.IsFinal, "text", st.Text)
	default:
		slog.Debug("session: status", "session_id", r.id, "type", st.Type, "message", st.Message)
	}
	c.mu.Lock()
	fns := slices.Clone(c.onStatus)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func (c *Controller) edge(r *run, e playback.Edge) {
	if r.orch != nil {
		switch e {
		case playback.EdgeStarted:
			r.orch.PlaybackStarted()
		case playback.EdgeIdle:
			r.orch.PlaybackIdle()
		}
	}
	c.mu.Lock()
	fns := slices.Clone(c.onEdge)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}

// watch ends the session when the source or the endpoint goes away.
func (c *Controller) watch(r *run) {
	select {
	case <-r.capture.Done():
		if err := r.capture.Err(); err != nil {
			c.fail(r, "source", err, false)
		}
	case <-r.pumpDone:
		if errors.Is(r.closeReason, transport.ErrClosed) {
			return
		}
		c.fail(r, "transport", fmt.Errorf("session: speech endpoint closed: %w", r.closeReason), true)
	}
}

// fail tears down r after an unexpected end and reports err.
func (c *Controller) fail(r *run, cause string, err error, restartable bool) {
	if !c.transition(StateStopping, func() bool {
		return c.cur == r && c.state == StateCapturing
	}) {
		return
	}
	log := slog.With("session_id", r.id, "tab_id", r.req.TabID)
	log.Warn("session: ended unexpectedly", "cause", cause, "err", err)

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DrainTimeout)
	defer cancel()
	if terr := c.teardown(ctx, r); terr != nil {
		log.Warn("session: teardown", "err", terr)
	}
	c.finish(r, err)

	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordSessionFailure(context.Background(), cause)
	}
	c.mu.Lock()
	fns := slices.Clone(c.onFailure)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}

	if restartable && r.cfg.Restart.MaxRetries > 0 {
		c.scheduleRestart(r.req, r.cfg.Restart)
	}
}

// Stop ends the active session. Audio already scheduled keeps playing until
// it finishes or ctx is done. A pending automatic restart is abandoned.
func (c *Controller) Stop(ctx context.Context) error {
	c.stopRestart()

	var r *run
	if !c.transition(StateStopping, func() bool {
		r = c.cur
		return c.state == StateCapturing && r != nil
	}) {
		return ErrNotActive
	}

	ctx, span := observe.StartSpan(ctx, "session.stop")
	defer span.End()
	ctx = observe.WithSession(ctx, r.id)

	err := c.teardown(ctx, r)
	if err != nil {
		span.RecordError(err)
	}
	c.finish(r, nil)
	observe.Logger(ctx).Info("session stopped", "tab_id", r.req.TabID, "duration", time.Since(r.started))
	return err
}

// teardown releases r in order: capture, final UNMUTE, endpoint, playback.
func (c *Controller) teardown(ctx context.Context, r *run) error {
	r.capture.Stop()
	if r.orch != nil {
		r.orch.Close()
	}
	closeChannel(r.ch)
	<-r.pumpDone

	if err := r.sched.Drain(ctx); err != nil {
		slog.Warn("session: playback not drained", "session_id", r.id, "err", err)
	}
	var errs []error
	if err := r.sched.Close(); err != nil {
		errs = append(errs, fmt.Errorf("session: close scheduler: %w", err))
	}
	if err := r.dev.Close(); err != nil {
		errs = append(errs, fmt.Errorf("session: close playback device: %w", err))
	}
	return errors.Join(errs...)
}

func (c *Controller) finish(r *run, err error) {
	c.transition(StateIdle, func() bool {
		c.cur = nil
		c.lastErr = err
		return true
	})
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// Close stops the active session and abandons any pending restart. A
// session still starting is cancelled and released before Close returns,
// unless ctx ends first. Start fails with [ErrClosed] afterwards.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	if c.cancelStart != nil {
		c.cancelStart()
	}
	c.mu.Unlock()

	c.stopRestart()
	started := make(chan struct{})
	go func() {
		c.starting.Wait()
		close(started)
	}()
	select {
	case <-started:
	case <-ctx.Done():
		return fmt.Errorf("session: close: waiting for start: %w", ctx.Err())
	}

	if err := c.Stop(ctx); err != nil && !errors.Is(err, ErrNotActive) {
		return err
	}
	return nil
}

// ── Info ─────────────────────────────────────────────────────────────────────

// Info describes the controller and its active session.
type Info struct {
	State          string    `json:"state"`
	ID             string    `json:"id,omitempty"`
	Request        *Request  `json:"request,omitempty"`
	StartedAt      time.Time `json:"started_at,omitzero"`
	FramesCaptured uint64    `json:"frames_captured"`
	FramesDropped  uint64    `json:"frames_dropped"`
	FramesSent     uint64    `json:"frames_sent"`
	ChunksReceived uint64    `json:"chunks_received"`
	Playing        bool      `json:"playing"`
	Suppression    string    `json:"suppression,omitempty"`
	Restarting     bool      `json:"restarting,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

// Info returns a snapshot of the controller.
func (c *Controller) Info() Info {
	c.mu.Lock()
	info := Info{State: c.state.String(), Restarting: c.restart != nil}
	if c.lastErr != nil {
		info.LastError = c.lastErr.Error()
	}
	r := c.cur
	c.mu.Unlock()

	if r == nil {
		return info
	}
	req := r.req
	info.ID = r.id
	info.Request = &req
	info.StartedAt = r.started
	st := r.capture.Stats()
	info.FramesCaptured = st.Frames
	info.FramesDropped = st.Dropped
	info.FramesSent, info.ChunksReceived = r.ch.Stats()
	info.Playing = r.sched.Playing()
	if r.orch != nil {
		info.Suppression = string(r.orch.Current())
	}
	return info
}
