// Package app wires the livedub subsystems into a running relay.
//
// The App owns the full lifecycle: New loads the configured tabs and builds
// the session controller, Run serves the control API until the context is
// cancelled, and Shutdown stops the active session and tears everything
// down in reverse order.
//
// For testing, inject collaborators via functional options (WithRegistry,
// WithConnector, etc.). When an option is not provided, New uses the
// built-in drivers and the process-wide telemetry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livedub/internal/config"
	"github.com/MrWong99/livedub/internal/health"
	"github.com/MrWong99/livedub/internal/observe"
	"github.com/MrWong99/livedub/internal/resilience"
	"github.com/MrWong99/livedub/internal/session"
	"github.com/MrWong99/livedub/internal/suppress"
)

const defaultShutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes of the relay.
type App struct {
	registry       *config.Registry
	connector      session.Connector
	endpoint       string
	metrics        *observe.Metrics
	metricsHandler http.Handler
	level          *slog.LevelVar

	mu         sync.Mutex
	cfg        *config.Config
	breaker    *resilience.CircuitBreaker
	breakerCfg config.BreakerConfig

	bus        *suppress.MemoryBus
	tabs       *tabSet
	controller *session.Controller
	health     *health.Handler
	handler    http.Handler

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry replaces the built-in driver registry.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithConnector injects the endpoint connector used by sessions.
func WithConnector(c session.Connector) Option {
	return func(a *App) { a.connector = c }
}

// WithEndpoint overrides speech.url, for example with an in-process demo
// endpoint.
func WithEndpoint(url string) Option {
	return func(a *App) { a.endpoint = url }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets configuration reloads adjust lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. Every configured tab page is loaded and
// attached to the suppression bus before New returns.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.registry == nil {
		a.registry = config.NewRegistry()
		RegisterBuiltinDrivers(a.registry)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Suppression bus and tabs ──────────────────────────────────────
	a.bus = suppress.NewMemoryBus()
	tabs, err := newTabSet(a.bus, cfg.Tabs)
	if err != nil {
		return nil, fmt.Errorf("app: load tabs: %w", err)
	}
	a.tabs = tabs

	// ── 2. Session controller ────────────────────────────────────────────
	sc := session.Config{
		Sources:   tabSources{a},
		Devices:   registryDevices{a},
		Connector: a.connector,
		Metrics:   a.metrics,
	}
	a.applySession(&sc, cfg)
	a.controller = session.NewController(sc)
	a.controller.OnStateChange(func(s session.State) {
		slog.Debug("session state changed", "state", s)
	})
	a.controller.OnFailure(func(err error) {
		slog.Error("session failed", "err", err)
	})

	// ── 3. Health and HTTP routes ────────────────────────────────────────
	a.health = health.New(
		health.WithChecker("tabs", a.checkTabs),
		health.WithChecker("endpoint", a.checkEndpoint),
		health.WithReporter("session", func() any { return a.controller.Info() }),
	)
	a.handler = a.routes()

	return a, nil
}

// applySession copies the session parameters of cfg into sc.
func (a *App) applySession(sc *session.Config, cfg *config.Config) {
	sc.SpeechURL = cfg.Speech.URL
	if a.endpoint != "" {
		sc.SpeechURL = a.endpoint
	}
	sc.Header = nil
	if cfg.Speech.APIKey != "" {
		sc.Header = http.Header{"Authorization": {"Bearer " + cfg.Speech.APIKey}}
	}
	sc.InputRate = cfg.Speech.InputRate
	sc.OutputRate = cfg.Speech.OutputRate
	sc.QueueFrames = cfg.Speech.QueueFrames
	sc.ReadyTimeout = cfg.Speech.ReadyTimeout
	sc.FrameSize = cfg.Capture.FrameSize
	sc.GraceWindow = cfg.Playback.GraceWindow
	sc.RetryDelays = cfg.Suppression.RetryDelays
	if cfg.Suppression.Enabled {
		sc.Bus = a.bus
	} else {
		sc.Bus = nil
	}
	sc.Restart = session.RestartPolicy{
		MaxRetries: cfg.Restart.MaxRetries,
		Backoff:    cfg.Restart.Backoff,
		MaxBackoff: cfg.Restart.MaxBackoff,
	}
	sc.Breaker = a.speechBreaker(cfg.Speech.Breaker)
}

// speechBreaker returns the breaker guarding the speech endpoint, replacing
// it only when its settings changed.
func (a *App) speechBreaker(bc config.BreakerConfig) *resilience.CircuitBreaker {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.breaker != nil && a.breakerCfg == bc {
		return a.breaker
	}
	a.breakerCfg = bc
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "speech",
		MaxFailures:  bc.MaxFailures,
		ResetTimeout: bc.ResetTimeout,
		HalfOpenMax:  bc.HalfOpenMax,
		OnStateChange: func(from, to resilience.State) {
			slog.Warn("speech endpoint breaker changed state", "from", from, "to", to)
		},
	})
	return a.breaker
}

// Config returns the configuration currently in effect.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.controller }

// Handler returns the control API handler.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies a changed configuration. Log level changes apply at once,
// session parameters apply to the next session and changed tabs are
// reloaded. It is the callback of [config.NewWatcher].
func (a *App) Reload(ch config.Change) {
	d, updated := ch.Diff, ch.New

	a.mu.Lock()
	a.cfg = updated
	a.mu.Unlock()

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		a.controller.Configure(func(sc *session.Config) { a.applySession(sc, updated) })
		slog.Info("session settings updated; they apply to the next session")
	}
	if len(d.TabsChanged) > 0 {
		if err := a.tabs.reload(updated, d.TabsChanged); err != nil {
			slog.Error("failed to reload tabs", "err", err)
		}
	}
	if d.RestartRequired {
		slog.Warn("server settings changed; restart livedub to apply them")
	}
}

// ─── Health checks ───────────────────────────────────────────────────────────

func (a *App) checkTabs(context.Context) error {
	cfg := a.Config()
	var errs []error
	for _, tc := range cfg.Tabs {
		if _, ok := a.tabs.get(tc.ID); !ok {
			errs = append(errs, fmt.Errorf("tab %s not loaded", tc.ID))
		}
	}
	return errors.Join(errs...)
}

func (a *App) checkEndpoint(context.Context) error {
	a.mu.Lock()
	cb := a.breaker
	a.mu.Unlock()
	if cb != nil && cb.State() == resilience.StateOpen {
		return resilience.ErrCircuitOpen
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the control API on server.listen_addr until ctx is cancelled,
// then shuts the server down gracefully.
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config()
	timeout := a.shutdownTimeout()
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("control API listening", "addr", srv.Addr, "tls", cfg.Server.TLS != nil)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (a *App) shutdownTimeout() time.Duration {
	if d := a.Config().Server.ShutdownTimeout; d > 0 {
		return d
	}
	return defaultShutdownTimeout
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the active session, which restores the page's media, then
// closes the tabs. It is idempotent.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")
		if err := a.controller.Close(ctx); err != nil {
			slog.Warn("session close error", "err", err)
			shutdownErr = err
		}
		a.bus.Flush()
		a.tabs.close()
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// SlogLevel converts a configured log level for use with a [slog.LevelVar].
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

