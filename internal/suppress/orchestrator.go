package suppress

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livedub/internal/observe"
)

// DefaultRetryDelays are the offsets, measured from the first send, at
// which a command is sent again to reach frames that loaded late.
var DefaultRetryDelays = []time.Duration{1 * time.Second, 3 * time.Second}

// OrchestratorOption configures an [Orchestrator].
type OrchestratorOption func(*Orchestrator)

// WithRetryDelays overrides [DefaultRetryDelays]. An empty list disables
// retries.
func WithRetryDelays(d ...time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.delays = append([]time.Duration(nil), d...)
	}
}

// WithOrchestratorMetrics records every transmission to m.
func WithOrchestratorMetrics(m *observe.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator turns playback edges into suppression commands for one tab.
// All methods are safe for concurrent use.
type Orchestrator struct {
	bus     Bus
	tabID   string
	delays  []time.Duration
	metrics *observe.Metrics

	mu      sync.Mutex
	current Command
	epoch   uint64
	timers  []*time.Timer
	closed  bool
}

// NewOrchestrator returns an orchestrator addressing tabID's relay. No
// command is sent until the first edge.
func NewOrchestrator(bus Bus, tabID string, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		bus:     bus,
		tabID:   tabID,
		delays:  DefaultRetryDelays,
		current: Unmute,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// PlaybackStarted sends MUTE.
func (o *Orchestrator) PlaybackStarted() { o.transition(Mute, false) }

// PlaybackIdle sends UNMUTE.
func (o *Orchestrator) PlaybackIdle() { o.transition(Unmute, false) }

// Current returns the last command issued.
func (o *Orchestrator) Current() Command {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Close sends a final UNMUTE, with its retries, and ignores every later
// edge. It is idempotent.
func (o *Orchestrator) Close() error {
	o.transition(Unmute, true)
	return nil
}

// transition starts a new epoch for cmd, cancels the retries of the
// previous transition and schedules the new ones.
func (o *Orchestrator) transition(cmd Command, final bool) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if final {
		o.closed = true
	}
	for _, t := range o.timers {
		t.Stop()
	}
	o.timers = o.timers[:0]

	o.current = cmd
	o.epoch = nextEpoch()
	msg := Message{Command: cmd, TabID: o.tabID, Epoch: o.epoch}
	for _, d := range o.delays {
		o.timers = append(o.timers, time.AfterFunc(d, func() { o.retry(msg) }))
	}
	o.mu.Unlock()

	slog.Debug("suppress: transition", "tab", o.tabID, "command", cmd, "epoch", msg.Epoch)
	o.send(msg, "initial")
}

func (o *Orchestrator) retry(msg Message) {
	o.mu.Lock()
	stale := o.epoch != msg.Epoch
	o.mu.Unlock()
	if stale {
		return
	}
	o.send(msg, "retry")
}

func (o *Orchestrator) send(msg Message, attempt string) {
	if o.metrics != nil {
		o.metrics.RecordSuppressionCommand(context.Background(), string(msg.Command), attempt)
	}
	err := o.bus.Send(RelayEndpoint(o.tabID), msg)
	switch {
	case err == nil:
	case errors.Is(err, ErrNoReceiver):
		// The relay may not be up yet; the next retry covers it.
		slog.Debug("suppress: relay not reachable", "tab", o.tabID, "command", msg.Command, "attempt", attempt)
	default:
		slog.Warn("suppress: send command", "tab", o.tabID, "command", msg.Command, "err", err)
	}
}
