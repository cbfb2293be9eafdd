package session

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Default restart parameters.
const (
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// RestartPolicy controls automatic restarts after the speech endpoint drops
// a capturing session. Source failures are never retried.
type RestartPolicy struct {
	// MaxRetries is the number of restart attempts per drop. Zero disables
	// restarts.
	MaxRetries int

	// Backoff is the wait before the first attempt. It doubles after every
	// failed attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the wait. Defaults to 30s if zero.
	MaxBackoff time.Duration
}

func (p *RestartPolicy) applyDefaults() {
	if p.Backoff <= 0 {
		p.Backoff = defaultBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	if p.MaxBackoff < p.Backoff {
		p.MaxBackoff = p.Backoff
	}
}

// restarter is one pending restart cycle.
type restarter struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// scheduleRestart starts a restart cycle for req in the background,
// replacing any cycle already pending.
func (c *Controller) scheduleRestart(req Request, policy RestartPolicy) {
	ctx, cancel := context.WithCancel(context.Background())
	rs := &restarter{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return
	}
	old := c.restart
	c.restart = rs
	c.mu.Unlock()

	if old != nil {
		old.cancel()
	}
	go c.restartLoop(ctx, rs, req, policy)
}

// stopRestart abandons the pending restart cycle, if any, and waits for it
// to exit.
func (c *Controller) stopRestart() {
	c.mu.Lock()
	rs := c.restart
	c.restart = nil
	c.mu.Unlock()

	if rs != nil {
		rs.cancel()
		<-rs.done
	}
}

// restartLoop tries to start req again with exponential backoff.
func (c *Controller) restartLoop(ctx context.Context, rs *restarter, req Request, policy RestartPolicy) {
	defer close(rs.done)
	defer func() {
		c.mu.Lock()
		if c.restart == rs {
			c.restart = nil
		}
		c.mu.Unlock()
	}()

	backoff := policy.Backoff
	for attempt := 1; attempt <= policy.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		slog.Info("session: attempting restart",
			"tab_id", req.TabID,
			"attempt", attempt,
			"max_retries", policy.MaxRetries,
			"backoff", backoff,
		)

		info, err := c.start(ctx, req)
		if err == nil {
			slog.Info("session: restart successful",
				"tab_id", req.TabID,
				"session_id", info.ID,
				"attempt", attempt,
			)
			return
		}
		if ctx.Err() != nil || errors.Is(err, ErrNotIdle) || errors.Is(err, ErrClosed) {
			return
		}

		slog.Warn("session: restart attempt failed",
			"tab_id", req.TabID,
			"attempt", attempt,
			"err", err,
		)

		backoff *= 2
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}

	slog.Error("session: restart failed after max retries",
		"tab_id", req.TabID,
		"max_retries", policy.MaxRetries,
	)
}
