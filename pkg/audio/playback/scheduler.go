// Package playback schedules inbound synthesised audio for gap-free playback
// against a device audio clock and reports playback start and idle edges.
//
// The scheduler keeps one cursor, the device time at which the next chunk
// will begin. Each chunk starts at max(now, cursor) and advances the cursor
// by its own duration, so chunks that arrive as separate network messages
// are rendered back to back. The cursor never moves backwards.
//
// [EdgeStarted] fires when the first chunk after a silence is scheduled.
// [EdgeIdle] fires once all scheduled audio has been rendered and no new
// chunk arrived within the grace window; the window keeps the edges from
// flapping between chunks of one utterance.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livedub/pkg/audio"
)

// ErrClosed is returned by [Scheduler.Drain] after [Scheduler.Close].
var ErrClosed = errors.New("playback: scheduler closed")

const (
	// DefaultGraceWindow is how long the scheduler waits after the last
	// chunk has finished before reporting [EdgeIdle].
	DefaultGraceWindow = 500 * time.Millisecond

	// DefaultOutputRate is assumed for chunks that do not carry a rate.
	DefaultOutputRate = 24000
)

// Edge is a playback state transition.
type Edge int

const (
	// EdgeStarted: audio became audible after a silence.
	EdgeStarted Edge = iota

	// EdgeIdle: all audio has been rendered and the grace window passed.
	EdgeIdle
)

// String returns the human-readable name of the edge.
func (e Edge) String() string {
	switch e {
	case EdgeStarted:
		return "STARTED"
	case EdgeIdle:
		return "IDLE"
	default:
		return "UNKNOWN"
	}
}

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithGraceWindow sets the quiet period required before [EdgeIdle] fires.
// Negative values are treated as zero.
func WithGraceWindow(d time.Duration) Option {
	return func(s *Scheduler) {
		s.grace = max(d, 0)
	}
}

// WithEdgeHandler registers the callback for playback edges. Edges are
// delivered in order from a single internal goroutine; the handler must not
// block.
func WithEdgeHandler(h func(Edge)) Option {
	return func(s *Scheduler) {
		s.handler = h
	}
}

// WithMinChunkSamples rejects chunks shorter than n samples as malformed.
func WithMinChunkSamples(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.minSamples = n
		}
	}
}

// WithOutputRate sets the rate assumed for chunks whose SampleRate is zero.
func WithOutputRate(rate int) Option {
	return func(s *Scheduler) {
		if rate > 0 {
			s.outputRate = rate
		}
	}
}

// WithRecorder attaches a measurement sink.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) {
		s.recorder = r
	}
}

// Scheduler is a gap-free playback queue for [audio.PlaybackChunk] values.
// All exported methods are safe for concurrent use.
type Scheduler struct {
	dev        Device
	grace      time.Duration
	handler    func(Edge)
	minSamples int
	outputRate int
	recorder   Recorder

	mu         sync.Mutex
	next       time.Duration // start time of the next chunk on the device clock
	playing    bool          // between EdgeStarted and EdgeIdle
	gen        uint64        // bumped on every accepted chunk
	inFlight   int           // scheduled chunks not yet ended
	graceStop  func() bool   // cancels the pending idle check, if armed
	drainWaits []chan struct{}
	edges      []Edge
	closed     bool

	notify chan struct{}
	done   chan struct{}
}

// New creates a [Scheduler] rendering into dev and starts its edge dispatch
// goroutine. Call [Scheduler.Close] to stop it.
func New(dev Device, opts ...Option) *Scheduler {
	s := &Scheduler{
		dev:        dev,
		grace:      DefaultGraceWindow,
		minSamples: 1,
		outputRate: DefaultOutputRate,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.dispatch()
	return s
}

// Enqueue decodes chunk and schedules it directly after everything already
// scheduled, or immediately if the device has caught up. Malformed chunks
// (odd byte count or fewer than the minimum samples) are dropped with a
// warning and leave the cursor untouched.
func (s *Scheduler) Enqueue(chunk audio.PlaybackChunk) {
	if len(chunk.PCM)%2 != 0 || chunk.Samples() < s.minSamples {
		slog.Warn("playback: dropping malformed chunk",
			"seq", chunk.Seq,
			"bytes", len(chunk.PCM),
		)
		s.recordDrop("malformed")
		return
	}

	rate := chunk.SampleRate
	if rate <= 0 {
		rate = s.outputRate
	}
	devRate := s.dev.SampleRate()
	samples := audio.ResampleLinear(audio.DecodePCM16(chunk.PCM), rate, devRate)
	if len(samples) == 0 {
		s.recordDrop("empty")
		return
	}
	length := time.Duration(len(samples)) * time.Second / time.Duration(devRate)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.recordDrop("closed")
		return
	}

	now := s.dev.Now()
	start := max(now, s.next)
	end := start + length
	if err := s.dev.Schedule(samples, start, func() { s.ended(end) }); err != nil {
		slog.Warn("playback: device rejected chunk", "seq", chunk.Seq, "err", err)
		s.recordDrop("device")
		return
	}

	s.next = end
	s.gen++
	s.inFlight++
	if s.graceStop != nil {
		s.graceStop()
		s.graceStop = nil
	}
	if s.recorder != nil {
		s.recorder.ChunkScheduled(start-now, length)
	}
	if !s.playing {
		s.playing = true
		s.emitLocked(EdgeStarted)
	}
}

// Playing reports whether the scheduler is between [EdgeStarted] and
// [EdgeIdle].
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// NextStartTime returns the device time at which the next chunk would begin
// if the device has not caught up with it.
func (s *Scheduler) NextStartTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Drain blocks until every scheduled chunk has been rendered or ctx is done.
// Chunks enqueued while Drain waits extend the wait.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	if s.inFlight == 0 {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.drainWaits = append(s.drainWaits, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// Close stops accepting chunks and stops the edge dispatch goroutine.
// Audio already handed to the device keeps playing until the device itself
// is closed. Close is idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.graceStop != nil {
		s.graceStop()
		s.graceStop = nil
	}
	s.mu.Unlock()

	close(s.done)
	return nil
}

// ended is the device callback for a chunk finishing at end.
func (s *Scheduler) ended(end time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inFlight--
	if s.inFlight > 0 {
		return
	}
	for _, ch := range s.drainWaits {
		close(ch)
	}
	s.drainWaits = nil

	if s.closed || !s.playing || end != s.next {
		return
	}
	gen := s.gen
	s.graceStop = s.dev.AfterFunc(s.grace, func() { s.graceExpired(gen) })
}

// graceExpired fires EdgeIdle unless a chunk arrived since the check was
// armed.
func (s *Scheduler) graceExpired(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.playing || s.gen != gen || s.inFlight > 0 {
		return
	}
	s.playing = false
	s.graceStop = nil
	s.emitLocked(EdgeIdle)
}

// emitLocked queues an edge for the dispatch goroutine. Must be called with
// s.mu held.
func (s *Scheduler) emitLocked(e Edge) {
	slog.Debug("playback edge", "edge", e, "next", s.next)
	s.edges = append(s.edges, e)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// dispatch delivers queued edges to the handler in order until Close.
func (s *Scheduler) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		s.mu.Lock()
		edges := s.edges
		s.edges = nil
		s.mu.Unlock()

		if s.handler == nil {
			continue
		}
		for _, e := range edges {
			s.handler(e)
		}
	}
}

func (s *Scheduler) recordDrop(reason string) {
	if s.recorder != nil {
		s.recorder.ChunkDropped(reason)
	}
}
