// Package capture runs the capture half of a session: it pulls native-rate
// blocks from a live audio source, converts them to fixed-size frames with a
// [framer.Framer] and offers every frame to a non-blocking sink.
//
// The sink is the transport's outbound queue. When it is full the frame is
// dropped and counted; the capture loop never waits for the network.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/livedub/internal/observe"
	"github.com/MrWong99/livedub/pkg/audio"
	"github.com/MrWong99/livedub/pkg/audio/framer"
)

// ErrSourceEnded is reported by [Session.Err] when the source stream ended
// on its own, for example because the captured tab was closed.
var ErrSourceEnded = errors.New("capture: source ended")

// Source is a live audio stream, typically a tab's audio output.
type Source interface {
	// Blocks delivers captured blocks. The channel is closed when the
	// stream ends or the source is closed.
	Blocks() <-chan audio.Block

	// Err reports why the stream ended, if it ended on its own.
	Err() error

	// Close stops the stream and releases the capture. It must be
	// idempotent.
	Close() error
}

// FrameSink accepts emitted frames. Offer must never block; it returns
// false when the frame could not be queued.
type FrameSink interface {
	Offer(frame audio.AudioFrame) bool
}

// Stats is a snapshot of a session's counters.
type Stats struct {
	// Blocks is the number of source blocks consumed.
	Blocks uint64
	// Frames is the number of frames produced by the framer.
	Frames uint64
	// Dropped is the number of frames the sink refused.
	Dropped uint64
}

// Option configures a [Session].
type Option func(*Session)

// WithTargetRate sets the frame sample rate. Default [framer.DefaultTargetRate].
func WithTargetRate(rate int) Option {
	return func(s *Session) { s.targetRate = rate }
}

// WithFrameSize sets the samples per frame. Default [framer.DefaultFrameSize].
func WithFrameSize(n int) Option {
	return func(s *Session) { s.frameSize = n }
}

// WithMetrics records frame counts to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Session is one running capture loop.
type Session struct {
	src        Source
	sink       FrameSink
	targetRate int
	frameSize  int
	metrics    *observe.Metrics

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	err      error // written before done is closed

	blocks  atomic.Uint64
	frames  atomic.Uint64
	dropped atomic.Uint64
}

// Start begins pulling from src and offering frames to sink. The source is
// owned by the session from here on and closed when the session ends.
func Start(src Source, sink FrameSink, opts ...Option) *Session {
	s := &Session{
		src:  src,
		sink: sink,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	fr := framer.New(s.targetRate, s.frameSize)
	go s.run(fr)
	return s
}

// Stop ends the capture loop and releases the source. No frame is offered
// after Stop returns. Stop is idempotent.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Done is closed when the capture loop has exited, either through Stop or
// because the source ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns nil while running and after Stop, and an error wrapping
// [ErrSourceEnded] if the source ended on its own. Only meaningful after
// Done is closed.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Stats returns the current counters.
func (s *Session) Stats() Stats {
	return Stats{
		Blocks:  s.blocks.Load(),
		Frames:  s.frames.Load(),
		Dropped: s.dropped.Load(),
	}
}

func (s *Session) run(fr *framer.Framer) {
	defer close(s.done)
	defer func() {
		if err := s.src.Close(); err != nil {
			slog.Warn("capture: close source", "err", err)
		}
	}()

	blocks := s.src.Blocks()
	for {
		select {
		case <-s.stop:
			return
		case b, ok := <-blocks:
			if !ok {
				s.err = ErrSourceEnded
				if cause := s.src.Err(); cause != nil {
					s.err = fmt.Errorf("%w: %w", ErrSourceEnded, cause)
				}
				slog.Info("capture: source ended", "err", s.err, "frames", s.frames.Load())
				return
			}
			s.blocks.Add(1)
			fr.Push(b, s.offer)
		}
	}
}

func (s *Session) offer(frame audio.AudioFrame) {
	s.frames.Add(1)
	if s.metrics != nil {
		s.metrics.FramesCaptured.Add(context.Background(), 1)
	}
	if s.sink.Offer(frame) {
		return
	}
	s.dropped.Add(1)
	if s.metrics != nil {
		s.metrics.RecordFrameDropped(context.Background(), "backpressure")
	}
	slog.Debug("capture: frame dropped", "seq", frame.Seq)
}
