// Package mock provides in-memory test doubles for the audio pipeline: a
// capture [Source] fed by the test, and a playback [Device] driven by a
// manual clock.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	dev := mock.NewDevice(48000)
//	sched := playback.New(dev, playback.WithGraceWindow(500*time.Millisecond))
//	sched.Enqueue(chunk)
//	dev.Advance(time.Second) // renders the chunk, fires timers in order
package mock

import (
	"sync"

	"github.com/MrWong99/livedub/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a capture source whose blocks are supplied by the test through
// [Source.Push]. It satisfies the capture package's Source interface.
type Source struct {
	mu     sync.Mutex
	blocks chan audio.Block
	closed bool
	err    error

	// CloseError is returned by [Source.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewSource returns a [Source] whose block channel holds up to buffer blocks.
func NewSource(buffer int) *Source {
	return &Source{blocks: make(chan audio.Block, buffer)}
}

// Blocks returns the channel of captured blocks. It is closed by [Source.End]
// or [Source.Close].
func (s *Source) Blocks() <-chan audio.Block {
	return s.blocks
}

// Push delivers b to the consumer, blocking while the channel is full.
// It reports false if the source has already ended.
func (s *Source) Push(b audio.Block) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.blocks <- b
	return true
}

// End simulates the capture stream ending (for example the tab closing) with
// err as the cause. A nil err reports a clean end.
func (s *Source) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.blocks)
}

// Err returns the error passed to [Source.End].
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the stream if it is still open and returns CloseError.
func (s *Source) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.blocks)
	}
	err := s.CloseError
	s.mu.Unlock()
	return err
}

// Closed reports whether Close or End was called.
func (s *Source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
