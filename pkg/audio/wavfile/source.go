package wavfile

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/livedub/pkg/audio"
)

// DefaultBlockFrames is the block length a [Source] emits, matching a
// typical audio-graph render quantum multiple.
const DefaultBlockFrames = 1024

// SourceOption configures a [Source].
type SourceOption func(*Source)

// WithBlockFrames sets how many sample frames each emitted block carries.
func WithBlockFrames(n int) SourceOption {
	return func(s *Source) {
		if n > 0 {
			s.blockFrames = n
		}
	}
}

// WithLoop restarts the file from the beginning instead of ending the
// stream.
func WithLoop(loop bool) SourceOption {
	return func(s *Source) {
		s.loop = loop
	}
}

// WithRealtime paces blocks at the file's sample rate when true (the
// default). When false blocks are emitted as fast as they are consumed.
func WithRealtime(rt bool) SourceOption {
	return func(s *Source) {
		s.realtime = rt
	}
}

// Source streams decoded WAV audio as [audio.Block] values, simulating a live
// capture stream. It satisfies the capture package's Source interface.
type Source struct {
	pcm         *PCM
	blockFrames int
	loop        bool
	realtime    bool

	blocks chan audio.Block
	stop   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

// NewSource starts streaming pcm.
func NewSource(pcm *PCM, opts ...SourceOption) *Source {
	s := &Source{
		pcm:         pcm,
		blockFrames: DefaultBlockFrames,
		realtime:    true,
		blocks:      make(chan audio.Block, 4),
		stop:        make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.run()
	return s
}

// Open decodes the WAV file at path and starts streaming it.
func Open(path string, opts ...SourceOption) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: open source: %w", err)
	}
	defer f.Close()

	pcm, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("wavfile: decode %s: %w", path, err)
	}
	return NewSource(pcm, opts...), nil
}

// Blocks returns the stream of captured blocks. It is closed when the file
// ends (without looping) or the source is closed.
func (s *Source) Blocks() <-chan audio.Block { return s.blocks }

// Err returns [io.EOF] after the file has been played to its end, and nil
// while streaming or after Close.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops streaming. It is idempotent.
func (s *Source) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

func (s *Source) run() {
	defer close(s.blocks)

	frames := s.pcm.Frames()
	ch := s.pcm.Channels
	if frames == 0 {
		s.setErr(io.EOF)
		return
	}

	var tick <-chan time.Time
	if s.realtime {
		period := time.Duration(s.blockFrames) * time.Second / time.Duration(s.pcm.SampleRate)
		t := time.NewTicker(period)
		defer t.Stop()
		tick = t.C
	}

	pos := 0
	for {
		if pos >= frames {
			if !s.loop {
				s.setErr(io.EOF)
				return
			}
			pos = 0
		}
		end := min(pos+s.blockFrames, frames)
		block := audio.Block{
			Samples:    make([]float32, (end-pos)*ch),
			SampleRate: s.pcm.SampleRate,
			Channels:   ch,
		}
		for i, v := range s.pcm.Samples[pos*ch : end*ch] {
			block.Samples[i] = audio.DequantizeSample(v)
		}
		pos = end

		if tick != nil {
			select {
			case <-s.stop:
				return
			case <-tick:
			}
		}
		select {
		case <-s.stop:
			return
		case s.blocks <- block:
		}
	}
}

func (s *Source) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
