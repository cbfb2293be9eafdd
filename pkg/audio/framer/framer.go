// Package framer converts a continuous native-rate capture stream into
// fixed-size [audio.AudioFrame] values at the transport's input rate.
//
// Conversion is plain decimation: for every output sample the input sample
// nearest to a fractional read cursor is selected, and the cursor advances by
// nativeRate/targetRate. The cursor is carried across input blocks, so the
// output of two adjacent blocks is identical to the output of the same audio
// delivered as one block. Resetting the cursor per block would introduce a
// periodic phase jump, audible as a buzz at the block rate.
//
// A [Framer] is owned by a single goroutine (the capture loop) and is not
// safe for concurrent use.
package framer

import (
	"iter"

	"github.com/MrWong99/livedub/pkg/audio"
)

const (
	// DefaultTargetRate is the speech endpoint's fixed input rate.
	DefaultTargetRate = 16000

	// DefaultFrameSize is the number of samples per emitted frame
	// (256 ms at 16 kHz).
	DefaultFrameSize = 4096
)

// Framer resamples and frames captured audio.
type Framer struct {
	targetRate int
	frameSize  int

	// cursor is the fractional read position into the current block scaled
	// by targetRate, so that advancing by nativeRate/targetRate is exact
	// integer arithmetic for any pair of rates.
	cursor int64

	buf []int16
	seq uint64
}

// New returns a Framer emitting frames of frameSize samples at targetRate.
// Non-positive arguments fall back to [DefaultTargetRate] and
// [DefaultFrameSize].
func New(targetRate, frameSize int) *Framer {
	if targetRate <= 0 {
		targetRate = DefaultTargetRate
	}
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	return &Framer{
		targetRate: targetRate,
		frameSize:  frameSize,
		buf:        make([]int16, 0, frameSize),
	}
}

// TargetRate returns the output sample rate.
func (f *Framer) TargetRate() int { return f.targetRate }

// FrameSize returns the number of samples per emitted frame.
func (f *Framer) FrameSize() int { return f.frameSize }

// Buffered returns how many samples are waiting for the current frame to
// fill up.
func (f *Framer) Buffered() int { return len(f.buf) }

// Push consumes one native-rate block and calls emit for every frame that
// fills up while doing so. Multi-channel blocks are downmixed to mono
// first. Blocks with a non-positive sample rate are ignored.
func (f *Framer) Push(b audio.Block, emit func(audio.AudioFrame)) {
	if b.SampleRate <= 0 {
		return
	}
	in := audio.Downmix(b.Samples, b.Channels)
	n := int64(len(in))
	if n == 0 {
		return
	}

	step := int64(b.SampleRate)
	target := int64(f.targetRate)
	limit := n * target

	for {
		// round(i) with i = cursor/target, computed as floor(i + 0.5).
		idx := (2*f.cursor + target) / (2 * target)
		if idx >= n {
			break
		}
		f.buf = append(f.buf, audio.QuantizeSample(in[idx]))
		f.cursor += step

		if len(f.buf) == f.frameSize {
			frame := audio.AudioFrame{
				Samples:    f.buf,
				SampleRate: f.targetRate,
				Seq:        f.seq,
			}
			f.seq++
			f.buf = make([]int16, 0, f.frameSize)
			emit(frame)
		}
	}

	// Carry the remainder into the next block.
	f.cursor -= limit
}

// Frames lazily turns a sequence of blocks into a sequence of frames. The
// framer's state persists across calls, so stopping the iteration early
// keeps any partially filled frame for the next Push or Frames call; blocks
// not yet pulled from blocks are not consumed.
func (f *Framer) Frames(blocks iter.Seq[audio.Block]) iter.Seq[audio.AudioFrame] {
	return func(yield func(audio.AudioFrame) bool) {
		for b := range blocks {
			var pending []audio.AudioFrame
			f.Push(b, func(fr audio.AudioFrame) { pending = append(pending, fr) })
			for _, fr := range pending {
				if !yield(fr) {
					return
				}
			}
		}
	}
}
