package audio

// Block is one native-rate block of captured audio as delivered by a live
// source. Samples are interleaved float32 values nominally in [-1, 1].
// Block length and sample rate may change from one block to the next.
type Block struct {
	// Samples holds Channels interleaved samples per sample frame.
	Samples []float32

	// SampleRate is the native rate in Hz (e.g. 48000 for tab capture).
	SampleRate int

	// Channels is the interleaved channel count. Zero is treated as mono.
	Channels int
}

// Frames returns the number of sample frames in b.
func (b Block) Frames() int {
	ch := b.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(b.Samples) / ch
}

// AudioFrame is a fixed-length block of resampled outbound audio ready for
// transport: signed 16-bit mono samples at the transport's input rate.
//
// An AudioFrame is immutable once emitted. Ownership moves with the value;
// the producer keeps no reference to Samples after emitting it.
type AudioFrame struct {
	// Samples always has exactly the framer's frame size.
	Samples []int16

	// SampleRate in Hz (e.g. 16000).
	SampleRate int

	// Seq is the capture order of this frame, starting at 0.
	Seq uint64
}

// PlaybackChunk is one inbound block of synthesised audio as received from
// the speech service: raw little-endian signed 16-bit mono PCM.
type PlaybackChunk struct {
	// Seq is the arrival order on the transport, starting at 0.
	Seq uint64

	// PCM is the undecoded payload. A well-formed chunk has an even length.
	PCM []byte

	// SampleRate of the payload in Hz (e.g. 24000).
	SampleRate int
}

// Samples reports how many whole 16-bit samples the chunk carries.
func (c PlaybackChunk) Samples() int { return len(c.PCM) / 2 }
