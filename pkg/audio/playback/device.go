package playback

import "time"

// Device is the audio output the scheduler renders into. It combines the
// device audio clock with a sink that can start buffers at a given clock
// time, in the manner of an audio graph's buffer source nodes.
//
// Implementations must be safe for concurrent use and must never invoke the
// ended callback or an AfterFunc callback synchronously from inside
// Schedule or AfterFunc.
type Device interface {
	// SampleRate is the device's native rate in Hz.
	SampleRate() int

	// Now is the current position of the device audio clock. It never
	// decreases.
	Now() time.Duration

	// Schedule starts samples (mono, normalised, at SampleRate) at device
	// time at. ended is called once the last sample has been rendered.
	Schedule(samples []float32, at time.Duration, ended func()) error

	// AfterFunc runs f once d has elapsed on the device clock. stop cancels
	// the call and reports whether it was still pending.
	AfterFunc(d time.Duration, f func()) (stop func() bool)

	// Close releases the audio-processing context. Scheduled audio that has
	// not been rendered yet is discarded.
	Close() error
}

// Recorder receives scheduling measurements. It is implemented by the
// session's metrics adapter; a nil Recorder disables recording.
type Recorder interface {
	// ChunkScheduled reports one accepted chunk: lead is how far ahead of
	// the device clock it was scheduled, length its rendered duration.
	ChunkScheduled(lead, length time.Duration)

	// ChunkDropped reports one rejected chunk and the reason.
	ChunkDropped(reason string)
}
