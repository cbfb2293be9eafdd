package wavfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/livedub/pkg/audio"
)

// ErrDeviceClosed is returned by [Device.Schedule] after Close.
var ErrDeviceClosed = errors.New("wavfile: device closed")

// silenceChunk bounds the buffer used to write gaps between scheduled audio.
const silenceChunk = 4096

// Device is a playback device driven by the wall clock. A device from
// [Create] records what it plays to a WAV file; one from
// [NewDiscardDevice] only keeps time.
//
// A recording device holds in memory only the audio scheduled beyond the
// current play position. Everything before it is mixed down and written to
// the file as soon as the next buffer is scheduled.
type Device struct {
	rate  int
	start time.Time

	mu      sync.Mutex
	file    *os.File
	w       *bufio.Writer
	written int       // samples already on disk
	pending []float32 // timeline from written onwards
	werr    error
	timers  map[*time.Timer]struct{}
	closed  bool
}

// NewDiscardDevice returns a device rendering at rate Hz whose clock starts
// now. Scheduled audio is dropped; only the ended callbacks are kept.
func NewDiscardDevice(rate int) *Device {
	return &Device{
		rate:   rate,
		start:  time.Now(),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Create opens path for writing and returns a device recording to it at
// rate Hz. The WAV header is finalised on Close.
func Create(path string, rate int) (*Device, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("wavfile: sample rate must be positive, got %d", rate)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: create %s: %w", path, err)
	}
	d := NewDiscardDevice(rate)
	d.file = f
	d.w = bufio.NewWriter(f)
	if err := writeHeader(d.w, 0, rate, 1); err != nil {
		_ = f.Close()
		return nil, err
	}
	return d, nil
}

// SampleRate returns the device rate in Hz.
func (d *Device) SampleRate() int { return d.rate }

// Now returns the time elapsed since the device was opened.
func (d *Device) Now() time.Duration { return time.Since(d.start) }

// Schedule mixes samples into the recording at at and calls ended once the
// wall clock passes the end of the buffer. Samples falling before audio
// already written are dropped.
func (d *Device) Schedule(samples []float32, at time.Duration, ended func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}

	length := time.Duration(len(samples)) * time.Second / time.Duration(d.rate)
	d.afterLocked(at+length-d.Now(), ended)
	if d.file == nil {
		return nil
	}

	off := d.sampleAt(at)
	d.flushLocked(min(d.sampleAt(d.Now()), off))

	rel := off - d.written
	if rel < 0 {
		samples = samples[min(-rel, len(samples)):]
		rel = 0
	}
	if need := rel + len(samples); need > len(d.pending) {
		d.pending = append(d.pending, make([]float32, need-len(d.pending))...)
	}
	for i, v := range samples {
		d.pending[rel+i] += v
	}
	return nil
}

// AfterFunc runs f after dur of wall-clock time.
func (d *Device) AfterFunc(dur time.Duration, f func()) (stop func() bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return func() bool { return false }
	}
	t := d.afterLocked(dur, f)
	return func() bool {
		d.mu.Lock()
		delete(d.timers, t)
		d.mu.Unlock()
		return t.Stop()
	}
}

// Recorded returns the number of samples recorded so far, on disk or still
// pending. It is always zero for a discard device.
func (d *Device) Recorded() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.written + len(d.pending)
}

// Close stops pending callbacks and finishes the recording. It is
// idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for t := range d.timers {
		t.Stop()
	}
	d.timers = nil
	if d.file == nil {
		return nil
	}

	d.flushLocked(d.written + len(d.pending))
	err := d.werr
	if err == nil {
		err = d.w.Flush()
	}
	if err == nil {
		err = d.finishHeader()
	}
	if cerr := d.file.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("wavfile: close %s: %w", d.file.Name(), cerr)
	}
	return err
}

func (d *Device) sampleAt(t time.Duration) int {
	return int(t * time.Duration(d.rate) / time.Second)
}

// flushLocked writes the timeline up to sample upto, padding with silence
// past the pending audio. Write errors are kept for Close.
func (d *Device) flushLocked(upto int) {
	n := upto - d.written
	if n <= 0 || d.werr != nil {
		return
	}
	head := min(n, len(d.pending))
	pcm := make([]int16, head)
	for i, v := range d.pending[:head] {
		pcm[i] = audio.QuantizeSample(v)
	}
	d.write(pcm)
	d.pending = append(d.pending[:0], d.pending[head:]...)

	if gap := n - head; gap > 0 {
		zeros := make([]int16, min(gap, silenceChunk))
		for gap > 0 && d.werr == nil {
			k := min(gap, len(zeros))
			d.write(zeros[:k])
			gap -= k
		}
	}
}

func (d *Device) write(pcm []int16) {
	if err := binary.Write(d.w, binary.LittleEndian, pcm); err != nil {
		d.werr = fmt.Errorf("wavfile: write samples: %w", err)
		return
	}
	d.written += len(pcm)
}

func (d *Device) finishHeader() error {
	if _, err := d.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wavfile: rewind %s: %w", d.file.Name(), err)
	}
	return writeHeader(d.file, d.written*2, d.rate, 1)
}

func (d *Device) afterLocked(dur time.Duration, f func()) *time.Timer {
	var t *time.Timer
	t = time.AfterFunc(max(dur, 0), func() {
		d.mu.Lock()
		_, live := d.timers[t]
		delete(d.timers, t)
		d.mu.Unlock()
		if live {
			f()
		}
	})
	d.timers[t] = struct{}{}
	return t
}
