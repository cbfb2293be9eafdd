package mock

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

// ErrDeviceClosed is returned by [Device.Schedule] after Close.
var ErrDeviceClosed = errors.New("mock: device closed")

// ScheduleCall records one [Device.Schedule] invocation.
type ScheduleCall struct {
	// At is the requested start time on the device clock.
	At time.Duration
	// Length is the duration of the samples at the device rate.
	Length time.Duration
	// Samples are the scheduled samples.
	Samples []float32
}

// End is the time at which the scheduled buffer finishes.
func (c ScheduleCall) End() time.Duration { return c.At + c.Length }

// Device is a playback device driven by a manual clock. Time only moves
// through [Device.Advance], which fires buffer-ended callbacks and timers in
// time order, synchronously on the caller's goroutine.
type Device struct {
	mu     sync.Mutex
	rate   int
	now    time.Duration
	events eventHeap
	seq    uint64
	closed bool

	// ScheduleError, if non-nil, is returned by Schedule instead of
	// accepting the buffer.
	ScheduleError error

	// ScheduleCalls records all accepted Schedule invocations.
	ScheduleCalls []ScheduleCall

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewDevice returns a [Device] running at rate Hz with its clock at zero.
func NewDevice(rate int) *Device {
	return &Device{rate: rate}
}

// SampleRate implements the playback Device interface.
func (d *Device) SampleRate() int { return d.rate }

// Now implements the playback Device interface.
func (d *Device) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// Schedule records the call and arranges for ended to run once the clock
// passes the end of the buffer.
func (d *Device) Schedule(samples []float32, at time.Duration, ended func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	if d.ScheduleError != nil {
		return d.ScheduleError
	}
	length := time.Duration(len(samples)) * time.Second / time.Duration(d.rate)
	d.ScheduleCalls = append(d.ScheduleCalls, ScheduleCall{At: at, Length: length, Samples: samples})
	d.pushLocked(max(at, d.now)+length, ended)
	return nil
}

// AfterFunc runs f once the clock has advanced by dur.
func (d *Device) AfterFunc(dur time.Duration, f func()) (stop func() bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ev := d.pushLocked(d.now+max(dur, 0), f)
	return func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		if ev.fired || ev.cancelled {
			return false
		}
		ev.cancelled = true
		return true
	}
}

// Close discards pending buffers and timers.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.closed = true
	d.events = nil
	return nil
}

// Advance moves the clock forward by dur, running every callback that falls
// due on the way in time order. Callbacks may schedule further events; those
// that fall within the same advance run too.
func (d *Device) Advance(dur time.Duration) {
	d.mu.Lock()
	target := d.now + dur
	for {
		if d.events.Len() == 0 || d.events[0].at > target {
			break
		}
		ev := heap.Pop(&d.events).(*event)
		if ev.cancelled {
			continue
		}
		ev.fired = true
		d.now = max(d.now, ev.at)
		d.mu.Unlock()
		ev.f()
		d.mu.Lock()
	}
	d.now = target
	d.mu.Unlock()
}

// Calls returns a copy of the accepted Schedule invocations.
func (d *Device) Calls() []ScheduleCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ScheduleCall, len(d.ScheduleCalls))
	copy(out, d.ScheduleCalls)
	return out
}

func (d *Device) pushLocked(at time.Duration, f func()) *event {
	d.seq++
	ev := &event{at: at, seq: d.seq, f: f}
	heap.Push(&d.events, ev)
	return ev
}

// event is a pending callback on the manual clock.
type event struct {
	at        time.Duration
	seq       uint64 // insertion order for FIFO tie-breaking
	f         func()
	fired     bool
	cancelled bool
}

// eventHeap implements [container/heap.Interface] as a min-heap ordered by
// due time, with FIFO tie-breaking on seq.
type eventHeap []*event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(*event))
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
