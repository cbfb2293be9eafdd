// Package suppress mutes the captured page's own media while translated
// audio plays and restores it afterwards.
//
// Three tiers exchange [Message] values over a best-effort [Bus]:
//
//   - the [Orchestrator] turns playback edges into MUTE and UNMUTE commands
//     and re-sends each on a fixed retry schedule;
//   - a [Relay] per tab fans every command out to all frames of the tab;
//   - an [Agent] per frame applies commands to the media elements it can
//     reach, remembers their original state and restores it exactly once.
//
// The bus may drop, duplicate or reorder messages. Agents treat commands as
// idempotent and ignore commands from transitions older than the newest one
// they have applied.
package suppress

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// Command is a suppression instruction.
type Command string

const (
	// Mute silences every reachable media element.
	Mute Command = "MUTE"

	// Unmute restores every element muted by the previous Mute.
	Unmute Command = "UNMUTE"
)

// Message is the JSON envelope carried by the bus.
type Message struct {
	Command Command `json:"command"`
	TabID   string  `json:"tabId"`

	// Epoch orders transitions. Every transition gets a higher epoch than
	// all transitions before it in the process; retries reuse it.
	Epoch uint64 `json:"epoch"`
}

// epochs is the process-wide transition counter.
var epochs atomic.Uint64

func nextEpoch() uint64 { return epochs.Add(1) }

// RelayFrame is the frame identifier of a tab's relay endpoint.
const RelayFrame = "relay"

// Endpoint addresses one receiver on the bus.
type Endpoint struct {
	TabID   string
	FrameID string
}

// RelayEndpoint returns the relay address for tabID.
func RelayEndpoint(tabID string) Endpoint {
	return Endpoint{TabID: tabID, FrameID: RelayFrame}
}

func (e Endpoint) String() string { return e.TabID + "/" + e.FrameID }

// ErrNoReceiver is returned by Send when nothing listens at the endpoint.
var ErrNoReceiver = errors.New("suppress: no receiver at endpoint")

// Bus is a best-effort message bus between the suppression tiers.
type Bus interface {
	// Send delivers msg to ep asynchronously. A nil error does not mean the
	// message will arrive.
	Send(ep Endpoint, msg Message) error

	// Subscribe registers h for messages addressed to ep, replacing any
	// previous handler. The returned func unsubscribes.
	Subscribe(ep Endpoint, h func(Message)) (unsubscribe func())

	// Frames lists the frame endpoints of tabID, excluding the relay.
	Frames(tabID string) []Endpoint
}

// MemoryBus is an in-process [Bus]. Every message is serialised to JSON and
// delivered on its own goroutine, so delivery order is not guaranteed.
type MemoryBus struct {
	mu       sync.Mutex
	handlers map[Endpoint]*subscription
	filter   func(Endpoint, Message) bool

	flushMu  sync.Mutex
	flushed  *sync.Cond
	inflight int

	sent      atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
}

type subscription struct {
	h func(Message)
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus returns an empty bus.
func NewMemoryBus() *MemoryBus {
	b := &MemoryBus{handlers: make(map[Endpoint]*subscription)}
	b.flushed = sync.NewCond(&b.flushMu)
	return b
}

// SetFilter installs a predicate consulted for every Send; returning false
// silently drops the message. A nil filter delivers everything.
func (b *MemoryBus) SetFilter(f func(Endpoint, Message) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filter = f
}

// Send implements [Bus].
func (b *MemoryBus) Send(ep Endpoint, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("suppress: encode message: %w", err)
	}

	b.mu.Lock()
	sub := b.handlers[ep]
	filter := b.filter
	b.mu.Unlock()

	if sub == nil {
		return fmt.Errorf("%w: %s", ErrNoReceiver, ep)
	}
	b.sent.Add(1)
	if filter != nil && !filter(ep, msg) {
		b.dropped.Add(1)
		slog.Debug("suppress: message dropped", "endpoint", ep.String(), "command", msg.Command)
		return nil
	}

	b.track(1)
	go func() {
		defer b.track(-1)
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			slog.Warn("suppress: discarding undecodable message", "err", err)
			return
		}
		b.mu.Lock()
		live := b.handlers[ep] == sub
		b.mu.Unlock()
		if !live {
			return
		}
		b.delivered.Add(1)
		sub.h(m)
	}()
	return nil
}

// Subscribe implements [Bus].
func (b *MemoryBus) Subscribe(ep Endpoint, h func(Message)) (unsubscribe func()) {
	sub := &subscription{h: h}
	b.mu.Lock()
	b.handlers[ep] = sub
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.handlers[ep] == sub {
			delete(b.handlers, ep)
		}
	}
}

// Frames implements [Bus].
func (b *MemoryBus) Frames(tabID string) []Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Endpoint
	for ep := range b.handlers {
		if ep.TabID == tabID && ep.FrameID != RelayFrame {
			out = append(out, ep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FrameID < out[j].FrameID })
	return out
}

// Flush waits until no delivery is in flight, including deliveries
// triggered by handlers.
func (b *MemoryBus) Flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	for b.inflight > 0 {
		b.flushed.Wait()
	}
}

func (b *MemoryBus) track(delta int) {
	b.flushMu.Lock()
	b.inflight += delta
	if b.inflight == 0 {
		b.flushed.Broadcast()
	}
	b.flushMu.Unlock()
}

// BusStats counts bus traffic.
type BusStats struct {
	Sent      uint64
	Dropped   uint64
	Delivered uint64
}

// Stats returns the traffic counters.
func (b *MemoryBus) Stats() BusStats {
	return BusStats{
		Sent:      b.sent.Load(),
		Dropped:   b.dropped.Load(),
		Delivered: b.delivered.Load(),
	}
}
