// Package transport implements the duplex streaming connection to the
// external speech service over a WebSocket.
//
// Outbound audio frames are sent as raw binary messages with no envelope.
// Inbound binary messages are synthesised audio chunks; inbound text messages
// are JSON status events of the shape {"type": "...", ...}. The two are told
// apart by the WebSocket message type only, never by inspecting the payload.
//
// A [Channel] never reconnects. Any connection-level failure ends the channel
// with a single [EventClosed]; restarting is the session controller's job.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/MrWong99/livedub/internal/observe"
	"github.com/MrWong99/livedub/pkg/audio"
	"github.com/MrWong99/livedub/pkg/audio/ring"
)

// ErrClosed is the close reason of a channel shut down by [Channel.Close].
var ErrClosed = errors.New("transport: channel closed")

const (
	// DefaultInputRate is the sample rate of outbound frames.
	DefaultInputRate = 16000

	// DefaultOutputRate is the sample rate of inbound audio.
	DefaultOutputRate = 24000

	// DefaultQueueFrames bounds the outbound queue.
	DefaultQueueFrames = 32

	// maxMessageBytes bounds a single inbound message.
	maxMessageBytes = 4 << 20
)

// Config describes one connection to the speech endpoint.
type Config struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// SourceLang is the spoken language; empty lets the service detect it.
	SourceLang string

	// TargetLang is the language to translate into. Required.
	TargetLang string

	// VoiceID selects the synthesis voice; empty uses the service default.
	VoiceID string

	// MuteOriginal is forwarded to the service in the handshake.
	MuteOriginal bool

	// InputRate is the rate of outbound frames. Default [DefaultInputRate].
	InputRate int

	// OutputRate is the rate of inbound audio. Default [DefaultOutputRate].
	OutputRate int

	// QueueFrames is the outbound queue capacity. Default [DefaultQueueFrames].
	QueueFrames int

	// Header is sent with the upgrade request.
	Header http.Header

	// Metrics, if set, receives frame and message counts.
	Metrics *observe.Metrics
}

// EventKind discriminates [Event] values.
type EventKind int

const (
	// EventAudio carries one synthesised audio chunk.
	EventAudio EventKind = iota

	// EventStatus carries one decoded status message.
	EventStatus

	// EventClosed is the last event of every channel.
	EventClosed
)

// String returns the human-readable name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventStatus:
		return "status"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status types sent by the speech service.
const (
	StatusReady = "ready"
	StatusText  = "text"
	StatusError = "error"
)

// Status is an inbound JSON text message.
type Status struct {
	// Type is the mandatory message type, e.g. [StatusReady].
	Type string `json:"type"`

	// Message is a human-readable note (ready and error messages).
	Message string `json:"message,omitempty"`

	// Text is the transcript of a text message.
	Text string `json:"text,omitempty"`

	// IsFinal marks a final transcript.
	IsFinal bool `json:"is_final,omitempty"`

	// Raw is the undecoded message.
	Raw json.RawMessage `json:"-"`
}

// Event is one item of the inbound event stream.
type Event struct {
	Kind EventKind

	// Chunk is set for EventAudio.
	Chunk audio.PlaybackChunk

	// Status is set for EventStatus.
	Status Status

	// Reason is set for EventClosed. It is [ErrClosed] after a local
	// Close and the connection error otherwise.
	Reason error
}

// Channel is an open connection to the speech endpoint.
type Channel struct {
	conn    *websocket.Conn
	cfg     Config
	metrics *observe.Metrics

	out    *ring.SPSC[audio.AudioFrame]
	wake   chan struct{}
	events chan Event
	ready  chan struct{}

	ctx        context.Context
	cancel     context.CancelFunc
	readyOnce  sync.Once
	writerDone chan struct{}

	mu     sync.Mutex
	reason error

	sent     atomic.Uint64
	received atomic.Uint64
}

// Dial connects to cfg.URL with the language parameters in the query string
// and sends the configuration handshake. The returned channel is ready to
// accept frames.
func Dial(ctx context.Context, cfg Config) (*Channel, error) {
	if cfg.TargetLang == "" {
		return nil, errors.New("transport: target language is required")
	}
	if cfg.InputRate <= 0 {
		cfg.InputRate = DefaultInputRate
	}
	if cfg.OutputRate <= 0 {
		cfg.OutputRate = DefaultOutputRate
	}
	if cfg.QueueFrames <= 0 {
		cfg.QueueFrames = DefaultQueueFrames
	}

	u, err := endpointURL(cfg)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPHeader: cfg.Header})
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	conn.SetReadLimit(maxMessageBytes)

	chCtx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		conn:       conn,
		cfg:        cfg,
		metrics:    cfg.Metrics,
		out:        ring.New[audio.AudioFrame](cfg.QueueFrames),
		wake:       make(chan struct{}, 1),
		events:     make(chan Event, 64),
		ready:      make(chan struct{}),
		ctx:        chCtx,
		cancel:     cancel,
		writerDone: make(chan struct{}),
	}

	if err := c.sendHandshake(ctx); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("transport: handshake: %w", err)
	}

	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

// endpointURL adds the session parameters to the endpoint URL.
func endpointURL(cfg Config) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("transport: parse url: %w", err)
	}
	q := u.Query()
	q.Set("target_lang", cfg.TargetLang)
	if cfg.SourceLang != "" {
		q.Set("source_lang", cfg.SourceLang)
	}
	if cfg.VoiceID != "" {
		q.Set("voice_id", cfg.VoiceID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type configMessage struct {
	Type   string        `json:"type"`
	Config sessionConfig `json:"config"`
}

type sessionConfig struct {
	SourceLang   string `json:"source_lang,omitempty"`
	TargetLang   string `json:"target_lang"`
	MuteOriginal bool   `json:"mute_original"`
	VoiceID      string `json:"voice_id,omitempty"`
	SampleRate   int    `json:"sample_rate"`
}

func (c *Channel) sendHandshake(ctx context.Context) error {
	data, err := json.Marshal(configMessage{
		Type: "config",
		Config: sessionConfig{
			SourceLang:   c.cfg.SourceLang,
			TargetLang:   c.cfg.TargetLang,
			MuteOriginal: c.cfg.MuteOriginal,
			VoiceID:      c.cfg.VoiceID,
			SampleRate:   c.cfg.InputRate,
		},
	})
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// ── Outbound ──────────────────────────────────────────────────────────────────

// Offer queues frame for sending and reports whether it was accepted. It
// never blocks: a full queue or a closed channel rejects the frame. Offer
// must only be called from a single goroutine (the capture loop).
func (c *Channel) Offer(frame audio.AudioFrame) bool {
	if c.ctx.Err() != nil {
		return false
	}
	if !c.out.TryPush(frame) {
		return false
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// writeLoop sends queued frames in capture order.
func (c *Channel) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		}
		for {
			frame, ok := c.out.TryPop()
			if !ok {
				break
			}
			if err := c.conn.Write(c.ctx, websocket.MessageBinary, audio.EncodePCM16(frame.Samples)); err != nil {
				c.fail(fmt.Errorf("transport: write: %w", err))
				return
			}
			c.sent.Add(1)
			if c.metrics != nil {
				c.metrics.FramesSent.Add(c.ctx, 1)
			}
		}
	}
}

// ── Inbound ───────────────────────────────────────────────────────────────────

// Events returns the inbound event stream. Exactly one [EventClosed] is
// delivered, after which the channel is closed. Callers must keep
// receiving until then.
func (c *Channel) Events() <-chan Event { return c.events }

// Ready is closed when the endpoint has sent its ready status.
func (c *Channel) Ready() <-chan struct{} { return c.ready }

// Done is closed once the channel has failed or been closed.
func (c *Channel) Done() <-chan struct{} { return c.ctx.Done() }

// readLoop owns events: it closes the stream when it exits.
func (c *Channel) readLoop() {
	defer close(c.events)

	var seq uint64
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.fail(fmt.Errorf("transport: read: %w", err))
			break
		}

		var ev Event
		switch typ {
		case websocket.MessageBinary:
			ev = Event{Kind: EventAudio, Chunk: audio.PlaybackChunk{
				Seq:        seq,
				PCM:        data,
				SampleRate: c.cfg.OutputRate,
			}}
			seq++
			c.received.Add(1)
			if c.metrics != nil {
				c.metrics.ChunksReceived.Add(c.ctx, 1)
			}
		case websocket.MessageText:
			st, err := parseStatus(data)
			if err != nil {
				slog.Warn("transport: discarding malformed status message", "err", err, "bytes", len(data))
				continue
			}
			if c.metrics != nil {
				c.metrics.RecordStatus(c.ctx, st.Type)
			}
			if st.Type == StatusReady {
				c.readyOnce.Do(func() { close(c.ready) })
			}
			ev = Event{Kind: EventStatus, Status: st}
		default:
			continue
		}

		select {
		case c.events <- ev:
		case <-c.ctx.Done():
		}
	}

	c.events <- Event{Kind: EventClosed, Reason: c.closeReason()}
}

func parseStatus(data []byte) (Status, error) {
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return Status{}, err
	}
	if st.Type == "" {
		return Status{}, errors.New("missing type")
	}
	st.Raw = json.RawMessage(data)
	return st, nil
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

// Stats returns how many frames were sent and chunks received.
func (c *Channel) Stats() (sent, received uint64) {
	return c.sent.Load(), c.received.Load()
}

// Close shuts the connection down. Queued frames that were not sent yet are
// discarded. Close is idempotent.
func (c *Channel) Close() error {
	c.fail(ErrClosed)
	<-c.writerDone
	return nil
}

// fail records the first close reason and tears the connection down.
func (c *Channel) fail(reason error) {
	c.mu.Lock()
	first := c.reason == nil
	if first {
		c.reason = reason
	}
	c.mu.Unlock()
	if !first {
		return
	}

	if errors.Is(reason, ErrClosed) {
		c.conn.Close(websocket.StatusNormalClosure, "session closed")
	} else {
		slog.Warn("transport: connection lost", "err", reason)
		c.conn.CloseNow()
	}
	c.cancel()
}

func (c *Channel) closeReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}
