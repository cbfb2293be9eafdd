// Package speechtest provides an in-process stand-in for the speech
// translation endpoint. It speaks the endpoint's wire protocol: a JSON config
// handshake answered with a ready status, raw PCM frames in, raw PCM chunks
// and JSON status messages out.
//
// It backs the transport and session tests and the demo mode of the
// livedub binary.
package speechtest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/livedub/pkg/audio"
)

// Handshake is the decoded config message a client sent.
type Handshake struct {
	Type   string `json:"type"`
	Config struct {
		SourceLang   string `json:"source_lang"`
		TargetLang   string `json:"target_lang"`
		MuteOriginal bool   `json:"mute_original"`
		VoiceID      string `json:"voice_id"`
		SampleRate   int    `json:"sample_rate"`
	} `json:"config"`
}

// Responder turns one received binary frame into zero or more binary
// replies.
type Responder func(frame []byte) [][]byte

// Option configures a [Server].
type Option func(*Server)

// WithResponder replaces the default echo behaviour.
func WithResponder(r Responder) Option {
	return func(s *Server) { s.respond = r }
}

// WithoutReady suppresses the ready status after the handshake.
func WithoutReady() Option {
	return func(s *Server) { s.noReady = true }
}

// WithRejectHandshake answers every handshake with an error status and
// closes the connection.
func WithRejectHandshake(message string) Option {
	return func(s *Server) { s.reject = message }
}

// WithTranscripts sends a final text status after every reply.
func WithTranscripts(text string) Option {
	return func(s *Server) { s.transcript = text }
}

// Server is a running fake endpoint.
type Server struct {
	srv        *httptest.Server
	respond    Responder
	noReady    bool
	reject     string
	transcript string

	mu         sync.Mutex
	handshakes []Handshake
	queries    []url.Values
	frames     int
	conns      map[*websocket.Conn]struct{}
}

// NewServer starts a fake endpoint on a loopback port. Call Close when done.
func NewServer(opts ...Option) *Server {
	s := &Server{
		respond: Echo(16000, 24000),
		conns:   make(map[*websocket.Conn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// URL returns the ws:// address of the endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws/translate"
}

// Close drops every connection and stops the server.
func (s *Server) Close() {
	s.Drop()
	s.srv.Close()
}

// Drop abruptly closes every open connection, as a network failure would.
func (s *Server) Drop() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.CloseNow()
	}
}

// Handshakes returns the config messages received so far.
func (s *Server) Handshakes() []Handshake {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Handshake, len(s.handshakes))
	copy(out, s.handshakes)
	return out
}

// Queries returns the query parameters of every connection so far.
func (s *Server) Queries() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]url.Values, len(s.queries))
	copy(out, s.queries)
	return out
}

// Frames returns the number of binary frames received over all connections.
func (s *Server) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Connections returns the number of currently open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	conn.SetReadLimit(4 << 20)
	defer conn.CloseNow()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.queries = append(s.queries, r.URL.Query())
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	ctx := r.Context()

	typ, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	var hs Handshake
	if typ != websocket.MessageText || json.Unmarshal(data, &hs) != nil || hs.Type != "config" {
		writeStatus(ctx, conn, map[string]any{"type": "error", "message": "First message must be config"})
		conn.Close(websocket.StatusPolicyViolation, "expected config")
		return
	}
	s.mu.Lock()
	s.handshakes = append(s.handshakes, hs)
	s.mu.Unlock()

	if s.reject != "" {
		writeStatus(ctx, conn, map[string]any{"type": "error", "message": s.reject})
		conn.Close(websocket.StatusNormalClosure, "rejected")
		return
	}
	if !s.noReady {
		writeStatus(ctx, conn, map[string]any{"type": "ready", "message": "Translation service ready"})
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		s.mu.Lock()
		s.frames++
		s.mu.Unlock()

		for _, reply := range s.respond(data) {
			if err := conn.Write(ctx, websocket.MessageBinary, reply); err != nil {
				return
			}
			if s.transcript != "" {
				writeStatus(ctx, conn, map[string]any{"type": "text", "text": s.transcript, "is_final": true})
			}
		}
	}
}

func writeStatus(ctx context.Context, conn *websocket.Conn, v map[string]any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("speechtest: write status", "err", err)
	}
}

// Echo returns a responder that sends every frame back resampled from
// inRate to outRate.
func Echo(inRate, outRate int) Responder {
	return func(frame []byte) [][]byte {
		samples := audio.ResampleLinear(audio.DecodePCM16(frame), inRate, outRate)
		pcm := make([]int16, len(samples))
		for i, v := range samples {
			pcm[i] = audio.QuantizeSample(v)
		}
		return [][]byte{audio.EncodePCM16(pcm)}
	}
}

// Batch returns a responder that answers every every-th frame with one
// chunk of n silent samples. It models a service that synthesises whole
// sentences at a time.
func Batch(every, n int) Responder {
	var (
		mu    sync.Mutex
		count int
	)
	return func([]byte) [][]byte {
		mu.Lock()
		defer mu.Unlock()
		count++
		if count%every != 0 {
			return nil
		}
		return [][]byte{make([]byte, n*2)}
	}
}
