package companion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/talkbuddy/internal/avatar"
	"github.com/MrWong99/talkbuddy/internal/observe"
	"github.com/MrWong99/talkbuddy/internal/turn"
)

const (
	// maxFrameBytes limits a single client frame.
	maxFrameBytes = 64 << 10

	helloTimeout = 10 * time.Second
)

var errNoHello = errors.New("companion: first frame must be hello")

// Option configures a [Handler].
type Option func(*Handler)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithMetrics sets the metrics. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithClock sets the clock driving the turn-taking timers.
func WithClock(c turn.Clock) Option {
	return func(h *Handler) { h.clock = c }
}

// WithOrigins sets the host patterns accepted for cross-origin sessions.
func WithOrigins(patterns []string) Option {
	return func(h *Handler) { h.origins = patterns }
}

// WithLibrary shares an avatar model cache between sessions.
func WithLibrary(lib *avatar.Library) Option {
	return func(h *Handler) { h.lib = lib }
}

// Handler accepts companion sessions on GET /api/session.
type Handler struct {
	gen     Generator
	lib     *avatar.Library
	log     *slog.Logger
	metrics *observe.Metrics
	clock   turn.Clock
	origins []string

	settings atomic.Pointer[Settings]

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewHandler returns a Handler whose sessions reply through gen.
func NewHandler(gen Generator, settings Settings, opts ...Option) *Handler {
	h := &Handler{
		gen:      gen,
		log:      slog.Default(),
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	if h.lib == nil {
		h.lib = avatar.NewLibrary()
	}
	h.SetSettings(settings)
	return h
}

// SetSettings replaces the defaults used by sessions opened afterwards.
func (h *Handler) SetSettings(s Settings) {
	h.settings.Store(&s)
}

// Settings returns the current session defaults.
func (h *Handler) Settings() Settings {
	return *h.settings.Load()
}

// Active returns the number of connected sessions.
func (h *Handler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Register mounts the session endpoint on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /api/session", h)
}

// ServeHTTP upgrades the request and serves one session until the browser
// disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.log.Debug("companion: websocket accept failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameBytes)

	hello, err := readHello(r.Context(), conn)
	if err != nil {
		h.log.Debug("companion: handshake failed", "err", err, "remote", r.RemoteAddr)
		conn.Close(websocket.StatusPolicyViolation, "first frame must be hello")
		return
	}

	device := turn.DetectDevice(hello.Device, r.UserAgent())
	sess := newSession(context.WithoutCancel(r.Context()), sessionDeps{
		id:       uuid.NewString(),
		conn:     conn,
		hello:    hello,
		device:   device,
		settings: h.Settings(),
		gen:      h.gen,
		lib:      h.lib,
		clock:    h.clock,
		log:      h.log,
		metrics:  h.metrics,
	})
	if !h.track(sess) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.untrack(sess)

	ctx := context.Background()
	h.metrics.ActiveSessions.Add(ctx, 1)
	defer h.metrics.ActiveSessions.Add(ctx, -1)

	sess.log.Info("companion: session started", "lang", sess.lang)
	if err := sess.run(); err != nil {
		sess.log.Debug("companion: session ended with error", "err", err)
	}
	sess.log.Info("companion: session ended", "turns", sess.memory.Len())
	conn.Close(websocket.StatusNormalClosure, "session closed")
}

// Close ends every session and waits for them to finish. Sessions opened
// afterwards are refused.
func (h *Handler) Close() {
	h.mu.Lock()
	for _, s := range h.sessions {
		s.Close()
	}
	h.sessions = nil
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Handler) track(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions == nil {
		s.Close()
		return false
	}
	h.sessions[s.id] = s
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(s *Session) {
	h.mu.Lock()
	if h.sessions != nil {
		delete(h.sessions, s.id)
	}
	h.mu.Unlock()
	h.wg.Done()
}

func readHello(ctx context.Context, conn *websocket.Conn) (ClientMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	typ, data, err := conn.Read(ctx)
	if err != nil {
		return ClientMessage{}, fmt.Errorf("companion: read hello: %w", err)
	}
	var msg ClientMessage
	if typ != websocket.MessageText || json.Unmarshal(data, &msg) != nil || msg.Type != MsgHello {
		return ClientMessage{}, errNoHello
	}
	return msg, nil
}
