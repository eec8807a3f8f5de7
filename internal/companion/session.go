// Package companion wires one browser connection into a companion session:
// the Turn-Taking Loop, Conversation Memory, Prompt Builder, Speech Output
// Session and Avatar Presentation, talking to the browser over a WebSocket.
//
// The browser is a thin device. It runs speech recognition and synthesis and
// renders the avatar; every decision is taken here.
package companion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/talkbuddy/internal/avatar"
	"github.com/MrWong99/talkbuddy/internal/conversation"
	"github.com/MrWong99/talkbuddy/internal/events"
	"github.com/MrWong99/talkbuddy/internal/observe"
	"github.com/MrWong99/talkbuddy/internal/prompt"
	"github.com/MrWong99/talkbuddy/internal/speech"
	"github.com/MrWong99/talkbuddy/internal/turn"
)

const (
	// outboundBuffer is the number of frames queued for the writer.
	outboundBuffer = 64

	// replyQueue bounds utterances waiting for the LLM.
	replyQueue = 4

	writeTimeout = 5 * time.Second

	permissionHint = "microphone access is blocked; allow it in the browser settings and try again"
)

var (
	errSessionClosed = errors.New("companion: session closed")
	errReplyBusy     = errors.New("companion: reply queue full, utterance dropped")
)

// Generator produces the companion's reply to a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Settings are the per-session defaults taken from configuration.
type Settings struct {
	Persona      string
	Tier         conversation.Tier
	HistoryLimit int
	Language     string
	Continuous   bool
	AvatarModel  string
	AvatarFPS    int
	Voice        speech.Voice
	Timings      turn.Timings
}

// Session is one connected browser.
type Session struct {
	id       string
	conn     *websocket.Conn
	device   turn.DeviceClass
	lang     string
	settings Settings

	gen     Generator
	builder *prompt.Builder
	memory  *conversation.Memory
	bus     *events.Bus
	loop    *turn.Loop
	speech  *speech.Session
	avatar  *avatar.Presenter
	unsub   []func()
	log     *slog.Logger
	metrics *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	out    chan ServerMessage
	work   chan string

	mu         sync.Mutex
	sink       *turn.Sink
	continuous bool
}

type sessionDeps struct {
	id       string
	conn     *websocket.Conn
	hello    ClientMessage
	device   turn.DeviceClass
	settings Settings
	gen      Generator
	lib      *avatar.Library
	clock    turn.Clock
	log      *slog.Logger
	metrics  *observe.Metrics
}

func newSession(parent context.Context, d sessionDeps) *Session {
	ctx, cancel := context.WithCancel(parent)

	tier := d.settings.Tier
	if t, ok := conversation.ParseTier(d.hello.Tier); ok {
		tier = t
	}
	lang := d.settings.Language
	if d.hello.Lang != "" {
		lang = d.hello.Lang
	}
	continuous := d.settings.Continuous
	if d.hello.Continuous != nil {
		continuous = *d.hello.Continuous
	}
	voice := d.settings.Voice
	voice.Lang = lang

	s := &Session{
		id:         d.id,
		conn:       d.conn,
		device:     d.device,
		lang:       lang,
		settings:   d.settings,
		gen:        d.gen,
		builder:    prompt.New(d.settings.Persona),
		memory:     conversation.New(d.settings.HistoryLimit, tier),
		bus:        events.New(),
		log:        d.log.With("session_id", d.id, "device", string(d.device)),
		metrics:    d.metrics,
		ctx:        ctx,
		cancel:     cancel,
		out:        make(chan ServerMessage, outboundBuffer),
		work:       make(chan string, replyQueue),
		continuous: continuous,
	}

	s.speech = speech.New(deviceSynth{s: s}, s.bus, voice, speech.WithLogger(s.log))
	s.avatar = avatar.New(d.lib, s.log)
	s.loop = turn.New(turn.Config{
		Factory: s.newEngine,
		Timing:  d.settings.Timings.For(d.device),
		Device:  d.device,
		Lang:    lang,
		Clock:   d.clock,
		Bus:     s.bus,
		OnState: func(st turn.State) { _ = s.send(ServerMessage{Type: MsgStatus, State: st.String()}) },
		Logger:  s.log,
		Metrics: d.metrics,
	})

	s.unsub = append(s.unsub,
		s.bus.Subscribe(func(e events.Event) {
			s.avatar.SetTalking(e.Type == events.SpeakStart)
		}, events.SpeakStart, events.SpeakStop),
		s.bus.Subscribe(s.captureError, events.CaptureError),
	)
	return s
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Close ends the session. It is idempotent.
func (s *Session) Close() { s.cancel() }

// run serves the session until the connection closes or ctx is cancelled.
func (s *Session) run() error {
	s.avatar.Load(s.ctx, s.settings.AvatarModel)

	var g errgroup.Group
	g.Go(s.writeLoop)
	g.Go(s.replyLoop)
	if s.settings.AvatarFPS > 0 {
		g.Go(s.animateLoop)
	}

	_ = s.send(ServerMessage{Type: MsgReady, SessionID: s.id, Lang: s.lang})
	s.sendHistory()
	_ = s.send(ServerMessage{Type: MsgStatus, State: s.loop.State().String()})

	g.Go(s.readLoop)
	err := g.Wait()

	s.loop.Close()
	s.speech.Cancel()
	for _, u := range s.unsub {
		u()
	}
	return err
}

func (s *Session) readLoop() error {
	defer s.cancel()
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			return fmt.Errorf("companion: read: %w", err)
		}
		if typ != websocket.MessageText {
			_ = s.send(ServerMessage{Type: MsgError, Error: "binary frames are not supported"})
			continue
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = s.send(ServerMessage{Type: MsgError, Error: "malformed message"})
			continue
		}
		s.handle(msg)
	}
}

func (s *Session) writeLoop() error {
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case msg := <-s.out:
			ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
			err := wsjson.Write(ctx, s.conn, msg)
			cancel()
			if err != nil {
				s.cancel()
				return fmt.Errorf("companion: write %s: %w", msg.Type, err)
			}
		}
	}
}

func (s *Session) replyLoop() error {
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case text := <-s.work:
			s.respond(text)
		}
	}
}

func (s *Session) animateLoop() error {
	ticker := time.NewTicker(time.Second / time.Duration(s.settings.AvatarFPS))
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-ticker.C:
			pose, ok := s.avatar.Frame(time.Since(start))
			if !ok {
				continue
			}
			// Poses are disposable; a full queue drops the frame.
			select {
			case s.out <- ServerMessage{Type: MsgAvatarPose, Pose: &pose}:
			default:
			}
		}
	}
}

func (s *Session) handle(msg ClientMessage) {
	switch msg.Type {
	case MsgListen:
		s.listen(msg)
	case MsgStop:
		s.loop.Stop()
	case MsgTier:
		t, ok := conversation.ParseTier(msg.Tier)
		if !ok {
			_ = s.send(ServerMessage{Type: MsgError, Error: fmt.Sprintf("unknown tier %q", msg.Tier)})
			return
		}
		s.memory.SetTier(t)
		s.sendHistory()
	case MsgReset:
		s.memory.Clear()
		s.sendHistory()
	case MsgCaptureResult:
		if sink := s.currentSink(); sink != nil {
			sink.Result(msg.Segments...)
		}
	case MsgCaptureEnd:
		if sink := s.currentSink(); sink != nil {
			sink.End()
		}
	case MsgCaptureError:
		if sink := s.currentSink(); sink != nil {
			sink.Error(msg.Error)
		}
	case MsgSpeakStarted:
		s.speech.Started(msg.ID)
	case MsgSpeakEnded:
		s.speech.Ended(msg.ID)
	case MsgSpeakError:
		s.speech.Failed(msg.ID, msg.Error)
	case MsgSay:
		if err := s.onUtterance(msg.Text, true); err != nil {
			_ = s.send(ServerMessage{Type: MsgError, Error: err.Error()})
		}
	case MsgHello:
		s.log.Debug("companion: duplicate hello ignored")
	default:
		_ = s.send(ServerMessage{Type: MsgError, Error: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

func (s *Session) listen(msg ClientMessage) {
	s.mu.Lock()
	if msg.Continuous != nil {
		s.continuous = *msg.Continuous
	}
	opts := turn.Options{Continuous: s.continuous, Lang: msg.Lang}
	s.mu.Unlock()

	if err := s.loop.Start(s.onUtterance, opts); err != nil {
		s.log.Warn("companion: capture start failed", "err", err)
		_ = s.send(ServerMessage{Type: MsgError, Error: "speech capture is unavailable"})
	}
}

// onUtterance echoes a finished utterance and queues it for a reply. It never
// blocks the Turn-Taking Loop.
func (s *Session) onUtterance(text string, _ bool) error {
	if text == "" {
		return nil
	}
	_ = s.send(ServerMessage{Type: MsgUtterance, Text: text})
	select {
	case s.work <- text:
		return nil
	default:
		return errReplyBusy
	}
}

// respond runs one conversation turn: build the prompt from the history so
// far, ask the LLM, remember both sides and speak the reply.
func (s *Session) respond(text string) {
	tier := s.memory.Tier()
	ctx, span := observe.StartSpan(s.ctx, "companion.turn",
		attribute.String("session.id", s.id),
		attribute.String("tier", string(tier)))
	defer span.End()
	log := observe.WithTrace(ctx, s.log)
	p := s.builder.Build(tier, s.memory.History(), text)
	s.memory.AppendUser(text)

	reply, err := s.gen.Generate(ctx, p)
	if err != nil {
		span.RecordError(err)
		if s.ctx.Err() != nil {
			return
		}
		log.Warn("companion: reply failed", "err", err)
		_ = s.send(ServerMessage{Type: MsgError, Error: "could not get a reply: " + err.Error()})
		return
	}

	s.memory.AppendAssistant(reply)
	_ = s.send(ServerMessage{Type: MsgReply, Text: reply})
	if _, err := s.speech.Speak(reply); err != nil && !errors.Is(err, speech.ErrEmptyText) {
		log.Warn("companion: speech output failed", "err", err)
	}
}

func (s *Session) captureError(e events.Event) {
	if !e.Permission {
		return
	}
	_ = s.send(ServerMessage{Type: MsgError, Error: permissionHint, Permission: true})
}

func (s *Session) sendHistory() {
	_ = s.send(ServerMessage{
		Type:  MsgHistory,
		Turns: s.memory.History(),
		Tier:  string(s.memory.Tier()),
	})
}

// send queues msg for the writer. It fails only once the session is closed.
func (s *Session) send(msg ServerMessage) error {
	select {
	case s.out <- msg:
		return nil
	case <-s.ctx.Done():
		return errSessionClosed
	}
}
