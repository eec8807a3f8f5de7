// Package speech implements the Speech Output Session: at most one companion
// utterance is audible at a time, and every utterance produces exactly one
// speak-start and one speak-stop signal.
package speech

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/talkbuddy/internal/events"
)

// ErrEmptyText is returned by [Session.Speak] for blank text.
var ErrEmptyText = errors.New("speech: empty text")

// Voice holds synthesis parameters forwarded to the device.
type Voice struct {
	Name   string  `json:"name,omitempty"`
	Lang   string  `json:"lang,omitempty"`
	Rate   float64 `json:"rate"`
	Pitch  float64 `json:"pitch"`
	Volume float64 `json:"volume"`
}

// Synthesizer plays utterances on the device. Speak must not block until
// playback ends; completion is reported through [Session.Ended] or
// [Session.Failed].
type Synthesizer interface {
	Speak(id, text string, voice Voice) error
	Cancel(id string)
}

// Option configures a [Session].
type Option func(*Session)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithIDFunc overrides utterance ID generation. Defaults to random UUIDs.
func WithIDFunc(f func() string) Option {
	return func(s *Session) { s.newID = f }
}

// Session is the speech output of one companion session. It is safe for
// concurrent use; the synthesizer and bus are called without the lock held.
type Session struct {
	synth Synthesizer
	bus   *events.Bus
	log   *slog.Logger
	newID func() string

	mu      sync.Mutex
	voice   Voice
	current string
	text    string
}

// New returns an idle Session that plays through synth and publishes
// speak-start/speak-stop on bus (which may be nil).
func New(synth Synthesizer, bus *events.Bus, voice Voice, opts ...Option) *Session {
	s := &Session{
		synth: synth,
		bus:   bus,
		voice: voice,
		log:   slog.Default(),
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetVoice replaces the voice used by subsequent utterances.
func (s *Session) SetVoice(v Voice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voice = v
}

// Voice returns the configured voice.
func (s *Session) Voice() Voice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voice
}

// Speak cancels any in-flight utterance and starts text. speak-start is
// published before the synthesizer is asked to play so that capture is
// already suspended when the first audio comes out.
func (s *Session) Speak(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}

	id := s.newID()
	s.mu.Lock()
	prev := s.current
	s.current, s.text = id, text
	voice := s.voice
	s.mu.Unlock()

	if prev != "" {
		s.synth.Cancel(prev)
		s.publish(events.SpeakStop, prev)
	}
	s.publish(events.SpeakStart, id)

	if err := s.synth.Speak(id, text, voice); err != nil {
		err = fmt.Errorf("speech: speak: %w", err)
		s.Failed(id, err.Error())
		return id, err
	}
	return id, nil
}

// Started records the device's confirmation that playback began.
func (s *Session) Started(id string) {
	s.mu.Lock()
	stale := id != s.current
	s.mu.Unlock()
	if stale {
		s.log.Debug("speech: start for stale utterance ignored", "id", id)
	}
}

// Ended marks utterance id as finished. Stale IDs are ignored.
func (s *Session) Ended(id string) {
	s.finish(id)
}

// Failed marks utterance id as failed. Speech errors are tolerated: the
// conversation continues without audio.
func (s *Session) Failed(id, reason string) {
	if s.finish(id) {
		s.log.Warn("speech: utterance failed", "id", id, "reason", reason)
	}
}

// Cancel stops the current utterance, if any. It is idempotent.
func (s *Session) Cancel() {
	s.mu.Lock()
	id := s.current
	s.mu.Unlock()
	if id == "" {
		return
	}
	s.synth.Cancel(id)
	s.finish(id)
}

// Speaking reports whether an utterance is in flight.
func (s *Session) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != ""
}

// Current returns the ID and text of the in-flight utterance.
func (s *Session) Current() (id, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.text
}

// finish clears id if it is current and publishes speak-stop. It reports
// whether id was current.
func (s *Session) finish(id string) bool {
	s.mu.Lock()
	if id == "" || id != s.current {
		s.mu.Unlock()
		return false
	}
	s.current, s.text = "", ""
	s.mu.Unlock()

	s.publish(events.SpeakStop, id)
	return true
}

func (s *Session) publish(t events.Type, id string) {
	if s.bus != nil {
		s.bus.Publish(events.Event{Type: t, ID: id})
	}
}
