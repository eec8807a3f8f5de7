package companion

import (
	"github.com/MrWong99/talkbuddy/internal/speech"
	"github.com/MrWong99/talkbuddy/internal/turn"
)

// deviceEngine is a capture engine running in the browser. Start and Stop
// only queue protocol frames; recognition results come back through the
// session's read loop into the engine's sink.
type deviceEngine struct {
	s    *Session
	lang string
}

func (e *deviceEngine) Start() error {
	return e.s.send(ServerMessage{Type: MsgCaptureStart, Lang: e.lang})
}

func (e *deviceEngine) Stop() {
	_ = e.s.send(ServerMessage{Type: MsgCaptureStop})
}

// newEngine is the session's [turn.EngineFactory]. The newest sink receives
// all capture frames; the loop drops events for released engines.
func (s *Session) newEngine(lang string, sink *turn.Sink) (turn.Engine, error) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
	return &deviceEngine{s: s, lang: lang}, nil
}

func (s *Session) currentSink() *turn.Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}

// deviceSynth plays utterances through the browser's speech synthesis.
type deviceSynth struct {
	s *Session
}

func (d deviceSynth) Speak(id, text string, voice speech.Voice) error {
	return d.s.send(ServerMessage{Type: MsgSpeak, ID: id, Text: text, Voice: &voice})
}

func (d deviceSynth) Cancel(id string) {
	_ = d.s.send(ServerMessage{Type: MsgSpeakCancel, ID: id})
}
