package turn

import (
	"errors"
	"fmt"
)

// ErrEngineUnavailable is returned by Start when no capture engine can be
// created (no factory, or the device lacks speech recognition).
var ErrEngineUnavailable = errors.New("turn: capture engine unavailable")

// Segment is one recognised span of speech.
type Segment struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// Engine is one speech-capture session on the device. Start and Stop are
// called with the loop's lock held and must not call back into the Sink
// synchronously.
type Engine interface {
	Start() error
	Stop()
}

// EngineFactory creates an engine for lang that reports to sink.
type EngineFactory func(lang string, sink *Sink) (Engine, error)

// Sink receives the events of one engine. Every engine the loop creates gets
// its own Sink; once the engine is released, events arriving on its Sink are
// dropped.
type Sink struct {
	loop *Loop
	gen  uint64
}

// Result reports the segments of one recognition event. Non-final segments
// replace the interim text; final segments are appended to the utterance.
func (s *Sink) Result(segments ...Segment) { s.loop.handleResult(s.gen, segments) }

// End reports that the engine session ended on its own.
func (s *Sink) End() { s.loop.handleEnd(s.gen) }

// Error reports an engine error by its platform code (e.g. "no-speech",
// "not-allowed", "network").
func (s *Sink) Error(code string) { s.loop.handleError(s.gen, code) }

// ErrorKind classifies capture engine errors for user messaging.
type ErrorKind int

const (
	// ErrorOther is logged and tolerated; the loop continues or restarts.
	ErrorOther ErrorKind = iota

	// ErrorBenign is expected during normal use (no speech, aborted).
	ErrorBenign

	// ErrorPermission needs the user to grant microphone access.
	ErrorPermission
)

// Classify maps an engine error code to its kind.
func Classify(code string) ErrorKind {
	switch code {
	case "not-allowed", "service-not-allowed":
		return ErrorPermission
	case "no-speech", "aborted":
		return ErrorBenign
	}
	return ErrorOther
}

// CaptureError is the error published for engine-reported failures.
type CaptureError struct {
	Code string
	Kind ErrorKind
}

// Error implements error.
func (e *CaptureError) Error() string {
	return fmt.Sprintf("turn: capture engine error: %s", e.Code)
}
