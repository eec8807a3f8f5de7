// Package turn implements the Turn-Taking Loop: it drives one speech-capture
// engine at a time, decides when an utterance is finished (final flag or
// silence timeout), hands it to the caller, and keeps capture suspended while
// the companion's own voice is playing.
//
// All delays are scheduled through a [Clock]; the loop itself never blocks.
package turn

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/talkbuddy/internal/events"
	"github.com/MrWong99/talkbuddy/internal/observe"
)

// State is the externally visible state of the loop.
type State int

const (
	// Idle: no engine, nothing pending except possibly a scheduled restart.
	Idle State = iota
	// Listening: an engine is capturing.
	Listening
	// Finalizing: the engine has been released and the utterance callback
	// is running.
	Finalizing
	// Suspended: speech output is playing; capture starts are deferred.
	Suspended
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Finalizing:
		return "finalizing"
	case Suspended:
		return "suspended"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// UtteranceFunc receives each finished utterance. final is always true for
// utterances delivered by the loop. It must not block; hand long work such as
// the LLM call off to another goroutine.
type UtteranceFunc func(text string, final bool) error

// Options are the per-start capture options.
type Options struct {
	// Continuous restarts capture automatically after each utterance and
	// after each spoken reply.
	Continuous bool

	// Lang is the BCP-47 tag handed to the engine. Empty keeps the loop's
	// default language.
	Lang string
}

// Config configures a [Loop].
type Config struct {
	// Factory creates capture engines. Required.
	Factory EngineFactory

	// Timing holds the silence, restart, and retry delays.
	Timing Timing

	// Device labels utterance metrics.
	Device DeviceClass

	// Lang is the default capture language.
	Lang string

	// Clock schedules timers. Defaults to [SystemClock].
	Clock Clock

	// Bus receives capture signals; its speak-start/speak-stop signals
	// suspend and resume capture. Optional.
	Bus *events.Bus

	// OnState is called outside the lock after every state change. Optional.
	OnState func(State)

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// Loop is the Turn-Taking Loop of one session. All methods are safe for
// concurrent use. Callbacks (utterance, OnState, bus handlers, engine Stop)
// are invoked without the lock held.
type Loop struct {
	factory EngineFactory
	timing  Timing
	device  DeviceClass
	clock   Clock
	bus     *events.Bus
	onState func(State)
	log     *slog.Logger
	metrics *observe.Metrics
	unsub   func()

	mu         sync.Mutex
	state      State
	cb         UtteranceFunc
	opts       Options
	continuous bool
	armed      bool // a start arrived while speaking or finalizing
	speaking   bool

	engine Engine
	gen    uint64 // engine generation; bumped on every create and release

	interim string
	final   string

	silence    Timer
	silenceSeq uint64
	restart    Timer
	restartSeq uint64
}

// New returns an idle Loop. When cfg.Bus is set the loop subscribes to its
// speak signals; call [Loop.Close] to unsubscribe.
func New(cfg Config) *Loop {
	l := &Loop{
		factory: cfg.Factory,
		timing:  cfg.Timing,
		device:  cfg.Device,
		clock:   cfg.Clock,
		bus:     cfg.Bus,
		onState: cfg.OnState,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		opts:    Options{Lang: cfg.Lang},
	}
	if l.device == "" {
		l.device = Desktop
	}
	if l.timing == (Timing{}) {
		l.timing = DefaultTimings.For(l.device)
	}
	if l.clock == nil {
		l.clock = SystemClock{}
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	if l.bus != nil {
		l.unsub = l.bus.Subscribe(func(e events.Event) {
			switch e.Type {
			case events.SpeakStart:
				l.SpeakStarted()
			case events.SpeakStop:
				l.SpeakEnded()
			}
		}, events.SpeakStart, events.SpeakStop)
	}
	return l
}

// State returns the current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Continuous reports whether continuous mode is set.
func (l *Loop) Continuous() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.continuous
}

// Start begins capturing and delivers finished utterances to cb.
//
// While speech output is playing (or an utterance is being handed off) the
// callback and options are recorded and capture starts once that is over.
// While already listening only the callback is replaced. Otherwise a new
// engine is created for opts.Lang.
func (l *Loop) Start(cb UtteranceFunc, opts Options) error {
	l.mu.Lock()
	var fx effects
	err := l.start(&fx, cb, opts)
	l.mu.Unlock()
	fx.run()
	return err
}

func (l *Loop) start(fx *effects, cb UtteranceFunc, opts Options) error {
	if opts.Lang == "" {
		opts.Lang = l.opts.Lang
	}
	switch {
	case l.state == Listening:
		l.cb = cb
		return nil
	case l.speaking || l.state == Finalizing:
		l.cb, l.opts, l.continuous = cb, opts, opts.Continuous
		l.armed = true
		if l.speaking {
			l.setState(fx, Suspended)
		}
		return nil
	}
	l.cb, l.opts, l.continuous = cb, opts, opts.Continuous
	l.armed = false
	l.cancelRestart()
	return l.startEngine(fx)
}

// Stop clears continuous mode and the callback, cancels every timer,
// releases the engine and returns to Idle. It is idempotent.
func (l *Loop) Stop() {
	l.mu.Lock()
	var fx effects
	l.continuous = false
	l.cb = nil
	l.armed = false
	l.cancelRestart()
	l.releaseEngine(&fx, true)
	l.setState(&fx, Idle)
	l.mu.Unlock()
	fx.run()
}

// Close stops the loop and unsubscribes it from the bus.
func (l *Loop) Close() {
	l.Stop()
	if l.unsub != nil {
		l.unsub()
	}
}

// SpeakStarted suspends capture while the companion speaks so the engine
// does not hear the companion's own voice. Pending partial text is dropped.
func (l *Loop) SpeakStarted() {
	l.mu.Lock()
	var fx effects
	l.speaking = true
	l.cancelRestart()
	if l.engine != nil && l.interim+l.final != "" {
		l.log.Debug("turn: dropping partial utterance on speech start", "text", normalize(l.final, l.interim))
	}
	l.releaseEngine(&fx, true)
	l.setState(&fx, Suspended)
	l.mu.Unlock()
	fx.run()
}

// SpeakEnded resumes capture after a delay when continuous mode is set or a
// start was deferred while speaking.
func (l *Loop) SpeakEnded() {
	l.mu.Lock()
	var fx effects
	if l.speaking {
		l.speaking = false
		if l.state == Suspended {
			l.setState(&fx, Idle)
			if (l.continuous || l.armed) && l.cb != nil {
				l.armed = false
				l.scheduleRestart(l.timing.Restart, 0)
			}
		}
	}
	l.mu.Unlock()
	fx.run()
}

func (l *Loop) handleResult(gen uint64, segments []Segment) {
	l.mu.Lock()
	if gen != l.gen || l.state != Listening {
		l.mu.Unlock()
		return
	}

	var interim []string
	final := false
	for _, s := range segments {
		if s.Final {
			l.final += " " + s.Text
			final = true
		} else {
			interim = append(interim, s.Text)
		}
	}
	l.interim = strings.Join(interim, " ")

	text := normalize(l.final, l.interim)
	if !final || text == "" {
		l.armSilence(gen)
		l.mu.Unlock()
		return
	}

	var fx effects
	job := l.beginFinalize(&fx, text)
	l.mu.Unlock()
	fx.run()
	l.finish(job)
}

func (l *Loop) handleEnd(gen uint64) {
	l.mu.Lock()
	if gen != l.gen || l.state != Listening {
		l.mu.Unlock()
		return
	}

	var fx effects
	if text := normalize(l.final, l.interim); text != "" {
		job := l.beginFinalize(&fx, text)
		l.mu.Unlock()
		fx.run()
		l.finish(job)
		return
	}

	l.releaseEngine(&fx, false)
	l.setState(&fx, Idle)
	l.afterCapture(&fx)
	l.mu.Unlock()
	fx.run()
}

func (l *Loop) handleError(gen uint64, code string) {
	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		return
	}
	kind := Classify(code)
	if kind == ErrorPermission {
		// Restarting would only fail again until the user grants access.
		l.continuous = false
		l.armed = false
		l.cancelRestart()
	}
	l.mu.Unlock()

	err := &CaptureError{Code: code, Kind: kind}
	switch kind {
	case ErrorBenign:
		l.log.Debug("turn: capture ended without speech", "code", code)
	case ErrorPermission:
		l.log.Warn("turn: microphone permission denied", "code", code)
	default:
		l.log.Warn("turn: capture engine error", "code", code)
	}
	l.publish(events.Event{Type: events.CaptureError, Err: err, Permission: kind == ErrorPermission})
}

func (l *Loop) silenceElapsed(gen, seq uint64) {
	l.mu.Lock()
	if gen != l.gen || seq != l.silenceSeq || l.state != Listening {
		l.mu.Unlock()
		return
	}
	text := normalize(l.final, l.interim)
	if text == "" {
		l.mu.Unlock()
		return
	}
	var fx effects
	job := l.beginFinalize(&fx, text)
	l.mu.Unlock()
	fx.run()
	l.finish(job)
}

func (l *Loop) restartElapsed(seq uint64, attempt int) {
	l.mu.Lock()
	if seq != l.restartSeq || l.state != Idle || l.speaking || l.cb == nil {
		l.mu.Unlock()
		return
	}

	var fx effects
	status := "ok"
	if err := l.startEngine(&fx); err != nil {
		if attempt == 0 {
			status = "retry"
			l.log.Info("turn: capture restart failed, retrying", "err", err, "delay", l.timing.Retry)
			l.scheduleRestart(l.timing.Retry, attempt+1)
		} else {
			status = "failed"
			l.log.Warn("turn: capture restart failed, giving up", "err", err)
		}
	}
	l.mu.Unlock()
	fx.run()
	l.metrics.RecordCaptureRestart(context.Background(), status)
}

// finalizeJob is an utterance waiting to be delivered outside the lock.
type finalizeJob struct {
	text string
	cb   UtteranceFunc
}

// beginFinalize releases the engine and enters Finalizing. Must be called
// with l.mu held and a non-empty text.
func (l *Loop) beginFinalize(fx *effects, text string) *finalizeJob {
	l.releaseEngine(fx, true)
	l.setState(fx, Finalizing)
	return &finalizeJob{text: text, cb: l.cb}
}

// finish delivers the utterance and decides what happens next. Must be
// called without the lock.
func (l *Loop) finish(job *finalizeJob) {
	l.deliver(job)
	l.metrics.RecordUtterance(context.Background(), string(l.device))

	l.mu.Lock()
	var fx effects
	if l.state == Finalizing {
		l.setState(&fx, Idle)
		l.afterCapture(&fx)
	}
	l.mu.Unlock()
	fx.run()
}

// deliver invokes the utterance callback exactly once. Errors and panics are
// logged; they never reach the engine.
func (l *Loop) deliver(job *finalizeJob) {
	if job.cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("turn: utterance callback panicked", "panic", r)
		}
	}()
	if err := job.cb(job.text, true); err != nil {
		l.log.Error("turn: utterance callback failed", "err", err)
	}
}

// afterCapture runs once the loop is Idle after an engine session: it honours
// a deferred start immediately, otherwise schedules the continuous restart.
// Must be called with l.mu held.
func (l *Loop) afterCapture(fx *effects) {
	if l.speaking || l.cb == nil {
		return
	}
	switch {
	case l.armed:
		l.armed = false
		if err := l.startEngine(fx); err != nil {
			l.log.Warn("turn: deferred capture start failed", "err", err)
		}
	case l.continuous:
		l.scheduleRestart(l.timing.Restart, 0)
	}
}

// startEngine creates and starts a new engine generation. Must be called
// with l.mu held.
func (l *Loop) startEngine(fx *effects) error {
	if l.factory == nil {
		return ErrEngineUnavailable
	}
	l.gen++
	sink := &Sink{loop: l, gen: l.gen}
	eng, err := l.factory(l.opts.Lang, sink)
	if err == nil {
		err = eng.Start()
	}
	if err != nil {
		err = fmt.Errorf("turn: start capture: %w", err)
		fx.publish(l.bus, events.Event{Type: events.CaptureError, Err: err})
		return err
	}
	l.engine = eng
	l.interim, l.final = "", ""
	l.setState(fx, Listening)
	fx.publish(l.bus, events.Event{Type: events.CaptureStarted})
	return nil
}

// releaseEngine drops the current engine, its accumulators and its silence
// timer. stop asks the engine to stop; it is false when the engine already
// ended on its own. Must be called with l.mu held.
func (l *Loop) releaseEngine(fx *effects, stop bool) {
	l.stopSilence()
	l.interim, l.final = "", ""
	if l.engine == nil {
		return
	}
	eng := l.engine
	l.engine = nil
	l.gen++
	if stop {
		fx.add(eng.Stop)
	}
	fx.publish(l.bus, events.Event{Type: events.CaptureStopped})
}

func (l *Loop) armSilence(gen uint64) {
	l.stopSilence()
	seq := l.silenceSeq
	l.silence = l.clock.AfterFunc(l.timing.Silence, func() { l.silenceElapsed(gen, seq) })
}

func (l *Loop) stopSilence() {
	l.silenceSeq++
	if l.silence != nil {
		l.silence.Stop()
		l.silence = nil
	}
}

func (l *Loop) scheduleRestart(delay time.Duration, attempt int) {
	l.cancelRestart()
	seq := l.restartSeq
	l.restart = l.clock.AfterFunc(delay, func() { l.restartElapsed(seq, attempt) })
}

func (l *Loop) cancelRestart() {
	l.restartSeq++
	if l.restart != nil {
		l.restart.Stop()
		l.restart = nil
	}
}

func (l *Loop) setState(fx *effects, s State) {
	if l.state == s {
		return
	}
	l.state = s
	if l.onState != nil {
		fx.add(func() { l.onState(s) })
	}
}

func (l *Loop) publish(e events.Event) {
	if l.bus != nil {
		l.bus.Publish(e)
	}
}

// normalize joins the final and interim text and collapses whitespace.
func normalize(final, interim string) string {
	return strings.Join(strings.Fields(final+" "+interim), " ")
}

// effects collects side effects decided under the lock and run after it is
// released, in order.
type effects []func()

func (fx *effects) add(f func()) { *fx = append(*fx, f) }

func (fx *effects) publish(bus *events.Bus, e events.Event) {
	if bus != nil {
		fx.add(func() { bus.Publish(e) })
	}
}

func (fx effects) run() {
	for _, f := range fx {
		f()
	}
}
