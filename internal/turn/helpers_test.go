package turn

import (
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manual Clock. Timers fire only inside Advance, on the
// calling goroutine, in deadline order.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward by d, firing every timer that comes due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due []*fakeTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && t.at <= target {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		sort.SliceStable(due, func(i, j int) bool { return due[i].at < due[j].at })
		next := due[0]
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
	}
}

// Pending returns the number of armed timers.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// fakeEngine records Start/Stop calls.
type fakeEngine struct {
	lang    string
	sink    *Sink
	started int
	stopped int
}

func (e *fakeEngine) Start() error { e.started++; return nil }
func (e *fakeEngine) Stop()        { e.stopped++ }

// engines is a factory that records every engine it creates. failures makes
// the next n creations fail.
type engines struct {
	mu       sync.Mutex
	created  []*fakeEngine
	calls    int
	failures int
}

func (f *engines) factory(lang string, sink *Sink) (Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("recognizer busy")
	}
	e := &fakeEngine{lang: lang, sink: sink}
	f.created = append(f.created, e)
	return e, nil
}

func (f *engines) last(t *testing.T) *fakeEngine {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		t.Fatal("no engine created")
	}
	return f.created[len(f.created)-1]
}

func (f *engines) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// recorder collects utterances.
type recorder struct {
	mu    sync.Mutex
	texts []string
}

func (r *recorder) cb(text string, final bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !final {
		return errors.New("non-final utterance delivered")
	}
	r.texts = append(r.texts, text)
	return nil
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

var testTiming = Timing{
	Silence: 1500 * time.Millisecond,
	Restart: 300 * time.Millisecond,
	Retry:   1000 * time.Millisecond,
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
