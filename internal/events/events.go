// Package events is the per-session broadcast bus carrying the capture and
// speech signals other components subscribe to.
package events

import (
	"log/slog"
	"sync"
)

// Type identifies a signal.
type Type string

const (
	CaptureStarted Type = "capture.started"
	CaptureStopped Type = "capture.stopped"
	CaptureError   Type = "capture.error"
	SpeakStart     Type = "speak.start"
	SpeakStop      Type = "speak.stop"
)

// Event is one published signal.
type Event struct {
	Type Type

	// ID is the utterance ID for speak signals.
	ID string

	// Err is set for CaptureError.
	Err error

	// Permission marks a CaptureError that needs the user to grant
	// microphone access.
	Permission bool
}

// Handler receives events.
type Handler func(Event)

type subscription struct {
	id int
	fn Handler
}

// Bus delivers events synchronously, in subscription order, on the
// publishing goroutine. Handlers must not block. A panicking handler is
// logged and does not stop delivery to the others.
//
// All methods are safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Type][]subscription
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[Type][]subscription)}
}

// Subscribe registers fn for the given types and returns a function that
// removes the subscription. The returned function is idempotent.
func (b *Bus) Subscribe(fn Handler, types ...Type) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	for _, t := range types {
		b.subs[t] = append(b.subs[t], subscription{id: id, fn: fn})
	}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, t := range types {
				subs := b.subs[t]
				for i, s := range subs {
					if s.id == id {
						b.subs[t] = append(subs[:i:i], subs[i+1:]...)
						break
					}
				}
			}
		})
	}
}

// Publish delivers e to every handler subscribed to e.Type.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[e.Type]))
	copy(subs, b.subs[e.Type])
	b.mu.RUnlock()

	for _, s := range subs {
		deliver(s.fn, e)
	}
}

func deliver(fn Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("events: handler panicked", "type", e.Type, "panic", r)
		}
	}()
	fn(e)
}
