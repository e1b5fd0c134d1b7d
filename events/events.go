// Package events provides typed publish/subscribe emitters for lifecycle
// notifications. One Emitter exists per event name; listeners are invoked
// in registration order, and a panicking listener never blocks its
// siblings or the emitting goroutine.
package events

import (
	"log/slog"
	"sync"
)

// ListenerID identifies a registered listener for removal.
type ListenerID uint64

// Emitter delivers values of type T to registered listeners.
// It is safe for concurrent use.
type Emitter[T any] struct {
	mu        sync.Mutex
	listeners []listener[T]
	nextID    ListenerID
	prime     func(notify func(T))
	logger    *slog.Logger
	name      string
}

type listener[T any] struct {
	id ListenerID
	fn func(T)
}

// Option configures an Emitter.
type Option[T any] func(*Emitter[T])

// WithLogger sets the logger used to report listener panics.
func WithLogger[T any](l *slog.Logger) Option[T] {
	return func(e *Emitter[T]) { e.logger = l }
}

// WithPrime registers a priming hook: when a new listener is added, the
// hook is invoked with a notify function that delivers synthetic events
// describing current state to that listener only. This lets boundary
// registrations learn about already-open surfaces or the currently
// attended surface, using the registration time as the event timestamp.
func WithPrime[T any](prime func(notify func(T))) Option[T] {
	return func(e *Emitter[T]) { e.prime = prime }
}

// New creates an Emitter. The name appears in panic diagnostics.
func New[T any](name string, opts ...Option[T]) *Emitter[T] {
	e := &Emitter[T]{name: name, logger: slog.Default()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// AddListener registers fn and returns its ID. If a priming hook is set,
// fn may be invoked synchronously before AddListener returns.
func (e *Emitter[T]) AddListener(fn func(T)) ListenerID {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, listener[T]{id: id, fn: fn})
	prime := e.prime
	e.mu.Unlock()

	if prime != nil {
		prime(func(v T) { e.deliver(fn, v) })
	}
	return id
}

// RemoveListener unregisters a listener. Removing an unknown ID is a no-op.
func (e *Emitter[T]) RemoveListener(id ListenerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return
		}
	}
}

// HasListeners reports whether any listener is registered.
func (e *Emitter[T]) HasListeners() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners) > 0
}

// Emit delivers v to every listener in registration order.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	snapshot := make([]listener[T], len(e.listeners))
	copy(snapshot, e.listeners)
	e.mu.Unlock()

	for _, l := range snapshot {
		e.deliver(l.fn, v)
	}
}

func (e *Emitter[T]) deliver(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("events: listener panic", "event", e.name, "panic", r)
		}
	}()
	fn(v)
}
