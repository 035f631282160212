// Package events provides a listener registry that maps event names to ordered
// listener sets and dispatches payloads to them with per-listener failure isolation.
package events

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
)

// Event is one dispatched occurrence.
type Event struct {
	Name    string
	Payload any
}

// Listener receives events. A returned error is logged and otherwise ignored.
type Listener interface {
	HandleEvent(Event) error
}

// ListenerFunc adapts a plain function to Listener. Func values are not
// comparable, so register them through SubscribeFunc to get a removable handle.
type ListenerFunc func(Event) error

func (f ListenerFunc) HandleEvent(e Event) error { return f(e) }

// funcListener is the pointer handle returned by SubscribeFunc.
type funcListener struct {
	fn func(Event)
}

func (l *funcListener) HandleEvent(e Event) error {
	l.fn(e)
	return nil
}

// Handle returns a listener that only receives payloads of type T. Events whose
// payload has another type are skipped.
func Handle[T any](fn func(T)) Listener {
	return &typedListener[T]{fn: fn}
}

type typedListener[T any] struct {
	fn func(T)
}

func (l *typedListener[T]) HandleEvent(e Event) error {
	if v, ok := e.Payload.(T); ok {
		l.fn(v)
	}
	return nil
}

// Registry maps event names to listener sets. The zero value is not usable;
// call NewRegistry.
type Registry struct {
	mu        sync.RWMutex
	listeners map[string][]Listener
	logger    *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		listeners: make(map[string][]Listener),
		logger:    logger.With("component", "events"),
	}
}

// Subscribe adds l to the set for name and returns it. Adding a listener that
// is already registered for name has no effect.
func (r *Registry) Subscribe(name string, l Listener) Listener {
	if l == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.listeners[name] {
		if sameListener(existing, l) {
			return l
		}
	}
	r.listeners[name] = append(r.listeners[name], l)
	return l
}

// SubscribeFunc registers fn and returns the handle to pass to Unsubscribe.
func (r *Registry) SubscribeFunc(name string, fn func(Event)) Listener {
	return r.Subscribe(name, &funcListener{fn: fn})
}

// Unsubscribe removes l from the set for name.
func (r *Registry) Unsubscribe(name string, l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.listeners[name]
	for i, existing := range set {
		if sameListener(existing, l) {
			r.listeners[name] = append(set[:i:i], set[i+1:]...)
			break
		}
	}
	if len(r.listeners[name]) == 0 {
		delete(r.listeners, name)
	}
}

// UnsubscribeAll clears the listeners of the named events, or of every event
// when no name is given.
func (r *Registry) UnsubscribeAll(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(names) == 0 {
		r.listeners = make(map[string][]Listener)
		return
	}
	for _, name := range names {
		delete(r.listeners, name)
	}
}

// Count returns the number of listeners registered for name.
func (r *Registry) Count(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[name])
}

// Dispatch delivers payload to every listener registered for name when the call
// starts. A listener that returns an error or panics is logged and skipped.
func (r *Registry) Dispatch(name string, payload any) {
	r.mu.RLock()
	targets := make([]Listener, len(r.listeners[name]))
	copy(targets, r.listeners[name])
	r.mu.RUnlock()

	ev := Event{Name: name, Payload: payload}
	for _, l := range targets {
		if err := r.invoke(l, ev); err != nil {
			r.logger.Warn("listener failed",
				"event", name,
				"error", err)
		}
	}
}

func (r *Registry) invoke(l Listener, ev Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("listener panic: %v", rec)
		}
	}()
	return l.HandleEvent(ev)
}

// sameListener compares listeners without panicking on non-comparable dynamic
// types such as ListenerFunc.
func sameListener(a, b Listener) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
