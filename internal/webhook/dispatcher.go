package webhook

import (
	"context"
	"fmt"
	"sync"
)

// HandlerFunc applies the side effects of one event. Returning an AppError
// with an upstream_* code marks the failure as transient.
type HandlerFunc func(ctx context.Context, ev Event) error

// Dispatcher maps event kinds to handlers. Registration normally happens once
// at startup, but it is safe for concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[EventKind]HandlerFunc
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[EventKind]HandlerFunc)}
}

// Register binds fn to kind. Registering a kind twice panics; it is a wiring
// bug.
func (d *Dispatcher) Register(kind EventKind, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[kind]; exists {
		panic(fmt.Sprintf("webhook: handler already registered for %s", kind))
	}
	d.handlers[kind] = fn
}

// Handler returns the handler for kind, if any.
func (d *Dispatcher) Handler(kind EventKind) (HandlerFunc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn, ok := d.handlers[kind]
	return fn, ok
}

// Kinds returns the registered kinds in no particular order.
func (d *Dispatcher) Kinds() []EventKind {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]EventKind, 0, len(d.handlers))
	for k := range d.handlers {
		out = append(out, k)
	}
	return out
}
