package storefront

import (
	"log/slog"
	"sync"
)

// Emitter is a typed fan-out of events to registered listeners.
// A panicking listener is recovered and logged; the others still run.
type Emitter[T any] struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[uint64]func(T)
	order     []uint64
	logger    *slog.Logger
	name      string
}

// NewEmitter creates an emitter; name shows up in panic logs
func NewEmitter[T any](name string, logger *slog.Logger) *Emitter[T] {
	if logger == nil {
		logger = DiscardLogger()
	}
	return &Emitter[T]{
		listeners: make(map[uint64]func(T)),
		logger:    logger,
		name:      name,
	}
}

// Subscribe registers fn and returns a func that removes it.
// The returned func is safe to call more than once.
func (e *Emitter[T]) Subscribe(fn func(T)) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[id] = fn
	e.order = append(e.order, id)
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.listeners, id)
			for i, v := range e.order {
				if v == id {
					e.order = append(e.order[:i], e.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit calls every listener in registration order on the caller's goroutine
func (e *Emitter[T]) Emit(v T) {
	e.mu.RLock()
	fns := make([]func(T), 0, len(e.order))
	for _, id := range e.order {
		fns = append(fns, e.listeners[id])
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		e.call(fn, v)
	}
}

// Len returns the number of registered listeners
func (e *Emitter[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}

func (e *Emitter[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Listener panicked",
				"function", "Emitter.Emit",
				"event", e.name,
				"panic", r)
		}
	}()
	fn(v)
}
