package service

import (
	"slices"
	"sync"

	"chargehold/pkg/logger"
)

type listener[T any] struct {
	id int
	fn func(T)
}

// listeners is an ordered callback list. Callbacks run in registration order.
type listeners[T any] struct {
	mu      sync.Mutex
	next    int
	entries []listener[T]
}

// add registers fn and returns a func that removes it. Removing twice is a no-op.
func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.next++
	id := l.next
	l.entries = append(l.entries, listener[T]{id: id, fn: fn})

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.entries = slices.DeleteFunc(l.entries, func(e listener[T]) bool { return e.id == id })
	}
}

// notify calls every listener registered at the time of the call. A panicking
// listener is logged and does not stop the others.
func (l *listeners[T]) notify(log *logger.Logger, kind string, value T) {
	l.mu.Lock()
	entries := slices.Clone(l.entries)
	l.mu.Unlock()

	for _, e := range entries {
		func() {
			defer func() {
				if err := recover(); err != nil {
					log.Error("Reservation listener panicked", "listener", kind, "error", err)
				}
			}()
			e.fn(value)
		}()
	}
}
