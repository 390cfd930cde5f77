// Package events provides in-process publish/subscribe signals used by the engine,
// the simulation clock and the pipeline to notify observers.
package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// Handler receives the value emitted by a Signal.
type Handler[T any] func(T)

// Subscription identifies a connected handler.
type Subscription uint64

type slot[T any] struct {
	id Subscription
	fn Handler[T]
}

// Signal is an ordered observer list for one notification.
// Emit invokes handlers synchronously, in connection order, on the caller's goroutine.
// A panicking handler is logged and does not prevent later handlers from running.
type Signal[T any] struct {
	name   string
	logger zerolog.Logger

	mu     sync.RWMutex
	nextID Subscription
	slots  []slot[T]
}

// NewSignal creates a named signal.
func NewSignal[T any](name string, logger zerolog.Logger) *Signal[T] {
	return &Signal[T]{
		name:   name,
		logger: logger.With().Str("signal", name).Logger(),
	}
}

// Name returns the signal name.
func (s *Signal[T]) Name() string {
	return s.name
}

// Connect registers fn and returns a subscription that can be passed to Disconnect.
func (s *Signal[T]) Connect(fn Handler[T]) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.slots = append(s.slots, slot[T]{id: s.nextID, fn: fn})
	return s.nextID
}

// Disconnect removes a handler. It reports whether the subscription was connected.
func (s *Signal[T]) Disconnect(id Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sl := range s.slots {
		if sl.id == id {
			s.slots = append(s.slots[:i:i], s.slots[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of connected handlers.
func (s *Signal[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

// Emit delivers v to every connected handler.
// Handlers may Connect or Disconnect during delivery; changes apply to the next Emit.
func (s *Signal[T]) Emit(v T) {
	s.mu.RLock()
	slots := make([]slot[T], len(s.slots))
	copy(slots, s.slots)
	s.mu.RUnlock()

	for _, sl := range slots {
		s.invoke(sl, v)
	}
}

func (s *Signal[T]) invoke(sl slot[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Uint64("subscription", uint64(sl.id)).
				Msg("Signal handler panicked")
		}
	}()
	sl.fn(v)
}
