package book

import "sync"

// Stream is a minimal publish/subscribe fan-out scoped to one order book
// instance. Subscribers are invoked synchronously on the publisher's
// goroutine, outside of any book lock.
type Stream[T any] struct {
	mu   sync.RWMutex
	subs map[int]func(T)
	next int
}

// NewStream creates an empty stream.
func NewStream[T any]() *Stream[T] {
	return &Stream[T]{subs: make(map[int]func(T))}
}

// Subscribe registers fn and returns a function that removes the
// subscription. Unsubscribing twice is harmless.
func (s *Stream[T]) Subscribe(fn func(T)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Publish delivers v to every current subscriber.
func (s *Stream[T]) Publish(v T) {
	s.mu.RLock()
	handlers := make([]func(T), 0, len(s.subs))
	for _, fn := range s.subs {
		handlers = append(handlers, fn)
	}
	s.mu.RUnlock()

	for _, fn := range handlers {
		fn(v)
	}
}

// SubscriberCount reports the number of active subscriptions.
func (s *Stream[T]) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
