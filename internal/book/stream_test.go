package book

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamSubscribePublish(t *testing.T) {
	s := NewStream[int]()

	var got []int
	unsub := s.Subscribe(func(v int) { got = append(got, v) })

	s.Publish(1)
	s.Publish(2)
	assert.Equal(t, []int{1, 2}, got)
	assert.Equal(t, 1, s.SubscriberCount())

	unsub()
	s.Publish(3)
	assert.Equal(t, []int{1, 2}, got)
	assert.Zero(t, s.SubscriberCount())

	// Unsubscribing twice is harmless.
	unsub()
}

func TestStreamFanOut(t *testing.T) {
	s := NewStream[string]()

	var a, b []string
	s.Subscribe(func(v string) { a = append(a, v) })
	s.Subscribe(func(v string) { b = append(b, v) })

	s.Publish("x")
	assert.Equal(t, []string{"x"}, a)
	assert.Equal(t, []string{"x"}, b)
}

func TestStreamPublishWithNoSubscribers(t *testing.T) {
	s := NewStream[int]()
	s.Publish(42)
	assert.Zero(t, s.SubscriberCount())
}

func TestStreamSubscribeDuringPublish(t *testing.T) {
	s := NewStream[int]()

	var late []int
	s.Subscribe(func(v int) {
		// Handlers may manage subscriptions; this must not deadlock.
		s.Subscribe(func(v int) { late = append(late, v) })
	})

	s.Publish(1)
	s.Publish(2)
	assert.Equal(t, 3, s.SubscriberCount())
	assert.Equal(t, []int{2}, late)
}

func TestStreamConcurrentSubscribers(t *testing.T) {
	s := NewStream[int]()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub := s.Subscribe(func(int) {})
			s.Publish(1)
			unsub()
		}()
	}
	wg.Wait()
	assert.Zero(t, s.SubscriberCount())
}
