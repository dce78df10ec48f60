package book

import (
	"sync"
	"time"
)

// periodicTask runs fn on a fixed interval until stopped. Each configuration
// change replaces the whole task, so two generations of the same timer never
// run concurrently.
type periodicTask struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func startPeriodic(interval time.Duration, fn func()) *periodicTask {
	t := &periodicTask{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-t.stop:
				return
			}
		}
	}()
	return t
}

// Stop signals cancellation without waiting. The goroutine exits as soon as
// any in-flight callback returns, which lets a callback stop its own timer
// without deadlocking. Idempotent.
func (t *periodicTask) Stop() {
	if t == nil {
		return
	}
	t.stopOnce.Do(func() { close(t.stop) })
}
