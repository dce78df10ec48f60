// Package source provides the shared machinery exchange adapters build on:
// a buffering/coalescing layer that batches high-frequency raw messages, and
// a Base type owning the outbound snapshot/diff streams.
package source

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/depthbook/pkg/metrics"
)

// DefaultBufferInterval is how often the drain goroutine wakes when
// buffering is enabled.
const DefaultBufferInterval = 10 * time.Millisecond

// Coalescer absorbs a high-frequency stream of raw adapter messages and
// delivers them downstream in batches, bounding CPU from "publish on every
// packet" to "publish on every interval".
//
// The queue lock is distinct from any book lock so producers are never
// blocked by a slow consumer. The reload gate is shared with the snapshot
// reload path: a drain and a reload can never interleave, so the book never
// applies a diff against a half-replaced snapshot.
type Coalescer[R any, B any] struct {
	logger   *zap.Logger
	convert  func([]R) []B
	publish  func([]B)
	gate     *sync.Mutex

	mu       sync.Mutex
	queue    []R
	enabled  bool
	interval time.Duration
	signal   chan struct{}

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewCoalescer wires a coalescer to its conversion function, downstream
// publisher and reload gate.
func NewCoalescer[R any, B any](logger *zap.Logger, interval time.Duration, gate *sync.Mutex, convert func([]R) []B, publish func([]B)) *Coalescer[R, B] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultBufferInterval
	}
	return &Coalescer[R, B]{
		logger:   logger,
		convert:  convert,
		publish:  publish,
		gate:     gate,
		enabled:  true,
		interval: interval,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start launches the drain goroutine. Subsequent calls are no-ops.
func (c *Coalescer[R, B]) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		go c.drainLoop(ctx)
	})
}

// Push enqueues one raw message. With buffering disabled the message is
// converted and published synchronously on the caller's goroutine.
func (c *Coalescer[R, B]) Push(raw R) {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		c.deliver([]R{raw})
		return
	}
	c.queue = append(c.queue, raw)
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// Enabled reports whether buffering is on.
func (c *Coalescer[R, B]) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// SetEnabled toggles buffering at runtime.
func (c *Coalescer[R, B]) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()
}

// Interval returns the drain interval.
func (c *Coalescer[R, B]) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// SetInterval replaces the drain interval; it takes effect on the next wake.
func (c *Coalescer[R, B]) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.interval = d
	c.mu.Unlock()
}

// Close stops the drain goroutine and waits for it to exit. Messages still
// queued are dropped; callers shutting down have no consumer for them.
func (c *Coalescer[R, B]) Close() {
	c.startOnce.Do(func() {
		// Never started; nothing to wait for.
		close(c.done)
	})
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

func (c *Coalescer[R, B]) drainLoop(ctx context.Context) {
	defer close(c.done)
	for {
		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		interval := c.interval
		c.mu.Unlock()

		if len(batch) == 0 {
			// Idle: block until a producer signals instead of busy-spinning.
			select {
			case <-ctx.Done():
				return
			case <-c.signal:
			}
			continue
		}

		metrics.DrainBatchSize.Observe(float64(len(batch)))
		c.deliver(batch)

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// deliver converts and publishes one batch under the reload gate.
func (c *Coalescer[R, B]) deliver(batch []R) {
	c.gate.Lock()
	defer c.gate.Unlock()
	out := c.convert(batch)
	if len(out) > 0 {
		c.publish(out)
	}
}
