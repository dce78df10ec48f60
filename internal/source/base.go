package source

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/depthbook/internal/book"
)

// bufferControls is the slice of the Coalescer surface Base forwards
// configuration to.
type bufferControls interface {
	Enabled() bool
	SetEnabled(enabled bool)
	Interval() time.Duration
	SetInterval(d time.Duration)
}

// Base carries the parts of the book.Source contract that are identical
// across exchanges: the outbound streams, the buffering configuration and
// the reload gate. Concrete adapters embed it, attach their coalescer and
// implement LoadSnapshot and IsValid themselves.
type Base struct {
	logger *zap.Logger
	name   string

	snapshots *book.Stream[*book.SnapshotBulk]
	diffs     *book.Stream[[]*book.DiffBulk]

	// gate serializes snapshot reloads against buffer drains.
	gate sync.Mutex

	mu                  sync.Mutex
	buffer              bufferControls
	snapshotLoadEnabled bool
}

// NewBase constructs the shared adapter state for the named exchange.
func NewBase(name string, logger *zap.Logger) *Base {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Base{
		logger:              logger,
		name:                name,
		snapshots:           book.NewStream[*book.SnapshotBulk](),
		diffs:               book.NewStream[[]*book.DiffBulk](),
		snapshotLoadEnabled: true,
	}
}

// ExchangeName returns the venue identity.
func (b *Base) ExchangeName() string { return b.name }

// SnapshotStream is the push stream of full-replace bulks.
func (b *Base) SnapshotStream() *book.Stream[*book.SnapshotBulk] { return b.snapshots }

// DiffStream is the push stream of drained diff batches.
func (b *Base) DiffStream() *book.Stream[[]*book.DiffBulk] { return b.diffs }

// PublishSnapshot hands a snapshot bulk to subscribers.
func (b *Base) PublishSnapshot(bulk *book.SnapshotBulk) {
	b.snapshots.Publish(bulk)
}

// PublishDiffs hands a drained diff batch to subscribers.
func (b *Base) PublishDiffs(bulks []*book.DiffBulk) {
	b.diffs.Publish(bulks)
}

// Gate returns the mutex serializing snapshot reloads against drains.
// Concrete adapters hold it for the duration of LoadSnapshot.
func (b *Base) Gate() *sync.Mutex { return &b.gate }

// Logger returns the adapter logger.
func (b *Base) Logger() *zap.Logger { return b.logger }

// AttachBuffer binds the adapter's coalescer so buffer configuration has a
// single source of truth.
func (b *Base) AttachBuffer(buf bufferControls) {
	b.mu.Lock()
	b.buffer = buf
	b.mu.Unlock()
}

func (b *Base) BufferEnabled() bool {
	b.mu.Lock()
	buf := b.buffer
	b.mu.Unlock()
	if buf == nil {
		return false
	}
	return buf.Enabled()
}

func (b *Base) SetBufferEnabled(enabled bool) {
	b.mu.Lock()
	buf := b.buffer
	b.mu.Unlock()
	if buf != nil {
		buf.SetEnabled(enabled)
	}
}

func (b *Base) BufferInterval() time.Duration {
	b.mu.Lock()
	buf := b.buffer
	b.mu.Unlock()
	if buf == nil {
		return DefaultBufferInterval
	}
	return buf.Interval()
}

func (b *Base) SetBufferInterval(d time.Duration) {
	b.mu.Lock()
	buf := b.buffer
	b.mu.Unlock()
	if buf != nil {
		buf.SetInterval(d)
	}
}

func (b *Base) SnapshotLoadEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLoadEnabled
}

func (b *Base) SetSnapshotLoadEnabled(enabled bool) {
	b.mu.Lock()
	b.snapshotLoadEnabled = enabled
	b.mu.Unlock()
}
