package book

import (
	"context"
	"time"
)

// SnapshotBulk is a full replacement of the book state for one or more
// pairs multiplexed over a single source.
type SnapshotBulk struct {
	ExchangeName    string
	Levels          []*Level
	ServerSequence  *int64
	ServerTimestamp *time.Time
}

// DiffBulk is one incremental operation against the current book state.
type DiffBulk struct {
	ExchangeName    string
	Action          Action
	Levels          []*Level
	ServerSequence  *int64
	ServerTimestamp *time.Time
}

// Source is the contract an exchange adapter fulfils. The book depends only
// on this interface, never on a concrete adapter.
type Source interface {
	// ExchangeName identifies the venue, for logging and notifications.
	ExchangeName() string

	// SnapshotStream pushes full-replace bulks as they arrive.
	SnapshotStream() *Stream[*SnapshotBulk]

	// DiffStream pushes batches of diff bulks drained from the adapter's
	// buffering layer.
	DiffStream() *Stream[[]*DiffBulk]

	// LoadSnapshot requests a fresh snapshot for the pair. The result
	// re-enters through SnapshotStream. Implementations must not panic
	// across this boundary; failures are returned and logged by the caller.
	LoadSnapshot(ctx context.Context, pair string, maxCount int) error

	// IsValid reports the adapter's own liveness/consistency signal. It is
	// ANDed with the book's price-ordering check.
	IsValid() bool

	BufferEnabled() bool
	SetBufferEnabled(enabled bool)
	BufferInterval() time.Duration
	SetBufferInterval(d time.Duration)
	SnapshotLoadEnabled() bool
	SetSnapshotLoadEnabled(enabled bool)
}
