package book

import (
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/depthbook/pkg/metrics"
)

const (
	// PriceEpsilon tolerates floating-point noise in quote comparisons.
	PriceEpsilon = 1e-8

	DefaultSnapshotReloadTimeout = time.Minute
	DefaultValidityCheckTimeout  = 5 * time.Second
	DefaultValidityCheckLimit    = 6

	defaultSnapshotMaxCount = 1000
	reloadCallTimeout       = 30 * time.Second
)

// Book is a continuously reconciled order book for one trading pair. It
// subscribes to a source's snapshot and diff streams for its lifetime and
// exposes a thread-safe read view plus layered change notifications.
//
// All mutation of the level store, the cached best-quote scalars and the
// top-N double buffer happens under one mutex. Notifications are published
// after the lock is released, using quotes captured around the mutation, so
// a slow subscriber cannot stall reconciliation.
type Book struct {
	logger       *zap.Logger
	source       Source
	pair         string
	pairOriginal string

	mu             sync.Mutex
	store          *Store
	quotes         Quotes
	snapshotLoaded bool
	prevLadder     *Ladder

	cfgMu                     sync.Mutex
	snapshotReloadTimeout     time.Duration
	snapshotReloadEnabled     bool
	validityCheckTimeout      time.Duration
	validityCheckEnabled      bool
	validityCheckLimit        int
	invalidStreak             int
	debugEnabled              bool
	indexEnabled              bool
	ignoreDiffsBeforeSnapshot bool
	notifyLevelAndAbove       int
	reloading                 bool
	reloadTask                *periodicTask
	validityTask              *periodicTask

	anyChange      *Stream[*Change]
	bidAskChange   *Stream[*Change]
	topLevelChange *Stream[*Change]
	topNChange     *Stream[*Change]

	closed        atomic.Bool
	unsubSnapshot func()
	unsubDiffs    func()
}

// New constructs a book for the pair and subscribes it to the source. A
// blank pair or nil source is a caller bug and fails fast; everything the
// feed itself does wrong later is absorbed and logged instead.
func New(pair string, source Source, logger *zap.Logger) (*Book, error) {
	if strings.TrimSpace(pair) == "" {
		return nil, errors.New("book: pair must not be empty")
	}
	if source == nil {
		return nil, errors.New("book: source must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	normalized := NormalizePair(pair)
	b := &Book{
		logger:       logger,
		source:       source,
		pair:         normalized,
		pairOriginal: pair,
		store:        NewStore(normalized, logger),

		snapshotReloadTimeout:     DefaultSnapshotReloadTimeout,
		snapshotReloadEnabled:     false,
		validityCheckTimeout:      DefaultValidityCheckTimeout,
		validityCheckEnabled:      true,
		validityCheckLimit:        DefaultValidityCheckLimit,
		ignoreDiffsBeforeSnapshot: true,

		anyChange:      NewStream[*Change](),
		bidAskChange:   NewStream[*Change](),
		topLevelChange: NewStream[*Change](),
		topNChange:     NewStream[*Change](),
	}

	b.unsubSnapshot = source.SnapshotStream().Subscribe(b.receiveSnapshot)
	b.unsubDiffs = source.DiffStream().Subscribe(b.receiveDiffs)

	b.cfgMu.Lock()
	b.restartTimersLocked()
	b.cfgMu.Unlock()

	logger.Info("order book created",
		zap.String("pair", normalized),
		zap.String("exchange", source.ExchangeName()))
	return b, nil
}

// NormalizePair uppercases the pair and strips common separators so that
// "btc/usdt", "BTC-USDT" and "BTCUSDT" address the same book.
func NormalizePair(pair string) string {
	r := strings.NewReplacer("/", "", "-", "", "_", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(pair)))
}

// receiveSnapshot applies a full-replace bulk. Bulks may be multiplexed
// across pairs sharing one source; levels for other pairs are ignored.
func (b *Book) receiveSnapshot(bulk *SnapshotBulk) {
	if b.closed.Load() || bulk == nil {
		return
	}
	levels := b.filterPair(bulk.Levels)
	if len(levels) == 0 {
		return
	}
	debug, indexEnabled, topN, _ := b.configView()

	b.mu.Lock()
	old := b.quotes
	b.store.ApplySnapshot(levels)
	if indexEnabled {
		b.store.FillRankIndexes()
	}
	b.recomputeQuotesLocked()
	b.snapshotLoaded = true
	now := b.quotes
	ladder, topNFired := b.evalTopNLocked(topN, topLevelChanged(old, now))
	b.mu.Unlock()

	metrics.SnapshotsApplied.WithLabelValues(b.pair).Inc()
	b.logger.Debug("snapshot applied",
		zap.String("pair", b.pair),
		zap.Int("levels", len(levels)),
		zap.Float64("bid", now.BidPrice),
		zap.Float64("ask", now.AskPrice))

	b.emit(old, now, levels, nil, true, ladder, topNFired, debug)
}

// receiveDiffs applies one drained batch of diff bulks. The whole batch is
// applied under a single lock acquisition, best quotes are recomputed once,
// and exactly one notification per stream fires for the batch.
func (b *Book) receiveDiffs(bulks []*DiffBulk) {
	if b.closed.Load() || len(bulks) == 0 {
		return
	}
	filtered := make([]*DiffBulk, 0, len(bulks))
	for _, blk := range bulks {
		if blk == nil {
			continue
		}
		levels := b.filterPair(blk.Levels)
		if len(levels) == 0 {
			continue
		}
		if len(levels) == len(blk.Levels) {
			filtered = append(filtered, blk)
			continue
		}
		cp := *blk
		cp.Levels = levels
		filtered = append(filtered, &cp)
	}
	if len(filtered) == 0 {
		return
	}
	debug, indexEnabled, topN, ignoreBefore := b.configView()

	b.mu.Lock()
	if ignoreBefore && !b.snapshotLoaded {
		b.mu.Unlock()
		b.logger.Debug("dropping diff batch received before snapshot",
			zap.String("pair", b.pair), zap.Int("bulks", len(filtered)))
		return
	}

	old := b.quotes
	var affected []*Level
	for _, blk := range filtered {
		switch blk.Action {
		case ActionInsert, ActionUpdate:
			for _, l := range blk.Levels {
				if stored, ok := b.store.Upsert(l); ok {
					affected = append(affected, stored)
				}
			}
		case ActionDelete:
			for _, l := range blk.Levels {
				if removed, ok := b.store.Delete(l); ok {
					affected = append(affected, removed)
				}
			}
		default:
			b.logger.Debug("ignoring diff bulk with undefined action",
				zap.String("pair", b.pair))
			continue
		}
		metrics.DiffBulksApplied.WithLabelValues(b.pair, blk.Action.String()).Inc()
	}
	if indexEnabled {
		b.store.FillRankIndexes()
	}
	b.recomputeQuotesLocked()
	now := b.quotes
	ladder, topNFired := b.evalTopNLocked(topN, topLevelChanged(old, now))
	b.mu.Unlock()

	b.emit(old, now, affected, filtered, false, ladder, topNFired, debug)
}

func (b *Book) filterPair(levels []*Level) []*Level {
	out := make([]*Level, 0, len(levels))
	for _, l := range levels {
		if l == nil {
			continue
		}
		// A blank pair means the source serves a single pair.
		if l.Pair == "" || NormalizePair(l.Pair) == b.pair {
			out = append(out, l)
		}
	}
	return out
}

func (b *Book) recomputeQuotesLocked() {
	if l, amount, ok := b.store.BestBid(); ok {
		b.quotes.BidPrice = l.PriceValue()
		b.quotes.BidAmount = amount
	} else {
		b.quotes.BidPrice = 0
		b.quotes.BidAmount = 0
	}
	if l, amount, ok := b.store.BestAsk(); ok {
		b.quotes.AskPrice = l.PriceValue()
		b.quotes.AskAmount = amount
	} else {
		b.quotes.AskPrice = 0
		b.quotes.AskAmount = 0
	}
}

// evalTopNLocked maintains the double-buffered top-N ladder and decides
// whether the top-N stream fires. On fire the buffers swap.
func (b *Book) evalTopNLocked(n int, upstreamFired bool) (*Ladder, bool) {
	if n <= 0 {
		return nil, false
	}
	curr := b.ladderLocked(n)
	fired := upstreamFired || laddersDiffer(b.prevLadder, curr)
	if !fired {
		return nil, false
	}
	b.prevLadder = curr
	return curr, true
}

// ladderLocked captures the first n valid quotes per side, best price first.
func (b *Book) ladderLocked(n int) *Ladder {
	ladder := &Ladder{
		Bids: make([]Quote, 0, n),
		Asks: make([]Quote, 0, n),
	}
	fill := func(side *sideLevels, out *[]Quote) {
		side.ordered(func(bkt *bucket) bool {
			for _, l := range bkt.levels {
				if l.PriceValue() <= 0 || l.AmountValue() <= 0 {
					continue
				}
				*out = append(*out, Quote{Price: l.PriceValue(), Amount: l.AmountValue()})
				if len(*out) >= n {
					return false
				}
			}
			return len(*out) < n
		})
	}
	fill(&b.store.bids, &ladder.Bids)
	fill(&b.store.asks, &ladder.Asks)
	return ladder
}

func laddersDiffer(prev, curr *Ladder) bool {
	if prev == nil {
		return true
	}
	return quotesDiffer(prev.Bids, curr.Bids) || quotesDiffer(prev.Asks, curr.Asks)
}

func quotesDiffer(a, c []Quote) bool {
	if len(a) != len(c) {
		return true
	}
	for i := range a {
		if math.Abs(a[i].Price-c[i].Price) > PriceEpsilon ||
			math.Abs(a[i].Amount-c[i].Amount) > PriceEpsilon {
			return true
		}
	}
	return false
}

func pricesChanged(old, now Quotes) bool {
	return math.Abs(old.BidPrice-now.BidPrice) > PriceEpsilon ||
		math.Abs(old.AskPrice-now.AskPrice) > PriceEpsilon
}

func topLevelChanged(old, now Quotes) bool {
	return pricesChanged(old, now) ||
		math.Abs(old.BidAmount-now.BidAmount) > PriceEpsilon ||
		math.Abs(old.AskAmount-now.AskAmount) > PriceEpsilon
}

// emit publishes layered notifications in fixed order: any-change always,
// top-of-book price on predicate 2, top level on predicate 3 (a superset of
// 2), top-N when the ladder evaluation fired.
func (b *Book) emit(old, now Quotes, affected []*Level, sources []*DiffBulk, fromSnapshot bool, ladder *Ladder, topNFired, debug bool) {
	if b.closed.Load() {
		return
	}
	ch := &Change{
		Pair:         b.pair,
		ExchangeName: b.source.ExchangeName(),
		Quotes:       now,
		Sources:      sources,
		FromSnapshot: fromSnapshot,
	}
	if debug {
		ch.Levels = make([]*Level, 0, len(affected))
		for _, l := range affected {
			ch.Levels = append(ch.Levels, l.Clone())
		}
	}

	b.anyChange.Publish(ch)
	if pricesChanged(old, now) {
		b.bidAskChange.Publish(ch)
	}
	if topLevelChanged(old, now) {
		b.topLevelChange.Publish(ch)
	}
	if topNFired {
		nch := *ch
		nch.Ladder = ladder
		b.topNChange.Publish(&nch)
	}
}

// AnyChangeStream fires once per reconciliation batch, unconditionally.
func (b *Book) AnyChangeStream() *Stream[*Change] { return b.anyChange }

// BidAskChangedStream fires when the top-of-book price moved beyond epsilon.
func (b *Book) BidAskChangedStream() *Stream[*Change] { return b.bidAskChange }

// TopLevelChangedStream fires when the top-of-book price or amount moved.
func (b *Book) TopLevelChangedStream() *Stream[*Change] { return b.topLevelChange }

// TopNChangedStream fires when any of the first N quotes per side moved.
// Inactive until SetNotifyLevelAndAbove is called with a positive N.
func (b *Book) TopNChangedStream() *Stream[*Change] { return b.topNChange }

// Pair returns the normalized target pair.
func (b *Book) Pair() string { return b.pair }

// PairOriginal returns the pair exactly as supplied by the caller.
func (b *Book) PairOriginal() string { return b.pairOriginal }

// BidPrice returns the cached best bid price, 0 when the side is empty.
func (b *Book) BidPrice() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.quotes.BidPrice
}

// AskPrice returns the cached best ask price, 0 when the side is empty.
func (b *Book) AskPrice() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.quotes.AskPrice
}

// MidPrice returns the midpoint of the cached best quotes.
func (b *Book) MidPrice() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.quotes.MidPrice()
}

// BidAmount returns the aggregated amount resting at the best bid.
func (b *Book) BidAmount() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.quotes.BidAmount
}

// AskAmount returns the aggregated amount resting at the best ask.
func (b *Book) AskAmount() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.quotes.AskAmount
}

// BidLevels returns all bid levels, best price first.
func (b *Book) BidLevels() []*Level {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.BidLevels()
}

// AskLevels returns all ask levels, best price first.
func (b *Book) AskLevels() []*Level {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.AskLevels()
}

// Levels returns the concatenation of bid and ask levels.
func (b *Book) Levels() []*Level {
	b.mu.Lock()
	defer b.mu.Unlock()
	bids := b.store.BidLevels()
	asks := b.store.AskLevels()
	return append(bids, asks...)
}

// FindBidLevelByPrice returns the first bid level at the price, nil if none.
func (b *Book) FindBidLevelByPrice(price float64) *Level {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.FindByPrice(SideBid, price)
}

// FindAskLevelByPrice returns the first ask level at the price, nil if none.
func (b *Book) FindAskLevelByPrice(price float64) *Level {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.FindByPrice(SideAsk, price)
}

// FindBidLevelByID returns the bid level with the id, nil if none.
func (b *Book) FindBidLevelByID(id string) *Level {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.FindByID(SideBid, id)
}

// FindAskLevelByID returns the ask level with the id, nil if none.
func (b *Book) FindAskLevelByID(id string) *Level {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.FindByID(SideAsk, id)
}

// SnapshotLoaded reports whether a snapshot has been applied yet.
func (b *Book) SnapshotLoaded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLoaded
}

// IsValid reports whether the best bid does not cross the best ask and the
// source considers itself healthy. Transient invalidity is expected; the
// validity-check timer applies hysteresis before forcing a reload.
func (b *Book) IsValid() bool {
	b.mu.Lock()
	q := b.quotes
	b.mu.Unlock()
	return q.BidPrice <= q.AskPrice+PriceEpsilon && b.source.IsValid()
}

func (b *Book) configView() (debug, index bool, topN int, ignoreBefore bool) {
	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()
	return b.debugEnabled, b.indexEnabled, b.notifyLevelAndAbove, b.ignoreDiffsBeforeSnapshot
}

// SetDebugEnabled toggles attaching cloned affected levels to notifications.
func (b *Book) SetDebugEnabled(enabled bool) {
	b.cfgMu.Lock()
	b.debugEnabled = enabled
	b.cfgMu.Unlock()
}

// SetIndexComputationEnabled toggles the lazily computed rank index.
func (b *Book) SetIndexComputationEnabled(enabled bool) {
	b.cfgMu.Lock()
	b.indexEnabled = enabled
	b.cfgMu.Unlock()
}

// SetIgnoreDiffsBeforeSnapshot controls the premature-diff drop policy.
// Default true; diffs applied without a base snapshot corrupt the book.
func (b *Book) SetIgnoreDiffsBeforeSnapshot(ignore bool) {
	b.cfgMu.Lock()
	b.ignoreDiffsBeforeSnapshot = ignore
	b.cfgMu.Unlock()
}

// SetNotifyLevelAndAbove enables the top-N stream for the first n levels per
// side; n <= 0 disables it.
func (b *Book) SetNotifyLevelAndAbove(n int) {
	b.cfgMu.Lock()
	b.notifyLevelAndAbove = n
	b.cfgMu.Unlock()
	b.mu.Lock()
	b.prevLadder = nil
	b.mu.Unlock()
}

// Close unsubscribes from the source and stops all timers. Idempotent. No
// notification is emitted after Close returns.
func (b *Book) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.unsubSnapshot()
	b.unsubDiffs()
	b.cfgMu.Lock()
	reload, validity := b.reloadTask, b.validityTask
	b.reloadTask, b.validityTask = nil, nil
	b.cfgMu.Unlock()
	reload.Stop()
	validity.Stop()
	b.logger.Info("order book closed", zap.String("pair", b.pair))
}
