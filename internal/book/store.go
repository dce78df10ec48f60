package book

import (
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/Aidin1998/depthbook/pkg/metrics"
)

// bucket holds every level resting at one price. L2 feeds keep a single
// level per bucket; L3 feeds append in arrival order, which doubles as the
// rank within the price.
type bucket struct {
	price  float64
	levels []*Level
}

func (b *bucket) find(id string) int {
	for i, l := range b.levels {
		if l.ID == id {
			return i
		}
	}
	return -1
}

func (b *bucket) remove(i int) {
	copy(b.levels[i:], b.levels[i+1:])
	b.levels = b.levels[:len(b.levels)-1]
}

// sideLevels is one half of the store: a price-ordered index and an
// id-keyed index over the same ownership set.
type sideLevels struct {
	side   Side
	prices *btree.Map[float64, *bucket]
	byID   map[string]*Level
}

func newSideLevels(side Side) sideLevels {
	return sideLevels{
		side:   side,
		prices: btree.NewMap[float64, *bucket](32),
		byID:   make(map[string]*Level),
	}
}

func (s *sideLevels) clear() {
	s.prices = btree.NewMap[float64, *bucket](32)
	s.byID = make(map[string]*Level)
}

func (s *sideLevels) addToBucket(l *Level) {
	price := *l.Price
	bkt, ok := s.prices.Get(price)
	if !ok {
		bkt = &bucket{price: price}
		s.prices.Set(price, bkt)
	}
	bkt.levels = append(bkt.levels, l)
}

func (s *sideLevels) removeFromBucket(price float64, id string) *Level {
	bkt, ok := s.prices.Get(price)
	if !ok {
		return nil
	}
	i := bkt.find(id)
	if i < 0 {
		return nil
	}
	removed := bkt.levels[i]
	bkt.remove(i)
	if len(bkt.levels) == 0 {
		s.prices.Delete(price)
	}
	return removed
}

// best returns the top-of-book bucket: highest price for bids, lowest for
// asks.
func (s *sideLevels) best() (*bucket, bool) {
	var found *bucket
	iter := func(price float64, bkt *bucket) bool {
		found = bkt
		return false
	}
	if s.side == SideBid {
		s.prices.Reverse(iter)
	} else {
		s.prices.Scan(iter)
	}
	return found, found != nil
}

// ordered walks buckets best-price-first.
func (s *sideLevels) ordered(fn func(*bucket) bool) {
	iter := func(price float64, bkt *bucket) bool { return fn(bkt) }
	if s.side == SideBid {
		s.prices.Reverse(iter)
	} else {
		s.prices.Scan(iter)
	}
}

// Store owns both indices for both sides. Its mutation entry points
// (ApplySnapshot, Upsert, Delete) are the only way the indices change, which
// keeps them consistent by construction. The store itself is not
// goroutine-safe; the owning book serializes access.
type Store struct {
	logger *zap.Logger
	pair   string
	bids   sideLevels
	asks   sideLevels
}

// NewStore creates an empty store for one pair.
func NewStore(pair string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		logger: logger,
		pair:   pair,
		bids:   newSideLevels(SideBid),
		asks:   newSideLevels(SideAsk),
	}
}

func (s *Store) side(sd Side) *sideLevels {
	if sd == SideBid {
		return &s.bids
	}
	return &s.asks
}

// ApplySnapshot clears both sides and inserts the valid subset of levels.
// Invalid entries are dropped with a diagnostic; the feed is noisy and a bad
// entry must never halt processing.
func (s *Store) ApplySnapshot(levels []*Level) {
	s.bids.clear()
	s.asks.clear()

	for _, l := range levels {
		if !s.validate(l) {
			continue
		}
		side := s.side(l.Side)
		if _, dup := side.byID[l.ID]; dup {
			s.logger.Debug("duplicate level id in snapshot, skipping",
				zap.String("pair", s.pair), zap.String("id", l.ID))
			continue
		}
		s.initInsertDeltas(l)
		side.addToBucket(l)
		side.byID[l.ID] = l
	}
}

// Upsert inserts a new level or merges an update into the existing one.
// Returns the stored level and whether anything was applied.
func (s *Store) Upsert(incoming *Level) (*Level, bool) {
	if incoming == nil || incoming.hasBlankID() || incoming.Side == SideUndefined {
		s.drop(incoming, "blank id or undefined side")
		return nil, false
	}
	side := s.side(incoming.Side)
	existing, ok := side.byID[incoming.ID]
	if !ok {
		return s.insert(side, incoming)
	}
	s.merge(side, existing, incoming)
	return existing, true
}

func (s *Store) insert(side *sideLevels, l *Level) (*Level, bool) {
	if !s.validate(l) {
		return nil, false
	}
	s.initInsertDeltas(l)
	side.addToBucket(l)
	side.byID[l.ID] = l
	return l, true
}

// merge applies coalesce-preserve semantics: stored fields survive where the
// incoming level carries nil, and deltas are computed against the previous
// stored values.
func (s *Store) merge(side *sideLevels, existing, incoming *Level) {
	oldAmount := existing.AmountValue()
	oldCount := existing.CountValue()

	if incoming.Price != nil && *incoming.Price != *existing.Price {
		if *incoming.Price < 0 {
			s.drop(incoming, "negative price")
			return
		}
		side.removeFromBucket(*existing.Price, existing.ID)
		v := *incoming.Price
		existing.Price = &v
		side.addToBucket(existing)
	}
	if incoming.Amount != nil {
		v := *incoming.Amount
		existing.Amount = &v
	}
	if incoming.Count != nil {
		v := *incoming.Count
		existing.Count = &v
	}
	if incoming.Pair != "" {
		existing.Pair = incoming.Pair
	}

	existing.AmountDelta = existing.AmountValue() - oldAmount
	existing.AmountDeltaAggregated += existing.AmountDelta
	existing.CountDelta = existing.CountValue() - oldCount
	existing.CountDeltaAggregated += existing.CountDelta
	existing.UpdateCount++
}

// Delete removes a level. The supplied price is tried first; when it is
// absent or does not resolve, the id index discovers the stored price.
// Deleting an unknown id is a no-op: exchanges routinely send redundant
// deletes.
func (s *Store) Delete(incoming *Level) (*Level, bool) {
	if incoming == nil || incoming.Side == SideUndefined {
		return nil, false
	}
	side := s.side(incoming.Side)

	if incoming.Price != nil {
		if removed := side.removeFromBucket(*incoming.Price, incoming.ID); removed != nil {
			delete(side.byID, removed.ID)
			return removed, true
		}
		// Price supplied but no id match: an L2 delete addresses the whole
		// price bucket.
		if incoming.hasBlankID() {
			if bkt, ok := side.prices.Get(*incoming.Price); ok {
				for _, l := range bkt.levels {
					delete(side.byID, l.ID)
				}
				side.prices.Delete(*incoming.Price)
				if len(bkt.levels) > 0 {
					return bkt.levels[0], true
				}
			}
			return nil, false
		}
	}

	stored, ok := side.byID[incoming.ID]
	if !ok || stored.Price == nil {
		return nil, false
	}
	if removed := side.removeFromBucket(*stored.Price, stored.ID); removed != nil {
		delete(side.byID, removed.ID)
		return removed, true
	}
	return nil, false
}

// FillRankIndexes assigns each level its position in the side's
// best-price-first ordering. A level that already carries an index keeps it;
// the index is an opt-in cache with a documented staleness contract, not a
// live view.
func (s *Store) FillRankIndexes() {
	for _, side := range []*sideLevels{&s.bids, &s.asks} {
		i := 0
		side.ordered(func(bkt *bucket) bool {
			for _, l := range bkt.levels {
				if l.RankIndex == nil {
					idx := i
					l.RankIndex = &idx
				}
				i++
			}
			return true
		})
	}
}

// BestBid returns the highest-priced bid level, nil when the side is empty.
// For L3 buckets the first level at the best price is returned and the
// amount aggregates the whole bucket.
func (s *Store) BestBid() (*Level, float64, bool) {
	return bestOf(&s.bids)
}

// BestAsk returns the lowest-priced ask level.
func (s *Store) BestAsk() (*Level, float64, bool) {
	return bestOf(&s.asks)
}

func bestOf(side *sideLevels) (*Level, float64, bool) {
	bkt, ok := side.best()
	if !ok || len(bkt.levels) == 0 {
		return nil, 0, false
	}
	total := 0.0
	for _, l := range bkt.levels {
		total += l.AmountValue()
	}
	return bkt.levels[0], total, true
}

// BidLevels returns all bid levels, best price first.
func (s *Store) BidLevels() []*Level {
	return collect(&s.bids)
}

// AskLevels returns all ask levels, best price first.
func (s *Store) AskLevels() []*Level {
	return collect(&s.asks)
}

func collect(side *sideLevels) []*Level {
	out := make([]*Level, 0, len(side.byID))
	side.ordered(func(bkt *bucket) bool {
		out = append(out, bkt.levels...)
		return true
	})
	return out
}

// FindByPrice returns the first level resting at the price, nil if none.
func (s *Store) FindByPrice(sd Side, price float64) *Level {
	bkt, ok := s.side(sd).prices.Get(price)
	if !ok || len(bkt.levels) == 0 {
		return nil
	}
	return bkt.levels[0]
}

// FindByID returns the level with the id, nil if none.
func (s *Store) FindByID(sd Side, id string) *Level {
	return s.side(sd).byID[id]
}

// Len reports the number of levels on a side.
func (s *Store) Len(sd Side) int {
	return len(s.side(sd).byID)
}

func (s *Store) initInsertDeltas(l *Level) {
	l.AmountDelta = l.AmountValue()
	l.AmountDeltaAggregated = l.AmountValue()
	l.CountDelta = l.CountValue()
	l.CountDeltaAggregated = l.CountValue()
	l.UpdateCount = 1
}

// validate applies the rejection rule: blank id, nil price, nil amount or a
// negative price mean the level is dropped, logged, never fatal.
func (s *Store) validate(l *Level) bool {
	switch {
	case l == nil:
		return false
	case l.hasBlankID():
		s.drop(l, "blank id")
	case l.Side != SideBid && l.Side != SideAsk:
		s.drop(l, "undefined side")
	case l.Price == nil:
		s.drop(l, "nil price")
	case *l.Price < 0:
		s.drop(l, "negative price")
	case l.Amount == nil:
		s.drop(l, "nil amount")
	default:
		return true
	}
	return false
}

func (s *Store) drop(l *Level, reason string) {
	metrics.LevelsDropped.Inc()
	if l == nil {
		s.logger.Debug("dropping nil level", zap.String("pair", s.pair), zap.String("reason", reason))
		return
	}
	s.logger.Debug("dropping malformed level",
		zap.String("pair", s.pair),
		zap.String("id", l.ID),
		zap.String("side", l.Side.String()),
		zap.String("reason", reason))
}
