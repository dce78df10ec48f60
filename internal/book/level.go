package book

import (
	"math"
	"strconv"
	"strings"
)

// Side identifies which half of the book a level belongs to.
type Side int8

const (
	SideUndefined Side = iota
	SideBid
	SideAsk
)

func (s Side) String() string {
	switch s {
	case SideBid:
		return "bid"
	case SideAsk:
		return "ask"
	default:
		return "undefined"
	}
}

// Action tags a diff bulk with the operation it carries.
type Action int8

const (
	ActionUndefined Action = iota
	ActionInsert
	ActionUpdate
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	default:
		return "undefined"
	}
}

// Level is one entry of the order book. Price, Amount and Count are optional
// because exchange diffs routinely omit fields; nil means "not supplied".
// Amount and Count are stored as absolute values.
type Level struct {
	ID     string
	Side   Side
	Price  *float64
	Amount *float64
	Count  *int32
	Pair   string

	// Derived bookkeeping, maintained by the store.
	RankIndex             *int
	AmountDelta           float64
	AmountDeltaAggregated float64
	CountDelta            int32
	CountDeltaAggregated  int32
	UpdateCount           int
}

// NewLevel builds a level, normalizing amount and count to absolute values.
func NewLevel(id string, side Side, price, amount *float64, count *int32, pair string) *Level {
	l := &Level{
		ID:    id,
		Side:  side,
		Price: price,
		Pair:  pair,
	}
	if amount != nil {
		v := math.Abs(*amount)
		l.Amount = &v
	}
	if count != nil {
		v := *count
		if v < 0 {
			v = -v
		}
		l.Count = &v
	}
	return l
}

// PriceID synthesizes a level identifier from the price, used by L2 feeds
// that aggregate one level per price and carry no native order ids.
func PriceID(pair string, side Side, price float64) string {
	return pair + "|" + side.String() + "|" + strconv.FormatFloat(price, 'f', -1, 64)
}

// Clone returns a deep copy. Used for debug notifications so subscribers
// never observe in-place mutation of stored levels.
func (l *Level) Clone() *Level {
	c := *l
	if l.Price != nil {
		v := *l.Price
		c.Price = &v
	}
	if l.Amount != nil {
		v := *l.Amount
		c.Amount = &v
	}
	if l.Count != nil {
		v := *l.Count
		c.Count = &v
	}
	if l.RankIndex != nil {
		v := *l.RankIndex
		c.RankIndex = &v
	}
	return &c
}

// PriceValue returns the price or 0 when unset.
func (l *Level) PriceValue() float64 {
	if l.Price == nil {
		return 0
	}
	return *l.Price
}

// AmountValue returns the amount or 0 when unset.
func (l *Level) AmountValue() float64 {
	if l.Amount == nil {
		return 0
	}
	return *l.Amount
}

// CountValue returns the order count or 0 when unset.
func (l *Level) CountValue() int32 {
	if l.Count == nil {
		return 0
	}
	return *l.Count
}

func (l *Level) hasBlankID() bool {
	return strings.TrimSpace(l.ID) == ""
}

// F64 returns a pointer to v. Convenience for adapters and tests building
// levels with optional fields.
func F64(v float64) *float64 { return &v }

// I32 returns a pointer to v.
func I32(v int32) *int32 { return &v }
