package book

// Quotes is the top-of-book pair captured at one point in time.
type Quotes struct {
	BidPrice  float64 `json:"bid_price"`
	AskPrice  float64 `json:"ask_price"`
	BidAmount float64 `json:"bid_amount"`
	AskAmount float64 `json:"ask_amount"`
}

// MidPrice returns the midpoint of the captured quotes.
func (q Quotes) MidPrice() float64 {
	return (q.BidPrice + q.AskPrice) / 2
}

// Quote is one rung of a top-N ladder snapshot.
type Quote struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// Ladder is a depth-limited snapshot of both sides, best price first.
type Ladder struct {
	Bids []Quote `json:"bids"`
	Asks []Quote `json:"asks"`
}

// Change is the notification emitted once per reconciliation batch. Levels
// is populated only in debug mode and carries clones, so subscribers never
// observe later in-place mutation of stored levels.
type Change struct {
	Pair         string      `json:"pair"`
	ExchangeName string      `json:"exchange_name"`
	Quotes       Quotes      `json:"quotes"`
	Levels       []*Level    `json:"levels,omitempty"`
	Sources      []*DiffBulk `json:"-"`
	FromSnapshot bool        `json:"from_snapshot"`
	Ladder       *Ladder     `json:"ladder,omitempty"`
}
