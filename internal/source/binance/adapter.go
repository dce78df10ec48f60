// Package binance implements the order book source contract against the
// Binance spot depth feed: a websocket diff-depth stream buffered through
// the shared coalescer, and a REST depth endpoint for snapshots.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/depthbook/internal/book"
	"github.com/Aidin1998/depthbook/internal/source"
)

const (
	// DefaultWSURL is the Binance spot websocket endpoint.
	DefaultWSURL = "wss://stream.binance.com:9443"
	// DefaultRESTURL is the Binance spot REST endpoint.
	DefaultRESTURL = "https://api.binance.com"

	staleAfter       = 30 * time.Second
	reconnectBackoff = 2 * time.Second
	readDeadline     = time.Minute
)

// depthUpdate is the vendor diff-depth payload. Prices and quantities are
// decimal strings.
type depthUpdate struct {
	Event         string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// depthSnapshot is the vendor REST depth payload.
type depthSnapshot struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// Adapter is the Binance source. One adapter serves one symbol's stream.
type Adapter struct {
	*source.Base

	logger     *zap.Logger
	wsURL      string
	restURL    string
	httpClient *http.Client

	coalescer *source.Coalescer[depthUpdate, *book.DiffBulk]

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc

	connected   atomic.Bool
	lastMessage atomic.Int64
}

// New creates an adapter against the given endpoints. Empty URLs fall back
// to the production defaults.
func New(wsURL, restURL string, logger *zap.Logger) *Adapter {
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	if restURL == "" {
		restURL = DefaultRESTURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{
		Base:       source.NewBase("binance", logger),
		logger:     logger,
		wsURL:      wsURL,
		restURL:    restURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	a.coalescer = source.NewCoalescer(logger, source.DefaultBufferInterval, a.Gate(), a.convert, a.PublishDiffs)
	a.AttachBuffer(a.coalescer)
	return a
}

// Connect dials the diff-depth stream for the symbol and starts the read
// loop and the buffer drain. It returns after the first successful dial.
func (a *Adapter) Connect(ctx context.Context, symbol string) error {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	conn, err := a.dial(ctx, symbol)
	if err != nil {
		cancel()
		return fmt.Errorf("binance: connect %s: %w", symbol, err)
	}
	a.setConn(conn)
	a.coalescer.Start(ctx)
	go a.readLoop(ctx, symbol)
	return nil
}

func (a *Adapter) dial(ctx context.Context, symbol string) (*websocket.Conn, error) {
	url := fmt.Sprintf("%s/ws/%s@depth@100ms", a.wsURL, strings.ToLower(symbol))
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})
	return conn, nil
}

func (a *Adapter) setConn(conn *websocket.Conn) {
	a.mu.Lock()
	if a.conn != nil {
		a.conn.Close()
	}
	a.conn = conn
	a.mu.Unlock()
	a.connected.Store(conn != nil)
}

func (a *Adapter) readLoop(ctx context.Context, symbol string) {
	for {
		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			a.connected.Store(false)
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("binance stream read failed, reconnecting",
				zap.String("symbol", symbol), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectBackoff):
			}
			next, dialErr := a.dial(ctx, symbol)
			if dialErr != nil {
				a.logger.Error("binance reconnect failed",
					zap.String("symbol", symbol), zap.Error(dialErr))
				continue
			}
			a.setConn(next)
			continue
		}

		a.lastMessage.Store(time.Now().UnixNano())
		conn.SetReadDeadline(time.Now().Add(readDeadline))

		var update depthUpdate
		if err := json.Unmarshal(data, &update); err != nil {
			a.logger.Debug("binance: discarding unparsable message", zap.Error(err))
			continue
		}
		if update.Event != "depthUpdate" {
			continue
		}
		a.coalescer.Push(update)
	}
}

// convert maps a drained batch of vendor messages to diff bulks. Zero
// quantities are Binance's delete marker; everything else is an update
// (which the store upserts).
func (a *Adapter) convert(batch []depthUpdate) []*book.DiffBulk {
	bulks := make([]*book.DiffBulk, 0, len(batch)*2)
	for i := range batch {
		msg := &batch[i]
		ts := time.UnixMilli(msg.EventTime)
		seq := msg.FinalUpdateID

		var updates, deletes []*book.Level
		collect := func(entries [][]string, side book.Side) {
			for _, e := range entries {
				lvl, del, ok := a.parseLevel(msg.Symbol, side, e)
				if !ok {
					continue
				}
				if del {
					deletes = append(deletes, lvl)
				} else {
					updates = append(updates, lvl)
				}
			}
		}
		collect(msg.Bids, book.SideBid)
		collect(msg.Asks, book.SideAsk)

		if len(updates) > 0 {
			bulks = append(bulks, &book.DiffBulk{
				ExchangeName:    a.ExchangeName(),
				Action:          book.ActionUpdate,
				Levels:          updates,
				ServerSequence:  &seq,
				ServerTimestamp: &ts,
			})
		}
		if len(deletes) > 0 {
			bulks = append(bulks, &book.DiffBulk{
				ExchangeName:    a.ExchangeName(),
				Action:          book.ActionDelete,
				Levels:          deletes,
				ServerSequence:  &seq,
				ServerTimestamp: &ts,
			})
		}
	}
	return bulks
}

// parseLevel parses one [price, quantity] vendor entry. Decimal parsing
// keeps the vendor's exact representation before the float64 boundary.
func (a *Adapter) parseLevel(symbol string, side book.Side, entry []string) (lvl *book.Level, isDelete, ok bool) {
	if len(entry) < 2 {
		return nil, false, false
	}
	price, err := decimal.NewFromString(entry[0])
	if err != nil {
		a.logger.Debug("binance: bad price", zap.String("raw", entry[0]), zap.Error(err))
		return nil, false, false
	}
	qty, err := decimal.NewFromString(entry[1])
	if err != nil {
		a.logger.Debug("binance: bad quantity", zap.String("raw", entry[1]), zap.Error(err))
		return nil, false, false
	}
	p := price.InexactFloat64()
	q := qty.InexactFloat64()
	lvl = book.NewLevel(book.PriceID(symbol, side, p), side, &p, &q, nil, symbol)
	return lvl, qty.IsZero(), true
}

// LoadSnapshot fetches a REST depth snapshot and publishes it. The reload
// gate is held for the duration so no diff drain interleaves with the
// replace.
func (a *Adapter) LoadSnapshot(ctx context.Context, pair string, maxCount int) error {
	gate := a.Gate()
	gate.Lock()
	defer gate.Unlock()

	symbol := strings.ToUpper(book.NormalizePair(pair))
	limit := snapshotLimit(maxCount)
	url := fmt.Sprintf("%s/api/v3/depth?symbol=%s&limit=%d", a.restURL, symbol, limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("binance: snapshot request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("binance: snapshot fetch %s: %w", symbol, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("binance: snapshot fetch %s: status %d", symbol, resp.StatusCode)
	}

	var snap depthSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fmt.Errorf("binance: snapshot decode %s: %w", symbol, err)
	}

	now := time.Now()
	levels := make([]*book.Level, 0, len(snap.Bids)+len(snap.Asks))
	appendSide := func(entries [][]string, side book.Side) {
		for _, e := range entries {
			lvl, isDelete, ok := a.parseLevel(symbol, side, e)
			if !ok || isDelete {
				continue
			}
			levels = append(levels, lvl)
		}
	}
	appendSide(snap.Bids, book.SideBid)
	appendSide(snap.Asks, book.SideAsk)

	seq := snap.LastUpdateID
	a.PublishSnapshot(&book.SnapshotBulk{
		ExchangeName:    a.ExchangeName(),
		Levels:          levels,
		ServerSequence:  &seq,
		ServerTimestamp: &now,
	})
	a.logger.Debug("binance snapshot published",
		zap.String("symbol", symbol), zap.Int("levels", len(levels)))
	return nil
}

// snapshotLimit clamps to the depth limits the endpoint accepts.
func snapshotLimit(maxCount int) int {
	for _, allowed := range []int{5, 10, 20, 50, 100, 500, 1000} {
		if maxCount <= allowed {
			return allowed
		}
	}
	return 5000
}

// IsValid reports a live connection with a recent message.
func (a *Adapter) IsValid() bool {
	if !a.connected.Load() {
		return false
	}
	last := a.lastMessage.Load()
	return last > 0 && time.Since(time.Unix(0, last)) < staleAfter
}

// Close tears down the stream and the drain goroutine.
func (a *Adapter) Close() {
	a.mu.Lock()
	cancel := a.cancel
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	a.connected.Store(false)
	a.coalescer.Close()
}
