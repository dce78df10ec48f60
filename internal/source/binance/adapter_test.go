package binance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/depthbook/internal/book"
)

func TestConvertSplitsUpdatesAndDeletes(t *testing.T) {
	a := New("", "", zap.NewNop())

	bulks := a.convert([]depthUpdate{{
		Event:         "depthUpdate",
		EventTime:     1700000000000,
		Symbol:        "BTCUSDT",
		FinalUpdateID: 42,
		Bids:          [][]string{{"50000.10", "1.5"}, {"49999.00", "0.00000000"}},
		Asks:          [][]string{{"50001.00", "2"}},
	}})

	require.Len(t, bulks, 2)

	up := bulks[0]
	assert.Equal(t, book.ActionUpdate, up.Action)
	assert.Equal(t, "binance", up.ExchangeName)
	require.NotNil(t, up.ServerSequence)
	assert.Equal(t, int64(42), *up.ServerSequence)
	require.Len(t, up.Levels, 2)
	assert.Equal(t, book.SideBid, up.Levels[0].Side)
	assert.Equal(t, 50000.10, up.Levels[0].PriceValue())
	assert.Equal(t, 1.5, up.Levels[0].AmountValue())
	assert.Equal(t, "BTCUSDT", up.Levels[0].Pair)
	assert.Equal(t, book.SideAsk, up.Levels[1].Side)

	del := bulks[1]
	assert.Equal(t, book.ActionDelete, del.Action)
	require.Len(t, del.Levels, 1)
	assert.Equal(t, 49999.00, del.Levels[0].PriceValue())
}

func TestConvertSkipsMalformedEntries(t *testing.T) {
	a := New("", "", zap.NewNop())

	bulks := a.convert([]depthUpdate{{
		Event:  "depthUpdate",
		Symbol: "BTCUSDT",
		Bids:   [][]string{{"not-a-number", "1"}, {"100"}, {"100", "abc"}},
	}})
	assert.Empty(t, bulks)
}

func TestConvertLevelIDIsStablePerPrice(t *testing.T) {
	a := New("", "", zap.NewNop())

	mk := func(price string) *book.Level {
		bulks := a.convert([]depthUpdate{{
			Event:  "depthUpdate",
			Symbol: "BTCUSDT",
			Bids:   [][]string{{price, "1"}},
		}})
		require.Len(t, bulks, 1)
		require.Len(t, bulks[0].Levels, 1)
		return bulks[0].Levels[0]
	}

	// The same price always maps to the same id, so later quantities update
	// the stored level instead of inserting a second one.
	assert.Equal(t, mk("50000.10").ID, mk("50000.10").ID)
	assert.NotEqual(t, mk("50000.10").ID, mk("50000.20").ID)
}

func TestSnapshotLimitClamps(t *testing.T) {
	assert.Equal(t, 5, snapshotLimit(0))
	assert.Equal(t, 5, snapshotLimit(3))
	assert.Equal(t, 10, snapshotLimit(6))
	assert.Equal(t, 100, snapshotLimit(100))
	assert.Equal(t, 500, snapshotLimit(101))
	assert.Equal(t, 1000, snapshotLimit(1000))
	assert.Equal(t, 5000, snapshotLimit(1001))
}

func TestLoadSnapshotPublishesBulk(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(depthSnapshot{
			LastUpdateID: 99,
			Bids:         [][]string{{"100.5", "3"}, {"100.4", "0"}},
			Asks:         [][]string{{"101.0", "4"}},
		})
	}))
	defer srv.Close()

	a := New("", srv.URL, zap.NewNop())

	var mu sync.Mutex
	var got *book.SnapshotBulk
	a.SnapshotStream().Subscribe(func(bulk *book.SnapshotBulk) {
		mu.Lock()
		got = bulk
		mu.Unlock()
	})

	err := a.LoadSnapshot(context.Background(), "btc/usdt", 1000)
	require.NoError(t, err)

	assert.Equal(t, "/api/v3/depth", gotPath)
	assert.Equal(t, "symbol=BTCUSDT&limit=1000", gotQuery)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, "binance", got.ExchangeName)
	require.NotNil(t, got.ServerSequence)
	assert.Equal(t, int64(99), *got.ServerSequence)

	// The zero-quantity bid is dropped; a snapshot carries resting levels only.
	require.Len(t, got.Levels, 2)
	assert.Equal(t, 100.5, got.Levels[0].PriceValue())
	assert.Equal(t, book.SideBid, got.Levels[0].Side)
	assert.Equal(t, 101.0, got.Levels[1].PriceValue())
	assert.Equal(t, book.SideAsk, got.Levels[1].Side)
}

func TestLoadSnapshotErrorPaths(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	defer srv.Close()

	a := New("", srv.URL, zap.NewNop())
	err := a.LoadSnapshot(context.Background(), "BTCUSDT", 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 418")

	down := New("", "http://127.0.0.1:0", zap.NewNop())
	assert.Error(t, down.LoadSnapshot(context.Background(), "BTCUSDT", 100))
}

func TestLoadSnapshotHoldsGate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(depthSnapshot{})
	}))
	defer srv.Close()

	a := New("", srv.URL, zap.NewNop())

	a.Gate().Lock()
	done := make(chan error, 1)
	go func() {
		done <- a.LoadSnapshot(context.Background(), "BTCUSDT", 100)
	}()

	select {
	case <-done:
		t.Fatal("LoadSnapshot completed while the gate was held")
	case <-time.After(50 * time.Millisecond):
	}
	a.Gate().Unlock()
	require.NoError(t, <-done)
}

func TestIsValidRequiresRecentMessage(t *testing.T) {
	a := New("", "", zap.NewNop())
	assert.False(t, a.IsValid())

	a.connected.Store(true)
	assert.False(t, a.IsValid())

	a.lastMessage.Store(time.Now().UnixNano())
	assert.True(t, a.IsValid())

	a.lastMessage.Store(time.Now().Add(-time.Minute).UnixNano())
	assert.False(t, a.IsValid())

	a.lastMessage.Store(time.Now().UnixNano())
	a.connected.Store(false)
	assert.False(t, a.IsValid())
}

func TestCloseWithoutConnect(t *testing.T) {
	a := New("", "", zap.NewNop())
	a.Close()
	assert.False(t, a.IsValid())
}
