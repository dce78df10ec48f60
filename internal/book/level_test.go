package book

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLevelNormalizesSigns(t *testing.T) {
	l := NewLevel("x", SideBid, F64(100), F64(-3), I32(-2), "BTCUSDT")
	assert.Equal(t, 3.0, l.AmountValue())
	assert.Equal(t, int32(2), l.CountValue())
	assert.Equal(t, 100.0, l.PriceValue())
}

func TestLevelValueAccessorsWithNilFields(t *testing.T) {
	l := NewLevel("x", SideBid, nil, nil, nil, "")
	assert.Zero(t, l.PriceValue())
	assert.Zero(t, l.AmountValue())
	assert.Zero(t, l.CountValue())
}

func TestLevelCloneIsDeep(t *testing.T) {
	l := NewLevel("x", SideAsk, F64(100), F64(5), I32(1), "BTCUSDT")
	l.AmountDelta = 2.5
	l.UpdateCount = 3

	c := l.Clone()
	require.NotSame(t, l, c)
	require.NotSame(t, l.Price, c.Price)
	require.NotSame(t, l.Amount, c.Amount)
	require.NotSame(t, l.Count, c.Count)

	*c.Amount = 99
	assert.Equal(t, 5.0, l.AmountValue())
	assert.Equal(t, 2.5, c.AmountDelta)
	assert.Equal(t, 3, c.UpdateCount)
}

func TestPriceIDDistinguishesSides(t *testing.T) {
	bid := PriceID("BTCUSDT", SideBid, 100.5)
	ask := PriceID("BTCUSDT", SideAsk, 100.5)
	assert.NotEqual(t, bid, ask)
	assert.Equal(t, bid, PriceID("BTCUSDT", SideBid, 100.5))
	assert.NotEqual(t, bid, PriceID("ETHUSDT", SideBid, 100.5))
}

func TestSideAndActionStrings(t *testing.T) {
	assert.Equal(t, "bid", SideBid.String())
	assert.Equal(t, "ask", SideAsk.String())
	assert.Equal(t, "undefined", SideUndefined.String())
	assert.Equal(t, "insert", ActionInsert.String())
	assert.Equal(t, "update", ActionUpdate.String())
	assert.Equal(t, "delete", ActionDelete.String())
	assert.Equal(t, "undefined", ActionUndefined.String())
}
