package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polywatch/engine/internal/store"
)

func TestParseTradeEvent(t *testing.T) {
	raw := []byte(`{
		"event_type": "last_trade_price",
		"asset_id": "7131894293",
		"market": "0xdeadbeef",
		"price": "0.07",
		"size": "300",
		"side": "BUY",
		"timestamp": "1756700000123",
		"taker_address": "0xAAAA",
		"maker_address": "0xBBBB"
	}`)

	trade, err := parseTradeEvent(raw)
	require.NoError(t, err)

	assert.Equal(t, "7131894293", trade.AssetID)
	assert.Equal(t, "0xdeadbeef", trade.MarketID)
	assert.Equal(t, store.SideBuy, trade.Side)
	assert.Equal(t, int64(1756700000123), trade.TimestampMs)
	assert.Equal(t, "0xAAAA", trade.TakerAddress)
	assert.Equal(t, "0xBBBB", trade.MakerAddress)

	// Exact decimal multiplication: 0.07 * 300 must be 21, not 20.999999.
	assert.Equal(t, 21.0, trade.USDValue)
}

func TestParseTradeEventShortAddressKeys(t *testing.T) {
	raw := []byte(`{
		"asset_id": "1",
		"price": "0.5",
		"size": "10",
		"side": "SELL",
		"timestamp": 1756700000,
		"taker": "0xCCCC"
	}`)

	trade, err := parseTradeEvent(raw)
	require.NoError(t, err)

	assert.Equal(t, "0xCCCC", trade.TakerAddress)
	// Second-precision timestamps are upscaled to milliseconds.
	assert.Equal(t, int64(1756700000000), trade.TimestampMs)
}

func TestParseTradeEventRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"missing asset":   `{"price": "0.5", "size": "10", "side": "BUY", "timestamp": 1}`,
		"bad price":       `{"asset_id": "1", "price": "abc", "size": "10", "side": "BUY", "timestamp": 1}`,
		"price over one":  `{"asset_id": "1", "price": "1.5", "size": "10", "side": "BUY", "timestamp": 1}`,
		"negative price":  `{"asset_id": "1", "price": "-0.1", "size": "10", "side": "BUY", "timestamp": 1}`,
		"zero size":       `{"asset_id": "1", "price": "0.5", "size": "0", "side": "BUY", "timestamp": 1}`,
		"invalid side":    `{"asset_id": "1", "price": "0.5", "size": "10", "side": "HOLD", "timestamp": 1}`,
		"missing ts":      `{"asset_id": "1", "price": "0.5", "size": "10", "side": "BUY"}`,
		"not even json":   `{{{`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseTradeEvent([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestParseSideCaseInsensitive(t *testing.T) {
	side, err := parseSide("buy")
	require.NoError(t, err)
	assert.Equal(t, store.SideBuy, side)

	side, err = parseSide("Sell")
	require.NoError(t, err)
	assert.Equal(t, store.SideSell, side)
}

func TestSplitEnvelopesArray(t *testing.T) {
	raw := []byte(`[{"event_type": "book"}, {"event_type": "last_trade_price"}]`)

	events, err := splitEnvelopes(raw)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "book", peekEventType(events[0]))
	assert.Equal(t, "last_trade_price", peekEventType(events[1]))
}

func TestSplitEnvelopesSingleObject(t *testing.T) {
	raw := []byte(`{"event_type": "price_change"}`)

	events, err := splitEnvelopes(raw)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "price_change", peekEventType(events[0]))
}

func TestSplitEnvelopesEmpty(t *testing.T) {
	_, err := splitEnvelopes([]byte("  "))
	assert.Error(t, err)
}
