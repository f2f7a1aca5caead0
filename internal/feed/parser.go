package feed

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/polywatch/engine/internal/store"
)

// eventLastTradePrice is the only event type the pipeline consumes. Book
// snapshots, price changes and tick size changes arrive on the same channel
// and are ignored.
const eventLastTradePrice = "last_trade_price"

// envelope carries the event-type discriminator of an inbound message.
type envelope struct {
	EventType string `json:"event_type"`
}

// tradeEvent is a last_trade_price payload. Price and size arrive as decimal
// strings; the timestamp may be a number or a string of unix milliseconds.
// Taker/maker addresses appear under both long and short keys depending on
// the endpoint.
type tradeEvent struct {
	AssetID      string          `json:"asset_id"`
	Market       string          `json:"market"`
	Price        string          `json:"price"`
	Size         string          `json:"size"`
	Side         string          `json:"side"`
	Timestamp    json.RawMessage `json:"timestamp"`
	Taker        string          `json:"taker"`
	TakerAddress string          `json:"taker_address"`
	Maker        string          `json:"maker"`
	MakerAddress string          `json:"maker_address"`
}

// splitEnvelopes returns the individual event payloads of a frame. The market
// channel delivers both single objects and arrays of them.
func splitEnvelopes(data []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty message")
	}

	if trimmed[0] == '[' {
		var events []json.RawMessage
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("unmarshal event array: %w", err)
		}
		return events, nil
	}

	var probe envelope
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return []json.RawMessage{json.RawMessage(trimmed)}, nil
}

// peekEventType reads the event-type discriminator without decoding the
// full payload. Returns "" for messages that carry none.
func peekEventType(data []byte) string {
	var probe envelope
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.EventType
}

// parseTradeEvent decodes and validates a last_trade_price payload into an
// immutable Trade. Price and size are parsed exactly before the USD value is
// derived, so 0.07 * 300 comes out as 21 and not 20.999999.
func parseTradeEvent(data []byte) (store.Trade, error) {
	var ev tradeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return store.Trade{}, fmt.Errorf("unmarshal trade: %w", err)
	}

	if ev.AssetID == "" {
		return store.Trade{}, fmt.Errorf("missing asset_id")
	}

	price, err := decimal.NewFromString(ev.Price)
	if err != nil {
		return store.Trade{}, fmt.Errorf("invalid price %q: %w", ev.Price, err)
	}
	if price.IsNegative() || price.GreaterThan(decimal.NewFromInt(1)) {
		return store.Trade{}, fmt.Errorf("price %s outside [0,1]", price)
	}

	size, err := decimal.NewFromString(ev.Size)
	if err != nil {
		return store.Trade{}, fmt.Errorf("invalid size %q: %w", ev.Size, err)
	}
	if !size.IsPositive() {
		return store.Trade{}, fmt.Errorf("non-positive size %s", size)
	}

	side, err := parseSide(ev.Side)
	if err != nil {
		return store.Trade{}, err
	}

	timestampMs, err := parseTimestampMs(ev.Timestamp)
	if err != nil {
		return store.Trade{}, err
	}

	return store.Trade{
		AssetID:      ev.AssetID,
		MarketID:     ev.Market,
		Price:        price.InexactFloat64(),
		Size:         size.InexactFloat64(),
		Side:         side,
		TimestampMs:  timestampMs,
		TakerAddress: coalesce(ev.TakerAddress, ev.Taker),
		MakerAddress: coalesce(ev.MakerAddress, ev.Maker),
		USDValue:     price.Mul(size).InexactFloat64(),
	}, nil
}

func parseSide(s string) (store.Side, error) {
	switch strings.ToUpper(s) {
	case string(store.SideBuy):
		return store.SideBuy, nil
	case string(store.SideSell):
		return store.SideSell, nil
	}
	return "", fmt.Errorf("invalid side %q", s)
}

// parseTimestampMs accepts a JSON number or string of unix milliseconds.
// Second-precision values are upscaled.
func parseTimestampMs(raw json.RawMessage) (int64, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, fmt.Errorf("missing timestamp")
	}

	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// Fractional unix seconds
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return 0, fmt.Errorf("invalid timestamp %q", s)
		}
		ts = int64(f)
	}

	if ts < 1e12 {
		ts *= 1000
	}
	return ts, nil
}

// coalesce returns the first non-empty string.
func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
