// Package store provides the data models shared across the pipeline.
package store

import "time"

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Trade represents a single fill received from the Polymarket market channel.
// Trades are immutable; every field is set at parse time.
type Trade struct {
	// AssetID is the outcome token ID the trade executed against
	AssetID string

	// MarketID is the market/condition ID
	MarketID string

	// Price is the execution price (0-1 range for prediction markets)
	Price float64

	// Size is the number of shares traded
	Size float64

	// Side is BUY or SELL
	Side Side

	// TimestampMs is the execution time as unix milliseconds
	TimestampMs int64

	// TakerAddress is the wallet that crossed the spread (may be empty)
	TakerAddress string

	// MakerAddress is the wallet that posted the resting order (may be empty)
	MakerAddress string

	// USDValue is price * size, computed once at parse time
	USDValue float64
}

// Time converts the millisecond timestamp to a time.Time.
func (t Trade) Time() time.Time {
	return time.UnixMilli(t.TimestampMs)
}

// SignalType classifies why a trade was flagged.
type SignalType string

const (
	SignalWatchedWallet SignalType = "WATCHED_WALLET" // trade from a tracked address
	SignalWhale         SignalType = "WHALE"          // large absolute trade size
	SignalSizeAnomaly   SignalType = "SIZE_ANOMALY"   // far above the rolling average
	SignalFreshWallet   SignalType = "FRESH_WALLET"   // wallet with few prior transactions
	SignalCluster       SignalType = "CLUSTER"        // distinct wallets trading one direction
	SignalTiming        SignalType = "TIMING"         // trade close to market resolution
	SignalOddsMovement  SignalType = "ODDS_MOVEMENT"  // trade that moved the line
	SignalContrarian    SignalType = "CONTRARIAN"     // large trade against consensus
)

// Label returns a human-readable name for the signal type.
func (s SignalType) Label() string {
	switch s {
	case SignalWatchedWallet:
		return "Watched Wallet"
	case SignalWhale:
		return "Whale Trade"
	case SignalSizeAnomaly:
		return "Size Anomaly"
	case SignalFreshWallet:
		return "Fresh Wallet"
	case SignalCluster:
		return "Cluster Activity"
	case SignalTiming:
		return "Close to Resolution"
	case SignalOddsMovement:
		return "Odds Movement"
	case SignalContrarian:
		return "Contrarian"
	}
	return string(s)
}

// Emoji returns the marker used in rendered alerts.
func (s SignalType) Emoji() string {
	switch s {
	case SignalWatchedWallet:
		return "\U0001F441"
	case SignalWhale:
		return "\U0001F40B"
	case SignalSizeAnomaly:
		return "\U0001F4C8"
	case SignalFreshWallet:
		return "✨"
	case SignalCluster:
		return "\U0001F465"
	case SignalTiming:
		return "⏰"
	case SignalOddsMovement:
		return "\U0001F4CA"
	case SignalContrarian:
		return "\U0001F500"
	}
	return "\U0001F514"
}

// MarketMetadata is market state pushed by the enricher and read by the
// timing and contrarian detectors. Entries older than the staleness cutoff
// are treated as absent.
type MarketMetadata struct {
	ConditionID     string
	EndDate         time.Time // zero when unknown
	CurrentYesPrice float64   // negative when unknown
	CurrentNoPrice  float64   // negative when unknown
	LastUpdated     time.Time
}

// Signal is a flagged trade plus everything learned about it. Created only
// when at least one detector fires; the enrichment fields are filled exactly
// once before dispatch.
type Signal struct {
	Trade       Trade
	SignalTypes []SignalType
	Confidence  float64

	// Detection context
	WalletTxCount  int // -1 when unknown
	ClusterWallets []string
	AvgTradeSize   float64

	// Enrichment (filled once before dispatch)
	MarketTitle     string
	MarketSlug      string
	MarketEndDate   time.Time
	CurrentYesPrice float64 // negative when unknown
	CurrentNoPrice  float64 // negative when unknown
	HoursToClose    float64 // negative when unknown
}

// Has reports whether the signal carries the given type.
func (s *Signal) Has(t SignalType) bool {
	for _, st := range s.SignalTypes {
		if st == t {
			return true
		}
	}
	return false
}

// IsHighConfidence marks signals worth the loud alert formatting.
func (s *Signal) IsHighConfidence() bool {
	if len(s.SignalTypes) >= 2 {
		return true
	}
	if s.Has(SignalWhale) && s.Has(SignalFreshWallet) {
		return true
	}
	return s.Trade.USDValue >= 25000
}

// EmojiLine joins the emoji of every carried signal type.
func (s *Signal) EmojiLine() string {
	if len(s.SignalTypes) == 0 {
		return "\U0001F514"
	}
	out := ""
	for i, st := range s.SignalTypes {
		if i > 0 {
			out += " "
		}
		out += st.Emoji()
	}
	return out
}
