// Package detector implements the multi-heuristic signal engine that decides
// which trades look like informed activity.
package detector

import (
	"context"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/polywatch/engine/internal/store"
)

const (
	// rollingWindowSize is the FIFO window used for the size-anomaly mean.
	rollingWindowSize = 100

	// clusterWindowCapacity bounds each per-market-asset cluster window.
	clusterWindowCapacity = 500

	// priceWindowCapacity bounds each per-asset price history.
	priceWindowCapacity = 100

	// priceLookback is how far back the odds detector searches for the
	// pre-trade reference price.
	priceLookback = 5 * time.Second

	// priceMaxAge is how long price points stay in the window.
	priceMaxAge = 60 * time.Second

	// MetadataStaleAfter is the age past which cached market metadata is
	// treated as absent rather than trusted.
	MetadataStaleAfter = 5 * time.Minute

	// DefaultClusterMaxAge is the default prune age for CleanupClusters.
	DefaultClusterMaxAge = 300 * time.Second
)

// clusterRecord is one trade in a market+asset cluster window.
type clusterRecord struct {
	wallet      string
	side        store.Side
	timestampMs int64
	usdValue    float64
}

// pricePoint is one observation in an asset's price history.
type pricePoint struct {
	price       float64
	timestampMs int64
}

// Config holds the detection thresholds.
type Config struct {
	WhaleThresholdUSD    float64
	WhaleMultiplier      float64
	FreshWalletMaxTxs    int
	ClusterWindow        time.Duration
	ClusterMinWallets    int
	TimingHoursThreshold float64
	OddsMovementDelta    float64
	ContrarianConsensus  float64
	ContrarianMinUSD     float64
	WatchedWallets       []string
}

// Stats is a snapshot of detection counters.
type Stats struct {
	TradesAnalyzed   int64
	SignalsGenerated int64
	ByType           map[store.SignalType]int64
}

// Detector runs every heuristic against each trade and produces a Signal
// when at least one fires. It owns all of its windows and caches; the only
// cross-component write is UpdateMarketMetadata, pushed by the enricher.
type Detector struct {
	cfg     Config
	wallets *WalletReputation
	watched map[string]struct{}

	mu               sync.Mutex
	recentTradeSizes []float64
	clusterTracker   map[string]map[string][]clusterRecord // market -> asset -> window
	priceHistory     map[string][]pricePoint               // asset -> window
	marketMeta       map[string]store.MarketMetadata       // condition ID -> metadata

	tradesAnalyzed   int64
	signalsGenerated int64
	byType           map[store.SignalType]int64
}

// New creates a Detector using the given wallet reputation cache.
func New(cfg Config, wallets *WalletReputation) *Detector {
	watched := make(map[string]struct{}, len(cfg.WatchedWallets))
	for _, addr := range cfg.WatchedWallets {
		if addr != "" {
			watched[strings.ToLower(addr)] = struct{}{}
		}
	}

	return &Detector{
		cfg:              cfg,
		wallets:          wallets,
		watched:          watched,
		recentTradeSizes: make([]float64, 0, rollingWindowSize),
		clusterTracker:   make(map[string]map[string][]clusterRecord),
		priceHistory:     make(map[string][]pricePoint),
		marketMeta:       make(map[string]store.MarketMetadata),
		byType:           make(map[store.SignalType]int64),
	}
}

// Analyze runs all detectors against the trade in a fixed order and returns
// a Signal when at least one fired, nil otherwise. The fresh-wallet check may
// block on the chain lookup; everything else is synchronous.
func (d *Detector) Analyze(ctx context.Context, trade store.Trade) *store.Signal {
	d.mu.Lock()
	d.tradesAnalyzed++
	avgSize := d.updateRollingSizes(trade.USDValue)
	d.mu.Unlock()

	var types []store.SignalType
	walletTxCount := -1
	var clusterWallets []string

	// Watched wallet: a trade from a tracked address is always notable.
	if d.isWatched(trade.TakerAddress) {
		types = append(types, store.SignalWatchedWallet)
	}

	// Whale / size anomaly
	if trade.USDValue >= d.cfg.WhaleThresholdUSD {
		types = append(types, store.SignalWhale)
	}
	if avgSize > 0 && trade.USDValue >= avgSize*d.cfg.WhaleMultiplier {
		types = append(types, store.SignalSizeAnomaly)
	}

	// Fresh wallet (suspending chain lookup behind the reputation cache)
	if trade.TakerAddress != "" {
		isFresh, txCount := d.wallets.IsFresh(ctx, trade.TakerAddress)
		walletTxCount = txCount
		if isFresh {
			types = append(types, store.SignalFreshWallet)
		}
	}

	// Cluster
	if wallets := d.detectCluster(trade); len(wallets) > 0 {
		types = append(types, store.SignalCluster)
		clusterWallets = wallets
	}

	// Timing
	if d.detectTiming(trade) {
		types = append(types, store.SignalTiming)
	}

	// Odds movement
	if d.detectOddsMovement(trade) {
		types = append(types, store.SignalOddsMovement)
	}

	// Contrarian
	if d.detectContrarian(trade) {
		types = append(types, store.SignalContrarian)
	}

	if len(types) == 0 {
		return nil
	}

	d.mu.Lock()
	d.signalsGenerated++
	for _, t := range types {
		d.byType[t]++
	}
	d.mu.Unlock()

	return &store.Signal{
		Trade:           trade,
		SignalTypes:     types,
		Confidence:      computeConfidence(types, trade),
		WalletTxCount:   walletTxCount,
		ClusterWallets:  clusterWallets,
		AvgTradeSize:    avgSize,
		CurrentYesPrice: -1,
		CurrentNoPrice:  -1,
		HoursToClose:    -1,
	}
}

// updateRollingSizes appends to the FIFO window and returns the mean over
// the updated window. Every analyzed trade lands in the window, whether or
// not anything fires. Must be called with the lock held.
func (d *Detector) updateRollingSizes(usdValue float64) float64 {
	d.recentTradeSizes = append(d.recentTradeSizes, usdValue)
	if len(d.recentTradeSizes) > rollingWindowSize {
		d.recentTradeSizes = d.recentTradeSizes[1:]
	}

	sum := 0.0
	for _, v := range d.recentTradeSizes {
		sum += v
	}
	return sum / float64(len(d.recentTradeSizes))
}

func (d *Detector) isWatched(address string) bool {
	if address == "" || len(d.watched) == 0 {
		return false
	}
	_, ok := d.watched[strings.ToLower(address)]
	return ok
}

// detectCluster records the trade in its market+asset window, prunes by age,
// and returns the distinct same-side wallets when they reach the minimum.
func (d *Detector) detectCluster(trade store.Trade) []string {
	if trade.TakerAddress == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	windowMs := d.cfg.ClusterWindow.Milliseconds()

	assets, ok := d.clusterTracker[trade.MarketID]
	if !ok {
		assets = make(map[string][]clusterRecord)
		d.clusterTracker[trade.MarketID] = assets
	}
	window := assets[trade.AssetID]

	// Prune entries outside the window relative to the current trade.
	keep := 0
	for keep < len(window) && trade.TimestampMs-window[keep].timestampMs > windowMs {
		keep++
	}
	window = window[keep:]

	window = append(window, clusterRecord{
		wallet:      strings.ToLower(trade.TakerAddress),
		side:        trade.Side,
		timestampMs: trade.TimestampMs,
		usdValue:    trade.USDValue,
	})
	if len(window) > clusterWindowCapacity {
		window = window[len(window)-clusterWindowCapacity:]
	}
	assets[trade.AssetID] = window

	distinct := make(map[string]struct{})
	for _, rec := range window {
		if rec.side == trade.Side {
			distinct[rec.wallet] = struct{}{}
		}
	}

	if len(distinct) < d.cfg.ClusterMinWallets {
		return nil
	}

	wallets := make([]string, 0, len(distinct))
	for w := range distinct {
		wallets = append(wallets, w)
	}

	slog.Info("cluster_detected",
		"wallets", len(wallets),
		"side", trade.Side,
		"market", truncate(trade.MarketID, 10),
	)
	return wallets
}

// detectTiming fires when the market resolves within the configured horizon.
// Metadata older than MetadataStaleAfter is treated as absent; a stale end
// date must never manufacture urgency.
func (d *Detector) detectTiming(trade store.Trade) bool {
	meta, ok := d.GetMarketMetadata(trade.MarketID)
	if !ok || meta.EndDate.IsZero() {
		return false
	}

	hoursToClose := time.Until(meta.EndDate).Hours()
	return hoursToClose > 0 && hoursToClose <= d.cfg.TimingHoursThreshold
}

// detectOddsMovement compares the trade price against the most recent price
// recorded within the lookback before it. The current price is always
// appended afterward, so an asset's first observation yields no signal.
func (d *Detector) detectOddsMovement(trade store.Trade) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	window := d.priceHistory[trade.AssetID]
	lookbackMs := priceLookback.Milliseconds()

	priceBefore := -1.0
	for i := len(window) - 1; i >= 0; i-- {
		age := trade.TimestampMs - window[i].timestampMs
		if age < 0 {
			continue
		}
		if age <= lookbackMs {
			priceBefore = window[i].price
			break
		}
		// Window is time-ordered; everything earlier is older still.
		break
	}

	window = append(window, pricePoint{price: trade.Price, timestampMs: trade.TimestampMs})

	maxAgeMs := priceMaxAge.Milliseconds()
	keep := 0
	for keep < len(window) && trade.TimestampMs-window[keep].timestampMs > maxAgeMs {
		keep++
	}
	window = window[keep:]
	if len(window) > priceWindowCapacity {
		window = window[len(window)-priceWindowCapacity:]
	}
	d.priceHistory[trade.AssetID] = window

	if priceBefore < 0 {
		return false
	}

	delta := trade.Price - priceBefore
	if delta < 0 {
		delta = -delta
	}
	return delta >= d.cfg.OddsMovementDelta
}

// detectContrarian fires on a large trade against the market consensus:
// selling near-certain YES or buying near-certain NO.
func (d *Detector) detectContrarian(trade store.Trade) bool {
	if trade.USDValue < d.cfg.ContrarianMinUSD {
		return false
	}

	meta, ok := d.GetMarketMetadata(trade.MarketID)
	if !ok || meta.CurrentYesPrice < 0 {
		return false
	}

	yes := meta.CurrentYesPrice
	if yes >= d.cfg.ContrarianConsensus && trade.Side == store.SideSell {
		return true
	}
	if yes <= 1-d.cfg.ContrarianConsensus && trade.Side == store.SideBuy {
		return true
	}
	return false
}

// computeConfidence scores a signal from its type combination and trade
// size. Base 0.5, clamped to 1.0.
func computeConfidence(types []store.SignalType, trade store.Trade) float64 {
	confidence := 0.5

	has := func(t store.SignalType) bool {
		for _, st := range types {
			if st == t {
				return true
			}
		}
		return false
	}

	switch {
	case len(types) >= 4:
		confidence += 0.35
	case len(types) >= 3:
		confidence += 0.30
	case len(types) >= 2:
		confidence += 0.20
	}

	if has(store.SignalWhale) && has(store.SignalFreshWallet) {
		confidence += 0.15
	}
	if has(store.SignalTiming) && has(store.SignalWhale) {
		confidence += 0.10
	}
	if has(store.SignalWatchedWallet) {
		confidence += 0.25
	}
	if has(store.SignalContrarian) {
		confidence += 0.10
	}
	if has(store.SignalOddsMovement) {
		confidence += 0.05
	}

	switch {
	case trade.USDValue >= 50000:
		confidence += 0.15
	case trade.USDValue >= 25000:
		confidence += 0.10
	case trade.USDValue >= 10000:
		confidence += 0.05
	}

	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence
}

// UpdateMarketMetadata is the push path from the enricher. It is the only
// cross-component write into the detector. A zero endDate or a negative
// price means "unknown this cycle" and leaves the stored value untouched,
// so a partial fetch never erases metadata learned earlier.
func (d *Detector) UpdateMarketMetadata(conditionID string, endDate time.Time, yesPrice, noPrice float64) {
	if conditionID == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	meta, ok := d.marketMeta[conditionID]
	if !ok {
		meta = store.MarketMetadata{
			ConditionID:     conditionID,
			CurrentYesPrice: -1,
			CurrentNoPrice:  -1,
		}
	}
	if !endDate.IsZero() {
		meta.EndDate = endDate
	}
	if yesPrice >= 0 {
		meta.CurrentYesPrice = yesPrice
		meta.CurrentNoPrice = noPrice
	}
	meta.LastUpdated = time.Now()
	d.marketMeta[conditionID] = meta
}

// GetMarketMetadata returns cached metadata, treating entries older than
// MetadataStaleAfter as absent.
func (d *Detector) GetMarketMetadata(conditionID string) (store.MarketMetadata, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	meta, ok := d.marketMeta[conditionID]
	if !ok {
		return store.MarketMetadata{}, false
	}
	if time.Since(meta.LastUpdated) > MetadataStaleAfter {
		return store.MarketMetadata{}, false
	}
	return meta, true
}

// CleanupClusters prunes cluster windows with no record younger than maxAge
// and drops empty per-market structures. Scheduled externally.
func (d *Detector) CleanupClusters(maxAge time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoffMs := time.Now().Add(-maxAge).UnixMilli()

	for market, assets := range d.clusterTracker {
		for asset, window := range assets {
			keep := 0
			for keep < len(window) && window[keep].timestampMs < cutoffMs {
				keep++
			}
			if keep == len(window) {
				delete(assets, asset)
				continue
			}
			if keep > 0 {
				assets[asset] = window[keep:]
			}
		}
		if len(assets) == 0 {
			delete(d.clusterTracker, market)
		}
	}
}

// Stats returns a snapshot of detection counters.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	byType := make(map[store.SignalType]int64, len(d.byType))
	for k, v := range d.byType {
		byType[k] = v
	}

	return Stats{
		TradesAnalyzed:   d.tradesAnalyzed,
		SignalsGenerated: d.signalsGenerated,
		ByType:           byType,
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
