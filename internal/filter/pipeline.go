// Package filter implements the synchronous reject chain that drops noise
// before any detector runs.
package filter

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/polywatch/engine/internal/store"
)

const (
	// lpWindowCapacity bounds the per-wallet trade window.
	lpWindowCapacity = 100

	// sweepInterval is how often stale LP records are pruned, at most.
	sweepInterval = 60 * time.Second

	// recordMaxAge is how long an LP record stays relevant.
	recordMaxAge = 60 * time.Second
)

// Reject reasons returned by ShouldPass.
const (
	ReasonPassed         = "passed"
	ReasonExcludedMarket = "excluded_market"
	ReasonBelowMinSize   = "below_min_size"
	ReasonLPActivity     = "lp_activity"
)

// lpRecord is one trade in a wallet's recent-activity window.
type lpRecord struct {
	market      string
	side        store.Side
	timestampMs int64
}

// Stats is a snapshot of filter counters.
type Stats struct {
	TotalReceived  int64
	FilteredMarket int64
	FilteredSize   int64
	FilteredLP     int64
	Passed         int64
}

// Config holds the filter thresholds.
type Config struct {
	MinUSDSize        float64
	ExcludeKeywords   []string
	LPDetectionWindow time.Duration
}

// Pipeline applies the filters in a fixed order: keyword exclusion, minimum
// size, LP detection. It is fully synchronous.
type Pipeline struct {
	cfg             Config
	excludePatterns []*regexp.Regexp

	mu           sync.Mutex
	recentTrades map[string][]lpRecord // lower-cased wallet -> time-ordered window
	lastSweep    time.Time
	stats        Stats
}

// NewPipeline compiles the exclusion keywords and returns a ready pipeline.
// Keywords that fail to compile as case-insensitive patterns are skipped.
func NewPipeline(cfg Config) *Pipeline {
	patterns := make([]*regexp.Regexp, 0, len(cfg.ExcludeKeywords))
	for _, kw := range cfg.ExcludeKeywords {
		re, err := regexp.Compile("(?i)" + kw)
		if err != nil {
			slog.Warn("filter_keyword_invalid", "keyword", kw, "error", err)
			continue
		}
		patterns = append(patterns, re)
	}

	return &Pipeline{
		cfg:             cfg,
		excludePatterns: patterns,
		recentTrades:    make(map[string][]lpRecord),
		lastSweep:       time.Now(),
	}
}

// ShouldPass applies all filters to a trade and returns whether it survives
// plus the reject reason.
func (p *Pipeline) ShouldPass(trade store.Trade, marketLabel string) (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.TotalReceived++
	p.maybeSweep()

	// Filter 1: market keyword exclusion
	if marketLabel != "" && p.isExcludedMarket(marketLabel) {
		p.stats.FilteredMarket++
		return false, ReasonExcludedMarket
	}

	// Filter 2: minimum size threshold
	if trade.USDValue < p.cfg.MinUSDSize {
		p.stats.FilteredSize++
		return false, ReasonBelowMinSize
	}

	// Filter 3: LP/arbitrage detection
	if trade.TakerAddress != "" && p.isLPActivity(trade) {
		p.stats.FilteredLP++
		return false, ReasonLPActivity
	}

	p.stats.Passed++
	return true, ReasonPassed
}

func (p *Pipeline) isExcludedMarket(label string) bool {
	for _, pattern := range p.excludePatterns {
		if pattern.MatchString(label) {
			return true
		}
	}
	return false
}

// isLPActivity detects liquidity-provider behavior: the same wallet filling
// both sides of one market within the detection window. Simultaneous
// opposite-side fills are market making, not conviction. The current trade
// is appended to the wallet's window unless it was rejected.
func (p *Pipeline) isLPActivity(trade store.Trade) bool {
	wallet := strings.ToLower(trade.TakerAddress)
	windowMs := p.cfg.LPDetectionWindow.Milliseconds()

	window := p.recentTrades[wallet]

	for _, rec := range window {
		if rec.market != trade.MarketID {
			continue
		}

		diff := trade.TimestampMs - rec.timestampMs
		if diff < 0 {
			diff = -diff
		}
		if diff > windowMs {
			continue
		}

		if rec.side != trade.Side {
			slog.Debug("lp_detected",
				"wallet", truncate(wallet, 10),
				"market", truncate(trade.MarketID, 10),
				"gap_ms", diff,
			)
			return true
		}
	}

	window = append(window, lpRecord{
		market:      trade.MarketID,
		side:        trade.Side,
		timestampMs: trade.TimestampMs,
	})
	if len(window) > lpWindowCapacity {
		window = window[len(window)-lpWindowCapacity:]
	}
	p.recentTrades[wallet] = window

	return false
}

// maybeSweep prunes stale records opportunistically, at most once per
// sweepInterval. Must be called with the lock held.
func (p *Pipeline) maybeSweep() {
	now := time.Now()
	if now.Sub(p.lastSweep) < sweepInterval {
		return
	}
	p.lastSweep = now

	cutoffMs := now.Add(-recordMaxAge).UnixMilli()
	removed := 0

	for wallet, window := range p.recentTrades {
		keep := 0
		for keep < len(window) && window[keep].timestampMs < cutoffMs {
			keep++
		}
		if keep == len(window) {
			delete(p.recentTrades, wallet)
			removed++
			continue
		}
		if keep > 0 {
			p.recentTrades[wallet] = window[keep:]
		}
	}

	if removed > 0 {
		slog.Debug("filter_sweep", "wallets_removed", removed)
	}
}

// Stats returns a snapshot of the filter counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
