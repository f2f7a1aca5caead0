// Package enrich fills detected signals with market metadata and keeps the
// detector's market cache warm.
package enrich

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"log/slog"

	"github.com/polywatch/engine/internal/store"
)

const (
	// marketCacheTTL is how long fetched market info stays valid.
	marketCacheTTL = time.Hour

	// marketCacheMaxEntries bounds the cache; beyond it the oldest
	// marketCacheEvictBatch entries are dropped.
	marketCacheMaxEntries = 1000
	marketCacheEvictBatch = 100

	// minCallInterval is the floor between outbound API calls.
	minCallInterval = 200 * time.Millisecond

	requestTimeout = 10 * time.Second
)

// MetadataSink receives market metadata pushes. The detector is the only
// production implementation.
type MetadataSink interface {
	UpdateMarketMetadata(conditionID string, endDate time.Time, yesPrice, noPrice float64)
}

// marketInfo is cached metadata for one market.
type marketInfo struct {
	conditionID string
	question    string
	slug        string
	endDate     time.Time
}

type cachedMarket struct {
	info     marketInfo
	cachedAt time.Time
}

// Stats is a snapshot of enricher counters.
type Stats struct {
	Enriched  int64
	CacheHits int64
	APIErrors int64
}

// Enricher fetches market titles, slugs, end dates and current prices from
// the CLOB API over a TTL cache, and pushes what it learns into the sink.
type Enricher struct {
	clobURL string
	client  *http.Client
	sink    MetadataSink

	mu        sync.Mutex
	cache     map[string]cachedMarket
	nextCall  time.Time
	enriched  int64
	cacheHits int64
	apiErrors int64
}

// New creates an Enricher. The sink may be nil, in which case metadata is
// only used for signal fill.
func New(clobURL string, sink MetadataSink) *Enricher {
	return &Enricher{
		clobURL: clobURL,
		client:  &http.Client{Timeout: requestTimeout},
		sink:    sink,
		cache:   make(map[string]cachedMarket),
	}
}

// Enrich fills the signal's metadata fields once before dispatch. Every
// external failure is logged and swallowed; an unenriched alert still goes
// out.
func (e *Enricher) Enrich(ctx context.Context, sig *store.Signal) *store.Signal {
	trade := sig.Trade

	info, infoErr := e.marketInfo(ctx, trade.MarketID)
	if infoErr != nil {
		e.countError()
		slog.Debug("market_info_fetch_failed", "market", truncate(trade.MarketID, 10), "error", infoErr)
	} else {
		sig.MarketTitle = info.question
		sig.MarketSlug = info.slug
		sig.MarketEndDate = info.endDate
		if !info.endDate.IsZero() {
			sig.HoursToClose = time.Until(info.endDate).Hours()
		}
	}

	yes, priceErr := e.currentPrice(ctx, trade.AssetID)
	if priceErr != nil {
		e.countError()
		slog.Debug("price_fetch_failed", "asset", truncate(trade.AssetID, 10), "error", priceErr)
	} else {
		sig.CurrentYesPrice = yes
		sig.CurrentNoPrice = 1 - yes
	}

	// Push what was learned into the detector so timing and contrarian
	// heuristics see it on the next trade in this market. Only fields fetched
	// this cycle are pushed; the sink keeps its previous values for the rest,
	// and a cycle where both fetches failed pushes nothing at all.
	if e.sink != nil && (infoErr == nil || priceErr == nil) {
		endDate := time.Time{}
		if infoErr == nil {
			endDate = info.endDate
		}
		pushYes, pushNo := -1.0, -1.0
		if priceErr == nil {
			pushYes, pushNo = sig.CurrentYesPrice, sig.CurrentNoPrice
		}
		e.sink.UpdateMarketMetadata(trade.MarketID, endDate, pushYes, pushNo)
	}

	e.mu.Lock()
	e.enriched++
	e.mu.Unlock()

	return sig
}

// RefreshMetadata fetches current info for a market outside of any signal
// and pushes it to the sink. Used by the periodic metadata warmer.
func (e *Enricher) RefreshMetadata(ctx context.Context, conditionID, yesTokenID string) {
	info, err := e.marketInfo(ctx, conditionID)
	if err != nil {
		e.countError()
		return
	}

	yes := -1.0
	if yesTokenID != "" {
		if p, err := e.currentPrice(ctx, yesTokenID); err == nil {
			yes = p
		} else {
			e.countError()
		}
	}

	no := -1.0
	if yes >= 0 {
		no = 1 - yes
	}

	if e.sink != nil {
		e.sink.UpdateMarketMetadata(conditionID, info.endDate, yes, no)
	}
}

// clobMarket is the CLOB API market response.
type clobMarket struct {
	ConditionID string `json:"condition_id"`
	Question    string `json:"question"`
	MarketSlug  string `json:"market_slug"`
	EndDateISO  string `json:"end_date_iso"`
}

// marketInfo returns market metadata from cache or the API.
func (e *Enricher) marketInfo(ctx context.Context, conditionID string) (marketInfo, error) {
	if conditionID == "" {
		return marketInfo{}, fmt.Errorf("empty condition id")
	}

	e.mu.Lock()
	if entry, ok := e.cache[conditionID]; ok {
		if time.Since(entry.cachedAt) <= marketCacheTTL {
			e.cacheHits++
			e.mu.Unlock()
			return entry.info, nil
		}
		delete(e.cache, conditionID)
	}
	e.mu.Unlock()

	if err := e.rateLimit(ctx); err != nil {
		return marketInfo{}, err
	}

	var m clobMarket
	if err := e.getJSON(ctx, fmt.Sprintf("%s/markets/%s", e.clobURL, url.PathEscape(conditionID)), &m); err != nil {
		return marketInfo{}, err
	}

	info := marketInfo{
		conditionID: conditionID,
		question:    m.Question,
		slug:        m.MarketSlug,
	}
	if m.EndDateISO != "" {
		if t, err := time.Parse(time.RFC3339, m.EndDateISO); err == nil {
			info.endDate = t
		}
	}

	e.mu.Lock()
	e.cache[conditionID] = cachedMarket{info: info, cachedAt: time.Now()}
	e.evictIfNeeded()
	e.mu.Unlock()

	return info, nil
}

// currentPrice returns the current price of the given outcome token.
func (e *Enricher) currentPrice(ctx context.Context, tokenID string) (float64, error) {
	if tokenID == "" {
		return 0, fmt.Errorf("empty token id")
	}

	if err := e.rateLimit(ctx); err != nil {
		return 0, err
	}

	var resp struct {
		Price string `json:"price"`
	}
	u := fmt.Sprintf("%s/price?token_id=%s", e.clobURL, url.QueryEscape(tokenID))
	if err := e.getJSON(ctx, u, &resp); err != nil {
		return 0, err
	}

	price, err := strconv.ParseFloat(resp.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid price %q: %w", resp.Price, err)
	}
	return price, nil
}

func (e *Enricher) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode failed: %w", err)
	}
	return nil
}

// rateLimit reserves the next outbound slot and waits for it.
func (e *Enricher) rateLimit(ctx context.Context) error {
	e.mu.Lock()
	now := time.Now()
	wait := time.Duration(0)
	if e.nextCall.After(now) {
		wait = e.nextCall.Sub(now)
		e.nextCall = e.nextCall.Add(minCallInterval)
	} else {
		e.nextCall = now.Add(minCallInterval)
	}
	e.mu.Unlock()

	if wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}

// evictIfNeeded drops the oldest cache entries past capacity. Must be called
// with the lock held.
func (e *Enricher) evictIfNeeded() {
	if len(e.cache) <= marketCacheMaxEntries {
		return
	}

	type aged struct {
		id       string
		cachedAt time.Time
	}
	entries := make([]aged, 0, len(e.cache))
	for id, entry := range e.cache {
		entries = append(entries, aged{id: id, cachedAt: entry.cachedAt})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].cachedAt.Before(entries[j].cachedAt)
	})

	for i := 0; i < marketCacheEvictBatch && i < len(entries); i++ {
		delete(e.cache, entries[i].id)
	}
}

func (e *Enricher) countError() {
	e.mu.Lock()
	e.apiErrors++
	e.mu.Unlock()
}

// Stats returns a snapshot of enrichment counters.
func (e *Enricher) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{Enriched: e.enriched, CacheHits: e.cacheHits, APIErrors: e.apiErrors}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
