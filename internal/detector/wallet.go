package detector

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"log/slog"
)

const (
	// WalletCacheTTL is how long a cached transaction count stays valid.
	WalletCacheTTL = time.Hour

	// walletCacheMaxEntries bounds the cache; beyond it the oldest
	// walletCacheEvictBatch entries by insertion time are dropped.
	walletCacheMaxEntries = 10000
	walletCacheEvictBatch = 1000

	// minLookupInterval is the global floor between outbound chain queries.
	minLookupInterval = 100 * time.Millisecond
)

// TxCounter supplies the number of transactions a wallet has sent. The
// production implementation queries Polygon; tests substitute a fake.
type TxCounter interface {
	TransactionCount(ctx context.Context, address string) (int, error)
}

type walletCacheEntry struct {
	txCount  int
	cachedAt time.Time
}

// WalletStats is a snapshot of reputation-cache counters.
type WalletStats struct {
	Lookups   int64
	CacheHits int64
	Errors    int64
	Entries   int
}

// WalletReputation answers "is this a burner account?" by caching wallet
// transaction counts in front of a rate-limited chain query.
type WalletReputation struct {
	counter TxCounter
	maxTxs  int
	ttl     time.Duration

	mu        sync.Mutex
	cache     map[string]walletCacheEntry
	nextCall  time.Time
	lookups   int64
	cacheHits int64
	errors    int64
}

// NewWalletReputation creates a reputation cache over the given counter.
func NewWalletReputation(counter TxCounter, maxTxs int) *WalletReputation {
	return &WalletReputation{
		counter: counter,
		maxTxs:  maxTxs,
		ttl:     WalletCacheTTL,
		cache:   make(map[string]walletCacheEntry),
	}
}

// IsFresh reports whether the wallet has at most the configured number of
// prior transactions, along with the count. A lookup failure returns
// (false, -1) and is not cached: an unreachable ledger must never read as a
// positive insider indicator.
func (w *WalletReputation) IsFresh(ctx context.Context, address string) (bool, int) {
	if address == "" {
		return false, -1
	}
	address = strings.ToLower(address)

	w.mu.Lock()
	w.lookups++

	if entry, ok := w.cache[address]; ok {
		if time.Since(entry.cachedAt) <= w.ttl {
			w.cacheHits++
			w.mu.Unlock()
			return entry.txCount <= w.maxTxs, entry.txCount
		}
		delete(w.cache, address)
	}

	// Reserve the next outbound slot while still holding the lock so
	// concurrent misses queue up behind each other instead of bursting.
	now := time.Now()
	wait := time.Duration(0)
	if w.nextCall.After(now) {
		wait = w.nextCall.Sub(now)
		w.nextCall = w.nextCall.Add(minLookupInterval)
	} else {
		w.nextCall = now.Add(minLookupInterval)
	}
	w.mu.Unlock()

	if wait > 0 {
		select {
		case <-ctx.Done():
			return false, -1
		case <-time.After(wait):
		}
	}

	txCount, err := w.counter.TransactionCount(ctx, address)
	if err != nil {
		w.mu.Lock()
		w.errors++
		w.mu.Unlock()
		slog.Warn("wallet_lookup_failed", "address", truncate(address, 10), "error", err)
		return false, -1
	}

	w.mu.Lock()
	w.cache[address] = walletCacheEntry{txCount: txCount, cachedAt: time.Now()}
	w.evictIfNeeded()
	w.mu.Unlock()

	isFresh := txCount <= w.maxTxs
	if isFresh {
		slog.Info("fresh_wallet_detected", "address", truncate(address, 10), "tx_count", txCount)
	}
	return isFresh, txCount
}

// evictIfNeeded drops the oldest entries by insertion time once the cache
// exceeds its capacity. Must be called with the lock held.
func (w *WalletReputation) evictIfNeeded() {
	if len(w.cache) <= walletCacheMaxEntries {
		return
	}

	type aged struct {
		address  string
		cachedAt time.Time
	}
	entries := make([]aged, 0, len(w.cache))
	for addr, entry := range w.cache {
		entries = append(entries, aged{address: addr, cachedAt: entry.cachedAt})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].cachedAt.Before(entries[j].cachedAt)
	})

	for i := 0; i < walletCacheEvictBatch && i < len(entries); i++ {
		delete(w.cache, entries[i].address)
	}

	slog.Debug("wallet_cache_evicted", "remaining", len(w.cache))
}

// Stats returns a snapshot of cache counters.
func (w *WalletReputation) Stats() WalletStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WalletStats{
		Lookups:   w.lookups,
		CacheHits: w.cacheHits,
		Errors:    w.errors,
		Entries:   len(w.cache),
	}
}
