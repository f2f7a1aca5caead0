package enrich

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polywatch/engine/internal/store"
)

// recordingSink captures metadata pushes.
type recordingSink struct {
	mu     sync.Mutex
	pushes []sinkPush
}

type sinkPush struct {
	conditionID string
	endDate     time.Time
	yes, no     float64
}

func (r *recordingSink) UpdateMarketMetadata(conditionID string, endDate time.Time, yes, no float64) {
	r.mu.Lock()
	r.pushes = append(r.pushes, sinkPush{conditionID, endDate, yes, no})
	r.mu.Unlock()
}

func (r *recordingSink) last() (sinkPush, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pushes) == 0 {
		return sinkPush{}, false
	}
	return r.pushes[len(r.pushes)-1], true
}

func newClobServer(t *testing.T, marketCalls *int) *httptest.Server {
	endDate := time.Now().Add(8 * time.Hour).UTC().Format(time.RFC3339)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/markets/0xcond":
			if marketCalls != nil {
				*marketCalls++
			}
			fmt.Fprintf(w, `{"condition_id": "0xcond", "question": "Will BTC close above 100k?", "market_slug": "btc-100k", "end_date_iso": %q}`, endDate)
		case r.URL.Path == "/price":
			fmt.Fprint(w, `{"price": "0.62"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func testSignal() *store.Signal {
	return &store.Signal{
		Trade: store.Trade{
			AssetID:  "tok-yes",
			MarketID: "0xcond",
			USDValue: 15000,
		},
		SignalTypes:     []store.SignalType{store.SignalWhale},
		Confidence:      0.8,
		CurrentYesPrice: -1,
		CurrentNoPrice:  -1,
		HoursToClose:    -1,
	}
}

func TestEnrichFillsSignal(t *testing.T) {
	srv := newClobServer(t, nil)
	defer srv.Close()

	sink := &recordingSink{}
	e := New(srv.URL, sink)

	sig := e.Enrich(context.Background(), testSignal())

	assert.Equal(t, "Will BTC close above 100k?", sig.MarketTitle)
	assert.Equal(t, "btc-100k", sig.MarketSlug)
	assert.InDelta(t, 8.0, sig.HoursToClose, 0.1)
	assert.Equal(t, 0.62, sig.CurrentYesPrice)
	assert.InDelta(t, 0.38, sig.CurrentNoPrice, 1e-9)

	push, ok := sink.last()
	require.True(t, ok, "enrichment must feed the metadata sink")
	assert.Equal(t, "0xcond", push.conditionID)
	assert.Equal(t, 0.62, push.yes)
	assert.False(t, push.endDate.IsZero())
}

func TestEnrichSurvivesAPIFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := New(srv.URL, nil)
	sig := e.Enrich(context.Background(), testSignal())

	// The signal goes out unenriched instead of being lost.
	assert.Empty(t, sig.MarketTitle)
	assert.Equal(t, -1.0, sig.CurrentYesPrice)
	assert.Equal(t, int64(2), e.Stats().APIErrors)
}

func TestEnrichFailurePushesNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := &recordingSink{}
	e := New(srv.URL, sink)

	e.Enrich(context.Background(), testSignal())

	// A cycle where both fetches failed must not reach the sink; pushing
	// the sentinels would overwrite metadata learned on earlier cycles.
	_, ok := sink.last()
	assert.False(t, ok, "failed enrichment must not push metadata")
}

func TestEnrichPartialFailurePushesFetchedFieldsOnly(t *testing.T) {
	endDate := time.Now().Add(8 * time.Hour).UTC().Format(time.RFC3339)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/markets/0xcond" {
			fmt.Fprintf(w, `{"condition_id": "0xcond", "question": "Q", "market_slug": "q", "end_date_iso": %q}`, endDate)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := &recordingSink{}
	e := New(srv.URL, sink)

	e.Enrich(context.Background(), testSignal())

	push, ok := sink.last()
	require.True(t, ok)
	assert.False(t, push.endDate.IsZero())
	// The failed price fetch is pushed as the unknown sentinel so the sink
	// keeps whatever price it already has.
	assert.Equal(t, -1.0, push.yes)
	assert.Equal(t, -1.0, push.no)
}

func TestMarketInfoCached(t *testing.T) {
	calls := 0
	srv := newClobServer(t, &calls)
	defer srv.Close()

	e := New(srv.URL, nil)
	ctx := context.Background()

	e.Enrich(ctx, testSignal())
	e.Enrich(ctx, testSignal())

	assert.Equal(t, 1, calls, "second enrichment must hit the market cache")
	assert.Equal(t, int64(1), e.Stats().CacheHits)
}

func TestRefreshMetadataPushesToSink(t *testing.T) {
	srv := newClobServer(t, nil)
	defer srv.Close()

	sink := &recordingSink{}
	e := New(srv.URL, sink)

	e.RefreshMetadata(context.Background(), "0xcond", "tok-yes")

	push, ok := sink.last()
	require.True(t, ok)
	assert.Equal(t, "0xcond", push.conditionID)
	assert.Equal(t, 0.62, push.yes)
	assert.InDelta(t, 0.38, push.no, 1e-9)
}

func TestRefreshMetadataWithoutToken(t *testing.T) {
	srv := newClobServer(t, nil)
	defer srv.Close()

	sink := &recordingSink{}
	e := New(srv.URL, sink)

	e.RefreshMetadata(context.Background(), "0xcond", "")

	push, ok := sink.last()
	require.True(t, ok)
	// Unknown prices are pushed as the sentinel, not as zero.
	assert.Equal(t, -1.0, push.yes)
	assert.Equal(t, -1.0, push.no)
}

func TestCacheEviction(t *testing.T) {
	e := New("http://unused", nil)

	e.mu.Lock()
	base := time.Now()
	for i := 0; i <= marketCacheMaxEntries; i++ {
		id := fmt.Sprintf("0x%04d", i)
		e.cache[id] = cachedMarket{info: marketInfo{conditionID: id}, cachedAt: base.Add(time.Duration(i))}
	}
	e.evictIfNeeded()
	got := len(e.cache)
	_, oldestPresent := e.cache["0x0000"]
	e.mu.Unlock()

	assert.Equal(t, marketCacheMaxEntries+1-marketCacheEvictBatch, got)
	assert.False(t, oldestPresent)
}
