package filter

import (
	"fmt"
	"testing"
	"time"

	"github.com/polywatch/engine/internal/store"
)

func testConfig() Config {
	return Config{
		MinUSDSize:        2000,
		ExcludeKeywords:   []string{"Sports", "NBA"},
		LPDetectionWindow: 200 * time.Millisecond,
	}
}

func makeTrade(wallet string, market string, side store.Side, usd float64, tsMs int64) store.Trade {
	return store.Trade{
		AssetID:      "asset-1",
		MarketID:     market,
		Price:        0.5,
		Size:         usd / 0.5,
		Side:         side,
		TimestampMs:  tsMs,
		TakerAddress: wallet,
		USDValue:     usd,
	}
}

func TestBelowMinSizeRejected(t *testing.T) {
	p := NewPipeline(testConfig())

	pass, reason := p.ShouldPass(makeTrade("0xabc", "m1", store.SideBuy, 1999.99, 1000), "")
	if pass {
		t.Fatal("expected $1999.99 trade to be rejected")
	}
	if reason != ReasonBelowMinSize {
		t.Errorf("reason = %q, want %q", reason, ReasonBelowMinSize)
	}

	pass, reason = p.ShouldPass(makeTrade("0xabc", "m1", store.SideBuy, 2000, 2000), "")
	if !pass {
		t.Fatalf("expected $2000 trade to pass, got reason %q", reason)
	}
}

func TestExcludedMarketKeyword(t *testing.T) {
	p := NewPipeline(testConfig())

	cases := []struct {
		label string
		want  bool
	}{
		{"Will the Lakers win the NBA finals?", false},
		{"Weekend sports special", false}, // case-insensitive
		{"Will BTC close above 100k?", true},
		{"", true}, // unknown market label never excludes
	}

	for _, tc := range cases {
		pass, _ := p.ShouldPass(makeTrade("0xabc", "m1", store.SideBuy, 5000, 1000), tc.label)
		if pass != tc.want {
			t.Errorf("label %q: pass = %v, want %v", tc.label, pass, tc.want)
		}
	}
}

func TestLPActivityDetection(t *testing.T) {
	p := NewPipeline(testConfig())

	// First trade establishes the window.
	pass, _ := p.ShouldPass(makeTrade("0xLP", "m1", store.SideBuy, 5000, 1000), "")
	if !pass {
		t.Fatal("first trade should pass")
	}

	// Opposite side, same market, 150ms later: market making.
	pass, reason := p.ShouldPass(makeTrade("0xLP", "m1", store.SideSell, 5000, 1150), "")
	if pass {
		t.Fatal("opposite-side fill inside the window should be rejected")
	}
	if reason != ReasonLPActivity {
		t.Errorf("reason = %q, want %q", reason, ReasonLPActivity)
	}

	// Opposite side but 500ms after the first trade: outside the window.
	pass, _ = p.ShouldPass(makeTrade("0xLP", "m1", store.SideSell, 5000, 1500), "")
	if !pass {
		t.Fatal("opposite-side fill outside the window should pass")
	}
}

func TestLPDetectionScopedToMarketAndWallet(t *testing.T) {
	p := NewPipeline(testConfig())

	p.ShouldPass(makeTrade("0xLP", "m1", store.SideBuy, 5000, 1000), "")

	// Same wallet, different market: no LP match.
	if pass, _ := p.ShouldPass(makeTrade("0xLP", "m2", store.SideSell, 5000, 1050), ""); !pass {
		t.Error("different market should not trip LP detection")
	}

	// Different wallet, same market: no LP match.
	if pass, _ := p.ShouldPass(makeTrade("0xOther", "m1", store.SideSell, 5000, 1050), ""); !pass {
		t.Error("different wallet should not trip LP detection")
	}

	// Same side twice is accumulation, not market making.
	if pass, _ := p.ShouldPass(makeTrade("0xLP", "m1", store.SideBuy, 5000, 1100), ""); !pass {
		t.Error("same-side fills should pass")
	}
}

func TestLPWalletAddressCaseInsensitive(t *testing.T) {
	p := NewPipeline(testConfig())

	p.ShouldPass(makeTrade("0xABCDEF", "m1", store.SideBuy, 5000, 1000), "")

	pass, reason := p.ShouldPass(makeTrade("0xabcdef", "m1", store.SideSell, 5000, 1100), "")
	if pass {
		t.Fatal("address casing should not defeat LP detection")
	}
	if reason != ReasonLPActivity {
		t.Errorf("reason = %q, want %q", reason, ReasonLPActivity)
	}
}

func TestLPWindowCapacity(t *testing.T) {
	p := NewPipeline(testConfig())

	for i := 0; i < lpWindowCapacity+20; i++ {
		p.ShouldPass(makeTrade("0xLP", fmt.Sprintf("m%d", i), store.SideBuy, 5000, int64(1000+i)), "")
	}

	p.mu.Lock()
	got := len(p.recentTrades["0xlp"])
	p.mu.Unlock()

	if got != lpWindowCapacity {
		t.Errorf("window length = %d, want %d", got, lpWindowCapacity)
	}
}

func TestStatsCounters(t *testing.T) {
	p := NewPipeline(testConfig())

	p.ShouldPass(makeTrade("0xa", "m1", store.SideBuy, 100, 1000), "")          // size
	p.ShouldPass(makeTrade("0xa", "m1", store.SideBuy, 5000, 2000), "NBA game") // market
	p.ShouldPass(makeTrade("0xa", "m1", store.SideBuy, 5000, 3000), "")         // pass

	s := p.Stats()
	if s.TotalReceived != 3 {
		t.Errorf("TotalReceived = %d, want 3", s.TotalReceived)
	}
	if s.FilteredSize != 1 || s.FilteredMarket != 1 || s.Passed != 1 {
		t.Errorf("unexpected counters: %+v", s)
	}
}

func TestSweepPrunesAgedRecords(t *testing.T) {
	p := NewPipeline(testConfig())
	now := time.Now()
	oldMs := now.Add(-2 * time.Minute).UnixMilli()
	freshMs := now.UnixMilli()

	// 0xstale has only aged records, 0xmixed has one aged and one fresh.
	p.ShouldPass(makeTrade("0xstale", "m1", store.SideBuy, 5000, oldMs), "")
	p.ShouldPass(makeTrade("0xstale", "m2", store.SideBuy, 5000, oldMs), "")
	p.ShouldPass(makeTrade("0xmixed", "m1", store.SideBuy, 5000, oldMs), "")
	p.ShouldPass(makeTrade("0xmixed", "m2", store.SideBuy, 5000, freshMs), "")
	p.ShouldPass(makeTrade("0xlive", "m1", store.SideBuy, 5000, freshMs), "")

	p.mu.Lock()
	p.lastSweep = now.Add(-2 * sweepInterval)
	p.mu.Unlock()

	p.ShouldPass(makeTrade("0xtrigger", "m3", store.SideBuy, 5000, freshMs), "")

	p.mu.Lock()
	_, stalePresent := p.recentTrades["0xstale"]
	mixed := len(p.recentTrades["0xmixed"])
	_, livePresent := p.recentTrades["0xlive"]
	swept := p.lastSweep
	p.mu.Unlock()

	if stalePresent {
		t.Error("wallet with only aged records must be dropped from the map")
	}
	if mixed != 1 {
		t.Errorf("mixed wallet window length = %d, want 1", mixed)
	}
	if !livePresent {
		t.Error("wallet with fresh records must survive the sweep")
	}
	if swept.Before(now) {
		t.Error("lastSweep must advance when the sweep runs")
	}
}

func TestSweepThrottled(t *testing.T) {
	p := NewPipeline(testConfig())
	oldMs := time.Now().Add(-2 * time.Minute).UnixMilli()

	p.ShouldPass(makeTrade("0xstale", "m1", store.SideBuy, 5000, oldMs), "")
	p.ShouldPass(makeTrade("0xb", "m2", store.SideBuy, 5000, time.Now().UnixMilli()), "")

	p.mu.Lock()
	_, stalePresent := p.recentTrades["0xstale"]
	p.mu.Unlock()

	// The sweep ran at construction time, so aged records stay until the
	// interval elapses.
	if !stalePresent {
		t.Error("records must not be pruned before the sweep interval elapses")
	}
}
