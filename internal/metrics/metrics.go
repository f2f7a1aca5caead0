// Package metrics exposes pipeline counters over Prometheus and aggregates
// per-component statistics for the periodic operator log and the TUI.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polywatch/engine/internal/alert"
	"github.com/polywatch/engine/internal/detector"
	"github.com/polywatch/engine/internal/enrich"
	"github.com/polywatch/engine/internal/feed"
	"github.com/polywatch/engine/internal/filter"
)

var (
	TradesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "polywatch_trades_received_total", Help: "Trades parsed off the feed"},
	)
	TradesFiltered = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "polywatch_trades_filtered_total", Help: "Trades rejected by the filter chain"},
		[]string{"reason"},
	)
	SignalsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "polywatch_signals_detected_total", Help: "Signals produced by the detector"},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(TradesReceived, TradesFiltered, SignalsDetected)
}

// Serve exposes /metrics on the given port in the background.
func Serve(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// Snapshot is a point-in-time view across all pipeline components.
type Snapshot struct {
	Feed     feed.Stats
	Filter   filter.Stats
	Detector detector.Stats
	Wallet   detector.WalletStats
	Enrich   enrich.Stats
	Dispatch alert.DispatcherStats
	Uptime   time.Duration
}

// Collector gathers snapshots from the live components.
type Collector struct {
	feed      *feed.Client
	filter    *filter.Pipeline
	detector  *detector.Detector
	wallets   *detector.WalletReputation
	enricher  *enrich.Enricher
	dispatch  *alert.Dispatcher
	startTime time.Time
}

// NewCollector wires the collector to the pipeline components.
func NewCollector(
	fc *feed.Client,
	fp *filter.Pipeline,
	det *detector.Detector,
	wallets *detector.WalletReputation,
	enr *enrich.Enricher,
	disp *alert.Dispatcher,
) *Collector {
	c := &Collector{
		feed:      fc,
		filter:    fp,
		detector:  det,
		wallets:   wallets,
		enricher:  enr,
		dispatch:  disp,
		startTime: time.Now(),
	}

	// Dispatcher and feed own their counters; export them as functions
	// instead of double-counting.
	prometheus.MustRegister(
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: "polywatch_alerts_sent_total", Help: "Alerts dispatched to at least one channel"},
			func() float64 { return float64(c.dispatch.Stats().Sent) },
		),
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: "polywatch_feed_reconnects_total", Help: "Feed reconnection attempts"},
			func() float64 { return float64(c.feed.Stats().Reconnects) },
		),
	)

	return c
}

// Snapshot assembles the current statistics of every component.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Feed:     c.feed.Stats(),
		Filter:   c.filter.Stats(),
		Detector: c.detector.Stats(),
		Wallet:   c.wallets.Stats(),
		Enrich:   c.enricher.Stats(),
		Dispatch: c.dispatch.Stats(),
		Uptime:   time.Since(c.startTime),
	}
}
