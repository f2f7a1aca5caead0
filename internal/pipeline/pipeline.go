// Package pipeline wires the four stages together: filter, detect, enrich,
// dispatch. One trade is processed end-to-end before the next begins, which
// keeps completion order identical to feed-delivery order.
package pipeline

import (
	"context"
	"sync"

	"log/slog"

	"github.com/polywatch/engine/internal/alert"
	"github.com/polywatch/engine/internal/detector"
	"github.com/polywatch/engine/internal/enrich"
	"github.com/polywatch/engine/internal/filter"
	"github.com/polywatch/engine/internal/metrics"
	"github.com/polywatch/engine/internal/store"
)

// SignalSink observes every enriched signal, e.g. the TUI feed. Optional.
type SignalSink func(sig *store.Signal)

// Pipeline is the per-trade processing chain handed to the feed as its
// callback.
type Pipeline struct {
	filter     *filter.Pipeline
	detector   *detector.Detector
	enricher   *enrich.Enricher
	dispatcher *alert.Dispatcher

	labelMu      sync.RWMutex
	marketLabels map[string]string // asset ID -> market question

	sink SignalSink
}

// New assembles the pipeline. marketLabels maps asset IDs to market
// questions for keyword filtering and may be nil.
func New(
	fp *filter.Pipeline,
	det *detector.Detector,
	enr *enrich.Enricher,
	disp *alert.Dispatcher,
	marketLabels map[string]string,
) *Pipeline {
	if marketLabels == nil {
		marketLabels = make(map[string]string)
	}
	return &Pipeline{
		filter:       fp,
		detector:     det,
		enricher:     enr,
		dispatcher:   disp,
		marketLabels: marketLabels,
	}
}

// SetSignalSink registers an observer for enriched signals.
func (p *Pipeline) SetSignalSink(sink SignalSink) {
	p.sink = sink
}

// SetMarketLabels replaces the asset-to-question map, e.g. after a market
// list refresh.
func (p *Pipeline) SetMarketLabels(labels map[string]string) {
	p.labelMu.Lock()
	p.marketLabels = labels
	p.labelMu.Unlock()
}

func (p *Pipeline) marketLabel(assetID string) string {
	p.labelMu.RLock()
	defer p.labelMu.RUnlock()
	return p.marketLabels[assetID]
}

// HandleTrade runs one trade through all four stages. It is the feed's
// TradeHandler; returning an error only feeds the callback-error counter.
func (p *Pipeline) HandleTrade(ctx context.Context, trade store.Trade) error {
	metrics.TradesReceived.Inc()

	pass, reason := p.filter.ShouldPass(trade, p.marketLabel(trade.AssetID))
	if !pass {
		metrics.TradesFiltered.WithLabelValues(reason).Inc()
		if trade.USDValue >= 500 {
			slog.Debug("trade_filtered", "reason", reason, "value_usd", trade.USDValue)
		}
		return nil
	}

	sig := p.detector.Analyze(ctx, trade)
	if sig == nil {
		return nil
	}

	sig = p.enricher.Enrich(ctx, sig)

	for _, st := range sig.SignalTypes {
		metrics.SignalsDetected.WithLabelValues(string(st)).Inc()
	}

	slog.Info("signal_detected",
		"types", sig.SignalTypes,
		"confidence", sig.Confidence,
		"value_usd", trade.USDValue,
		"side", trade.Side,
		"price", trade.Price,
		"market", sig.MarketTitle,
	)

	if p.sink != nil {
		p.sink(sig)
	}

	p.dispatcher.SendAlert(sig)
	return nil
}
