// Package main is the entry point for the polywatch surveillance engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/polywatch/engine/internal/alert"
	"github.com/polywatch/engine/internal/chain"
	"github.com/polywatch/engine/internal/config"
	"github.com/polywatch/engine/internal/detector"
	"github.com/polywatch/engine/internal/enrich"
	"github.com/polywatch/engine/internal/feed"
	"github.com/polywatch/engine/internal/filter"
	"github.com/polywatch/engine/internal/metrics"
	"github.com/polywatch/engine/internal/pipeline"
	"github.com/polywatch/engine/internal/store"
	"github.com/polywatch/engine/internal/ui"
)

const signalFeedBuffer = 64

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("polywatch starting", "version", "1.0.0")
	slog.Info("config_loaded",
		"polymarket_ws_url", cfg.PolymarketWSURL,
		"rpc_url", cfg.RPCURL,
		"min_usd_size", cfg.MinUSDSize,
		"whale_threshold_usd", cfg.WhaleThresholdUSD,
		"whale_multiplier", cfg.WhaleMultiplier,
		"fresh_wallet_max_txs", cfg.FreshWalletMaxTxs,
		"cluster_window", cfg.ClusterWindow,
		"cluster_min_wallets", cfg.ClusterMinWallets,
		"lp_detection_window", cfg.LPDetectionWindow,
		"exclude_keywords", cfg.ExcludeMarketKeywords,
		"watched_wallets", len(cfg.WatchedWallets),
		"publish_confidence", cfg.PublishConfidence,
		"discord_webhooks", cfg.MaskedDiscordWebhooks(),
		"telegram_token", cfg.MaskedTelegramToken(),
		"prometheus_port", cfg.PrometheusPort,
		"tui_enabled", cfg.EnableTUI,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Wallet lookups. A bad RPC endpoint degrades the fresh-wallet detector
	// instead of taking the pipeline down.
	var txCounter detector.TxCounter
	if client, err := chain.Dial(ctx, cfg.RPCURL); err != nil {
		slog.Warn("rpc_dial_failed", "url", cfg.RPCURL, "error", err)
		txCounter = unavailableCounter{}
	} else {
		defer client.Close()
		txCounter = client
	}

	wallets := detector.NewWalletReputation(txCounter, cfg.FreshWalletMaxTxs)

	det := detector.New(detector.Config{
		WhaleThresholdUSD:    cfg.WhaleThresholdUSD,
		WhaleMultiplier:      cfg.WhaleMultiplier,
		FreshWalletMaxTxs:    cfg.FreshWalletMaxTxs,
		ClusterWindow:        cfg.ClusterWindow,
		ClusterMinWallets:    cfg.ClusterMinWallets,
		TimingHoursThreshold: cfg.TimingHoursThreshold,
		OddsMovementDelta:    cfg.OddsMovementDelta,
		ContrarianConsensus:  cfg.ContrarianConsensus,
		ContrarianMinUSD:     cfg.ContrarianMinUSD,
		WatchedWallets:       cfg.WatchedWallets,
	}, wallets)

	filt := filter.NewPipeline(filter.Config{
		MinUSDSize:        cfg.MinUSDSize,
		ExcludeKeywords:   cfg.ExcludeMarketKeywords,
		LPDetectionWindow: cfg.LPDetectionWindow,
	})

	enricher := enrich.New(cfg.CLOBAPIURL, det)

	channels := buildChannels(cfg)
	queue := alert.NewLeakyBucketQueue(cfg.AlertRatePerSec, cfg.AlertQueueSize)
	dispatcher := alert.NewDispatcher(queue, channels, cfg.PublishConfidence)
	dispatcher.Start(ctx)

	// Market discovery: subscribe to the markets that actually have flow.
	slog.Info("fetching_active_markets", "limit", cfg.MarketFetchLimit)
	markets, err := feed.FetchActiveMarkets(ctx, cfg.GammaAPIURL, cfg.MarketFetchLimit)
	if err != nil {
		slog.Warn("market_fetch_failed", "error", err)
	}
	tokenIDs := feed.ExtractTokenIDs(markets)
	labels := feed.MarketLabels(markets)

	pipe := pipeline.New(filt, det, enricher, dispatcher, labels)

	client := feed.NewClient(cfg.PolymarketWSURL, pipe.HandleTrade)
	client.Subscribe(tokenIDs)
	go client.Run(ctx)

	collector := metrics.NewCollector(client, filt, det, wallets, enricher, dispatcher)
	metricsSrv := metrics.Serve(cfg.PrometheusPort)
	slog.Info("metrics_listening", "port", cfg.PrometheusPort)

	// Periodic maintenance: cluster pruning and metadata warming.
	go runMaintenance(ctx, det, enricher, markets)

	// Periodic operator statistics.
	go logStatsPeriodically(ctx, collector, cfg.StatsInterval)

	slog.Info("engine_started",
		"subscribed_tokens", len(tokenIDs),
		"alert_channels", len(channels),
	)

	if cfg.EnableTUI {
		signalChan := make(chan *store.Signal, signalFeedBuffer)
		pipe.SetSignalSink(func(sig *store.Signal) {
			select {
			case signalChan <- sig:
			default:
			}
		})

		app := ui.NewApp(collector, signalChan, cfg.UIRefreshRate)
		go func() {
			if err := app.Run(); err != nil {
				slog.Error("tui_error", "error", err)
			}
			cancel()
		}()

		select {
		case sig := <-sigChan:
			slog.Info("shutdown_signal_received", "signal", sig.String())
			app.Stop()
		case <-ctx.Done():
			app.Stop()
		}
	} else {
		sig := <-sigChan
		slog.Info("shutdown_signal_received", "signal", sig.String())
	}

	cancel()

	slog.Info("shutting_down")
	client.Stop()
	dispatcher.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	logStats(collector)
	slog.Info("shutdown_complete")
}

// buildChannels assembles the configured notification channels.
func buildChannels(cfg *config.Config) []alert.Channel {
	var channels []alert.Channel

	for _, url := range cfg.DiscordWebhookURLs {
		channels = append(channels, alert.NewDiscordChannel(url))
	}
	if len(cfg.DiscordWebhookURLs) == 0 {
		slog.Warn("discord_alerts_disabled", "reason", "no webhook URL")
	}

	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		channels = append(channels, alert.NewTelegramChannel(cfg.TelegramBotToken, cfg.TelegramChatID))
	} else {
		slog.Warn("telegram_alerts_disabled", "reason", "missing token or chat ID")
	}

	return channels
}

// runMaintenance prunes stale cluster windows and refreshes market metadata
// so the timing and contrarian detectors keep working between signals.
func runMaintenance(ctx context.Context, det *detector.Detector, enricher *enrich.Enricher, markets []feed.Market) {
	clusterTicker := time.NewTicker(detector.DefaultClusterMaxAge)
	defer clusterTicker.Stop()

	metadataTicker := time.NewTicker(10 * time.Minute)
	defer metadataTicker.Stop()

	// Warm the metadata cache soon after startup.
	warm := time.After(30 * time.Second)

	for {
		select {
		case <-ctx.Done():
			return
		case <-clusterTicker.C:
			det.CleanupClusters(detector.DefaultClusterMaxAge)
		case <-warm:
			refreshMetadata(ctx, enricher, markets)
		case <-metadataTicker.C:
			refreshMetadata(ctx, enricher, markets)
		}
	}
}

// refreshMetadata pushes fresh end dates and prices for the busiest markets.
// Bounded so one cycle stays well under the refresh interval at the
// enricher's call rate.
func refreshMetadata(ctx context.Context, enricher *enrich.Enricher, markets []feed.Market) {
	const maxPerCycle = 50

	refreshed := 0
	for _, market := range markets {
		if market.ConditionID == "" {
			continue
		}

		yesTokenID := ""
		if ids := feed.ExtractTokenIDs([]feed.Market{market}); len(ids) > 0 {
			yesTokenID = ids[0]
		}

		enricher.RefreshMetadata(ctx, market.ConditionID, yesTokenID)

		refreshed++
		if refreshed >= maxPerCycle {
			break
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}

	slog.Debug("metadata_refreshed", "markets", refreshed)
}

// logStatsPeriodically emits the aggregate pipeline statistics.
func logStatsPeriodically(ctx context.Context, collector *metrics.Collector, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logStats(collector)
		}
	}
}

func logStats(collector *metrics.Collector) {
	s := collector.Snapshot()

	slog.Info("pipeline_stats",
		"uptime", s.Uptime.Round(time.Second),
		"ws_connected", s.Feed.Connected,
		"ws_reconnects", s.Feed.Reconnects,
		"trades_received", s.Feed.TradesReceived,
		"unknown_events", s.Feed.UnknownEvents,
		"parse_errors", s.Feed.ParseErrors,
		"filter_passed", s.Filter.Passed,
		"filter_market", s.Filter.FilteredMarket,
		"filter_size", s.Filter.FilteredSize,
		"filter_lp", s.Filter.FilteredLP,
		"trades_analyzed", s.Detector.TradesAnalyzed,
		"signals_generated", s.Detector.SignalsGenerated,
		"wallet_cache_entries", s.Wallet.Entries,
		"wallet_cache_hits", s.Wallet.CacheHits,
		"wallet_errors", s.Wallet.Errors,
		"alerts_queued", s.Dispatch.Queued,
		"alerts_sent", s.Dispatch.Sent,
		"alerts_discarded", s.Dispatch.Discarded,
		"queue_dropped", s.Dispatch.QueueDropped,
	)
}

// unavailableCounter stands in when the RPC endpoint could not be dialed.
type unavailableCounter struct{}

func (unavailableCounter) TransactionCount(context.Context, string) (int, error) {
	return -1, fmt.Errorf("rpc client unavailable")
}

// setupLogger creates a structured logger with the specified level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		level = slog.LevelDebug
	case "INFO":
		level = slog.LevelInfo
	case "WARN", "WARNING":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format("2006-01-02 15:04:05"))
				}
			}
			return a
		},
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler)
}
