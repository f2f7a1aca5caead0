package ui

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/polywatch/engine/internal/metrics"
	"github.com/polywatch/engine/internal/store"
)

// StatsView displays pipeline health and throughput.
type StatsView struct {
	textView *tview.TextView
}

// NewStatsView creates the stats panel.
func NewStatsView() *StatsView {
	textView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(false)

	textView.SetTitle(" Pipeline Stats ").SetBorder(true)

	return &StatsView{textView: textView}
}

// Widget returns the tview primitive.
func (v *StatsView) Widget() tview.Primitive {
	return v.textView
}

// Update refreshes the stats display from a snapshot.
func (v *StatsView) Update(s metrics.Snapshot) {
	v.textView.Clear()

	wsColor := "red"
	wsStatus := "disconnected"
	if s.Feed.Connected {
		wsColor = "green"
		wsStatus = "connected"
	}

	fmt.Fprintf(v.textView, "[yellow]Uptime:[white] %s\n", formatDuration(s.Uptime))
	fmt.Fprintf(v.textView, "[yellow]Feed:[%s] %s[white]  assets=%d  reconnects=%d\n",
		wsColor, wsStatus, s.Feed.SubscribedAssets, s.Feed.Reconnects)
	fmt.Fprintf(v.textView, "[yellow]Trades:[white] %d received, %d unknown events, %d parse errors\n",
		s.Feed.TradesReceived, s.Feed.UnknownEvents, s.Feed.ParseErrors)
	fmt.Fprintf(v.textView, "[yellow]Filter:[white] %d/%d passed (market=%d size=%d lp=%d)\n",
		s.Filter.Passed, s.Filter.TotalReceived,
		s.Filter.FilteredMarket, s.Filter.FilteredSize, s.Filter.FilteredLP)
	fmt.Fprintf(v.textView, "[yellow]Signals:[white] %d from %d analyzed\n",
		s.Detector.SignalsGenerated, s.Detector.TradesAnalyzed)
	fmt.Fprintf(v.textView, "[yellow]Wallet cache:[white] %d entries, %d hits, %d errors\n",
		s.Wallet.Entries, s.Wallet.CacheHits, s.Wallet.Errors)
	fmt.Fprintf(v.textView, "[yellow]Alerts:[white] %d sent, %d queued, queue=%d, dropped=%d\n",
		s.Dispatch.Sent, s.Dispatch.Queued, s.Dispatch.QueueSize, s.Dispatch.QueueDropped)
}

// SignalFeedView displays the most recent detected signals.
type SignalFeedView struct {
	list     *tview.List
	signals  []*store.Signal
	maxItems int
}

// NewSignalFeedView creates the live signal panel.
func NewSignalFeedView() *SignalFeedView {
	list := tview.NewList().ShowSecondaryText(true)
	list.SetTitle(" \U0001F6A8 Live Signals ").SetBorder(true)
	list.SetMainTextColor(tcell.ColorWhite)

	return &SignalFeedView{
		list:     list,
		signals:  make([]*store.Signal, 0, 50),
		maxItems: 50,
	}
}

// Widget returns the tview primitive.
func (v *SignalFeedView) Widget() tview.Primitive {
	return v.list
}

// AddSignal prepends a signal to the feed.
func (v *SignalFeedView) AddSignal(sig *store.Signal) {
	v.signals = append([]*store.Signal{sig}, v.signals...)
	if len(v.signals) > v.maxItems {
		v.signals = v.signals[:v.maxItems]
	}
	v.rebuild()
}

func (v *SignalFeedView) rebuild() {
	v.list.Clear()

	for _, sig := range v.signals {
		trade := sig.Trade

		title := sig.MarketTitle
		if title == "" {
			title = truncate(trade.MarketID, 24)
		}

		main := fmt.Sprintf("%s $%.0f %s @ %.2f  %s",
			sig.EmojiLine(), trade.USDValue, trade.Side, trade.Price, title)
		secondary := fmt.Sprintf("   conf=%.0f%%  %s  %s",
			sig.Confidence*100, joinTypes(sig.SignalTypes), trade.Time().Format("15:04:05"))

		v.list.AddItem(main, secondary, 0, nil)
	}
}

func joinTypes(types []store.SignalType) string {
	out := ""
	for i, t := range types {
		if i > 0 {
			out += "+"
		}
		out += string(t)
	}
	return out
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
