// Package ui provides the optional terminal dashboard.
package ui

import (
	"context"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/polywatch/engine/internal/metrics"
	"github.com/polywatch/engine/internal/store"
)

// App is the TUI application: a stats dashboard on top of a live signal feed.
type App struct {
	app    *tview.Application
	layout *tview.Flex

	stats   *StatsView
	signals *SignalFeedView

	collector   *metrics.Collector
	signalChan  <-chan *store.Signal
	refreshRate time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewApp creates the TUI over the metrics collector and signal feed.
func NewApp(collector *metrics.Collector, signalChan <-chan *store.Signal, refreshRate time.Duration) *App {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		app:         tview.NewApplication(),
		stats:       NewStatsView(),
		signals:     NewSignalFeedView(),
		collector:   collector,
		signalChan:  signalChan,
		refreshRate: refreshRate,
		ctx:         ctx,
		cancel:      cancel,
	}

	a.layout = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.stats.Widget(), 0, 1, false).
		AddItem(a.signals.Widget(), 0, 2, false)
	a.app.SetRoot(a.layout, true)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyCtrlC {
			a.Stop()
			return nil
		}
		if event.Key() == tcell.KeyRune && (event.Rune() == 'q' || event.Rune() == 'Q') {
			a.Stop()
			return nil
		}
		return event
	})

	return a
}

// Run starts the TUI and blocks until Stop.
func (a *App) Run() error {
	go a.consumeSignals()
	go a.refreshLoop()
	return a.app.Run()
}

// Stop shuts the TUI down.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}

func (a *App) consumeSignals() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case sig, ok := <-a.signalChan:
			if !ok {
				return
			}
			a.app.QueueUpdateDraw(func() {
				a.signals.AddSignal(sig)
			})
		}
	}
}

func (a *App) refreshLoop() {
	ticker := time.NewTicker(a.refreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			snapshot := a.collector.Snapshot()
			a.app.QueueUpdateDraw(func() {
				a.stats.Update(snapshot)
			})
		}
	}
}
