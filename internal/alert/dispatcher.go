package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/polywatch/engine/internal/store"
)

const (
	// emptyQueueBackoff is how long the worker sleeps on an empty queue.
	emptyQueueBackoff = 100 * time.Millisecond

	// workerErrorPause is how long the worker pauses after an unexpected
	// failure before resuming.
	workerErrorPause = 1 * time.Second
)

// Channel delivers a rendered alert for one signal to one endpoint. Each
// implementation owns its own rendering.
type Channel interface {
	// Name identifies the channel type ("discord", "telegram").
	Name() string
	// Endpoint identifies the destination, used for de-duplication.
	Endpoint() string
	// Send renders and delivers the signal.
	Send(ctx context.Context, sig *store.Signal) error
}

// DispatcherStats is a snapshot of dispatcher counters.
type DispatcherStats struct {
	Queued       int64
	Discarded    int64
	Sent         int64
	QueueDropped int64
	QueueSize    int
	SendErrors   map[string]int64
}

// Dispatcher feeds the rate-limited queue into concurrent fan-out delivery.
// A failing channel is isolated: counted and logged, never allowed to block
// the others or fail the alert.
type Dispatcher struct {
	queue            *LeakyBucketQueue
	channels         []Channel
	publishThreshold float64

	mu         sync.Mutex
	queued     int64
	discarded  int64
	sent       int64
	sendErrors map[string]int64

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewDispatcher creates a dispatcher over the given channels. Duplicate
// endpoints per channel type are dropped.
func NewDispatcher(queue *LeakyBucketQueue, channels []Channel, publishThreshold float64) *Dispatcher {
	seen := make(map[string]bool)
	deduped := make([]Channel, 0, len(channels))
	for _, ch := range channels {
		key := ch.Name() + "|" + ch.Endpoint()
		if seen[key] {
			slog.Warn("alert_channel_duplicate", "channel", ch.Name())
			continue
		}
		seen[key] = true
		deduped = append(deduped, ch)
	}

	return &Dispatcher{
		queue:            queue,
		channels:         deduped,
		publishThreshold: publishThreshold,
		sendErrors:       make(map[string]int64),
		done:             make(chan struct{}),
	}
}

// SendAlert enqueues a signal without blocking. Signals at or below the
// publish threshold are discarded here, not at render time.
func (d *Dispatcher) SendAlert(sig *store.Signal) {
	if sig.Confidence <= d.publishThreshold {
		d.mu.Lock()
		d.discarded++
		d.mu.Unlock()
		slog.Debug("alert_below_threshold", "confidence", sig.Confidence, "threshold", d.publishThreshold)
		return
	}

	d.queue.Add(sig)
	d.mu.Lock()
	d.queued++
	d.mu.Unlock()
}

// Start launches the worker. Idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		ctx, d.cancel = context.WithCancel(ctx)
		go d.workerLoop(ctx)
		slog.Info("alert_dispatcher_started", "channels", len(d.channels))
	})
}

// Stop cancels the worker and waits for it to finish. Idempotent, and safe
// when the worker was never started.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel == nil {
			return
		}
		d.cancel()
		<-d.done
		slog.Info("alert_dispatcher_stopped")
	})
}

// workerLoop runs until cancelled. An empty queue backs it off briefly; an
// unexpected failure is logged, counted, and followed by a pause. The loop
// itself never terminates except through Stop.
func (d *Dispatcher) workerLoop(ctx context.Context) {
	defer close(d.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item := d.queue.GetNext(ctx)
		if item == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(emptyQueueBackoff):
			}
			continue
		}

		if err := d.process(ctx, item); err != nil {
			d.mu.Lock()
			d.sendErrors["worker"]++
			d.mu.Unlock()
			slog.Error("alert_worker_error", "error", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(workerErrorPause):
			}
		}
	}
}

// process delivers one alert to every channel concurrently. Per-channel
// failures are isolated; a panic in a channel implementation is contained
// the same way.
func (d *Dispatcher) process(ctx context.Context, item *QueuedAlert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &workerPanic{value: r}
		}
	}()

	if len(d.channels) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, ch := range d.channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()

			if sendErr := ch.Send(ctx, item.Signal); sendErr != nil {
				d.mu.Lock()
				d.sendErrors[ch.Name()]++
				d.mu.Unlock()
				slog.Error("alert_send_failed", "channel", ch.Name(), "alert", item.ID, "error", sendErr)
				return
			}

			slog.Debug("alert_sent", "channel", ch.Name(), "alert", item.ID)
		}(ch)
	}
	wg.Wait()

	d.mu.Lock()
	d.sent++
	d.mu.Unlock()
	return nil
}

type workerPanic struct {
	value interface{}
}

func (p *workerPanic) Error() string {
	return fmt.Sprintf("alert worker panic: %v", p.value)
}

// Stats returns a snapshot of dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	errs := make(map[string]int64, len(d.sendErrors))
	for k, v := range d.sendErrors {
		errs[k] = v
	}

	return DispatcherStats{
		Queued:       d.queued,
		Discarded:    d.discarded,
		Sent:         d.sent,
		QueueDropped: d.queue.Dropped(),
		QueueSize:    d.queue.Size(),
		SendErrors:   errs,
	}
}
