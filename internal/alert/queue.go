// Package alert rate-limits detected signals and fans them out to the
// configured notification channels.
package alert

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"log/slog"

	"github.com/polywatch/engine/internal/store"
)

// Queue defaults.
const (
	DefaultQueueSize  = 10
	DefaultRatePerSec = 1.0
)

// QueuedAlert is a signal waiting in the rate-limit queue. Owned exclusively
// by the queue until dequeued.
type QueuedAlert struct {
	ID         string
	Signal     *store.Signal
	EnqueuedAt time.Time
	RetryCount int
}

// LeakyBucketQueue is a bounded FIFO that enforces a global minimum interval
// between dequeues. Enqueue always succeeds from the caller's view; when
// full, the oldest entry is silently dropped. Best-effort, not lossless.
type LeakyBucketQueue struct {
	mu          sync.Mutex
	items       []*QueuedAlert
	maxSize     int
	minInterval time.Duration
	lastSend    time.Time
	dropped     int64
}

// NewLeakyBucketQueue creates a queue delivering at most ratePerSec messages
// per second with the given capacity.
func NewLeakyBucketQueue(ratePerSec float64, maxSize int) *LeakyBucketQueue {
	if ratePerSec <= 0 {
		ratePerSec = DefaultRatePerSec
	}
	if maxSize < 1 {
		maxSize = DefaultQueueSize
	}

	return &LeakyBucketQueue{
		items:       make([]*QueuedAlert, 0, maxSize),
		maxSize:     maxSize,
		minInterval: time.Duration(float64(time.Second) / ratePerSec),
	}
}

// Add enqueues a signal. When the queue is full the oldest entry is dropped,
// logged, and counted; Add itself never fails or blocks.
func (q *LeakyBucketQueue) Add(sig *store.Signal) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.maxSize {
		dropped := q.items[0]
		q.items = q.items[1:]
		q.dropped++
		slog.Warn("alert_queue_full", "dropped_alert", dropped.ID, "age", time.Since(dropped.EnqueuedAt))
	}

	q.items = append(q.items, &QueuedAlert{
		ID:         uuid.NewString(),
		Signal:     sig,
		EnqueuedAt: time.Now(),
	})
}

// GetNext returns the next alert, waiting out the rate gate first. Returns
// nil immediately when the queue is empty, and nil if ctx is cancelled while
// waiting.
func (q *LeakyBucketQueue) GetNext(ctx context.Context) *QueuedAlert {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil
	}

	wait := q.minInterval - time.Since(q.lastSend)
	q.mu.Unlock()

	if wait > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}

	item := q.items[0]
	q.items = q.items[1:]
	q.lastSend = time.Now()
	return item
}

// Size returns the current queue depth.
func (q *LeakyBucketQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many alerts were dropped to make room.
func (q *LeakyBucketQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
