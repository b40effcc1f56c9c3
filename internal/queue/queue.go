// Package queue implements bounded, backpressured inter-stage queues:
// a fixed-depth buffered channel modeled on a
// disk-overflow channel cache, with a drop-oldest policy for
// best-effort channels and a block-with-timeout policy for
// must-deliver ones.
package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Policy selects what happens when the queue is full and a new item arrives.
type Policy int

const (
	// BlockWithTimeout waits up to a caller-chosen timeout for space,
	// for channels that must not silently lose data (e.g. new_flow).
	BlockWithTimeout Policy = iota
	// DropOldest evicts the head of the queue to make room, for
	// best-effort channels (e.g. a UI status feed).
	DropOldest
)

// Queue is a single named, bounded, instrumented pipe between two
// stages or between an input source and the profiler.
type Queue[T any] struct {
	name   string
	policy Policy
	out    chan T
	depth  prometheus.Gauge
	dropped int64
}

// New builds a Queue with capacity cap. name becomes the label on its
// depth gauge (internal/sink wires an equivalent gauge for its own
// envelope backlog; this one covers every other inter-stage queue).
func New[T any](name string, capacity int, policy Policy) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue[T]{
		name:   name,
		policy: policy,
		out:    make(chan T, capacity),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "sentryflow_queue_depth",
			Help:        "Number of items currently buffered in a named inter-stage queue.",
			ConstLabels: prometheus.Labels{"queue": name},
		}),
	}
	return q
}

// Gauge exposes the depth gauge so callers can register it with a
// prometheus.Registry.
func (q *Queue[T]) Gauge() prometheus.Gauge { return q.depth }

// Dropped reports how many items DropOldest has evicted so far.
func (q *Queue[T]) Dropped() int64 { return atomic.LoadInt64(&q.dropped) }

// Put enqueues v according to the queue's policy. For BlockWithTimeout,
// Put blocks up to timeout and returns false if it could not enqueue in
// time. For DropOldest, Put always succeeds, evicting the oldest
// element if necessary.
func (q *Queue[T]) Put(ctx context.Context, v T, timeout time.Duration) bool {
	switch q.policy {
	case DropOldest:
		for {
			select {
			case q.out <- v:
				q.depth.Set(float64(len(q.out)))
				return true
			default:
				select {
				case <-q.out:
					atomic.AddInt64(&q.dropped, 1)
				default:
				}
			}
		}
	default: // BlockWithTimeout
		var timer *time.Timer
		var after <-chan time.Time
		if timeout > 0 {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
			after = timer.C
		}
		select {
		case q.out <- v:
			q.depth.Set(float64(len(q.out)))
			return true
		case <-after:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// Get blocks until an item is available, ctx is cancelled, or the queue
// is closed.
func (q *Queue[T]) Get(ctx context.Context) (T, bool) {
	select {
	case v, ok := <-q.out:
		q.depth.Set(float64(len(q.out)))
		return v, ok
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}

// Close signals no more items will be Put; readers drain remaining
// buffered items via Get before observing ok=false.
func (q *Queue[T]) Close() { close(q.out) }

// Len reports the current buffered depth, for diagnostics.
func (q *Queue[T]) Len() int { return len(q.out) }
