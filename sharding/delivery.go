package sharding

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/corebus/errors"
	"github.com/c360/corebus/metric"
)

// Delivery fans work out across shard-owned FIFO queues. Each shard runs
// exactly one worker goroutine, preserving the single-writer-per-shard
// invariant: no two concurrent mutations of the same target are possible
// because a target always hashes to the same shard.
type Delivery[T any] struct {
	strategy  Strategy
	queueSize int
	keyFn     func(T) string
	processor func(context.Context, T) error

	queues []chan T
	wg     *sync.WaitGroup

	lifecycleMu sync.RWMutex
	started     bool
	stopped     bool

	// Statistics (atomic)
	submitted int64
	processed int64
	failed    int64
	dropped   int64

	metrics *deliveryMetrics
}

type deliveryMetrics struct {
	core      *metric.Metrics
	submitted prometheus.Counter
	processed prometheus.Counter
	failed    prometheus.Counter
	dropped   prometheus.Counter
}

// Option represents a configuration option for the delivery.
type Option[T any] func(*Delivery[T])

// WithMetrics registers delivery counters with the given registry and
// updates the core shard gauges while running.
func WithMetrics[T any](registry *metric.Registry) Option[T] {
	return func(d *Delivery[T]) {
		m := &deliveryMetrics{core: registry.CoreMetrics()}
		m.submitted = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corebus", Subsystem: "delivery",
			Name: "submitted_total", Help: "Total work items submitted",
		})
		m.processed = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corebus", Subsystem: "delivery",
			Name: "processed_total", Help: "Total work items processed",
		})
		m.failed = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corebus", Subsystem: "delivery",
			Name: "failed_total", Help: "Total work items that failed processing",
		})
		m.dropped = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corebus", Subsystem: "delivery",
			Name: "dropped_total", Help: "Total work items dropped due to full queues",
		})

		const component = "delivery"
		if registry.RegisterCounter(component, "submitted_total", m.submitted) != nil ||
			registry.RegisterCounter(component, "processed_total", m.processed) != nil ||
			registry.RegisterCounter(component, "failed_total", m.failed) != nil ||
			registry.RegisterCounter(component, "dropped_total", m.dropped) != nil {
			// Duplicate registration means another delivery already owns
			// these series; run without them rather than fail startup.
			return
		}
		d.metrics = m
	}
}

// NewDelivery creates a sharded delivery. keyFn extracts the target ID used
// for shard assignment; processor handles one item at a time per shard.
func NewDelivery[T any](
	strategy Strategy,
	queueSize int,
	keyFn func(T) string,
	processor func(context.Context, T) error,
	opts ...Option[T],
) (*Delivery[T], error) {
	if strategy == nil {
		return nil, errors.WrapConfiguration(errors.ErrMissingConfig,
			"Delivery", "NewDelivery", "strategy validation")
	}
	if keyFn == nil || processor == nil {
		return nil, errors.WrapConfiguration(errors.ErrMissingConfig,
			"Delivery", "NewDelivery", "callback validation")
	}
	if queueSize <= 0 {
		queueSize = 1024
	}

	d := &Delivery[T]{
		strategy:  strategy,
		queueSize: queueSize,
		keyFn:     keyFn,
		processor: processor,
		queues:    make([]chan T, strategy.ShardCount()),
	}
	for i := range d.queues {
		d.queues[i] = make(chan T, queueSize)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Submit enqueues an item on the shard owning its target. Non-blocking: a
// full shard queue rejects the submission with ErrOverloaded so producers
// back off instead of stalling.
func (d *Delivery[T]) Submit(item T) (ShardIndex, error) {
	d.lifecycleMu.RLock()
	defer d.lifecycleMu.RUnlock()

	idx := d.strategy.IndexFor(d.keyFn(item))

	if !d.started {
		return idx, errors.ErrNotStarted
	}
	if d.stopped {
		return idx, errors.ErrShuttingDown
	}

	select {
	case d.queues[idx.Index] <- item:
		atomic.AddInt64(&d.submitted, 1)
		if d.metrics != nil {
			d.metrics.submitted.Inc()
			d.metrics.core.ShardQueueDepth.
				WithLabelValues(strconv.Itoa(idx.Index)).
				Set(float64(len(d.queues[idx.Index])))
		}
		return idx, nil
	default:
		atomic.AddInt64(&d.dropped, 1)
		if d.metrics != nil {
			d.metrics.dropped.Inc()
		}
		return idx, errors.WrapTransient(errors.ErrOverloaded,
			"Delivery", "Submit", "enqueue on shard "+idx.String())
	}
}

// Start launches one worker per shard.
func (d *Delivery[T]) Start(ctx context.Context) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if d.started {
		return errors.ErrAlreadyStarted
	}

	d.wg = &sync.WaitGroup{}
	for i := range d.queues {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	if d.metrics != nil {
		d.wg.Add(1)
		go d.metricsUpdater(ctx)
	}

	d.started = true
	return nil
}

// Stop drains the shard workers, waiting up to timeout for in-flight items.
// The lifecycle lock is released before the drain wait: shard workers call
// Submit from inside the processor when handling fans out follow-up work,
// and they must be able to reach the stopped check while Stop waits for
// them to finish.
func (d *Delivery[T]) Stop(timeout time.Duration) error {
	d.lifecycleMu.Lock()
	if !d.started || d.stopped {
		d.lifecycleMu.Unlock()
		return nil
	}
	d.stopped = true

	for _, q := range d.queues {
		close(q)
	}
	d.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return errors.WrapTransient(errors.ErrShuttingDown,
			"Delivery", "Stop", "drain within timeout")
	}
}

// Stats returns current delivery statistics.
func (d *Delivery[T]) Stats() Stats {
	depth := 0
	for _, q := range d.queues {
		depth += len(q)
	}
	return Stats{
		Shards:     len(d.queues),
		QueueSize:  d.queueSize,
		QueueDepth: depth,
		Submitted:  atomic.LoadInt64(&d.submitted),
		Processed:  atomic.LoadInt64(&d.processed),
		Failed:     atomic.LoadInt64(&d.failed),
		Dropped:    atomic.LoadInt64(&d.dropped),
	}
}

// Stats represents delivery statistics.
type Stats struct {
	Shards     int   `json:"shards"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// worker drains one shard queue in strict FIFO order.
func (d *Delivery[T]) worker(ctx context.Context, shard int) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-d.queues[shard]:
			if !ok {
				return
			}
			err := d.processor(ctx, item)

			atomic.AddInt64(&d.processed, 1)
			if err != nil {
				atomic.AddInt64(&d.failed, 1)
			}
			if d.metrics != nil {
				d.metrics.processed.Inc()
				if err != nil {
					d.metrics.failed.Inc()
				}
			}
		}
	}
}

// metricsUpdater periodically refreshes the per-shard gauges.
func (d *Delivery[T]) metricsUpdater(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for i, q := range d.queues {
				depth := float64(len(q))
				label := strconv.Itoa(i)
				d.metrics.core.ShardQueueDepth.WithLabelValues(label).Set(depth)
				d.metrics.core.ShardUtilization.WithLabelValues(label).Set(depth / float64(d.queueSize))
			}
		}
	}
}
