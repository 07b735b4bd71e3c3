package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtwoend/bga-dse/config"
	"github.com/xtwoend/bga-dse/internal/errors"
	"github.com/xtwoend/bga-dse/internal/logging"
	"github.com/xtwoend/bga-dse/internal/metrics"
)

var log = logging.Component("ingest")

// =============================================================================
// Dispatcher Configuration
// =============================================================================

// Config holds dispatcher configuration.
type Config struct {
	// Workers is the number of concurrent handler goroutines.
	Workers int

	// QueueSize is the message queue capacity.
	QueueSize int

	// DrainTimeout is how long Stop waits for queued messages.
	DrainTimeout time.Duration
}

// DefaultConfig returns default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      config.DefaultIngestWorkers,
		QueueSize:    config.DefaultIngestQueueSize,
		DrainTimeout: config.DefaultDrainTimeout,
	}
}

// Stats is a point-in-time view of dispatcher counters.
type Stats struct {
	Enqueued int64
	Dropped  int64
	Handled  int64
	Unrouted int64
	Failed   int64
	Panics   int64
	QueueLen int
	QueueCap int
	Active   int32
}

// =============================================================================
// Dispatcher
// =============================================================================

// Dispatcher feeds queued messages to the router's handlers.
//
// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	router *Router
	cfg    Config

	mu      sync.RWMutex
	queue   chan Message
	closed  bool
	started bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	activeWorkers atomic.Int32

	enqueued atomic.Int64
	dropped  atomic.Int64
	handled  atomic.Int64
	unrouted atomic.Int64
	failed   atomic.Int64
	panics   atomic.Int64
}

// NewDispatcher creates a dispatcher over router. Zero config fields take
// their defaults.
func NewDispatcher(router *Router, cfg Config) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}

	return &Dispatcher{
		router: router,
		cfg:    cfg,
		queue:  make(chan Message, cfg.QueueSize),
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches the worker pool. Handlers receive a context derived from
// ctx; it is cancelled when Stop gives up draining.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true

	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}

	log.Info("dispatcher started", "workers", d.cfg.Workers, "queue_size", d.cfg.QueueSize)
}

// Stop closes the queue and waits for workers to drain it, bounded by the
// drain timeout and ctx. Messages enqueued after Stop are rejected.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		return
	}

	log.Info("dispatcher stopping", "queued", len(d.queue))

	drainCtx, cancel := context.WithTimeout(ctx, d.cfg.DrainTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("dispatcher stopped gracefully")
	case <-drainCtx.Done():
		log.Warn("dispatcher drain timeout",
			"active_workers", d.activeWorkers.Load(),
			"abandoned", len(d.queue))
	}

	d.cancel()
}

// =============================================================================
// Enqueue / Dispatch
// =============================================================================

// Enqueue hands msg to the worker pool without blocking. A full queue
// drops the message and returns ErrQueueFull.
func (d *Dispatcher) Enqueue(msg Message) error {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return fmt.Errorf("dispatcher: %w", errors.ErrClosed)
	}

	metrics.MessagesReceived.WithLabelValues(msg.Source).Inc()

	select {
	case d.queue <- msg:
		d.enqueued.Add(1)
		metrics.QueueDepth.Set(float64(len(d.queue)))
		return nil
	default:
		d.dropped.Add(1)
		metrics.MessagesDropped.WithLabelValues(metrics.ReasonQueueFull).Inc()
		log.Warn("dispatch queue full, message dropped",
			"topic", msg.Topic,
			"queue_size", d.cfg.QueueSize)
		return fmt.Errorf("topic %s: %w", msg.Topic, errors.ErrQueueFull)
	}
}

// Dispatch routes msg synchronously. A topic without a route is logged and
// reported as ErrUnknownTopic; handler errors are returned as is.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) error {
	h, pattern, ok := d.router.Match(msg.Topic)
	if !ok {
		d.unrouted.Add(1)
		metrics.MessagesUnrouted.Inc()
		log.Warn("no handler configured for topic", "topic", msg.Topic)
		return fmt.Errorf("%s: %w", msg.Topic, errors.ErrUnknownTopic)
	}

	ctx = logging.ContextWithTopic(ctx, msg.Topic)
	if err := h.Handle(ctx, msg); err != nil {
		d.failed.Add(1)
		return fmt.Errorf("route %s: %w", pattern, err)
	}
	d.handled.Add(1)
	return nil
}

// =============================================================================
// Worker
// =============================================================================

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for msg := range d.queue {
		metrics.QueueDepth.Set(float64(len(d.queue)))
		if err := d.dispatchWithRecovery(ctx, msg); err != nil && !errors.Is(err, errors.ErrUnknownTopic) {
			log.Error("error handling message", "topic", msg.Topic, "error", err)
		}
	}
}

// dispatchWithRecovery runs Dispatch and converts a handler panic into an
// error so one bad payload cannot take a worker down.
func (d *Dispatcher) dispatchWithRecovery(ctx context.Context, msg Message) (err error) {
	d.activeWorkers.Add(1)
	defer func() {
		d.activeWorkers.Add(-1)
		if r := recover(); r != nil {
			d.panics.Add(1)
			log.Error("panic in topic handler",
				"topic", msg.Topic,
				"panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return d.Dispatch(ctx, msg)
}

// Stats returns current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Enqueued: d.enqueued.Load(),
		Dropped:  d.dropped.Load(),
		Handled:  d.handled.Load(),
		Unrouted: d.unrouted.Load(),
		Failed:   d.failed.Load(),
		Panics:   d.panics.Load(),
		QueueLen: len(d.queue),
		QueueCap: cap(d.queue),
		Active:   d.activeWorkers.Load(),
	}
}
