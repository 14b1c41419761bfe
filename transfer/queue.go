// Package transfer streams decoded container bytes into device resources
// through queues of batches with bounded concurrency.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/gpustream/capture"
	"github.com/INLOpen/gpustream/core"
	"github.com/INLOpen/gpustream/device"
	"github.com/INLOpen/gpustream/hooks"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const tracerName = "github.com/INLOpen/gpustream/transfer"

// QueueConfig bounds a queue's concurrency. Both bounds must be at least 1.
type QueueConfig struct {
	// MaxBatchesOutstanding is how many committed batches may execute at once.
	MaxBatchesOutstanding uint32
	// MaxOpsInFlight is how many operations may execute at once across
	// every batch of the queue.
	MaxOpsInFlight uint32
	Label          string
}

// DefaultQueueConfig runs one batch and one operation at a time.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{MaxBatchesOutstanding: 1, MaxOpsInFlight: 1}
}

// Validate rejects zero bounds with *core.ConfigError.
func (c QueueConfig) Validate() error {
	if c.MaxBatchesOutstanding == 0 {
		return &core.ConfigError{Field: "max_batches_outstanding", Value: "0", Message: "must be at least 1"}
	}
	if c.MaxOpsInFlight == 0 {
		return &core.ConfigError{Field: "max_ops_in_flight", Value: "0", Message: "must be at least 1"}
	}
	return nil
}

type queueOptions struct {
	logger *slog.Logger
	hooks  hooks.HookManager
	tracer trace.Tracer
}

// QueueOption configures a Queue.
type QueueOption func(*queueOptions)

func WithLogger(logger *slog.Logger) QueueOption {
	return func(o *queueOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithHooks(hm hooks.HookManager) QueueOption {
	return func(o *queueOptions) {
		if hm != nil {
			o.hooks = hm
		}
	}
}

func WithTracer(tracer trace.Tracer) QueueOption {
	return func(o *queueOptions) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// Queue submits batches to the execution engine in the order they were
// enqueued. Exceeding either bound of its QueueConfig queues work
// internally; it never fails a commit.
type Queue struct {
	dev    *device.Device
	cfg    QueueConfig
	logger *slog.Logger
	hooks  hooks.HookManager
	tracer trace.Tracer

	batchSem *semaphore.Weighted
	opSem    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending []*Batch
	closed  bool
	notify  chan struct{}
	// writers counts committed, unfinished batches per destination resource.
	writers map[uint64]int

	wg      sync.WaitGroup
	stats   *queueStats
	batchID atomic.Uint64
}

// NewQueue validates cfg and starts the queue's dispatcher.
func NewQueue(dev *device.Device, cfg QueueConfig, opts ...QueueOption) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, fmt.Errorf("new queue: %w", core.ErrNilArgument)
	}
	if dev.Closed() {
		return nil, fmt.Errorf("new queue: %w", core.ErrDeviceClosed)
	}

	o := queueOptions{
		logger: dev.Logger(),
		hooks:  hooks.Noop(),
		tracer: capture.Shared().Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		dev:      dev,
		cfg:      cfg,
		logger:   o.logger.With("component", "TransferQueue", "queue", cfg.Label),
		hooks:    o.hooks,
		tracer:   o.tracer,
		batchSem: semaphore.NewWeighted(int64(cfg.MaxBatchesOutstanding)),
		opSem:    semaphore.NewWeighted(int64(cfg.MaxOpsInFlight)),
		ctx:      ctx,
		cancel:   cancel,
		notify:   make(chan struct{}, 1),
		writers:  make(map[uint64]int),
		stats:    newQueueStats(),
	}

	q.wg.Add(1)
	go q.dispatch()
	q.logger.Debug("Transfer queue started.",
		"max_batches_outstanding", cfg.MaxBatchesOutstanding,
		"max_ops_in_flight", cfg.MaxOpsInFlight,
	)
	return q, nil
}

func (q *Queue) Config() QueueConfig    { return q.cfg }
func (q *Queue) Label() string          { return q.cfg.Label }
func (q *Queue) Device() *device.Device { return q.dev }

// Stats returns a snapshot of the queue's counters.
func (q *Queue) Stats() Stats { return q.stats.snapshot() }

// NewBatch creates a batch that retains every resource and handle it uses
// until it reaches a terminal status.
func (q *Queue) NewBatch() *Batch { return q.newBatch(true) }

// NewBatchUnretained creates a batch that takes no references. Callers
// must keep resources and handles alive until the batch finishes.
func (q *Queue) NewBatchUnretained() *Batch { return q.newBatch(false) }

// enqueue appends b to the submission order. It reports false if the
// queue is closed.
func (q *Queue) enqueue(b *Batch) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.pending = append(q.pending, b)
	q.signal()
	return true
}

// signal wakes the dispatcher. Must be called with q.mu held or after a
// state change the dispatcher must observe.
func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// dispatch starts batches in submission order. A batch at the head that
// is enqueued but not committed holds back every batch behind it.
func (q *Queue) dispatch() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		var head *Batch
		if len(q.pending) > 0 {
			head = q.pending[0]
		}
		q.mu.Unlock()

		if head == nil {
			select {
			case <-q.notify:
				continue
			case <-q.ctx.Done():
				return
			}
		}

		select {
		case <-head.committedCh:
		case <-q.ctx.Done():
			return
		}
		if err := q.batchSem.Acquire(q.ctx, 1); err != nil {
			return
		}

		q.mu.Lock()
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			defer q.batchSem.Release(1)
			q.run(head)
		}()
	}
}

// Close tears the queue down. Running operations stop at their next
// cancellation point and every batch that has not finished becomes
// core.StatusCancelled. Close blocks until the engine has stopped.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()

	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()
	for _, b := range pending {
		b.finish(core.StatusCancelled, core.ErrCancelled)
	}

	st := q.stats.snapshot()
	q.logger.Debug("Transfer queue closed.",
		"committed", st.Committed,
		"completed", st.Completed,
		"errored", st.Errored,
		"cancelled", st.Cancelled,
		"abandoned", len(pending),
	)
	return nil
}

// interleaves reports whether operations of different batches can run at
// the same time.
func (q *Queue) interleaves() bool {
	return q.cfg.MaxBatchesOutstanding > 1 && q.cfg.MaxOpsInFlight > 1
}

// concurrentWriters returns, for each destination of ops, how many other
// unfinished batches write it. It is nil when batches cannot interleave.
func (q *Queue) concurrentWriters(ops []op) map[uint64]int {
	if !q.interleaves() {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var out map[uint64]int
	for _, id := range targetIDs(ops) {
		if n := q.writers[id]; n > 0 {
			if out == nil {
				out = make(map[uint64]int)
			}
			out[id] = n
		}
	}
	return out
}

func (q *Queue) trackWriters(ids []uint64) {
	q.mu.Lock()
	for _, id := range ids {
		q.writers[id]++
	}
	q.mu.Unlock()
}

func (q *Queue) untrackWriters(ids []uint64) {
	q.mu.Lock()
	for _, id := range ids {
		if q.writers[id] <= 1 {
			delete(q.writers, id)
		} else {
			q.writers[id]--
		}
	}
	q.mu.Unlock()
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
