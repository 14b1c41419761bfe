package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/gpustream/core"
	"github.com/INLOpen/gpustream/device"
	"github.com/INLOpen/gpustream/hooks"
	"github.com/gogpu/gputypes"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Batch is an ordered set of load operations submitted together. Its
// operations run concurrently up to the queue's MaxOpsInFlight; the batch
// ends Complete only if every operation succeeds.
//
// Appending and committing must happen on one goroutine. Status, Wait and
// WaitUntilCompleted are safe from any goroutine.
type Batch struct {
	q        *Queue
	id       uint64
	retained bool

	mu        sync.Mutex
	label     string
	ops       []op
	handlers  []func(*Batch)
	enqueued  bool
	committed bool
	hazards   []Hazard
	flagged   bool
	held      []func()
	targets   []uint64
	err       error

	committedAt time.Time
	committedCh chan struct{}
	done        chan struct{}
	finishOnce  sync.Once
	status      atomic.Int32
}

func (q *Queue) newBatch(retained bool) *Batch {
	b := &Batch{
		q:           q,
		id:          q.batchID.Add(1),
		retained:    retained,
		committedCh: make(chan struct{}),
		done:        make(chan struct{}),
	}
	b.status.Store(int32(core.StatusPending))
	return b
}

func (b *Batch) ID() uint64     { return b.id }
func (b *Batch) Queue() *Queue  { return b.q }
func (b *Batch) Retained() bool { return b.retained }

func (b *Batch) Label() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.label
}

func (b *Batch) SetLabel(label string) {
	b.mu.Lock()
	b.label = label
	b.mu.Unlock()
}

// Len returns the number of appended operations.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ops)
}

// LoadBuffer appends a load of length decoded bytes, starting at srcOffset
// in src, into dst at dstOffset. Ranges are checked when the operation runs.
func (b *Batch) LoadBuffer(dst *device.Buffer, dstOffset, length uint64, src *Handle, srcOffset uint64) error {
	if dst == nil || src == nil {
		return fmt.Errorf("load_buffer: %w", core.ErrNilArgument)
	}
	return b.append(&bufferLoad{dst: dst, dstOffset: dstOffset, length: length, src: src, srcOffset: srcOffset})
}

// LoadTexture appends a load of a region of size texels at origin into one
// slice and mip level of dst. Source rows are bytesPerRow apart and source
// images bytesPerImage apart, starting at srcOffset in src.
func (b *Batch) LoadTexture(dst *device.Texture, slice, level uint32, size gputypes.Extent3D, bytesPerRow, bytesPerImage uint64, origin device.Origin, src *Handle, srcOffset uint64) error {
	if dst == nil || src == nil {
		return fmt.Errorf("load_texture: %w", core.ErrNilArgument)
	}
	return b.append(newTextureLoad(dst, slice, level, size, bytesPerRow, bytesPerImage, origin, src, srcOffset))
}

func (b *Batch) append(o op) error {
	if o.target().Device() != b.q.dev || o.source().Device() != b.q.dev {
		return fmt.Errorf("%s: %w", o.name(), core.ErrDeviceMismatch)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.committed || b.isTerminal() {
		return core.ErrBatchCommitted
	}
	b.ops = append(b.ops, o)
	return nil
}

// AddCompletedHandler registers fn to run once after the batch reaches a
// terminal status and before waiters wake. Handlers must be added before
// Commit and must not wait on the batch.
func (b *Batch) AddCompletedHandler(fn func(*Batch)) error {
	if fn == nil {
		return core.ErrNilArgument
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.committed || b.isTerminal() {
		return core.ErrBatchCommitted
	}
	b.handlers = append(b.handlers, fn)
	return nil
}

// Enqueue reserves the batch's place in the queue's submission order
// without submitting it. Batches enqueued later do not start before this
// one is committed.
func (b *Batch) Enqueue() error {
	b.mu.Lock()
	if b.committed || b.isTerminal() {
		b.mu.Unlock()
		return core.ErrBatchCommitted
	}
	if b.enqueued {
		b.mu.Unlock()
		return nil
	}
	b.enqueued = true
	b.mu.Unlock()

	if !b.q.enqueue(b) {
		b.finish(core.StatusCancelled, core.ErrCancelled)
	}
	return nil
}

// Commit submits the batch and returns without waiting for it. A listener
// of hooks.EventPreBatchCommit may veto the commit, leaving the batch
// uncommitted. Committing to a closed queue cancels the batch.
func (b *Batch) Commit() error {
	b.mu.Lock()
	if b.committed {
		b.mu.Unlock()
		return core.ErrBatchCommitted
	}
	if b.isTerminal() {
		// Enqueued on a queue that has since closed.
		b.committed = true
		b.mu.Unlock()
		return nil
	}
	ops := b.ops
	label := b.label
	b.mu.Unlock()

	q := b.q
	hazards := detectHazards(ops, q.concurrentWriters(ops))
	flagged := len(hazards) > 0 && q.cfg.MaxOpsInFlight > 1

	payload := hooks.BatchCommitPayload{
		QueueLabel:     q.cfg.Label,
		BatchID:        b.id,
		Label:          label,
		Ops:            len(ops),
		Retained:       b.retained,
		MaxOpsInFlight: q.cfg.MaxOpsInFlight,
		Hazards:        hazardInfos(hazards),
	}
	if err := q.hooks.Trigger(context.Background(), hooks.NewPreBatchCommitEvent(payload)); err != nil {
		return fmt.Errorf("commit vetoed by PreBatchCommit hook: %w", err)
	}

	b.mu.Lock()
	if b.isTerminal() {
		b.committed = true
		b.mu.Unlock()
		return nil
	}
	b.committed = true
	b.hazards = hazards
	b.flagged = flagged
	b.committedAt = time.Now()
	wasEnqueued := b.enqueued
	b.enqueued = true
	if b.retained {
		b.retainLocked()
	}
	if q.interleaves() {
		b.targets = targetIDs(ops)
		q.trackWriters(b.targets)
	}
	b.mu.Unlock()

	q.stats.recordCommit()
	if flagged {
		q.flagHazards(b, label, hazards)
	}

	if !wasEnqueued && !q.enqueue(b) {
		close(b.committedCh)
		b.finish(core.StatusCancelled, core.ErrCancelled)
		return nil
	}
	close(b.committedCh)
	q.mu.Lock()
	q.signal()
	q.mu.Unlock()
	return nil
}

// retainLocked takes one reference on every distinct resource and handle.
// Objects that are already released are skipped; their operations fail.
func (b *Batch) retainLocked() {
	seenRes := make(map[uint64]bool)
	seenSrc := make(map[*Handle]bool)
	for _, o := range b.ops {
		res := o.target()
		if !seenRes[res.ID()] {
			seenRes[res.ID()] = true
			if res.Retain() {
				b.held = append(b.held, res.Release)
			}
		}
		src := o.source()
		if !seenSrc[src] {
			seenSrc[src] = true
			if src.Retain() {
				b.held = append(b.held, src.Release)
			}
		}
	}
}

func (q *Queue) flagHazards(b *Batch, label string, hazards []Hazard) {
	for _, h := range hazards {
		q.stats.recordHazard()
		q.logger.Warn("Batch writes one resource from several concurrent operations; updates may be lost.",
			"batch", b.id,
			"batch_label", label,
			"resource", h.Resource.Label(),
			"resource_id", h.Resource.ID(),
			"ops", h.Ops,
			"overlapping", h.Overlapping,
			"other_batches", h.Batches,
			"max_ops_in_flight", q.cfg.MaxOpsInFlight,
		)
	}
	payload := hooks.HazardPayload{
		QueueLabel:     q.cfg.Label,
		BatchID:        b.id,
		Label:          label,
		MaxOpsInFlight: q.cfg.MaxOpsInFlight,
		Hazards:        hazardInfos(hazards),
	}
	_ = q.hooks.Trigger(context.Background(), hooks.NewPostHazardDetectedEvent(payload))
}

// Hazards returns the same-resource report computed at commit. Batches
// committed later that write the same resources are reported on those
// batches, not here.
func (b *Batch) Hazards() []Hazard {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Hazard(nil), b.hazards...)
}

// HazardFlagged reports whether the batch was committed with hazards on a
// queue that runs several operations at once.
func (b *Batch) HazardFlagged() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flagged
}

// Status returns the current status without blocking.
func (b *Batch) Status() core.Status { return core.Status(b.status.Load()) }

func (b *Batch) isTerminal() bool { return b.Status().IsTerminal() }

// Err returns the error that ended the batch, for diagnostics.
func (b *Batch) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// WaitUntilCompleted blocks until the batch is terminal and returns its
// status. A batch that was never committed reports core.StatusPending
// immediately.
func (b *Batch) WaitUntilCompleted() core.Status {
	st, _ := b.Wait(context.Background())
	return st
}

// Wait is WaitUntilCompleted bounded by ctx.
func (b *Batch) Wait(ctx context.Context) (core.Status, error) {
	b.mu.Lock()
	committed := b.committed
	b.mu.Unlock()
	if !committed && !b.isTerminal() {
		return core.StatusPending, nil
	}
	select {
	case <-b.done:
		return b.Status(), nil
	case <-ctx.Done():
		return b.Status(), ctx.Err()
	}
}

// Done is closed once the batch is terminal.
func (b *Batch) Done() <-chan struct{} { return b.done }

// finish moves the batch to a terminal status exactly once. Completion
// handlers run while held references are still alive; waiters wake last.
func (b *Batch) finish(status core.Status, err error) {
	b.finishOnce.Do(func() {
		b.mu.Lock()
		b.err = err
		held := b.held
		b.held = nil
		targets := b.targets
		b.targets = nil
		handlers := b.handlers
		label := b.label
		committedAt := b.committedAt
		nops := len(b.ops)
		b.mu.Unlock()

		q := b.q
		q.untrackWriters(targets)
		b.status.Store(int32(status))

		var latency time.Duration
		if !committedAt.IsZero() {
			latency = time.Since(committedAt)
		}
		q.stats.recordTerminal(status, latency)

		for _, fn := range handlers {
			fn(b)
		}
		for _, release := range held {
			release()
		}
		_ = q.hooks.Trigger(context.Background(), hooks.NewPostBatchCompleteEvent(hooks.BatchCompletePayload{
			QueueLabel: q.cfg.Label,
			BatchID:    b.id,
			Label:      label,
			Ops:        nops,
			Status:     status,
			Error:      err,
			Duration:   latency,
		}))
		if status != core.StatusComplete {
			q.logger.Debug("Batch did not complete.", "batch", b.id, "batch_label", label, "status", status, "error", err)
		}
		close(b.done)
	})
}

// run executes every operation of b. The first failing operation cancels
// the others.
func (q *Queue) run(b *Batch) {
	if q.ctx.Err() != nil {
		b.finish(core.StatusCancelled, core.ErrCancelled)
		return
	}

	b.mu.Lock()
	ops := b.ops
	label := b.label
	b.mu.Unlock()

	ctx, span := q.tracer.Start(q.ctx, "transfer.Batch", trace.WithAttributes(
		attribute.String("queue", q.cfg.Label),
		attribute.Int64("batch.id", int64(b.id)),
		attribute.String("batch.label", label),
		attribute.Int("batch.ops", len(ops)),
		attribute.Bool("batch.retained", b.retained),
	))
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	for _, o := range ops {
		g.Go(func() error {
			if err := q.opSem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer q.opSem.Release(1)
			if err := gctx.Err(); err != nil {
				return err
			}
			n, err := execute(gctx, o)
			if err != nil {
				return err
			}
			q.stats.recordOp(n)
			return nil
		})
	}
	err := g.Wait()

	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
		b.finish(core.StatusComplete, nil)
	case q.ctx.Err() != nil && !core.IsTransferError(err):
		span.SetStatus(codes.Error, "cancelled")
		b.finish(core.StatusCancelled, fmt.Errorf("%w: %v", core.ErrCancelled, err))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !errors.Is(err, core.ErrTransfer) {
			err = &core.TransferError{Op: "batch", Err: err}
		}
		b.finish(core.StatusError, err)
	}
}
