// Package orchestrator runs jobs of loads through transfer queues with an
// explicit partitioning policy and whole-job retry.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/INLOpen/gpustream/capture"
	"github.com/INLOpen/gpustream/core"
	"github.com/INLOpen/gpustream/device"
	"github.com/INLOpen/gpustream/hooks"
	"github.com/INLOpen/gpustream/transfer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/INLOpen/gpustream/orchestrator"

const (
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = 50 * time.Millisecond
)

// ErrHazardousPlan is wrapped by the error Run returns for a plan that
// would write one resource from concurrent operations.
var ErrHazardousPlan = errors.New("plan runs loads of one resource concurrently")

// JobError reports a job whose final attempt did not complete.
type JobError struct {
	Job      string
	Attempts int
	Status   core.Status
	Err      error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %q %s after %d attempt(s): %v", e.Job, e.Status, e.Attempts, e.Err)
}

// Unwrap exposes core.ErrCancelled or core.ErrTransfer along with the
// error of the first failed batch.
func (e *JobError) Unwrap() []error {
	sentinel := core.ErrTransfer
	if e.Status == core.StatusCancelled {
		sentinel = core.ErrCancelled
	}
	return []error{sentinel, e.Err}
}

// Result describes a completed job.
type Result struct {
	Job      string
	Plan     *Plan
	Attempts int
	Duration time.Duration
	// Stats holds the queue statistics of every attempt.
	Stats []transfer.Stats
}

type options struct {
	policy       Policy
	maxAttempts  int
	backoff      time.Duration
	retained     bool
	allowHazards bool
	logger       *slog.Logger
	hooks        hooks.HookManager
	tracer       trace.Tracer
}

// Option configures an Orchestrator.
type Option func(*options)

func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithMaxAttempts bounds how many times a failing job is run in full.
func WithMaxAttempts(n int) Option {
	return func(o *options) { o.maxAttempts = n }
}

func WithRetryBackoff(d time.Duration) Option {
	return func(o *options) { o.backoff = d }
}

// WithRetained selects retained (default) or unretained batches.
func WithRetained(retained bool) Option {
	return func(o *options) { o.retained = retained }
}

// WithAllowHazards lets Run execute hazardous plans. Their batches are
// flagged by the transfer queue.
func WithAllowHazards(allow bool) Option {
	return func(o *options) { o.allowHazards = allow }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithHooks(hm hooks.HookManager) Option {
	return func(o *options) {
		if hm != nil {
			o.hooks = hm
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// Orchestrator loads jobs into resources of one device.
type Orchestrator struct {
	dev  *device.Device
	opts options
	log  *slog.Logger
}

// New validates the options and returns an Orchestrator.
func New(dev *device.Device, opts ...Option) (*Orchestrator, error) {
	if dev == nil {
		return nil, fmt.Errorf("new orchestrator: %w", core.ErrNilArgument)
	}
	o := options{
		policy:      PolicySerialBatches,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultRetryBackoff,
		retained:    true,
		logger:      dev.Logger(),
		hooks:       hooks.Noop(),
		tracer:      capture.Shared().Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxAttempts < 1 {
		return nil, &core.ConfigError{Field: "max_attempts", Value: fmt.Sprint(o.maxAttempts), Message: "must be at least 1"}
	}
	if o.backoff < 0 {
		return nil, &core.ConfigError{Field: "retry_backoff", Value: o.backoff.String(), Message: "must not be negative"}
	}
	if _, err := QueueConfigFor(o.policy, 1); err != nil {
		return nil, err
	}
	return &Orchestrator{
		dev:  dev,
		opts: o,
		log:  o.logger.With("component", "Orchestrator", "policy", o.policy.String()),
	}, nil
}

func (o *Orchestrator) Policy() Policy { return o.opts.policy }

// Plan partitions job under the orchestrator's policy.
func (o *Orchestrator) Plan(job Job) (*Plan, error) {
	return NewPlan(job, o.opts.policy)
}

// Run executes job until one attempt completes every batch or the attempts
// run out. Construction errors (invalid loads, unopenable sources, vetoes)
// are returned immediately and never retried. Each attempt builds a fresh
// queue and fresh batches.
func (o *Orchestrator) Run(ctx context.Context, job Job) (res *Result, err error) {
	start := time.Now()
	plan, err := o.Plan(job)
	if err != nil {
		return nil, err
	}
	if plan.Hazardous && !o.opts.allowHazards {
		return nil, fmt.Errorf("job %q: %w: %w", job.Name, ErrHazardousPlan, &core.ConfigError{
			Field:   "policy",
			Value:   plan.Policy.String(),
			Message: "hazardous plans must be allowed explicitly",
		})
	}

	pre := hooks.JobPayload{Job: job.Name, Policy: plan.Policy.String(), Loads: len(job.Loads), Batches: len(plan.Batches)}
	if err := o.opts.hooks.Trigger(ctx, hooks.NewPreJobRunEvent(pre)); err != nil {
		return nil, fmt.Errorf("job %q vetoed by PreJobRun hook: %w", job.Name, err)
	}

	ctx, span := o.opts.tracer.Start(ctx, "orchestrator.Run", trace.WithAttributes(
		attribute.String("job", job.Name),
		attribute.String("policy", plan.Policy.String()),
		attribute.Int("loads", len(job.Loads)),
		attribute.Int("batches", len(plan.Batches)),
	))
	defer span.End()

	handles, err := o.openSources(job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open sources")
		return nil, err
	}
	defer func() {
		for _, h := range handles {
			h.Close()
		}
	}()

	res = &Result{Job: job.Name, Plan: plan}
	var last *JobError
	for attempt := 1; attempt <= o.opts.maxAttempts; attempt++ {
		res.Attempts = attempt
		statuses, stats, failure, err := o.attempt(ctx, job, plan, handles, attempt)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "construction")
			return nil, err
		}
		res.Stats = append(res.Stats, stats)
		payload := hooks.JobAttemptPayload{Job: job.Name, Attempt: attempt, Statuses: statuses}
		if failure != nil {
			payload.Error = failure
		}
		_ = o.opts.hooks.Trigger(ctx, hooks.NewPostJobAttemptEvent(payload))
		if failure == nil {
			res.Duration = time.Since(start)
			span.SetStatus(codes.Ok, "")
			o.finish(ctx, job, attempt, core.StatusComplete, nil, res.Duration)
			return res, nil
		}

		last = failure
		o.log.Warn("Job attempt failed.", "job", job.Name, "attempt", attempt, "max_attempts", o.opts.maxAttempts, "status", failure.Status, "error", failure.Err)
		if ctx.Err() != nil || attempt == o.opts.maxAttempts {
			break
		}
		if !sleepCtx(ctx, o.opts.backoff) {
			last = &JobError{Job: job.Name, Attempts: attempt, Status: core.StatusCancelled, Err: fmt.Errorf("%w: %v", core.ErrCancelled, ctx.Err())}
			break
		}
	}

	if ctx.Err() != nil && last.Status != core.StatusCancelled {
		last = &JobError{Job: job.Name, Attempts: last.Attempts, Status: core.StatusCancelled, Err: fmt.Errorf("%w: %v", core.ErrCancelled, ctx.Err())}
	}
	span.RecordError(last)
	span.SetStatus(codes.Error, last.Status.String())
	o.finish(ctx, job, last.Attempts, last.Status, last, time.Since(start))
	return nil, last
}

func (o *Orchestrator) finish(ctx context.Context, job Job, attempts int, status core.Status, err error, d time.Duration) {
	_ = o.opts.hooks.Trigger(context.WithoutCancel(ctx), hooks.NewPostJobRunEvent(hooks.PostJobPayload{
		Job:      job.Name,
		Attempts: attempts,
		Status:   status,
		Error:    err,
		Duration: d,
	}))
	if status == core.StatusComplete {
		o.log.Info("Job completed.", "job", job.Name, "attempts", attempts, "duration", d)
	} else {
		o.log.Error("Job failed.", "job", job.Name, "attempts", attempts, "status", status, "error", err)
	}
}

type sourceKey struct {
	uri    string
	method core.CompressionType
}

// openSources opens every distinct source of job once.
func (o *Orchestrator) openSources(job Job) (map[sourceKey]*transfer.Handle, error) {
	handles := make(map[sourceKey]*transfer.Handle)
	for _, l := range job.Loads {
		src := l.Src()
		key := sourceKey{uri: src.URI, method: src.Method}
		if _, ok := handles[key]; ok {
			continue
		}
		h, err := transfer.OpenHandle(o.dev, src.URI, src.Method, transfer.WithHandleHooks(o.opts.hooks), transfer.WithHandleLogger(o.opts.logger))
		if err != nil {
			for _, opened := range handles {
				opened.Close()
			}
			return nil, err
		}
		handles[key] = h
	}
	return handles, nil
}

// attempt runs the whole plan once on a fresh queue. A non-nil error is a
// construction failure; a non-nil *JobError is an execution failure.
func (o *Orchestrator) attempt(ctx context.Context, job Job, plan *Plan, handles map[sourceKey]*transfer.Handle, attempt int) ([]core.Status, transfer.Stats, *JobError, error) {
	q, err := transfer.NewQueue(o.dev, plan.Queue,
		transfer.WithLogger(o.opts.logger),
		transfer.WithHooks(o.opts.hooks),
		transfer.WithTracer(o.opts.tracer),
	)
	if err != nil {
		return nil, transfer.Stats{}, nil, err
	}
	defer q.Close()

	batches := make([]*transfer.Batch, 0, len(plan.Batches))
	for bi, idxs := range plan.Batches {
		var b *transfer.Batch
		if o.opts.retained {
			b = q.NewBatch()
		} else {
			b = q.NewBatchUnretained()
		}
		b.SetLabel(fmt.Sprintf("%s/attempt-%d/batch-%d", job.Name, attempt, bi))
		for _, i := range idxs {
			if err := appendLoad(b, job.Loads[i], handles); err != nil {
				return nil, transfer.Stats{}, nil, fmt.Errorf("job %q load %d: %w", job.Name, i, err)
			}
		}
		if err := b.Enqueue(); err != nil {
			return nil, transfer.Stats{}, nil, err
		}
		batches = append(batches, b)
	}
	for _, b := range batches {
		if err := b.Commit(); err != nil {
			return nil, transfer.Stats{}, nil, err
		}
	}

	statuses := make([]core.Status, len(batches))
	var failure *JobError
	for i, b := range batches {
		st, werr := b.Wait(ctx)
		if werr != nil {
			// Tear the queue down so the remaining batches end Cancelled.
			q.Close()
			st = b.WaitUntilCompleted()
		}
		statuses[i] = st
		if st != core.StatusComplete && failure == nil {
			failure = &JobError{Job: job.Name, Attempts: attempt, Status: st, Err: b.Err()}
		}
	}
	if failure != nil {
		// Cancelled outranks Error when both occur.
		for _, st := range statuses {
			if st == core.StatusCancelled {
				failure.Status = core.StatusCancelled
				break
			}
		}
	}
	return statuses, q.Stats(), failure, nil
}

func appendLoad(b *transfer.Batch, l Load, handles map[sourceKey]*transfer.Handle) error {
	src := l.Src()
	h := handles[sourceKey{uri: src.URI, method: src.Method}]
	switch l := l.(type) {
	case BufferLoad:
		return b.LoadBuffer(l.Dst, l.DstOffset, l.Length, h, src.Offset)
	case TextureLoad:
		return b.LoadTexture(l.Dst, l.Slice, l.Level, l.Size, l.BytesPerRow, l.BytesPerImage, l.Origin, h, src.Offset)
	default:
		return fmt.Errorf("unsupported load %T", l)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
