package listeners

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/INLOpen/gpustream/hooks"
)

// ErrHazardousCommit is returned by a strict HazardGuard to veto a commit.
var ErrHazardousCommit = errors.New("batch writes one resource from concurrent operations")

// HazardGuard watches commits that place several writes to the same resource
// in one batch, or next to other unfinished batches writing it, while the
// queue allows more than one operation in flight.
// In strict mode such commits are vetoed; otherwise they are logged.
type HazardGuard struct {
	logger  *slog.Logger
	strict  bool
	flagged atomic.Int64
}

func NewHazardGuard(logger *slog.Logger, strict bool) *HazardGuard {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &HazardGuard{
		logger: logger.With("component", "HazardGuard"),
		strict: strict,
	}
}

// Flagged returns how many hazardous commits were seen.
func (g *HazardGuard) Flagged() int64 { return g.flagged.Load() }

// OnEvent handles PreBatchCommit events.
func (g *HazardGuard) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPreBatchCommit {
		return nil
	}
	payload, ok := event.Payload().(hooks.BatchCommitPayload)
	if !ok {
		g.logger.Error("Received PreBatchCommit event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}
	if len(payload.Hazards) == 0 || payload.MaxOpsInFlight <= 1 {
		return nil
	}

	g.flagged.Add(1)
	for _, h := range payload.Hazards {
		g.logger.Warn("Concurrent writes to one resource in a batch",
			"queue", payload.QueueLabel,
			"batch_id", payload.BatchID,
			"resource", h.ResourceLabel,
			"resource_id", h.ResourceID,
			"ops", h.Ops,
			"overlapping", h.Overlapping,
			"other_batches", h.Batches,
			"max_ops_in_flight", payload.MaxOpsInFlight,
		)
	}
	if g.strict {
		return fmt.Errorf("batch %d: %w", payload.BatchID, ErrHazardousCommit)
	}
	return nil
}

// Priority runs the guard before other commit listeners.
func (g *HazardGuard) Priority() int { return -10 }

func (g *HazardGuard) IsAsync() bool { return false }
