package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/INLOpen/gpustream/core"
	"github.com/INLOpen/gpustream/hooks"
)

// SlowBatchRule sets the latency above which batches of a queue are reported.
// An empty QueueLabel matches every queue without a rule of its own.
type SlowBatchRule struct {
	QueueLabel string
	Threshold  time.Duration
}

// SlowBatchListener logs batches that finished slower than their threshold
// and every batch that did not complete.
type SlowBatchListener struct {
	logger *slog.Logger
	rules  map[string]time.Duration
}

func NewSlowBatchListener(logger *slog.Logger, rules []SlowBatchRule) *SlowBatchListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ruleMap := make(map[string]time.Duration, len(rules))
	for _, rule := range rules {
		ruleMap[rule.QueueLabel] = rule.Threshold
	}
	return &SlowBatchListener{
		logger: logger.With("component", "SlowBatchListener"),
		rules:  ruleMap,
	}
}

func (l *SlowBatchListener) threshold(queue string) (time.Duration, bool) {
	if d, ok := l.rules[queue]; ok {
		return d, true
	}
	d, ok := l.rules[""]
	return d, ok
}

// OnEvent handles PostBatchComplete events.
func (l *SlowBatchListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostBatchComplete {
		return nil
	}
	payload, ok := event.Payload().(hooks.BatchCompletePayload)
	if !ok {
		l.logger.Error("Received PostBatchComplete event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	if payload.Status != core.StatusComplete {
		l.logger.Warn("Batch did not complete",
			"queue", payload.QueueLabel,
			"batch_id", payload.BatchID,
			"label", payload.Label,
			"status", payload.Status.String(),
			"error", payload.Error,
		)
		return nil
	}

	if limit, ok := l.threshold(payload.QueueLabel); ok && payload.Duration > limit {
		l.logger.Warn("Slow batch detected",
			"queue", payload.QueueLabel,
			"batch_id", payload.BatchID,
			"label", payload.Label,
			"ops", payload.Ops,
			"duration", payload.Duration,
			"threshold", limit,
		)
	}
	return nil
}

func (l *SlowBatchListener) Priority() int { return 100 }

// IsAsync lets completion reporting run off the engine's goroutine.
func (l *SlowBatchListener) IsAsync() bool { return true }
