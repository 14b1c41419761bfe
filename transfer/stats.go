package transfer

import (
	"expvar"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/gpustream/core"
	"github.com/caio/go-tdigest/v4"
)

var (
	batchesCommittedTotal = expvar.NewInt("gpustream_batches_committed_total")
	batchesFailedTotal    = expvar.NewInt("gpustream_batches_failed_total")
	opsExecutedTotal      = expvar.NewInt("gpustream_ops_executed_total")
	bytesLoadedTotal      = expvar.NewInt("gpustream_bytes_loaded_total")
	hazardsFlaggedTotal   = expvar.NewInt("gpustream_hazards_flagged_total")
)

// Stats is a snapshot of a queue's counters.
type Stats struct {
	Committed      uint64
	Completed      uint64
	Errored        uint64
	Cancelled      uint64
	Ops            uint64
	Bytes          uint64
	HazardsFlagged uint64

	// Batch latency from commit to terminal status.
	LatencyP50 time.Duration
	LatencyP95 time.Duration
	LatencyP99 time.Duration
}

type queueStats struct {
	committed      atomic.Uint64
	completed      atomic.Uint64
	errored        atomic.Uint64
	cancelled      atomic.Uint64
	ops            atomic.Uint64
	bytes          atomic.Uint64
	hazardsFlagged atomic.Uint64

	mu      sync.Mutex
	latency *tdigest.TDigest
}

func newQueueStats() *queueStats {
	// tdigest.New only fails on invalid options.
	td, _ := tdigest.New()
	return &queueStats{latency: td}
}

func (s *queueStats) recordCommit() {
	s.committed.Add(1)
	batchesCommittedTotal.Add(1)
}

func (s *queueStats) recordOp(n uint64) {
	s.ops.Add(1)
	s.bytes.Add(n)
	opsExecutedTotal.Add(1)
	bytesLoadedTotal.Add(int64(n))
}

func (s *queueStats) recordHazard() {
	s.hazardsFlagged.Add(1)
	hazardsFlaggedTotal.Add(1)
}

func (s *queueStats) recordTerminal(status core.Status, latency time.Duration) {
	switch status {
	case core.StatusComplete:
		s.completed.Add(1)
	case core.StatusError:
		s.errored.Add(1)
		batchesFailedTotal.Add(1)
	case core.StatusCancelled:
		s.cancelled.Add(1)
		batchesFailedTotal.Add(1)
	}
	if latency <= 0 {
		return
	}
	s.mu.Lock()
	_ = s.latency.AddWeighted(float64(latency), 1)
	s.mu.Unlock()
}

func (s *queueStats) snapshot() Stats {
	st := Stats{
		Committed:      s.committed.Load(),
		Completed:      s.completed.Load(),
		Errored:        s.errored.Load(),
		Cancelled:      s.cancelled.Load(),
		Ops:            s.ops.Load(),
		Bytes:          s.bytes.Load(),
		HazardsFlagged: s.hazardsFlagged.Load(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latency.Count() > 0 {
		st.LatencyP50 = time.Duration(s.latency.Quantile(0.50))
		st.LatencyP95 = time.Duration(s.latency.Quantile(0.95))
		st.LatencyP99 = time.Duration(s.latency.Quantile(0.99))
	}
	return st
}
