package orchestrator

import (
	"fmt"
	"strings"

	"github.com/INLOpen/gpustream/core"
	"github.com/INLOpen/gpustream/transfer"
)

// Policy decides how a job's loads are partitioned into batches and how
// the queue running them is bounded.
type Policy int

const (
	// PolicySerialBatches gives every load of one resource its own batch.
	// Loads of different resources share batches. The queue runs all
	// batches but only one operation at a time.
	PolicySerialBatches Policy = iota
	// PolicySingleBatch puts every load in one batch on a queue that runs
	// one batch and one operation at a time.
	PolicySingleBatch
	// PolicyConcurrent puts every load in one batch and runs all of them at
	// once. It is hazardous whenever a resource receives several loads.
	PolicyConcurrent
)

func (p Policy) String() string {
	switch p {
	case PolicySerialBatches:
		return "serial-batches"
	case PolicySingleBatch:
		return "single-batch"
	case PolicyConcurrent:
		return "concurrent"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy maps a configuration name to a Policy.
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "serial-batches", "serial":
		return PolicySerialBatches, nil
	case "single-batch", "single":
		return PolicySingleBatch, nil
	case "concurrent":
		return PolicyConcurrent, nil
	}
	return 0, &core.ConfigError{Field: "policy", Value: name, Message: "expected serial-batches, single-batch or concurrent"}
}

// QueueConfigFor returns the queue bounds a policy uses for a plan of k
// batches (serial) or k loads (concurrent). k below 1 is treated as 1.
func QueueConfigFor(p Policy, k int) (transfer.QueueConfig, error) {
	k = max(k, 1)
	switch p {
	case PolicySerialBatches:
		return transfer.QueueConfig{MaxBatchesOutstanding: uint32(k), MaxOpsInFlight: 1}, nil
	case PolicySingleBatch:
		return transfer.QueueConfig{MaxBatchesOutstanding: 1, MaxOpsInFlight: 1}, nil
	case PolicyConcurrent:
		return transfer.QueueConfig{MaxBatchesOutstanding: 1, MaxOpsInFlight: uint32(k)}, nil
	default:
		return transfer.QueueConfig{}, &core.ConfigError{Field: "policy", Value: p.String(), Message: "unknown policy"}
	}
}
