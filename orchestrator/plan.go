package orchestrator

import (
	"fmt"

	"github.com/INLOpen/gpustream/core"
	"github.com/INLOpen/gpustream/device"
	"github.com/INLOpen/gpustream/transfer"
	"github.com/gogpu/gputypes"
)

// Source names the decoded bytes a load reads.
type Source struct {
	URI    string
	Method core.CompressionType
	// Offset is the first decoded byte to read.
	Offset uint64
}

// Load is one transfer of a job. Implementations: BufferLoad and TextureLoad.
type Load interface {
	Resource() device.Resource
	Src() Source
	isLoad()
}

// BufferLoad fills Length bytes of Dst at DstOffset.
type BufferLoad struct {
	Dst       *device.Buffer
	DstOffset uint64
	Length    uint64
	Source    Source
}

func (l BufferLoad) Resource() device.Resource { return l.Dst }
func (l BufferLoad) Src() Source               { return l.Source }
func (BufferLoad) isLoad()                     {}

// TextureLoad fills a region of one slice and level of Dst.
type TextureLoad struct {
	Dst           *device.Texture
	Slice         uint32
	Level         uint32
	Origin        device.Origin
	Size          gputypes.Extent3D
	BytesPerRow   uint64
	BytesPerImage uint64
	Source        Source
}

func (l TextureLoad) Resource() device.Resource { return l.Dst }
func (l TextureLoad) Src() Source               { return l.Source }
func (TextureLoad) isLoad()                     {}

// Job is a set of loads that succeeds or fails as a whole.
type Job struct {
	Name  string
	Loads []Load
}

// Plan is the partition of a job's loads into batches.
type Plan struct {
	Policy Policy
	// Batches holds indexes into Job.Loads, in submission order.
	Batches [][]int
	Queue   transfer.QueueConfig
	// Hazardous is set when loads of one resource may run concurrently.
	Hazardous bool
}

// NewPlan partitions job under policy.
func NewPlan(job Job, policy Policy) (*Plan, error) {
	if len(job.Loads) == 0 {
		return nil, &core.ConfigError{Field: "loads", Value: job.Name, Message: "job has no loads"}
	}
	perResource := make(map[uint64]int)
	for i, l := range job.Loads {
		if err := validateLoad(l); err != nil {
			return nil, fmt.Errorf("job %q load %d: %w", job.Name, i, err)
		}
		perResource[l.Resource().ID()]++
	}

	p := &Plan{Policy: policy}
	switch policy {
	case PolicySerialBatches:
		// The n-th load of every resource goes to batch n.
		seen := make(map[uint64]int)
		for i, l := range job.Loads {
			id := l.Resource().ID()
			n := seen[id]
			seen[id] = n + 1
			if n == len(p.Batches) {
				p.Batches = append(p.Batches, nil)
			}
			p.Batches[n] = append(p.Batches[n], i)
		}
	case PolicySingleBatch, PolicyConcurrent:
		all := make([]int, len(job.Loads))
		for i := range all {
			all[i] = i
		}
		p.Batches = [][]int{all}
		if policy == PolicyConcurrent {
			for _, n := range perResource {
				if n > 1 {
					p.Hazardous = true
					break
				}
			}
		}
	}

	k := len(p.Batches)
	if policy == PolicyConcurrent {
		k = len(job.Loads)
	}
	q, err := QueueConfigFor(policy, k)
	if err != nil {
		return nil, err
	}
	q.Label = job.Name
	p.Queue = q
	return p, nil
}

func validateLoad(l Load) error {
	switch l := l.(type) {
	case BufferLoad:
		if l.Dst == nil {
			return fmt.Errorf("buffer load: %w", core.ErrNilArgument)
		}
	case TextureLoad:
		if l.Dst == nil {
			return fmt.Errorf("texture load: %w", core.ErrNilArgument)
		}
	case nil:
		return core.ErrNilArgument
	default:
		return fmt.Errorf("unsupported load %T", l)
	}
	return nil
}
