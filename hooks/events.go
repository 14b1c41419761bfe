package hooks

import (
	"time"

	"github.com/INLOpen/gpustream/core"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// Transfer batch lifecycle
	EventPreBatchCommit     EventType = "PreBatchCommit"
	EventPostBatchComplete  EventType = "PostBatchComplete"
	EventPostHazardDetected EventType = "PostHazardDetected"

	// Compression lifecycle
	EventPreCompressionFlush  EventType = "PreCompressionFlush"
	EventPostCompressionFlush EventType = "PostCompressionFlush"

	// Source handles
	EventPostHandleOpen EventType = "PostHandleOpen"

	// Orchestrated jobs
	EventPreJobRun      EventType = "PreJobRun"
	EventPostJobAttempt EventType = "PostJobAttempt"
	EventPostJobRun     EventType = "PostJobRun"
)

// HazardInfo describes one destination resource written by several
// operations of the same batch, or by a batch and other unfinished batches
// of its queue.
type HazardInfo struct {
	ResourceID    uint64
	ResourceLabel string
	Ops           int
	Overlapping   bool
	Batches       int
}

// BatchCommitPayload is sent before a batch is handed to the engine.
// A listener error vetoes the commit and leaves the batch uncommitted.
type BatchCommitPayload struct {
	QueueLabel     string
	BatchID        uint64
	Label          string
	Ops            int
	Retained       bool
	MaxOpsInFlight uint32
	Hazards        []HazardInfo
}

func NewPreBatchCommitEvent(payload BatchCommitPayload) HookEvent {
	return &BaseEvent{eventType: EventPreBatchCommit, payload: payload}
}

// BatchCompletePayload is sent once a batch reaches a terminal status.
type BatchCompletePayload struct {
	QueueLabel string
	BatchID    uint64
	Label      string
	Ops        int
	Status     core.Status
	Error      error
	Duration   time.Duration
}

func NewPostBatchCompleteEvent(payload BatchCompletePayload) HookEvent {
	return &BaseEvent{eventType: EventPostBatchComplete, payload: payload}
}

// HazardPayload is sent when a committed batch may run several writes to
// one resource concurrently.
type HazardPayload struct {
	QueueLabel     string
	BatchID        uint64
	Label          string
	MaxOpsInFlight uint32
	Hazards        []HazardInfo
}

func NewPostHazardDetectedEvent(payload HazardPayload) HookEvent {
	return &BaseEvent{eventType: EventPostHazardDetected, payload: payload}
}

// CompressionFlushPayload is sent before a compression context finalizes
// its container. A listener error fails the flush.
type CompressionFlushPayload struct {
	Path     string
	Method   core.CompressionType
	Chunks   int
	RawBytes int64
}

func NewPreCompressionFlushEvent(payload CompressionFlushPayload) HookEvent {
	return &BaseEvent{eventType: EventPreCompressionFlush, payload: payload}
}

// PostCompressionFlushPayload reports the outcome of a flush.
type PostCompressionFlushPayload struct {
	Path        string
	Method      core.CompressionType
	Chunks      int
	RawBytes    int64
	StoredBytes int64
	Status      core.Status
	Error       error
	Duration    time.Duration
}

func NewPostCompressionFlushEvent(payload PostCompressionFlushPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCompressionFlush, payload: payload}
}

// HandleOpenPayload reports a source handle bind attempt.
type HandleOpenPayload struct {
	URI    string
	Path   string
	Method core.CompressionType
	Error  error
}

func NewPostHandleOpenEvent(payload HandleOpenPayload) HookEvent {
	return &BaseEvent{eventType: EventPostHandleOpen, payload: payload}
}

// JobPayload is sent before an orchestrated job starts. A listener error
// aborts the job before any handle is opened.
type JobPayload struct {
	Job     string
	Policy  string
	Loads   int
	Batches int
}

func NewPreJobRunEvent(payload JobPayload) HookEvent {
	return &BaseEvent{eventType: EventPreJobRun, payload: payload}
}

// JobAttemptPayload reports the batch statuses of one attempt.
type JobAttemptPayload struct {
	Job      string
	Attempt  int
	Statuses []core.Status
	Error    error
}

func NewPostJobAttemptEvent(payload JobAttemptPayload) HookEvent {
	return &BaseEvent{eventType: EventPostJobAttempt, payload: payload}
}

// PostJobPayload reports the final outcome of a job.
type PostJobPayload struct {
	Job      string
	Attempts int
	Status   core.Status
	Error    error
	Duration time.Duration
}

func NewPostJobRunEvent(payload PostJobPayload) HookEvent {
	return &BaseEvent{eventType: EventPostJobRun, payload: payload}
}
