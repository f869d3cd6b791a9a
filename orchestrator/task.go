package orchestrator

import (
	"context"
	"time"

	"github.com/BaSui01/agentrelay/types"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	// StatusQueued indicates the task is registered but not yet running.
	StatusQueued TaskStatus = "queued"

	// StatusRunning indicates the task's producer is being driven.
	StatusRunning TaskStatus = "running"

	// StatusCompleted indicates the producer ran to exhaustion.
	StatusCompleted TaskStatus = "completed"

	// StatusFailed indicates the producer raised an error, or a completion
	// callback demoted an otherwise successful run.
	StatusFailed TaskStatus = "failed"

	// StatusCancelled indicates a hard cancel ended the run.
	StatusCancelled TaskStatus = "cancelled"

	// StatusSoftInterrupted indicates a soft interrupt ended the primary
	// run while subagents kept going.
	StatusSoftInterrupted TaskStatus = "soft_interrupted"
)

// IsTerminal returns true if the status is a terminal state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSoftInterrupted:
		return true
	default:
		return false
	}
}

// Producer is the opaque event-producing process driven by a task: an
// agent turn, a workflow step, anything that yields serialized events.
//
// Next returns the next serialized event, or io.EOF once the producer is
// exhausted. Close requests clean early shutdown and must be safe to call
// while Next is blocked. Paused is only meaningful after Next returned
// io.EOF: it reports whether the producer stopped awaiting external input
// rather than finishing.
type Producer interface {
	Next(ctx context.Context) (string, error)
	Close(ctx context.Context) error
	Paused() bool
}

// Flusher is optionally implemented by producers that can snapshot
// in-flight state. It is invoked best-effort on soft interrupt.
type Flusher interface {
	Flush(ctx context.Context) error
}

// CompletionFunc is invoked exactly once on the completed path, after
// buffering and before GC eligibility. A non-nil error demotes the task
// to failed.
type CompletionFunc func(ctx context.Context) error

// StartOptions carries optional per-task settings for Registry.Start.
type StartOptions struct {
	// Metadata is an arbitrary caller-defined key/value bag.
	Metadata map[string]any

	// OnComplete is the completion callback, may be nil.
	OnComplete CompletionFunc
}

// Task is one tracked execution, keyed by its thread identifier. All
// fields are guarded by the registry's coarse lock unless noted.
type Task struct {
	id       string
	status   TaskStatus
	producer Producer

	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
	lastAccess  time.Time

	// seq is the last assigned sequence number, incremented under the
	// registry lock at production time.
	seq int64

	// Stop signals. The channels are closed at most once; the flags record
	// which signal was requested.
	hardCancel    chan struct{}
	softInterrupt chan struct{}
	hardRequested bool
	softRequested bool

	// fallback holds events not yet confirmed durable, bounded to the
	// buffer's max size, oldest dropped first. Every event is staged
	// here at emit time; the entry is removed once the durable write
	// succeeds, and kept as the fallback copy when it fails.
	fallback []types.Event

	bcast       *broadcaster
	connections int

	metadata   map[string]any
	onComplete CompletionFunc

	errMsg   string
	recordID string

	subagents map[string]*Subagent

	// runDone closes when the runner goroutine exits; drainDone closes
	// once all post-terminal work (flush, persistence, collection) is
	// finished and a new run may be started under the same id.
	runDone   chan struct{}
	drainDone chan struct{}

	// forceCancel aborts the runner context during shutdown escalation.
	// Written once by the runner before the task goes running.
	forceCancel context.CancelFunc
}

func newTask(id string, producer Producer, opts StartOptions) *Task {
	now := time.Now()
	return &Task{
		id:            id,
		status:        StatusQueued,
		producer:      producer,
		createdAt:     now,
		lastAccess:    now,
		hardCancel:    make(chan struct{}),
		softInterrupt: make(chan struct{}),
		bcast:         newBroadcaster(),
		metadata:      opts.Metadata,
		onComplete:    opts.OnComplete,
		subagents:     make(map[string]*Subagent),
		runDone:       make(chan struct{}),
		drainDone:     make(chan struct{}),
	}
}

// drained reports whether post-terminal work has finished. Caller holds
// no locks; drainDone is only ever closed.
func (t *Task) drained() bool {
	select {
	case <-t.drainDone:
		return true
	default:
		return false
	}
}

// TaskInfo is a read-only snapshot of a task's state.
type TaskInfo struct {
	ID          string         `json:"id"`
	Status      TaskStatus     `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
	LastAccess  time.Time      `json:"last_access"`
	Connections int            `json:"connections"`
	LastSeq     int64          `json:"last_seq"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Subagents   []string       `json:"subagents,omitempty"`
}
