// Package persistence provides durable storage for finished run records.
//
// A run record is the persisted trace of one task execution: its outcome,
// error (if any), and the merged event list (main-turn events plus any
// collected subagent events). Records are written during terminal
// lifecycle transitions and extended incrementally by the subagent
// collector.
//
// Supported backends:
// - Memory: for development and testing (default)
// - Redis: for production deployments
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/agentrelay/types"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StoreType represents the type of storage backend.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

// RunOutcome classifies how a run ended.
type RunOutcome string

const (
	OutcomeCompleted   RunOutcome = "completed"
	OutcomeInterrupted RunOutcome = "interrupted"
	OutcomeFailed      RunOutcome = "failed"
	OutcomeCancelled   RunOutcome = "cancelled"
)

// RunRecord is the persisted trace of one task execution.
type RunRecord struct {
	// ID is the unique record identifier.
	ID string `json:"id"`

	// TaskID is the thread identifier the run belonged to.
	TaskID string `json:"task_id"`

	// Outcome classifies the terminal state.
	Outcome RunOutcome `json:"outcome"`

	// Error holds the failure message for failed runs, or the secondary
	// error when a completion callback demoted the run.
	Error string `json:"error,omitempty"`

	// Events is the merged, ordered event list.
	Events []types.Event `json:"events,omitempty"`

	// Usage carries whatever partial usage data the producer reported.
	Usage map[string]any `json:"usage,omitempty"`

	// CreatedAt is when the record was first written.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the record was last extended.
	UpdatedAt time.Time `json:"updated_at"`
}

// RecordStore defines the persistence boundary for run records.
type RecordStore interface {
	// SaveRecord persists a record (create or replace).
	SaveRecord(ctx context.Context, record *RunRecord) error

	// GetRecord retrieves a record by ID.
	GetRecord(ctx context.Context, recordID string) (*RunRecord, error)

	// GetLatestByTask retrieves the most recently updated record for a task.
	GetLatestByTask(ctx context.Context, taskID string) (*RunRecord, error)

	// AppendEvents extends a record's merged event list incrementally.
	AppendEvents(ctx context.Context, recordID string, events []types.Event) error

	// Cleanup removes records older than the given duration. Returns the
	// number of records removed.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// StoreConfig configures record store creation.
type StoreConfig struct {
	// Type selects the backend: memory or redis.
	Type StoreType `yaml:"type" json:"type" env:"TYPE"`

	// KeyPrefix namespaces Redis keys. Defaults to "agentrelay:".
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix" env:"KEY_PREFIX"`

	// Retention is how long finished records remain retrievable.
	Retention time.Duration `yaml:"retention" json:"retention" env:"RETENTION"`
}

// DefaultStoreConfig returns the default store configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:      StoreTypeMemory,
		KeyPrefix: "agentrelay:",
		Retention: 24 * time.Hour,
	}
}
