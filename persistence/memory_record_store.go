package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/agentrelay/types"
)

// MemoryRecordStore is an in-memory implementation of RecordStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryRecordStore struct {
	records map[string]*RunRecord
	byTask  map[string]string // task id -> latest record id
	mu      sync.RWMutex
	closed  bool
	config  StoreConfig
}

// NewMemoryRecordStore creates a new in-memory record store.
func NewMemoryRecordStore(config StoreConfig) *MemoryRecordStore {
	return &MemoryRecordStore{
		records: make(map[string]*RunRecord),
		byTask:  make(map[string]string),
		config:  config,
	}
}

// Close closes the store.
func (s *MemoryRecordStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy.
func (s *MemoryRecordStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// SaveRecord persists a record (create or replace).
func (s *MemoryRecordStore) SaveRecord(ctx context.Context, record *RunRecord) error {
	if record == nil || record.TaskID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if record.ID == "" {
		record.ID = uuid.New().String()
	}

	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	cp := cloneRecord(record)
	s.records[record.ID] = cp
	s.byTask[record.TaskID] = record.ID

	return nil
}

// GetRecord retrieves a record by ID.
func (s *MemoryRecordStore) GetRecord(ctx context.Context, recordID string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	record, ok := s.records[recordID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(record), nil
}

// GetLatestByTask retrieves the most recently updated record for a task.
func (s *MemoryRecordStore) GetLatestByTask(ctx context.Context, taskID string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	id, ok := s.byTask[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	record, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(record), nil
}

// AppendEvents extends a record's merged event list incrementally.
func (s *MemoryRecordStore) AppendEvents(ctx context.Context, recordID string, events []types.Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	record, ok := s.records[recordID]
	if !ok {
		return ErrNotFound
	}

	record.Events = append(record.Events, events...)
	record.UpdatedAt = time.Now()

	return nil
}

// Cleanup removes records older than the given duration.
func (s *MemoryRecordStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	count := 0
	for id, record := range s.records {
		if record.UpdatedAt.Before(cutoff) {
			delete(s.records, id)
			if s.byTask[record.TaskID] == id {
				delete(s.byTask, record.TaskID)
			}
			count++
		}
	}

	return count, nil
}

func cloneRecord(r *RunRecord) *RunRecord {
	cp := *r
	cp.Events = append([]types.Event(nil), r.Events...)
	if r.Usage != nil {
		cp.Usage = make(map[string]any, len(r.Usage))
		for k, v := range r.Usage {
			cp.Usage[k] = v
		}
	}
	return &cp
}

// Ensure MemoryRecordStore implements RecordStore
var _ RecordStore = (*MemoryRecordStore)(nil)
