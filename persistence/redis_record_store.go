package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/agentrelay/types"
)

// RedisRecordStore is a Redis-based implementation of RecordStore.
// Suitable for production deployments. Records are stored as JSON blobs
// with sorted-set indexes for per-task lookup and age-based cleanup.
type RedisRecordStore struct {
	client    *redis.Client
	keyPrefix string
	config    StoreConfig
}

// NewRedisRecordStore creates a record store on an existing Redis client.
func NewRedisRecordStore(client *redis.Client, config StoreConfig) (*RedisRecordStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "agentrelay:"
	}

	return &RedisRecordStore{
		client:    client,
		keyPrefix: keyPrefix + "record:",
		config:    config,
	}, nil
}

// Close closes the store. The underlying client is owned by the caller.
func (s *RedisRecordStore) Close() error {
	return nil
}

// Ping checks if the store is healthy.
func (s *RedisRecordStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisRecordStore) recordKey(recordID string) string {
	return s.keyPrefix + "data:" + recordID
}

func (s *RedisRecordStore) taskKey(taskID string) string {
	return s.keyPrefix + "task:" + taskID
}

func (s *RedisRecordStore) allKey() string {
	return s.keyPrefix + "all"
}

// SaveRecord persists a record (create or replace).
func (s *RedisRecordStore) SaveRecord(ctx context.Context, record *RunRecord) error {
	if record == nil || record.TaskID == "" {
		return ErrInvalidInput
	}

	if record.ID == "" {
		record.ID = uuid.New().String()
	}

	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	score := float64(record.UpdatedAt.UnixNano())

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.recordKey(record.ID), data, 0)
	pipe.ZAdd(ctx, s.taskKey(record.TaskID), redis.Z{Score: score, Member: record.ID})
	pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: score, Member: record.ID})

	_, err = pipe.Exec(ctx)
	return err
}

// GetRecord retrieves a record by ID.
func (s *RedisRecordStore) GetRecord(ctx context.Context, recordID string) (*RunRecord, error) {
	data, err := s.client.Get(ctx, s.recordKey(recordID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var record RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}

	return &record, nil
}

// GetLatestByTask retrieves the most recently updated record for a task.
func (s *RedisRecordStore) GetLatestByTask(ctx context.Context, taskID string) (*RunRecord, error) {
	ids, err := s.client.ZRevRange(ctx, s.taskKey(taskID), 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}

	return s.GetRecord(ctx, ids[0])
}

// AppendEvents extends a record's merged event list incrementally.
func (s *RedisRecordStore) AppendEvents(ctx context.Context, recordID string, events []types.Event) error {
	if len(events) == 0 {
		return nil
	}

	record, err := s.GetRecord(ctx, recordID)
	if err != nil {
		return err
	}

	record.Events = append(record.Events, events...)

	return s.SaveRecord(ctx, record)
}

// Cleanup removes records older than the given duration.
func (s *RedisRecordStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixNano()

	ids, err := s.client.ZRangeByScore(ctx, s.allKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, id := range ids {
		record, err := s.GetRecord(ctx, id)
		if err != nil {
			// Index entry without data, drop the index entry.
			s.client.ZRem(ctx, s.allKey(), id)
			continue
		}

		pipe := s.client.Pipeline()
		pipe.Del(ctx, s.recordKey(id))
		pipe.ZRem(ctx, s.taskKey(record.TaskID), id)
		pipe.ZRem(ctx, s.allKey(), id)
		if _, err := pipe.Exec(ctx); err == nil {
			count++
		}
	}

	return count, nil
}

// Ensure RedisRecordStore implements RecordStore
var _ RecordStore = (*RedisRecordStore)(nil)
