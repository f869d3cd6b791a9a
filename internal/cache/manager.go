// Package cache provides the Redis client used by the durable event buffer.
// This package is internal and should not be imported by external projects.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrCacheMiss indicates the requested key does not exist.
var ErrCacheMiss = errors.New("cache miss")

// IsCacheMiss reports whether err is a cache miss.
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// Config configures the Redis connection.
type Config struct {
	// Redis address, host:port
	Addr string `yaml:"addr" json:"addr" env:"ADDR"`

	// Password, empty when auth is disabled
	Password string `yaml:"password" json:"password" env:"PASSWORD"`

	// Database number
	DB int `yaml:"db" json:"db" env:"DB"`

	// Default TTL applied when a caller passes zero
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl" env:"DEFAULT_TTL"`

	// Maximum retries per command
	MaxRetries int `yaml:"max_retries" json:"max_retries" env:"MAX_RETRIES"`

	// Connection pool size
	PoolSize int `yaml:"pool_size" json:"pool_size" env:"POOL_SIZE"`

	// Minimum idle connections
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns" env:"MIN_IDLE_CONNS"`

	// Health check interval, zero disables the loop
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Addr:                "localhost:6379",
		Password:            "",
		DB:                  0,
		DefaultTTL:          24 * time.Hour,
		MaxRetries:          3,
		PoolSize:            10,
		MinIdleConns:        2,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Manager wraps the Redis client with the list and hash operations the
// event buffer needs, plus lifecycle management and health checking.
type Manager struct {
	redis  *redis.Client
	config Config
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// NewManager connects to Redis and starts the health check loop.
func NewManager(config Config, logger *zap.Logger) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	m := &Manager{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "cache")),
	}

	if config.HealthCheckInterval > 0 {
		go m.healthCheckLoop()
	}

	logger.Info("cache manager initialized",
		zap.String("addr", config.Addr),
		zap.Int("pool_size", config.PoolSize),
	)

	return m, nil
}

// Client exposes the underlying Redis client so other components,
// such as the Redis record store, can share the connection pool.
func (m *Manager) Client() *redis.Client {
	return m.redis
}

// guard returns an error when the manager has been closed.
func (m *Manager) guard() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.New("cache manager is closed")
	}
	return nil
}

// PushList appends values to the tail of an ordered list and refreshes
// its TTL in one round trip.
func (m *Manager) PushList(ctx context.Context, key string, ttl time.Duration, values ...string) error {
	if err := m.guard(); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	if ttl == 0 {
		ttl = m.config.DefaultTTL
	}

	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}

	pipe := m.redis.Pipeline()
	pipe.RPush(ctx, key, args...)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache list push failed: %w", err)
	}
	return nil
}

// TrimList keeps at most maxLen entries in the list, dropping the oldest.
func (m *Manager) TrimList(ctx context.Context, key string, maxLen int64) error {
	if err := m.guard(); err != nil {
		return err
	}
	if err := m.redis.LTrim(ctx, key, -maxLen, -1).Err(); err != nil {
		return fmt.Errorf("cache list trim failed: %w", err)
	}
	return nil
}

// RangeList returns every entry of the list in insertion order. A missing
// key yields ErrCacheMiss so callers can fall back to local copies.
func (m *Manager) RangeList(ctx context.Context, key string) ([]string, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	n, err := m.redis.Exists(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("cache list range failed: %w", err)
	}
	if n == 0 {
		return nil, ErrCacheMiss
	}
	vals, err := m.redis.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("cache list range failed: %w", err)
	}
	return vals, nil
}

// ListLen returns the number of entries in the list.
func (m *Manager) ListLen(ctx context.Context, key string) (int64, error) {
	if err := m.guard(); err != nil {
		return 0, err
	}
	n, err := m.redis.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache list len failed: %w", err)
	}
	return n, nil
}

// SetHash writes fields of a hash and refreshes its TTL.
func (m *Manager) SetHash(ctx context.Context, key string, ttl time.Duration, fields map[string]interface{}) error {
	if err := m.guard(); err != nil {
		return err
	}
	if ttl == 0 {
		ttl = m.config.DefaultTTL
	}

	pipe := m.redis.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache hash set failed: %w", err)
	}
	return nil
}

// GetHash reads every field of a hash. A missing key yields ErrCacheMiss.
func (m *Manager) GetHash(ctx context.Context, key string) (map[string]string, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	fields, err := m.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("cache hash get failed: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrCacheMiss
	}
	return fields, nil
}

// Delete removes keys.
func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	if err := m.guard(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := m.redis.Del(ctx, keys...).Err(); err != nil {
		m.logger.Error("cache delete failed", zap.Strings("keys", keys), zap.Error(err))
		return fmt.Errorf("cache delete failed: %w", err)
	}
	return nil
}

// Exists reports how many of the given keys exist.
func (m *Manager) Exists(ctx context.Context, keys ...string) (int64, error) {
	if err := m.guard(); err != nil {
		return 0, err
	}
	count, err := m.redis.Exists(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("cache exists check failed: %w", err)
	}
	return count, nil
}

// Expire sets the TTL of a key.
func (m *Manager) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := m.guard(); err != nil {
		return err
	}
	if err := m.redis.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("cache expire failed: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.redis.Ping(ctx).Err()
}

// Close shuts down the client. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true
	m.logger.Info("closing cache manager")

	return m.redis.Close()
}

func (m *Manager) healthCheckLoop() {
	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.RLock()
		if m.closed {
			m.mu.RUnlock()
			return
		}
		m.mu.RUnlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.Ping(ctx); err != nil {
			m.logger.Error("cache health check failed", zap.Error(err))
		} else {
			m.logger.Debug("cache health check passed")
		}
		cancel()
	}
}
