package orchestrator

import "time"

// Config tunes the orchestrator. Zero values are replaced by defaults
// where noted; durations are hard bounds on the corresponding waits.
type Config struct {
	// MaxConcurrentTasks is the process-wide ceiling enforced at Start.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks" json:"max_concurrent_tasks" env:"MAX_CONCURRENT_TASKS"`

	// SubscriberBuffer is the per-subscriber channel capacity.
	SubscriberBuffer int `yaml:"subscriber_buffer" json:"subscriber_buffer" env:"SUBSCRIBER_BUFFER"`

	// MaxBufferedEvents caps the durable and fallback event lists per
	// task; oldest entries are dropped first.
	MaxBufferedEvents int64 `yaml:"max_buffered_events" json:"max_buffered_events" env:"MAX_BUFFERED_EVENTS"`

	// BufferTTL is the time-to-live of the durable buffer keys.
	BufferTTL time.Duration `yaml:"buffer_ttl" json:"buffer_ttl" env:"BUFFER_TTL"`

	// AllowMemoryFallback permits falling back to the in-memory event
	// list when durable writes fail. When false, failed writes are only
	// logged and the event is lost from replay.
	AllowMemoryFallback bool `yaml:"allow_memory_fallback" json:"allow_memory_fallback" env:"ALLOW_MEMORY_FALLBACK"`

	// KeyPrefix namespaces the durable buffer keys.
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix" env:"KEY_PREFIX"`

	// Retention is how long terminal task state stays attachable.
	Retention time.Duration `yaml:"retention" json:"retention" env:"RETENTION"`

	// AbandonAfter hard-cancels a running task that has had zero attached
	// connections for this long.
	AbandonAfter time.Duration `yaml:"abandon_after" json:"abandon_after" env:"ABANDON_AFTER"`

	// SweepInterval is how often the GC sweeper runs.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval" env:"SWEEP_INTERVAL"`

	// AttachPollInterval bounds how long an attached viewer waits for a
	// live event before re-checking task status.
	AttachPollInterval time.Duration `yaml:"attach_poll_interval" json:"attach_poll_interval" env:"ATTACH_POLL_INTERVAL"`

	// FlushTimeout bounds the best-effort state flush on soft interrupt.
	FlushTimeout time.Duration `yaml:"flush_timeout" json:"flush_timeout" env:"FLUSH_TIMEOUT"`

	// CollectTimeout is the overall deadline for subagent collection.
	CollectTimeout time.Duration `yaml:"collect_timeout" json:"collect_timeout" env:"COLLECT_TIMEOUT"`

	// ViewerDrainTimeout bounds the wait for live viewers of a subagent
	// stream before its buffers are cleared.
	ViewerDrainTimeout time.Duration `yaml:"viewer_drain_timeout" json:"viewer_drain_timeout" env:"VIEWER_DRAIN_TIMEOUT"`

	// ShutdownGrace is the cooperative-cancellation window at shutdown;
	// ShutdownForceGrace is the second, shorter window after escalation.
	ShutdownGrace      time.Duration `yaml:"shutdown_grace" json:"shutdown_grace" env:"SHUTDOWN_GRACE"`
	ShutdownForceGrace time.Duration `yaml:"shutdown_force_grace" json:"shutdown_force_grace" env:"SHUTDOWN_FORCE_GRACE"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks:  64,
		SubscriberBuffer:    256,
		MaxBufferedEvents:   2000,
		BufferTTL:           24 * time.Hour,
		AllowMemoryFallback: true,
		KeyPrefix:           "agentrelay:",
		Retention:           24 * time.Hour,
		AbandonAfter:        30 * time.Minute,
		SweepInterval:       time.Minute,
		AttachPollInterval:  2 * time.Second,
		FlushTimeout:        5 * time.Second,
		CollectTimeout:      5 * time.Minute,
		ViewerDrainTimeout:  10 * time.Second,
		ShutdownGrace:       15 * time.Second,
		ShutdownForceGrace:  5 * time.Second,
	}
}

// withDefaults fills zero fields so a partially specified config works.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = d.MaxConcurrentTasks
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = d.SubscriberBuffer
	}
	if c.MaxBufferedEvents <= 0 {
		c.MaxBufferedEvents = d.MaxBufferedEvents
	}
	if c.BufferTTL <= 0 {
		c.BufferTTL = d.BufferTTL
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.AbandonAfter <= 0 {
		c.AbandonAfter = d.AbandonAfter
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.AttachPollInterval <= 0 {
		c.AttachPollInterval = d.AttachPollInterval
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = d.FlushTimeout
	}
	if c.CollectTimeout <= 0 {
		c.CollectTimeout = d.CollectTimeout
	}
	if c.ViewerDrainTimeout <= 0 {
		c.ViewerDrainTimeout = d.ViewerDrainTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	if c.ShutdownForceGrace <= 0 {
		c.ShutdownForceGrace = d.ShutdownForceGrace
	}
	return c
}
