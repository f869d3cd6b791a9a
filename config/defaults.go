package config

import (
	"time"

	"github.com/BaSui01/agentrelay/internal/cache"
	"github.com/BaSui01/agentrelay/orchestrator"
	"github.com/BaSui01/agentrelay/persistence"
)

// DefaultConfig returns sensible defaults for every section.
func DefaultConfig() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Redis:        cache.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Persistence:  persistence.DefaultStoreConfig(),
		Log:          DefaultLogConfig(),
		Telemetry:    DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default HTTP server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    10 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
	}
}

// DefaultLogConfig returns the default log configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentrelay",
		SampleRate:   1.0,
	}
}
