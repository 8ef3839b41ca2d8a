package telemetry

import (
	"fmt"
	"strings"
	"time"
)

// ConfigError reports an invalid or missing required configuration
// option. It is raised synchronously from the agent factory, never from
// a background task.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "guard-agent: invalid config: " + e.Reason }

// Config is the agent's configuration surface. It is frozen after
// construction: callers get a copy-by-value struct and the handler
// never mutates it.
type Config struct {
	APIKey    string
	ProjectID string
	Endpoint  string

	BufferSize    int
	FlushInterval time.Duration
	RuleInterval  time.Duration

	EnableEvents  bool
	EnableMetrics bool

	RetryAttempts int
	BackoffFactor float64
	Timeout       time.Duration

	SensitiveHeaders map[string]struct{}
	MaxPayloadSize   int

	// AgentVersion is advertised in the User-Agent / X-Agent-Version
	// headers and in AgentStatus.Version.
	AgentVersion string
}

// DefaultConfig returns a Config populated with the agent's baseline
// defaults. Callers fill in APIKey/ProjectID/Endpoint and override
// anything else.
func DefaultConfig() Config {
	return Config{
		Endpoint:      "https://api.fastapi-guard.com",
		BufferSize:    100,
		FlushInterval: 30 * time.Second,
		RuleInterval:  300 * time.Second,
		EnableEvents:  true,
		EnableMetrics: true,
		RetryAttempts: 3,
		BackoffFactor: 1.0,
		Timeout:       30 * time.Second,
		SensitiveHeaders: map[string]struct{}{
			"authorization": {},
			"cookie":        {},
			"x-api-key":     {},
		},
		MaxPayloadSize: 1024,
		AgentVersion:   "1.0.0",
	}
}

// Validate checks the configuration and returns a ConfigError describing
// the first problem found, or nil if the configuration is usable.
func (c Config) Validate() error {
	if len(c.APIKey) < 10 {
		return &ConfigError{Reason: "api_key must be at least 10 characters long"}
	}
	if c.ProjectID == "" {
		return &ConfigError{Reason: "project_id is required"}
	}
	if !strings.HasPrefix(c.Endpoint, "http://") && !strings.HasPrefix(c.Endpoint, "https://") {
		return &ConfigError{Reason: "endpoint must be a valid HTTP/HTTPS URL"}
	}
	if c.BufferSize <= 0 {
		return &ConfigError{Reason: "buffer_size must be greater than 0"}
	}
	if c.FlushInterval <= 0 {
		return &ConfigError{Reason: "flush_interval must be greater than 0"}
	}
	if c.Timeout <= 0 {
		return &ConfigError{Reason: "timeout must be greater than 0"}
	}
	if c.RetryAttempts < 0 {
		return &ConfigError{Reason: "retry_attempts cannot be negative"}
	}
	if c.BackoffFactor <= 0 {
		return &ConfigError{Reason: "backoff_factor must be greater than 0"}
	}
	if c.MaxPayloadSize <= 0 {
		return &ConfigError{Reason: "max_payload_size must be greater than 0"}
	}
	return nil
}

// Identity is the tuple the singleton registry keys handlers by.
type Identity struct {
	APIKey    string
	ProjectID string
	Endpoint  string
}

func (c Config) Identity() Identity {
	return Identity{APIKey: c.APIKey, ProjectID: c.ProjectID, Endpoint: c.Endpoint}
}

// Equal reports whether two configs are identical in every field that
// matters for runtime behaviour (used to detect ConfigConflict on a
// second construction with the same identity).
func (c Config) Equal(o Config) bool {
	if c.APIKey != o.APIKey || c.ProjectID != o.ProjectID || c.Endpoint != o.Endpoint {
		return false
	}
	if c.BufferSize != o.BufferSize || c.FlushInterval != o.FlushInterval || c.RuleInterval != o.RuleInterval {
		return false
	}
	if c.EnableEvents != o.EnableEvents || c.EnableMetrics != o.EnableMetrics {
		return false
	}
	if c.RetryAttempts != o.RetryAttempts || c.BackoffFactor != o.BackoffFactor || c.Timeout != o.Timeout {
		return false
	}
	if c.MaxPayloadSize != o.MaxPayloadSize {
		return false
	}
	return fmt.Sprintf("%v", c.SensitiveHeaders) == fmt.Sprintf("%v", o.SensitiveHeaders)
}
