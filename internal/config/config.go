// Package config loads the agent's on-disk/environment configuration:
// a YAML file overridden by environment variables, with defaults set
// before either is read.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fastapi-guard/guard-agent-go/internal/telemetry"
)

// AgentSection maps directly onto telemetry.Config's fields.
type AgentSection struct {
	APIKey    string `mapstructure:"api_key"`
	ProjectID string `mapstructure:"project_id"`
	Endpoint  string `mapstructure:"endpoint"`

	BufferSize    int           `mapstructure:"buffer_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	RuleInterval  time.Duration `mapstructure:"rule_interval"`

	EnableEvents  bool `mapstructure:"enable_events"`
	EnableMetrics bool `mapstructure:"enable_metrics"`

	RetryAttempts int           `mapstructure:"retry_attempts"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	Timeout       time.Duration `mapstructure:"timeout"`

	SensitiveHeaders []string `mapstructure:"sensitive_headers"`
	MaxPayloadSize   int      `mapstructure:"max_payload_size"`
	AgentVersion     string   `mapstructure:"agent_version"`
}

// StoreSection selects and configures the durable overflow store
// backend the buffer attaches to.
type StoreSection struct {
	Backend string `mapstructure:"backend"` // "redis", "postgres", or "" (memory-only)

	RedisAddr      string `mapstructure:"redis_addr"`
	RedisPassword  string `mapstructure:"redis_password"`
	RedisDB        int    `mapstructure:"redis_db"`
	RedisNamespace string `mapstructure:"redis_namespace"`

	PostgresURL string `mapstructure:"postgres_url"`
}

// AdminAPISection configures the local operator HTTP surface used for
// read-only inspection of health, status, stats and rules.
type AdminAPISection struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`

	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`

	OperatorUsername   string `mapstructure:"operator_username"`
	OperatorSecretHash string `mapstructure:"operator_secret_hash"`

	PublicKey  []byte
	PrivateKey []byte

	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute"`
}

// LoggerSection configures the zap logger shared by every subsystem.
type LoggerSection struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SinkSection configures the optional compliance sink that records
// every successfully delivered batch for audit purposes. An empty
// PostgresURL disables it.
type SinkSection struct {
	PostgresURL string `mapstructure:"postgres_url"`
}

// Config is the agent process's root configuration document.
type Config struct {
	Agent    AgentSection    `mapstructure:"agent"`
	Store    StoreSection    `mapstructure:"store"`
	AdminAPI AdminAPISection `mapstructure:"admin_api"`
	Logger   LoggerSection   `mapstructure:"logger"`
	Sink     SinkSection     `mapstructure:"sink"`
}

// ToAgentConfig projects the loaded document onto the core's
// telemetry.Config, applying that type's defaults for any field the
// operator left at its zero value.
func (c Config) ToAgentConfig() telemetry.Config {
	cfg := telemetry.DefaultConfig()

	cfg.APIKey = c.Agent.APIKey
	cfg.ProjectID = c.Agent.ProjectID
	if c.Agent.Endpoint != "" {
		cfg.Endpoint = c.Agent.Endpoint
	}
	if c.Agent.BufferSize != 0 {
		cfg.BufferSize = c.Agent.BufferSize
	}
	if c.Agent.FlushInterval != 0 {
		cfg.FlushInterval = c.Agent.FlushInterval
	}
	if c.Agent.RuleInterval != 0 {
		cfg.RuleInterval = c.Agent.RuleInterval
	}
	cfg.EnableEvents = c.Agent.EnableEvents
	cfg.EnableMetrics = c.Agent.EnableMetrics
	if c.Agent.RetryAttempts != 0 {
		cfg.RetryAttempts = c.Agent.RetryAttempts
	}
	if c.Agent.BackoffFactor != 0 {
		cfg.BackoffFactor = c.Agent.BackoffFactor
	}
	if c.Agent.Timeout != 0 {
		cfg.Timeout = c.Agent.Timeout
	}
	if len(c.Agent.SensitiveHeaders) > 0 {
		set := make(map[string]struct{}, len(c.Agent.SensitiveHeaders))
		for _, h := range c.Agent.SensitiveHeaders {
			set[strings.ToLower(h)] = struct{}{}
		}
		cfg.SensitiveHeaders = set
	}
	if c.Agent.MaxPayloadSize != 0 {
		cfg.MaxPayloadSize = c.Agent.MaxPayloadSize
	}
	if c.Agent.AgentVersion != "" {
		cfg.AgentVersion = c.Agent.AgentVersion
	}
	return cfg
}

// Load reads config.yaml from the working directory or ./configs,
// overlays environment variables (AGENT_API_KEY overrides
// agent.api_key, and so on), and unmarshals into Config. A missing
// config file is not an error — the agent can run on env vars and
// defaults alone.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("guard-agent: reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("guard-agent: decoding config: %w", err)
	}

	cfg.AdminAPI.PublicKey = loadKeyResource(cfg.AdminAPI.PublicKeyPath, "ADMIN_API_PUBLIC_KEY_DATA")
	cfg.AdminAPI.PrivateKey = loadKeyResource(cfg.AdminAPI.PrivateKeyPath, "ADMIN_API_PRIVATE_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Empty defaults register keys with no real default, so Unmarshal
	// picks up their environment variables under AutomaticEnv.
	v.SetDefault("agent.api_key", "")
	v.SetDefault("agent.project_id", "")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.postgres_url", "")
	v.SetDefault("admin_api.public_key_path", "")
	v.SetDefault("admin_api.private_key_path", "")
	v.SetDefault("admin_api.operator_username", "")
	v.SetDefault("admin_api.operator_secret_hash", "")
	v.SetDefault("sink.postgres_url", "")

	v.SetDefault("agent.endpoint", "https://api.fastapi-guard.com")
	v.SetDefault("agent.buffer_size", 100)
	v.SetDefault("agent.flush_interval", 30*time.Second)
	v.SetDefault("agent.rule_interval", 300*time.Second)
	v.SetDefault("agent.enable_events", true)
	v.SetDefault("agent.enable_metrics", true)
	v.SetDefault("agent.retry_attempts", 3)
	v.SetDefault("agent.backoff_factor", 1.0)
	v.SetDefault("agent.timeout", 30*time.Second)
	v.SetDefault("agent.sensitive_headers", []string{"authorization", "cookie", "x-api-key"})
	v.SetDefault("agent.max_payload_size", 1024)
	v.SetDefault("agent.agent_version", "1.0.0")

	v.SetDefault("store.backend", "")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_namespace", "guardagent")

	v.SetDefault("admin_api.enabled", false)
	v.SetDefault("admin_api.addr", ":9091")
	v.SetDefault("admin_api.token_ttl", time.Hour)
	v.SetDefault("admin_api.bcrypt_cost", 12)
	v.SetDefault("admin_api.rate_limit_per_minute", 120)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource: an env var carrying the PEM directly takes priority
// over reading the path from disk.
func loadKeyResource(path, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			return data
		}
	}
	return nil
}
