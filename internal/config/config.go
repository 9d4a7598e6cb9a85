package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Approval sources
const (
	ApprovalSourceAuto     = "auto"
	ApprovalSourceQueue    = "queue"
	ApprovalSourceConsole  = "console"
	ApprovalSourceTelegram = "telegram"
)

// Storage backends
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// Config holds all configuration for stepflow
type Config struct {
	// Server configuration
	HTTPPort int    `env:"STEPFLOW_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"STEPFLOW_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	// APIToken protects the REST API with a bearer token when set
	APIToken string `env:"STEPFLOW_API_TOKEN"`

	// APIAllowedDSNs lists the connector DSNs plans submitted over the API
	// may open besides private in-memory databases
	APIAllowedDSNs []string `env:"STEPFLOW_API_ALLOWED_DSNS"`

	// Redis configuration
	Redis RedisConfig

	// LLM configuration
	LLM LLMConfig

	// Worker configuration
	Workers WorkerConfig

	// Runner configuration
	Runner RunnerConfig

	// Query agent configuration
	Query QueryConfig

	// Approval source configuration
	Approval ApprovalConfig

	// Job storage configuration
	Storage StorageConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`

	// Events publishes run events to Redis Streams instead of the in-process bus
	Events bool `env:"REDIS_EVENTS" envDefault:"false"`
}

// LLMConfig holds LLM provider configuration
type LLMConfig struct {
	Provider string `env:"LLM_PROVIDER" envDefault:"anthropic"`
	APIKey   string `env:"LLM_API_KEY"`
	BaseURL  string `env:"LLM_BASE_URL"`

	RequestTimeout time.Duration `env:"LLM_REQUEST_TIMEOUT" envDefault:"120s"`

	// Default model settings
	DefaultModel       string  `env:"LLM_DEFAULT_MODEL"`
	DefaultTemperature float64 `env:"LLM_DEFAULT_TEMPERATURE" envDefault:"0"`
	DefaultMaxTokens   int     `env:"LLM_DEFAULT_MAX_TOKENS" envDefault:"1024"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	PoolSize            int           `env:"WORKER_POOL_SIZE" envDefault:"5"`
	QueueSize           int           `env:"WORKER_QUEUE_SIZE" envDefault:"100"`
	HealthCheckInterval time.Duration `env:"WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
}

// RunnerConfig holds run loop configuration
type RunnerConfig struct {
	EventBufferSize int           `env:"RUNNER_EVENT_BUFFER" envDefault:"64"`
	ApprovalTimeout time.Duration `env:"RUNNER_APPROVAL_TIMEOUT" envDefault:"0s"`
	EnforcedTags    []string      `env:"RUNNER_ENFORCED_TAGS" envDefault:"ddl_dml,external_action"`
	MaxAuditRecords int           `env:"RUNNER_MAX_AUDIT_RECORDS" envDefault:"10000"`
	EventTopic      string        `env:"RUNNER_EVENT_TOPIC" envDefault:"run.events"`
}

// QueryConfig holds query agent configuration
type QueryConfig struct {
	MaxAttempts        int           `env:"QUERY_MAX_ATTEMPTS" envDefault:"3"`
	MaxExamples        int           `env:"QUERY_MAX_EXAMPLES" envDefault:"3"`
	CalculatorFallback bool          `env:"QUERY_CALCULATOR_FALLBACK" envDefault:"true"`
	AllowWrites        bool          `env:"QUERY_ALLOW_WRITES" envDefault:"false"`
	FetchRawRows       bool          `env:"QUERY_FETCH_RAW_ROWS" envDefault:"true"`
	RawRowLimit        int           `env:"QUERY_RAW_ROW_LIMIT" envDefault:"20"`
	CompletionTimeout  time.Duration `env:"QUERY_COMPLETION_TIMEOUT" envDefault:"60s"`
}

// ApprovalConfig selects where approval decisions come from
type ApprovalConfig struct {
	Source string `env:"APPROVAL_SOURCE" envDefault:"queue"`
	// Actor is recorded for auto and console decisions
	Actor       string `env:"APPROVAL_ACTOR"`
	AutoApprove bool   `env:"APPROVAL_AUTO_APPROVE" envDefault:"false"`

	TelegramToken  string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID int64  `env:"TELEGRAM_CHAT_ID"`
}

// StorageConfig selects the job storage backend
type StorageConfig struct {
	Backend       string        `env:"STORAGE_BACKEND" envDefault:"memory"`
	JobTTL        time.Duration `env:"STORAGE_JOB_TTL" envDefault:"24h"`
	MaxJobRecords int           `env:"STORAGE_MAX_JOB_RECORDS" envDefault:"1000"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	RunTimeout      time.Duration `env:"TIMEOUT_RUN" envDefault:"3600s"` // 1 hour
	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	// Validate LLM config
	switch c.LLM.Provider {
	case "anthropic", "openai", "langchain":
	default:
		return fmt.Errorf("unsupported LLM provider: %s (must be anthropic, openai, or langchain)", c.LLM.Provider)
	}
	if c.LLM.DefaultMaxTokens < 1 {
		return fmt.Errorf("LLM max tokens must be at least 1")
	}

	// Validate worker config
	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}
	if c.Workers.QueueSize < 1 {
		return fmt.Errorf("worker queue size must be at least 1")
	}

	// Validate query agent config
	if c.Query.MaxAttempts < 1 {
		return fmt.Errorf("query max attempts must be at least 1")
	}

	// Validate approval source
	switch c.Approval.Source {
	case ApprovalSourceAuto, ApprovalSourceQueue, ApprovalSourceConsole:
	case ApprovalSourceTelegram:
		if c.Approval.TelegramToken == "" || c.Approval.TelegramChatID == 0 {
			return fmt.Errorf("telegram approval source needs TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID")
		}
	default:
		return fmt.Errorf("invalid approval source: %s", c.Approval.Source)
	}

	// Validate storage backend
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (must be memory or redis)", c.Storage.Backend)
	}
	if c.Redis.Events && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// UsesRedis reports whether any component needs a Redis client
func (c *Config) UsesRedis() bool {
	return c.Redis.Events || c.Storage.Backend == StorageRedis
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
