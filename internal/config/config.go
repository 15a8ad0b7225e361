package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"   validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"     validate:"required"`
	LLM      LLMConfig      `mapstructure:"llm"      validate:"required"`
	OCR      OCRConfig      `mapstructure:"ocr"      validate:"required"`
	Storage  StorageConfig  `mapstructure:"storage"  validate:"required"`
	Task     TaskConfig     `mapstructure:"task"     validate:"required"`
	Retry    RetryConfig    `mapstructure:"retry"    validate:"required"`
	Pipeline PipelineConfig `mapstructure:"pipeline" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"             validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level"        validate:"required,oneof=debug info warn error"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"     validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"    validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	// Driver is "pgx" (PostgreSQL) or "sqlite3".
	Driver          string        `mapstructure:"driver"            validate:"required,oneof=pgx postgres sqlite3 sqlite"`
	URL             string        `mapstructure:"url"               validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"    validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
	// WriteTimeout bounds every ledger write.
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
}

// RedisConfig configures the context store. An empty address selects the
// in-process store, which only suits single-node development.
type RedisConfig struct {
	Addr             string        `mapstructure:"addr"`
	Password         string        `mapstructure:"password"`
	DB               int           `mapstructure:"db"                validate:"gte=0"`
	ContextTTL       time.Duration `mapstructure:"context_ttl"       validate:"gt=0"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" validate:"gt=0"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=32"`
	Issuer    string `mapstructure:"issuer"`
}

// LLMConfig contains all LLM integration related settings.
// At least one provider key is required.
type LLMConfig struct {
	GeminiAPIKey    string        `mapstructure:"gemini_api_key" validate:"required_without=OpenAIAPIKey"`
	GeminiModel     string        `mapstructure:"gemini_model"   validate:"required"`
	GeminiBaseURL   string        `mapstructure:"gemini_base_url" validate:"omitempty,url"`
	OpenAIAPIKey    string        `mapstructure:"openai_api_key"`
	OpenAIModel     string        `mapstructure:"openai_model"   validate:"required"`
	OpenAIBaseURL   string        `mapstructure:"openai_base_url" validate:"omitempty,url"`
	MaxOutputTokens int           `mapstructure:"max_output_tokens" validate:"gt=0"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"   validate:"gt=0"`
}

// OCRConfig points at the OCR service.
type OCRConfig struct {
	URL     string        `mapstructure:"url"     validate:"required,url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// StorageConfig selects the blob store for input documents and outputs.
type StorageConfig struct {
	// Backend is "s3" for S3 or an S3-compatible store, or "memory".
	Backend       string `mapstructure:"backend"         validate:"required,oneof=s3 memory"`
	Bucket        string `mapstructure:"bucket"          validate:"required_if=Backend s3"`
	Region        string `mapstructure:"region"`
	Endpoint      string `mapstructure:"endpoint"        validate:"omitempty,url"`
	UsePathStyle  bool   `mapstructure:"use_path_style"`
	PublicBaseURL string `mapstructure:"public_base_url" validate:"omitempty,url"`
	MaxAttempts   int    `mapstructure:"max_attempts"    validate:"gt=0"`
	// MaxBackoff caps the SDK retryer's exponential backoff.
	MaxBackoff time.Duration `mapstructure:"max_backoff" validate:"gt=0"`
}

// TaskConfig sizes the background task runner.
type TaskConfig struct {
	WorkerCount            int           `mapstructure:"worker_count"              validate:"gt=0"`
	QueueSize              int           `mapstructure:"queue_size"                validate:"gt=0"`
	StuckTaskAge           time.Duration `mapstructure:"stuck_task_age"            validate:"gt=0"`
	StuckTaskCheckInterval time.Duration `mapstructure:"stuck_task_check_interval" validate:"gt=0"`
}

// RetryConfig is the default stage retry policy. Chain definitions may override it.
type RetryConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"     validate:"gte=0"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gt=0"`
	Multiplier     float64       `mapstructure:"multiplier"      validate:"gte=1"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"     validate:"gtefield=InitialBackoff"`
	Jitter         bool          `mapstructure:"jitter"`
}

// PipelineConfig controls chain definitions and batch submission.
type PipelineConfig struct {
	// DefinitionsPath is a YAML chain definition file. Empty uses the built-in chains.
	DefinitionsPath  string        `mapstructure:"definitions_path"`
	DefaultChunkSize int           `mapstructure:"default_chunk_size" validate:"gt=0"`
	MaxBatchItems    int           `mapstructure:"max_batch_items"    validate:"gt=0"`
	PollInterval     time.Duration `mapstructure:"poll_interval"      validate:"gt=0"`
}
