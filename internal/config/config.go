package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App          AppConfig
	Postgres     PostgresConfig
	Redis        RedisConfig
	Logger       LoggerConfig
	Auth         AuthConfig
	Workflow     WorkflowConfig
	Access       AccessConfig
	Notifier     NotifierConfig
	Attachments  AttachmentConfig
	Notification NotificationConfig
	Telemetry    TelemetryConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines bearer token parameters.
type AuthConfig struct {
	JWTSecret             string
	AccessTokenTTLMinutes int
}

// WorkflowConfig tunes the dormancy sweep.
type WorkflowConfig struct {
	DormancyThreshold time.Duration
	SweepInterval     time.Duration
	SweepBatchSize    int
	SweepBatchTimeout time.Duration
}

// AccessConfig tunes the access scope resolver.
type AccessConfig struct {
	// AgentSeesUnassigned widens the agent scope to unassigned tickets.
	AgentSeesUnassigned bool
}

// NotifierConfig configures change fan-out.
type NotifierConfig struct {
	Channel        string
	BufferSize     int
	ResyncInterval time.Duration
	// RetryMin and RetryMax bound the backoff between redis subscribe attempts.
	RetryMin       time.Duration
	RetryMax       time.Duration
}

// AttachmentConfig configures attachment storage. An empty Dir keeps objects in memory.
type AttachmentConfig struct {
	Dir      string
	MaxBytes int64
}

// NotificationConfig holds stub notification endpoints.
type NotificationConfig struct {
	EmailFrom  string
	WebhookURL string
}

// TelemetryConfig configures trace export.
type TelemetryConfig struct {
	ServiceName  string
	OTLPEndpoint string
	Insecure     bool
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	maxConns := int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10))
	minConns := int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2))
	runMigrations := getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true)
	connMaxIdle := int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30))
	connMaxLife := int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300))

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "clinic-support"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       maxConns,
			MinConns:       minConns,
			RunMigrations:  runMigrations,
			ConnMaxIdleSec: connMaxIdle,
			ConnMaxLifeSec: connMaxLife,
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", true),
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
		},
		Workflow: WorkflowConfig{
			DormancyThreshold: getEnvAsDuration("WORKFLOW_DORMANCY_THRESHOLD", 7*24*time.Hour),
			SweepInterval:     getEnvAsDuration("WORKFLOW_SWEEP_INTERVAL", time.Hour),
			SweepBatchSize:    getEnvAsInt("WORKFLOW_SWEEP_BATCH_SIZE", 100),
			SweepBatchTimeout: getEnvAsDuration("WORKFLOW_SWEEP_BATCH_TIMEOUT", 30*time.Second),
		},
		Access: AccessConfig{
			AgentSeesUnassigned: getEnvAsBool("ACCESS_AGENT_SEES_UNASSIGNED", false),
		},
		Notifier: NotifierConfig{
			Channel:        getEnv("NOTIFIER_CHANNEL", "clinic-support:ticket-changes"),
			BufferSize:     getEnvAsInt("NOTIFIER_BUFFER_SIZE", 64),
			ResyncInterval: getEnvAsDuration("NOTIFIER_RESYNC_INTERVAL", time.Minute),
			RetryMin:       getEnvAsDuration("NOTIFIER_RETRY_MIN", 500*time.Millisecond),
			RetryMax:       getEnvAsDuration("NOTIFIER_RETRY_MAX", 30*time.Second),
		},
		Attachments: AttachmentConfig{
			Dir:      os.Getenv("ATTACHMENTS_DIR"),
			MaxBytes: int64(getEnvAsInt("ATTACHMENTS_MAX_BYTES", 10<<20)),
		},
		Notification: NotificationConfig{
			EmailFrom:  getEnv("NOTIFY_EMAIL_FROM", "noreply@example.com"),
			WebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),
		},
		Telemetry: TelemetryConfig{
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "clinic-support"),
			OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			Insecure:     getEnvAsBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the workers cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Workflow.DormancyThreshold <= 0 {
		errs = append(errs, errors.New("WORKFLOW_DORMANCY_THRESHOLD must be positive"))
	}
	if c.Workflow.SweepInterval <= 0 {
		errs = append(errs, errors.New("WORKFLOW_SWEEP_INTERVAL must be positive"))
	}
	if c.Workflow.SweepBatchSize <= 0 {
		errs = append(errs, errors.New("WORKFLOW_SWEEP_BATCH_SIZE must be positive"))
	}
	if c.Attachments.MaxBytes <= 0 {
		errs = append(errs, errors.New("ATTACHMENTS_MAX_BYTES must be positive"))
	}
	return errors.Join(errs...)
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// TokenTTL returns the bearer token lifetime.
func (a AuthConfig) TokenTTL() time.Duration {
	if a.AccessTokenTTLMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(a.AccessTokenTTLMinutes) * time.Minute
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvAsDuration accepts Go duration strings ("168h") or a bare number of seconds.
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(val); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(val); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}
