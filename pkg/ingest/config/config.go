package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/tendant/simple-ingest/pkg/ingest/derivative"
	"github.com/tendant/simple-ingest/pkg/ingest/metadata"
)

// Option applies configuration to a Config instance.
type Option func(*Config) error

// Load constructs a Config by applying the supplied options on top of library defaults.
func Load(opts ...Option) (*Config, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// WithEnv overrides settings from INGEST_* environment variables. Unset
// variables leave the current values in place.
func WithEnv() Option {
	return func(c *Config) error {
		if err := cleanenv.ReadEnv(c); err != nil {
			return fmt.Errorf("read environment: %w", err)
		}
		return nil
	}
}

// WithFile reads a YAML or JSON configuration file, then the environment
func WithFile(path string) Option {
	return func(c *Config) error {
		if err := cleanenv.ReadConfig(path, c); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}
}

func defaults() Config {
	return Config{
		Environment: "development",
		Port:        "8080",
		StagingDir:  "./data/staging",
		DatabaseURL: "memory",
		Migrate:     true,
		Storage: StorageConfig{
			Type:      "fs",
			BaseDir:   "./data/files",
			URLPrefix: "/media",
			S3: S3Config{
				Region:       "us-east-1",
				SSEAlgorithm: "AES256",
			},
		},
		Queue: QueueConfig{
			Type:      "memory",
			RedisAddr: "localhost:6379",
			KeyPrefix: "ingest",
		},
		Worker: WorkerConfig{
			Concurrency:   4,
			MaxAttempts:   5,
			SweepSchedule: "@every 5m",
			SweepAge:      10 * time.Minute,
		},
		Derivatives: derivative.DefaultSizes,
		JPEGQuality: derivative.DefaultQuality,
		MaxAnalyze:  metadata.DefaultMaxSize,
		FileCommand: "file",
		MetricsAddr: ":9090",
		EventLog:    true,
	}
}

// Config represents the configuration shared by the server and worker
type Config struct {
	Environment string `yaml:"environment" env:"INGEST_ENVIRONMENT"` // development, production, testing
	Port        string `yaml:"port" env:"INGEST_PORT"`
	StagingDir  string `yaml:"staging_dir" env:"INGEST_STAGING_DIR"`

	// Database configuration: "memory" or a postgres URL
	DatabaseURL string `yaml:"database_url" env:"INGEST_DATABASE_URL"`
	Migrate     bool   `yaml:"migrate" env:"INGEST_MIGRATE"`

	Storage StorageConfig `yaml:"storage" env-prefix:"INGEST_STORAGE_"`
	Queue   QueueConfig   `yaml:"queue" env-prefix:"INGEST_QUEUE_"`
	Worker  WorkerConfig  `yaml:"worker" env-prefix:"INGEST_WORKER_"`

	// Media handling
	Derivatives derivative.Sizes `yaml:"derivatives" env-prefix:"INGEST_DERIVATIVE_"`
	JPEGQuality int              `yaml:"jpeg_quality" env:"INGEST_JPEG_QUALITY"`
	MaxAnalyze  int64            `yaml:"max_analyze_bytes" env:"INGEST_MAX_ANALYZE_BYTES"`
	FileCommand string           `yaml:"file_command" env:"INGEST_FILE_COMMAND"`

	// Observability
	MetricsAddr string `yaml:"metrics_addr" env:"INGEST_METRICS_ADDR"`
	Tracing     bool   `yaml:"tracing" env:"INGEST_TRACING"`
	EventLog    bool   `yaml:"event_log" env:"INGEST_EVENT_LOG"`
}

// StorageConfig selects and configures the durable storage backend
type StorageConfig struct {
	Type      string   `yaml:"type" env:"TYPE"` // "memory", "fs", "s3"
	BaseDir   string   `yaml:"base_dir" env:"BASE_DIR"`
	URLPrefix string   `yaml:"url_prefix" env:"URL_PREFIX"`
	S3        S3Config `yaml:"s3" env-prefix:"S3_"`
}

// S3Config configures the s3 storage backend
type S3Config struct {
	Region                 string `yaml:"region" env:"REGION"`
	Bucket                 string `yaml:"bucket" env:"BUCKET"`
	AccessKeyID            string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey        string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
	Endpoint               string `yaml:"endpoint" env:"ENDPOINT"`
	UsePathStyle           bool   `yaml:"use_path_style" env:"USE_PATH_STYLE"`
	KeyPrefix              string `yaml:"key_prefix" env:"KEY_PREFIX"`
	PublicBaseURL          string `yaml:"public_base_url" env:"PUBLIC_BASE_URL"`
	EnableSSE              bool   `yaml:"enable_sse" env:"ENABLE_SSE"`
	SSEAlgorithm           string `yaml:"sse_algorithm" env:"SSE_ALGORITHM"`
	SSEKMSKeyID            string `yaml:"sse_kms_key_id" env:"SSE_KMS_KEY_ID"`
	CreateBucketIfNotExist bool   `yaml:"create_bucket_if_not_exist" env:"CREATE_BUCKET"`
}

// QueueConfig selects the job queue
type QueueConfig struct {
	Type          string `yaml:"type" env:"TYPE"` // "memory", "redis"
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`
	KeyPrefix     string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// WorkerConfig configures the background worker and its retry sweep
type WorkerConfig struct {
	Concurrency   int           `yaml:"concurrency" env:"CONCURRENCY"`
	MaxAttempts   int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	SweepSchedule string        `yaml:"sweep_schedule" env:"SWEEP_SCHEDULE"` // cron spec, empty disables
	SweepAge      time.Duration `yaml:"sweep_age" env:"SWEEP_AGE"`
}

// UsesPostgres reports whether records are kept in postgres
func (c *Config) UsesPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

// StaticMount reports where the server should expose fs storage itself: a
// URL prefix that is a bare path is served from BaseDir. Prefixes with a
// scheme and host point at an external server.
func (c *Config) StaticMount() (prefix, dir string, ok bool) {
	if c.Storage.Type != "fs" || !strings.HasPrefix(c.Storage.URLPrefix, "/") {
		return "", "", false
	}
	prefix = "/" + strings.Trim(c.Storage.URLPrefix, "/")
	return prefix, c.Storage.BaseDir, true
}

// reservedRoute reports whether prefix shadows a route of the API router
func reservedRoute(prefix string) bool {
	switch {
	case prefix == "/", prefix == "/health":
		return true
	case prefix == "/files", strings.HasPrefix(prefix, "/files/"):
		return true
	}
	return false
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	if c.StagingDir == "" {
		return errors.New("staging_dir is required")
	}

	if c.DatabaseURL != "" && c.DatabaseURL != "memory" && !c.UsesPostgres() {
		return fmt.Errorf("unsupported database_url format: %s (use 'memory' or 'postgresql://...')", c.DatabaseURL)
	}

	switch c.Storage.Type {
	case "memory":
	case "fs":
		if c.Storage.BaseDir == "" {
			return errors.New("storage base_dir is required for fs storage")
		}
		if prefix, _, ok := c.StaticMount(); ok && reservedRoute(prefix) {
			return fmt.Errorf("storage url_prefix %q collides with an API route", c.Storage.URLPrefix)
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return errors.New("storage s3 bucket is required for s3 storage")
		}
	default:
		return fmt.Errorf("storage type must be 'memory', 'fs' or 's3', got %q", c.Storage.Type)
	}

	switch c.Queue.Type {
	case "memory":
	case "redis":
		if c.Queue.RedisAddr == "" {
			return errors.New("queue redis_addr is required for redis queue")
		}
	default:
		return fmt.Errorf("queue type must be 'memory' or 'redis', got %q", c.Queue.Type)
	}

	if c.Worker.Concurrency <= 0 {
		return errors.New("worker concurrency must be positive")
	}
	if c.Worker.MaxAttempts <= 0 {
		return errors.New("worker max_attempts must be positive")
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be between 1 and 100, got %d", c.JPEGQuality)
	}
	if c.Derivatives.Fullsize <= 0 || c.Derivatives.Thumbnail <= 0 || c.Derivatives.SquareThumbnail <= 0 {
		return errors.New("derivative sizes must be positive")
	}

	return nil
}
