package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// MaxBatchSize is the largest batch the Conversions API accepts.
const MaxBatchSize = 1000

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Meta     MetaConfig     `yaml:"meta"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Storage  StorageConfig  `yaml:"storage"`
	Archive  ArchiveConfig  `yaml:"archive"`
	LogLevel string         `yaml:"log_level"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port               int    `yaml:"port"`
	Host               string `yaml:"host"`
	CORSAllowedOrigins string `yaml:"cors_allowed_origins"` // comma-separated; empty allows any origin
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr returns host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// AllowedOrigins splits CORSAllowedOrigins, falling back to "*".
func (c ServerConfig) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// MetaConfig holds Conversions API credentials and transport settings
type MetaConfig struct {
	AccessToken       string  `yaml:"access_token"`
	GraphAPIVersion   string  `yaml:"graph_api_version"`
	BaseURL           string  `yaml:"base_url"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	RequestsPerSecond float64 `yaml:"requests_per_second"` // 0 disables client-side pacing
}

// Timeout returns the configured per-request timeout as a duration
func (c MetaConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PipelineConfig holds job processing settings
type PipelineConfig struct {
	BatchSize          int    `yaml:"batch_size"`
	MaxRetries         int    `yaml:"max_retries"`
	RetryBackoffBaseMS int    `yaml:"retry_backoff_base_ms"`
	MaxBackoffSeconds  int    `yaml:"max_backoff_seconds"`
	TimezoneDefault    string `yaml:"timezone_default"`
	DefaultRegion      string `yaml:"default_region"` // ISO 3166 region for national phone numbers
	EventName          string `yaml:"event_name"`
}

// RetryBackoffBase returns the delay before the first retry
func (c PipelineConfig) RetryBackoffBase() time.Duration {
	return time.Duration(c.RetryBackoffBaseMS) * time.Millisecond
}

// MaxBackoff returns the cap on a single retry wait
func (c PipelineConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSeconds) * time.Second
}

// StorageConfig holds job storage configuration
type StorageConfig struct {
	Type           string `yaml:"type"` // "local" or "redis"
	UploadsDir     string `yaml:"uploads_dir"`
	RedisURL       string `yaml:"redis_url"`
	LockTTLSeconds int    `yaml:"lock_ttl_seconds"`
}

// LockTTL returns the Redis lock expiry as a duration
func (c StorageConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// ArchiveConfig holds archiving of finished jobs: the error report and
// final snapshot to S3, and a job history item to DynamoDB.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	S3Bucket        string `yaml:"s3_bucket"`
	S3Region        string `yaml:"s3_region"`
	Prefix          string `yaml:"prefix"`
	DynamoDBTable   string `yaml:"dynamodb_table"`
	RetentionDays   int    `yaml:"retention_days"` // TTL on history items
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	AWSProfile      string `yaml:"aws_profile"` // Empty string uses default credential chain (IAM role on ECS)
}

// Retention returns how long history items are kept.
func (c ArchiveConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// GetAWSProfile returns the AWS profile, with environment variable override
func (c ArchiveConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return "" // Use default credential chain (IAM role)
		}
		return envProfile
	}
	// On ECS/Lambda, don't use a profile - use IAM role
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied, for running
// without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Meta.GraphAPIVersion == "" {
		cfg.Meta.GraphAPIVersion = "v20.0"
	}
	if cfg.Meta.BaseURL == "" {
		cfg.Meta.BaseURL = "https://graph.facebook.com"
	}
	if cfg.Meta.TimeoutSeconds == 0 {
		cfg.Meta.TimeoutSeconds = 60
	}
	// Meta allows at most 1000 events per request
	if cfg.Pipeline.BatchSize == 0 {
		cfg.Pipeline.BatchSize = 999
	}
	if cfg.Pipeline.MaxRetries == 0 {
		cfg.Pipeline.MaxRetries = 3
	}
	if cfg.Pipeline.RetryBackoffBaseMS == 0 {
		cfg.Pipeline.RetryBackoffBaseMS = 500
	}
	if cfg.Pipeline.MaxBackoffSeconds == 0 {
		cfg.Pipeline.MaxBackoffSeconds = 30
	}
	if cfg.Pipeline.TimezoneDefault == "" {
		cfg.Pipeline.TimezoneDefault = "America/Guayaquil"
	}
	if cfg.Pipeline.DefaultRegion == "" {
		cfg.Pipeline.DefaultRegion = "EC"
	}
	if cfg.Pipeline.EventName == "" {
		cfg.Pipeline.EventName = "Purchase"
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "local"
	}
	if cfg.Storage.UploadsDir == "" {
		cfg.Storage.UploadsDir = "uploads"
	}
	if cfg.Storage.LockTTLSeconds == 0 {
		cfg.Storage.LockTTLSeconds = 30
	}
	if cfg.Archive.S3Region == "" {
		cfg.Archive.S3Region = "us-east-1"
	}
	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = "capi-jobs"
	}
	if cfg.Archive.RetentionDays == 0 {
		cfg.Archive.RetentionDays = 90
	}
}

// Validate rejects settings the pipeline cannot run with.
func (cfg *Config) Validate() error {
	if cfg.Pipeline.BatchSize < 1 || cfg.Pipeline.BatchSize > MaxBatchSize {
		return fmt.Errorf("pipeline.batch_size must be between 1 and %d, got %d", MaxBatchSize, cfg.Pipeline.BatchSize)
	}
	if cfg.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline.max_retries must not be negative, got %d", cfg.Pipeline.MaxRetries)
	}
	if _, err := time.LoadLocation(cfg.Pipeline.TimezoneDefault); err != nil {
		return fmt.Errorf("pipeline.timezone_default: %w", err)
	}
	switch cfg.Storage.Type {
	case "local":
	case "redis":
		if cfg.Storage.RedisURL == "" {
			return fmt.Errorf("storage.redis_url is required when storage.type is redis")
		}
	default:
		return fmt.Errorf("storage.type must be local or redis, got %q", cfg.Storage.Type)
	}
	if cfg.Storage.LockTTLSeconds < 3 {
		return fmt.Errorf("storage.lock_ttl_seconds must be at least 3, got %d", cfg.Storage.LockTTLSeconds)
	}
	if cfg.Archive.Enabled && cfg.Archive.S3Bucket == "" && cfg.Archive.DynamoDBTable == "" {
		return fmt.Errorf("archive.s3_bucket or archive.dynamodb_table is required when archiving is enabled")
	}
	return nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
// A missing config file is not an error: defaults plus environment apply.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if os.IsNotExist(err) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("META_ACCESS_TOKEN"); v != "" {
		cfg.Meta.AccessToken = v
	}
	if v := os.Getenv("GRAPH_API_VERSION"); v != "" {
		cfg.Meta.GraphAPIVersion = v
	}
	if v := os.Getenv("META_BASE_URL"); v != "" {
		cfg.Meta.BaseURL = v
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.CORSAllowedOrigins = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("TIMEZONE_DEFAULT"); v != "" {
		cfg.Pipeline.TimezoneDefault = v
	}
	if v := os.Getenv("UPLOADS_DIR"); v != "" {
		cfg.Storage.UploadsDir = v
	}
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("BATCH_SIZE: %w", err)
		}
		cfg.Pipeline.BatchSize = n
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("MAX_RETRIES: %w", err)
		}
		cfg.Pipeline.MaxRetries = n
	}
	// Seconds, as a float ("0.5")
	if v := os.Getenv("RETRY_BACKOFF_BASE"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("RETRY_BACKOFF_BASE: %w", err)
		}
		cfg.Pipeline.RetryBackoffBaseMS = int(secs * 1000)
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
		cfg.Storage.Type = "redis"
	}
	if v := os.Getenv("ARCHIVE_S3_BUCKET"); v != "" {
		cfg.Archive.S3Bucket = v
		cfg.Archive.Enabled = true
	}
	if v := os.Getenv("ARCHIVE_S3_REGION"); v != "" {
		cfg.Archive.S3Region = v
	}
	if v := os.Getenv("ARCHIVE_DYNAMODB_TABLE"); v != "" {
		cfg.Archive.DynamoDBTable = v
		cfg.Archive.Enabled = true
	}
	if v := os.Getenv("ARCHIVE_ACCESS_KEY_ID"); v != "" {
		cfg.Archive.AccessKeyID = v
	}
	if v := os.Getenv("ARCHIVE_SECRET_ACCESS_KEY"); v != "" {
		cfg.Archive.SecretAccessKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}
