package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Venueflow VenueflowConfig `yaml:"venueflow"`
	Venue     VenueConfig     `yaml:"venue"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Stream    StreamConfig    `yaml:"stream"`
	Book      BookConfig      `yaml:"book"`
	Recorder  RecorderConfig  `yaml:"recorder"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type VenueflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type VenueConfig struct {
	Exchange       string               `yaml:"exchange"`
	RestURL        string               `yaml:"rest_url"`
	StreamURL      string               `yaml:"stream_url"`
	APIKey         string               `yaml:"api_key"`
	APISecret      string               `yaml:"api_secret"`
	Timeout        time.Duration        `yaml:"timeout"`
	RequestsPerSec float64              `yaml:"requests_per_sec"`
	Burst          int                  `yaml:"burst"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

// RateLimitConfig carries one token bucket definition per operation category.
type RateLimitConfig struct {
	QueueLimit int                     `yaml:"queue_limit"`
	Categories map[string]BucketConfig `yaml:"categories"`
}

type BucketConfig struct {
	Capacity     float64 `yaml:"capacity"`
	RefillPerSec float64 `yaml:"refill_per_sec"`
}

type PipelineConfig struct {
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
	Deadline       time.Duration        `yaml:"deadline"`
}

type CircuitBreakerConfig struct {
	SamplingWindow time.Duration `yaml:"sampling_window"`
	FailureRatio   float64       `yaml:"failure_ratio"`
	MinThroughput  int           `yaml:"min_throughput"`
	BreakDuration  time.Duration `yaml:"break_duration"`
}

type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	BaseDelay       time.Duration `yaml:"base_delay"`
	Multiplier      float64       `yaml:"multiplier"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	RetryRateLimit  bool          `yaml:"retry_rate_limit"`
	RetryServerErrs bool          `yaml:"retry_server_errors"`
}

type StreamConfig struct {
	PingInterval      time.Duration `yaml:"ping_interval"`
	PongTimeout       time.Duration `yaml:"pong_timeout"`
	ReconnectBase     time.Duration `yaml:"reconnect_base"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	SubscriptionDepth int           `yaml:"subscription_depth"`
}

type BookConfig struct {
	Markets         []string `yaml:"markets"`
	DepthLimit      int      `yaml:"depth_limit"`
	SpreadThreshold float64  `yaml:"spread_threshold"`
	TopLevels       int      `yaml:"top_levels"`
}

type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Compression   string        `yaml:"compression"`
	TopLevels     int           `yaml:"top_levels"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	CloudWatch     bool          `yaml:"cloudwatch"`
	Namespace      string        `yaml:"namespace"`
	Region         string        `yaml:"region"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{}
	if err := yaml.Unmarshal([]byte(expandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Venue.Timeout <= 0 {
		cfg.Venue.Timeout = 10 * time.Second
	}
	if cfg.Venue.RequestsPerSec <= 0 {
		cfg.Venue.RequestsPerSec = 5
	}
	if cfg.Venue.Burst <= 0 {
		cfg.Venue.Burst = 1
	}
	if cfg.RateLimit.QueueLimit <= 0 {
		cfg.RateLimit.QueueLimit = 64
	}
	if cfg.Pipeline.CircuitBreaker.SamplingWindow <= 0 {
		cfg.Pipeline.CircuitBreaker.SamplingWindow = 30 * time.Second
	}
	if cfg.Pipeline.CircuitBreaker.FailureRatio <= 0 {
		cfg.Pipeline.CircuitBreaker.FailureRatio = 0.5
	}
	if cfg.Pipeline.CircuitBreaker.MinThroughput <= 0 {
		cfg.Pipeline.CircuitBreaker.MinThroughput = 10
	}
	if cfg.Pipeline.CircuitBreaker.BreakDuration <= 0 {
		cfg.Pipeline.CircuitBreaker.BreakDuration = 15 * time.Second
	}
	if cfg.Pipeline.Retry.MaxAttempts <= 0 {
		cfg.Pipeline.Retry.MaxAttempts = 3
	}
	if cfg.Pipeline.Retry.BaseDelay <= 0 {
		cfg.Pipeline.Retry.BaseDelay = 100 * time.Millisecond
	}
	if cfg.Pipeline.Retry.Multiplier <= 1 {
		cfg.Pipeline.Retry.Multiplier = 2
	}
	if cfg.Pipeline.Retry.MaxDelay <= 0 {
		cfg.Pipeline.Retry.MaxDelay = 5 * time.Second
	}
	if cfg.Pipeline.Deadline <= 0 {
		cfg.Pipeline.Deadline = 30 * time.Second
	}
	if cfg.Stream.PingInterval <= 0 {
		cfg.Stream.PingInterval = 20 * time.Second
	}
	if cfg.Stream.PongTimeout <= 0 {
		cfg.Stream.PongTimeout = 10 * time.Second
	}
	if cfg.Stream.ReconnectBase <= 0 {
		cfg.Stream.ReconnectBase = time.Second
	}
	if cfg.Stream.ReconnectMax <= 0 {
		cfg.Stream.ReconnectMax = 30 * time.Second
	}
	if cfg.Stream.MaxReconnects <= 0 {
		cfg.Stream.MaxReconnects = 10
	}
	if cfg.Stream.SubscriptionDepth <= 0 {
		cfg.Stream.SubscriptionDepth = 256
	}
	if cfg.Book.DepthLimit <= 0 {
		cfg.Book.DepthLimit = 500
	}
	if cfg.Book.TopLevels <= 0 {
		cfg.Book.TopLevels = 10
	}
	if cfg.Recorder.Interval <= 0 {
		cfg.Recorder.Interval = time.Second
	}
	if cfg.Recorder.BatchSize <= 0 {
		cfg.Recorder.BatchSize = 1000
	}
	if cfg.Recorder.FlushInterval <= 0 {
		cfg.Recorder.FlushInterval = time.Minute
	}
	if cfg.Recorder.TopLevels <= 0 {
		cfg.Recorder.TopLevels = cfg.Book.TopLevels
	}
	if cfg.Metrics.ReportInterval <= 0 {
		cfg.Metrics.ReportInterval = 30 * time.Second
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Venueflow.Name == "" {
		return fmt.Errorf("venueflow.name is required")
	}
	if cfg.Venueflow.Version == "" {
		return fmt.Errorf("venueflow.version is required")
	}

	if cfg.Venue.Exchange == "" {
		return fmt.Errorf("venue.exchange is required")
	}
	if cfg.Venue.RestURL == "" {
		return fmt.Errorf("venue.rest_url is required")
	}
	if cfg.Venue.StreamURL == "" {
		return fmt.Errorf("venue.stream_url is required")
	}

	for name, bucket := range cfg.RateLimit.Categories {
		if bucket.Capacity <= 0 {
			return fmt.Errorf("rate_limit.categories.%s.capacity must be greater than 0", name)
		}
		if bucket.RefillPerSec <= 0 {
			return fmt.Errorf("rate_limit.categories.%s.refill_per_sec must be greater than 0", name)
		}
	}

	if cfg.Pipeline.CircuitBreaker.FailureRatio > 1 {
		return fmt.Errorf("pipeline.circuit_breaker.failure_ratio must be within (0, 1]")
	}

	if cfg.Recorder.Enabled && !cfg.Storage.S3.Enabled {
		return fmt.Errorf("recorder requires storage.s3 to be enabled")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var envVarRegexp = regexp.MustCompile(`\$\{(\w+)\}`)

// expandEnv replaces ${VAR} references in the raw yaml with environment
// values. Unset variables expand to the empty string.
func expandEnv(raw string) string {
	return envVarRegexp.ReplaceAllStringFunc(raw, func(m string) string {
		return os.Getenv(envVarRegexp.FindStringSubmatch(m)[1])
	})
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
