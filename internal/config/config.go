package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort                 = 8080
	defaultDataDir              = "data"
	defaultMaxConcurrentBatches = 3
	defaultMaxClipsPerBatch     = 50

	envPrefix = "CLIPBATCH"
	redacted  = "<redacted>"
)

var ErrMissingSecret = errors.New("transfer_secret must be set (env CLIPBATCH_TRANSFER_SECRET)")

// Config describes runtime configuration for the service.
type Config struct {
	Port                 int               `mapstructure:"port" yaml:"port"`
	DataDir              string            `mapstructure:"data_dir" yaml:"data_dir"`
	LogLevel             string            `mapstructure:"log_level" yaml:"log_level"`
	MaxConcurrentBatches int               `mapstructure:"max_concurrent_batches" yaml:"max_concurrent_batches"`
	MaxClipsPerBatch     int               `mapstructure:"max_clips_per_batch" yaml:"max_clips_per_batch"`
	TransferSecret       string            `mapstructure:"transfer_secret" yaml:"transfer_secret"`
	Queue                QueueConfig       `mapstructure:"queue" yaml:"queue"`
	RateLimit            RateLimitConfig   `mapstructure:"rate_limit" yaml:"rate_limit"`
	Eligibility          EligibilityConfig `mapstructure:"eligibility" yaml:"eligibility"`
	Jobs                 JobsConfig        `mapstructure:"jobs" yaml:"jobs"`
	Retrieval            RetrievalConfig   `mapstructure:"retrieval" yaml:"retrieval"`
	API                  APIConfig         `mapstructure:"api" yaml:"api"`
	History              HistoryConfig     `mapstructure:"history" yaml:"history"`
}

type QueueConfig struct {
	MaxConcurrent    int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	MaxAttempts      int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseBackoff      time.Duration `mapstructure:"base_backoff" yaml:"base_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	RateLimitBackoff time.Duration `mapstructure:"rate_limit_backoff" yaml:"rate_limit_backoff"`
}

// RateLimitConfig bounds admissions per destination host.
type RateLimitConfig struct {
	Requests int           `mapstructure:"requests" yaml:"requests"`
	Window   time.Duration `mapstructure:"window" yaml:"window"`
}

type EligibilityConfig struct {
	MaxFileSizeBytes   int64   `mapstructure:"max_file_size_bytes" yaml:"max_file_size_bytes"`
	MaxDurationSeconds float64 `mapstructure:"max_duration_seconds" yaml:"max_duration_seconds"`
}

// JobsConfig holds the job lifecycle thresholds.
type JobsConfig struct {
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	StuckProgress  int           `mapstructure:"stuck_progress" yaml:"stuck_progress"`
	StuckIdle      time.Duration `mapstructure:"stuck_idle" yaml:"stuck_idle"`
	CompletedGrace time.Duration `mapstructure:"completed_grace" yaml:"completed_grace"`
	FailedGrace    time.Duration `mapstructure:"failed_grace" yaml:"failed_grace"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

type RetrievalConfig struct {
	HTTPTimeout time.Duration `mapstructure:"http_timeout" yaml:"http_timeout"`
	UserAgent   string        `mapstructure:"user_agent" yaml:"user_agent"`
}

// APIConfig is the per-client request budget of the HTTP API.
type APIConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `mapstructure:"burst" yaml:"burst"`
}

type HistoryConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:                 defaultPort,
		DataDir:              defaultDataDir,
		LogLevel:             "info",
		MaxConcurrentBatches: defaultMaxConcurrentBatches,
		MaxClipsPerBatch:     defaultMaxClipsPerBatch,
		Queue: QueueConfig{
			MaxConcurrent:    3,
			MaxAttempts:      3,
			BaseBackoff:      time.Second,
			MaxBackoff:       8 * time.Second,
			RateLimitBackoff: 500 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{Requests: 30, Window: time.Minute},
		Eligibility: EligibilityConfig{
			MaxFileSizeBytes:   512 << 20,
			MaxDurationSeconds: 600,
		},
		Jobs: JobsConfig{
			Timeout:        10 * time.Minute,
			StuckProgress:  85,
			StuckIdle:      30 * time.Second,
			CompletedGrace: 5 * time.Minute,
			FailedGrace:    time.Minute,
			SweepInterval:  5 * time.Second,
		},
		Retrieval: RetrievalConfig{HTTPTimeout: 2 * time.Minute, UserAgent: "clipbatch/1.0"},
		API:       APIConfig{RequestsPerSecond: 5, Burst: 10},
		History:   HistoryConfig{SQLitePath: "data/history.db"},
	}
}

// Load reads YAML config from the provided path and applies CLIPBATCH_*
// environment overrides. If the file does not exist or is empty, defaults
// (plus environment) are used with no error.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), errors.New("empty config path")
	}

	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	info, err := os.Stat(path)
	switch {
	case err == nil && info.Size() > 0:
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Default(), fmt.Errorf("read config %s: %w", path, err)
		}
	case err != nil && !os.IsNotExist(err):
		return Default(), fmt.Errorf("stat config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Default(), fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("port", d.Port)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("max_concurrent_batches", d.MaxConcurrentBatches)
	v.SetDefault("max_clips_per_batch", d.MaxClipsPerBatch)
	v.SetDefault("transfer_secret", d.TransferSecret)

	v.SetDefault("queue.max_concurrent", d.Queue.MaxConcurrent)
	v.SetDefault("queue.max_attempts", d.Queue.MaxAttempts)
	v.SetDefault("queue.base_backoff", d.Queue.BaseBackoff)
	v.SetDefault("queue.max_backoff", d.Queue.MaxBackoff)
	v.SetDefault("queue.rate_limit_backoff", d.Queue.RateLimitBackoff)

	v.SetDefault("rate_limit.requests", d.RateLimit.Requests)
	v.SetDefault("rate_limit.window", d.RateLimit.Window)

	v.SetDefault("eligibility.max_file_size_bytes", d.Eligibility.MaxFileSizeBytes)
	v.SetDefault("eligibility.max_duration_seconds", d.Eligibility.MaxDurationSeconds)

	v.SetDefault("jobs.timeout", d.Jobs.Timeout)
	v.SetDefault("jobs.stuck_progress", d.Jobs.StuckProgress)
	v.SetDefault("jobs.stuck_idle", d.Jobs.StuckIdle)
	v.SetDefault("jobs.completed_grace", d.Jobs.CompletedGrace)
	v.SetDefault("jobs.failed_grace", d.Jobs.FailedGrace)
	v.SetDefault("jobs.sweep_interval", d.Jobs.SweepInterval)

	v.SetDefault("retrieval.http_timeout", d.Retrieval.HTTPTimeout)
	v.SetDefault("retrieval.user_agent", d.Retrieval.UserAgent)

	v.SetDefault("api.requests_per_second", d.API.RequestsPerSecond)
	v.SetDefault("api.burst", d.API.Burst)

	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.sqlite_path", d.History.SQLitePath)
}

// Validate rejects values the service cannot run with. The transfer secret
// is checked separately by ValidateServe since offline commands do not need it.
func (c Config) Validate() error { //nolint:cyclop
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port: %d", c.Port))
	}
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data_dir must not be empty"))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil || c.LogLevel == "" {
		errs = append(errs, fmt.Errorf("invalid log_level: %q", c.LogLevel))
	}
	if c.MaxConcurrentBatches < 1 {
		errs = append(errs, fmt.Errorf("invalid max_concurrent_batches: %d (must be >= 1)", c.MaxConcurrentBatches))
	}
	if c.MaxClipsPerBatch < 1 {
		errs = append(errs, fmt.Errorf("invalid max_clips_per_batch: %d (must be >= 1)", c.MaxClipsPerBatch))
	}
	if c.Queue.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("invalid queue.max_concurrent: %d (must be >= 1)", c.Queue.MaxConcurrent))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("invalid queue.max_attempts: %d (must be >= 1)", c.Queue.MaxAttempts))
	}
	if c.Queue.BaseBackoff <= 0 || c.Queue.MaxBackoff < c.Queue.BaseBackoff {
		errs = append(errs, fmt.Errorf("invalid queue backoff: base %s, max %s", c.Queue.BaseBackoff, c.Queue.MaxBackoff))
	}
	if c.RateLimit.Requests < 1 {
		errs = append(errs, fmt.Errorf("invalid rate_limit.requests: %d (must be >= 1)", c.RateLimit.Requests))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, fmt.Errorf("invalid rate_limit.window: %s", c.RateLimit.Window))
	}
	if c.Eligibility.MaxFileSizeBytes <= 0 || c.Eligibility.MaxDurationSeconds <= 0 {
		errs = append(errs, errors.New("eligibility limits must be positive"))
	}
	if c.Jobs.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid jobs.timeout: %s", c.Jobs.Timeout))
	}
	if c.Jobs.StuckProgress < 1 || c.Jobs.StuckProgress > 100 {
		errs = append(errs, fmt.Errorf("invalid jobs.stuck_progress: %d (must be 1..100)", c.Jobs.StuckProgress))
	}
	if c.Jobs.CompletedGrace <= 0 || c.Jobs.FailedGrace <= 0 {
		errs = append(errs, errors.New("jobs grace periods must be positive"))
	} else if c.Jobs.CompletedGrace < c.Jobs.FailedGrace {
		errs = append(errs, fmt.Errorf("jobs.completed_grace (%s) must not be shorter than jobs.failed_grace (%s)", c.Jobs.CompletedGrace, c.Jobs.FailedGrace))
	}
	if c.API.RequestsPerSecond <= 0 || c.API.Burst < 1 {
		errs = append(errs, errors.New("api rate limit must be positive"))
	}
	if c.History.Enabled && c.History.SQLitePath == "" {
		errs = append(errs, errors.New("history.sqlite_path is required when history is enabled"))
	}
	return errors.Join(errs...)
}

// ValidateServe additionally requires a per-deployment transfer secret.
func (c Config) ValidateServe() error {
	if strings.TrimSpace(c.TransferSecret) == "" {
		return ErrMissingSecret
	}
	return nil
}

// Level returns the parsed log level, defaulting to info.
func (c Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return level
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.TransferSecret != "" {
		c.TransferSecret = redacted
	}
	return c
}

// YAML renders the redacted configuration.
func (c Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return out, nil
}
