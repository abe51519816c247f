// Package config loads stageflow configuration from defaults, an optional
// YAML file and STAGEFLOW_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. STAGEFLOW_LOG_LEVEL.
const EnvPrefix = "STAGEFLOW"

type Config struct {
	Log        LogConfig        `yaml:"log" envconfig:"LOG"`
	Engine     EngineConfig     `yaml:"engine" envconfig:"ENGINE"`
	Cache      CacheConfig      `yaml:"cache" envconfig:"CACHE"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" envconfig:"CHECKPOINT"`
	LLM        LLMConfig        `yaml:"llm" envconfig:"LLM"`
}

type LogConfig struct {
	Level      string `yaml:"level" envconfig:"LEVEL"`
	Format     string `yaml:"format" envconfig:"FORMAT"`           // json | console
	Output     string `yaml:"output" envconfig:"OUTPUT"`           // stdout | stderr | file
	FilePath   string `yaml:"file_path" envconfig:"FILE_PATH"`     // used when Output is file
	TimeFormat string `yaml:"time_format" envconfig:"TIME_FORMAT"` // rfc3339 | unix | iso8601
}

type EngineConfig struct {
	DefaultStageTimeout time.Duration `yaml:"default_stage_timeout" envconfig:"DEFAULT_STAGE_TIMEOUT"`
	DefaultCacheTTL     time.Duration `yaml:"default_cache_ttl" envconfig:"DEFAULT_CACHE_TTL"`
	MaxSteps            int           `yaml:"max_steps" envconfig:"MAX_STEPS"`
	GroupConcurrency    int           `yaml:"group_concurrency" envconfig:"GROUP_CONCURRENCY"`
	Workers             int           `yaml:"workers" envconfig:"WORKERS"`
	MaxAttempts         int           `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS"`
	RetryBackoff        time.Duration `yaml:"retry_backoff" envconfig:"RETRY_BACKOFF"`
}

type CacheConfig struct {
	Backend       string        `yaml:"backend" envconfig:"BACKEND"` // none | memory | redis
	Shards        int           `yaml:"shards" envconfig:"SHARDS"`
	MaxEntries    int           `yaml:"max_entries" envconfig:"MAX_ENTRIES"`
	SweepInterval time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL"`
	RedisURL      string        `yaml:"redis_url" envconfig:"REDIS_URL"`
	Prefix        string        `yaml:"prefix" envconfig:"PREFIX"`
}

type CheckpointConfig struct {
	Backend    string `yaml:"backend" envconfig:"BACKEND"` // memory | sqlite | postgres | redis | mongo
	DSN        string `yaml:"dsn" envconfig:"DSN"`         // sqlite path, postgres DSN, redis or mongo URL
	Database   string `yaml:"database" envconfig:"DATABASE"`
	Collection string `yaml:"collection" envconfig:"COLLECTION"`
	Prefix     string `yaml:"prefix" envconfig:"PREFIX"`
	// MaxHistory caps stored checkpoints per session on every backend. Zero
	// keeps all of them.
	MaxHistory int `yaml:"max_history" envconfig:"MAX_HISTORY"`
}

type LLMConfig struct {
	Model       string        `yaml:"model" envconfig:"MODEL"`
	APIKey      string        `yaml:"-" envconfig:"API_KEY"`
	BaseURL     string        `yaml:"base_url" envconfig:"BASE_URL"`
	Temperature float32       `yaml:"temperature" envconfig:"TEMPERATURE"`
	MaxTokens   int           `yaml:"max_tokens" envconfig:"MAX_TOKENS"`
	Timeout     time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "logs/stageflow.log",
			TimeFormat: "rfc3339",
		},
		Engine: EngineConfig{
			DefaultStageTimeout: 60 * time.Second,
			DefaultCacheTTL:     time.Hour,
			MaxSteps:            100,
			Workers:             4,
			MaxAttempts:         3,
			RetryBackoff:        time.Second,
		},
		Cache: CacheConfig{
			Backend:       "memory",
			Shards:        16,
			MaxEntries:    10000,
			SweepInterval: time.Minute,
			Prefix:        "stageflow:cache:",
		},
		Checkpoint: CheckpointConfig{
			Backend:    "memory",
			Database:   "stageflow",
			Collection: "checkpoints",
			Prefix:     "stageflow:",
		},
		LLM: LLMConfig{
			Model:       "gpt-4o-mini",
			BaseURL:     "https://api.openai.com/v1",
			Temperature: 0.1,
			MaxTokens:   1500,
			Timeout:     60 * time.Second,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path when path is not
// empty, and environment overrides. A missing file is an error; pass "" to
// skip it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("process environment configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	var errs []error
	switch c.Cache.Backend {
	case "", "none", "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			errs = append(errs, errors.New("cache.redis_url is required for the redis cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}

	switch c.Checkpoint.Backend {
	case "", "memory":
	case "sqlite", "postgres", "redis", "mongo":
		if c.Checkpoint.DSN == "" {
			errs = append(errs, fmt.Errorf("checkpoint.dsn is required for the %s backend", c.Checkpoint.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend))
	}

	if c.Engine.MaxSteps < 0 {
		errs = append(errs, errors.New("engine.max_steps must not be negative"))
	}
	if c.Engine.GroupConcurrency < 0 {
		errs = append(errs, errors.New("engine.group_concurrency must not be negative"))
	}
	return errors.Join(errs...)
}
