// Package config holds the tool gate's typed configuration. Values are
// resolved from defaults, an optional YAML file, and TOOL_GATE_* environment
// variables, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Eviction policies accepted by the memory cache tier.
const (
	EvictionLRU  = "lru"
	EvictionLFU  = "lfu"
	EvictionFIFO = "fifo"
)

// Config is the full runtime configuration of the service.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Middleware MiddlewareConfig `yaml:"middleware"`
	Risk       RiskConfig       `yaml:"risk"`
	Cache      CacheConfig      `yaml:"cache"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Storage    StorageConfig    `yaml:"storage"`
}

// ServerConfig configures the process-level listeners.
type ServerConfig struct {
	Port        string `yaml:"port"`
	MetricsPort string `yaml:"metrics_port"`
	LogLevel    string `yaml:"log_level"`
}

// MiddlewareConfig drives the orchestrator's pass/block behaviour.
type MiddlewareConfig struct {
	Enabled           bool          `yaml:"enabled"`
	ValidationTimeout time.Duration `yaml:"validation_timeout"`
	BlockOnTimeout    bool          `yaml:"block_on_timeout"`
	EnforceBlocking   bool          `yaml:"enforce_blocking"`
	LowRiskBypass     bool          `yaml:"low_risk_bypass"`
	CacheEnabled      bool          `yaml:"cache_enabled"`
	CacheOpTimeout    time.Duration `yaml:"cache_op_timeout"`
	AsyncCheckTimeout time.Duration `yaml:"async_check_timeout"`
}

// RiskConfig holds the level-selection thresholds.
type RiskConfig struct {
	StrictThreshold   float64       `yaml:"strict_threshold"`
	BlockingThreshold float64       `yaml:"blocking_threshold"`
	AsyncThreshold    float64       `yaml:"async_threshold"`
	ProfileTTL        time.Duration `yaml:"profile_ttl"`
}

// CacheConfig configures the three cache tiers.
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	MaxEntries    int           `yaml:"max_entries"`
	MaxBytes      int64         `yaml:"max_bytes"`
	Eviction      string        `yaml:"eviction"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPrefix   string        `yaml:"redis_prefix"`
	DocumentTTL   time.Duration `yaml:"document_ttl"`
	RedisTTL      time.Duration `yaml:"redis_ttl"`
}

// ExecutorConfig configures the execution interceptor.
type ExecutorConfig struct {
	MaxRetryAttempts int           `yaml:"max_retry_attempts"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	HistorySize      int           `yaml:"history_size"`
}

// StorageConfig holds connection strings for external stores.
type StorageConfig struct {
	PostgresDSN   string        `yaml:"postgres_dsn"`
	ClickHouseDSN string        `yaml:"clickhouse_dsn"`
	AuthCacheTTL  time.Duration `yaml:"auth_cache_ttl"`
	ToolCacheTTL  time.Duration `yaml:"tool_cache_ttl"`
	AuthFailOpen  bool          `yaml:"auth_fail_open"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:        "50054",
			MetricsPort: "9094",
			LogLevel:    "info",
		},
		Middleware: MiddlewareConfig{
			Enabled:           true,
			ValidationTimeout: 50 * time.Millisecond,
			BlockOnTimeout:    false,
			EnforceBlocking:   true,
			LowRiskBypass:     true,
			CacheEnabled:      true,
			CacheOpTimeout:    20 * time.Millisecond,
			AsyncCheckTimeout: 5 * time.Second,
		},
		Risk: RiskConfig{
			StrictThreshold:   0.8,
			BlockingThreshold: 0.5,
			AsyncThreshold:    0.2,
			ProfileTTL:        30 * time.Minute,
		},
		Cache: CacheConfig{
			TTL:           5 * time.Minute,
			MaxEntries:    10_000,
			MaxBytes:      64 << 20,
			Eviction:      EvictionLRU,
			SweepInterval: time.Minute,
			RedisPrefix:   "tool_gate:",
			RedisTTL:      15 * time.Minute,
			DocumentTTL:   time.Hour,
		},
		Executor: ExecutorConfig{
			MaxRetryAttempts: 3,
			RetryDelay:       time.Second,
			HistorySize:      100,
		},
		Storage: StorageConfig{
			AuthCacheTTL: 30 * time.Second,
			ToolCacheTTL: 60 * time.Second,
		},
	}
}

// Load resolves the configuration from defaults, the YAML file at path
// (skipped when path is empty), and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("Load: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("Load: parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	r := c.Risk
	if !(r.AsyncThreshold <= r.BlockingThreshold && r.BlockingThreshold <= r.StrictThreshold) {
		return fmt.Errorf("risk thresholds must be ordered async <= blocking <= strict (got %.2f, %.2f, %.2f)",
			r.AsyncThreshold, r.BlockingThreshold, r.StrictThreshold)
	}
	if r.AsyncThreshold < 0 || r.StrictThreshold > 1 {
		return fmt.Errorf("risk thresholds must lie in [0,1]")
	}
	switch c.Cache.Eviction {
	case EvictionLRU, EvictionLFU, EvictionFIFO:
	default:
		return fmt.Errorf("unknown eviction policy %q", c.Cache.Eviction)
	}
	if c.Middleware.ValidationTimeout <= 0 {
		return fmt.Errorf("validation timeout must be positive")
	}
	if c.Executor.MaxRetryAttempts < 1 {
		return fmt.Errorf("max retry attempts must be at least 1")
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = envOrDefault("TOOL_GATE_PORT", cfg.Server.Port)
	cfg.Server.MetricsPort = envOrDefault("TOOL_GATE_METRICS_PORT", cfg.Server.MetricsPort)
	cfg.Server.LogLevel = envOrDefault("TOOL_GATE_LOG_LEVEL", cfg.Server.LogLevel)

	cfg.Middleware.Enabled = envOrDefaultBool("TOOL_GATE_ENABLED", cfg.Middleware.Enabled)
	cfg.Middleware.ValidationTimeout = envOrDefaultMillis("TOOL_GATE_VALIDATION_TIMEOUT_MS", cfg.Middleware.ValidationTimeout)
	cfg.Middleware.BlockOnTimeout = envOrDefaultBool("TOOL_GATE_BLOCK_ON_TIMEOUT", cfg.Middleware.BlockOnTimeout)
	cfg.Middleware.EnforceBlocking = envOrDefaultBool("TOOL_GATE_ENFORCE_BLOCKING", cfg.Middleware.EnforceBlocking)
	cfg.Middleware.CacheEnabled = envOrDefaultBool("TOOL_GATE_CACHE_ENABLED", cfg.Middleware.CacheEnabled)
	cfg.Middleware.CacheOpTimeout = envOrDefaultMillis("TOOL_GATE_CACHE_OP_TIMEOUT_MS", cfg.Middleware.CacheOpTimeout)

	cfg.Cache.TTL = envOrDefaultSeconds("TOOL_GATE_CACHE_TTL_S", cfg.Cache.TTL)
	cfg.Cache.MaxEntries = envOrDefaultInt("TOOL_GATE_CACHE_MAX_ENTRIES", cfg.Cache.MaxEntries)
	cfg.Cache.Eviction = envOrDefault("TOOL_GATE_CACHE_EVICTION", cfg.Cache.Eviction)
	cfg.Cache.RedisAddr = envOrDefault("REDIS_ADDR", cfg.Cache.RedisAddr)

	cfg.Executor.MaxRetryAttempts = envOrDefaultInt("TOOL_GATE_MAX_RETRY_ATTEMPTS", cfg.Executor.MaxRetryAttempts)
	cfg.Executor.RetryDelay = envOrDefaultMillis("TOOL_GATE_RETRY_DELAY_MS", cfg.Executor.RetryDelay)

	cfg.Storage.PostgresDSN = envOrDefault("POSTGRES_DSN", cfg.Storage.PostgresDSN)
	cfg.Storage.ClickHouseDSN = envOrDefault("CLICKHOUSE_DSN", cfg.Storage.ClickHouseDSN)
	cfg.Storage.AuthCacheTTL = envOrDefaultSeconds("TOOL_GATE_AUTH_CACHE_TTL_S", cfg.Storage.AuthCacheTTL)
	cfg.Storage.ToolCacheTTL = envOrDefaultSeconds("TOOL_GATE_TOOL_CACHE_TTL_S", cfg.Storage.ToolCacheTTL)
	cfg.Storage.AuthFailOpen = envOrDefaultBool("TOOL_GATE_AUTH_FAIL_OPEN", cfg.Storage.AuthFailOpen)
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envOrDefaultMillis(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * time.Millisecond
		}
	}
	return defaultVal
}

func envOrDefaultSeconds(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return defaultVal
}
