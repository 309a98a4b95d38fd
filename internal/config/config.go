// Package config loads the engine's exhaustive configuration record from a
// YAML file, environment variables, and built-in defaults, using
// github.com/spf13/viper the way the teacher's config package does.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var structValidator = validator.New()

// Config is the complete, process-wide configuration record. Beacon has no
// hidden singletons beyond this struct: every component that needs a
// setting takes it (or a narrower sub-struct of it) as a constructor
// argument.
type Config struct {
	Redis  RedisConfig  `mapstructure:"redis"`
	Engine EngineConfig `mapstructure:"engine"`
}

// RedisConfig covers spec.md §6.3's Redis key set.
type RedisConfig struct {
	Endpoints         []string          `mapstructure:"endpoints" validate:"required,min=1,dive,required"`
	Password          string            `mapstructure:"password"`
	SSL               bool              `mapstructure:"ssl"`
	AllowAdmin        bool              `mapstructure:"allow_admin"`
	PoolSize          int               `mapstructure:"pool_size" validate:"gte=0,lte=50"`
	RetryCount        int               `mapstructure:"retry_count" validate:"gte=0"`
	RetryBaseDelayMs  int               `mapstructure:"retry_base_delay_ms" validate:"gte=0"`
	ConnectTimeoutMs  int               `mapstructure:"connect_timeout_ms" validate:"gte=0"`
	SyncTimeoutMs     int               `mapstructure:"sync_timeout_ms" validate:"gte=0"`
	KeepAliveSec      int               `mapstructure:"keep_alive_sec" validate:"gte=0"`
	HealthCheck       HealthCheckConfig `mapstructure:"health_check"`
	Metrics           RedisMetricsConfig `mapstructure:"metrics"`
}

// HealthCheckConfig drives the scheduler's auxiliary health-check job.
type HealthCheckConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	IntervalSec      int  `mapstructure:"interval_sec" validate:"gte=0"`
	FailureThreshold int  `mapstructure:"failure_threshold" validate:"gte=0"`
	TimeoutMs        int  `mapstructure:"timeout_ms" validate:"gte=0"`
}

// RedisMetricsConfig holds the redis.metrics keys, distinct from the
// Prometheus registry wired in internal/metrics. The fields are loaded and
// validated, but no component reads them: there is no store-side sampling
// job.
type RedisMetricsConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	InstanceName       string `mapstructure:"instance_name"`
	SamplingIntervalSec int  `mapstructure:"sampling_interval_sec" validate:"gte=0"`
}

// EngineConfig covers the cycle scheduler and evaluator knobs.
type EngineConfig struct {
	CycleTimeMs        int    `mapstructure:"cycle_time_ms" validate:"required,gt=0"`
	BufferCapacity     int    `mapstructure:"buffer_capacity" validate:"gte=0"`
	MaxDependencyDepth int    `mapstructure:"max_dependency_depth" validate:"required,gt=0"`
	LogLevel           string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	TestMode           bool   `mapstructure:"test_mode"`
	TestModeCycleTimeMs int   `mapstructure:"test_mode_cycle_time_ms" validate:"gte=0"`
}

// CycleTime resolves the effective cycle period, honoring TestMode's override.
func (e EngineConfig) CycleTime() time.Duration {
	if e.TestMode && e.TestModeCycleTimeMs > 0 {
		return time.Duration(e.TestModeCycleTimeMs) * time.Millisecond
	}
	return time.Duration(e.CycleTimeMs) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.endpoints", []string{"localhost:6379"})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.ssl", false)
	v.SetDefault("redis.allow_admin", false)
	v.SetDefault("redis.pool_size", 0) // 0 means "2x CPU, computed at wiring time"
	v.SetDefault("redis.retry_count", 5)
	v.SetDefault("redis.retry_base_delay_ms", 50)
	v.SetDefault("redis.connect_timeout_ms", 2000)
	v.SetDefault("redis.sync_timeout_ms", 1000)
	v.SetDefault("redis.keep_alive_sec", 30)
	v.SetDefault("redis.health_check.enabled", true)
	v.SetDefault("redis.health_check.interval_sec", 10)
	v.SetDefault("redis.health_check.failure_threshold", 3)
	v.SetDefault("redis.health_check.timeout_ms", 500)
	v.SetDefault("redis.metrics.enabled", false)
	v.SetDefault("redis.metrics.instance_name", "beacon")
	v.SetDefault("redis.metrics.sampling_interval_sec", 30)

	v.SetDefault("engine.cycle_time_ms", 100)
	v.SetDefault("engine.buffer_capacity", 100)
	v.SetDefault("engine.max_dependency_depth", 10)
	v.SetDefault("engine.log_level", "info")
	v.SetDefault("engine.test_mode", false)
	v.SetDefault("engine.test_mode_cycle_time_ms", 0)
}

// Load reads configuration from a config.yaml (if present in ., ./config or
// /etc/beacon), BEACON_-prefixed environment variables, and defaults.
// Environment variables override the file, and the file overrides the
// defaults.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/beacon")

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("BEACON")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that would otherwise fail confusingly
// deep inside the store or scheduler. Struct-tag constraints (ranges,
// required fields) are checked first via go-playground/validator; the
// remaining checks below catch cross-field or semantic constraints the
// tags can't express.
func (c Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if len(c.Redis.Endpoints) == 0 {
		return fmt.Errorf("config: redis.endpoints must not be empty")
	}
	if c.Engine.CycleTimeMs <= 0 {
		return fmt.Errorf("config: engine.cycle_time_ms must be positive")
	}
	if c.Engine.MaxDependencyDepth <= 0 {
		return fmt.Errorf("config: engine.max_dependency_depth must be positive")
	}
	return nil
}
