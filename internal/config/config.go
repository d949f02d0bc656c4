// Package config loads and validates the scheduler configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ZanzyTHEbar/dragonflow/internal/breaker"
	"github.com/ZanzyTHEbar/dragonflow/internal/executor"
	"github.com/ZanzyTHEbar/dragonflow/internal/monitor"
)

// Config is the full configuration.
type Config struct {
	Executor executor.Config `yaml:"executor"`
	Breaker  breaker.Config  `yaml:"breaker"`
	Monitor  MonitorConfig   `yaml:"monitor"`
	Events   EventsConfig    `yaml:"events"`
	Cache    CacheConfig     `yaml:"cache"`
	Logging  LoggingConfig   `yaml:"logging"`
}

// MonitorConfig configures resource sampling.
type MonitorConfig struct {
	Interval       time.Duration `yaml:"interval" validate:"gt=0"`
	monitor.Limits `yaml:",inline"`
}

// EventsConfig configures the event bus.
type EventsConfig struct {
	BufferSize    int           `yaml:"buffer_size" validate:"gte=1"`
	WorkerCount   int           `yaml:"worker_count" validate:"gte=1"`
	MaxRetries    int           `yaml:"max_retries" validate:"gte=0"`
	RetryInterval time.Duration `yaml:"retry_interval" validate:"gte=0"`
}

// CacheConfig configures the outcome cache.
type CacheConfig struct {
	ResultTTL time.Duration `yaml:"result_ttl" validate:"gt=0"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Executor: executor.DefaultConfig(),
		Breaker:  breaker.DefaultConfig(),
		Monitor: MonitorConfig{
			Interval: time.Second,
		},
		Events: EventsConfig{
			BufferSize:    256,
			WorkerCount:   4,
			MaxRetries:    3,
			RetryInterval: 100 * time.Millisecond,
		},
		Cache: CacheConfig{
			ResultTTL: 10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("retrycond", func(fl validator.FieldLevel) bool {
		expr := fl.Field().String()
		return expr == "" || executor.ValidateExpression(expr) == nil
	})
	return v
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config field %s: failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return err
	}
	return nil
}

// Load overlays the YAML file at path on the defaults, applies environment
// overrides and validates the result. An empty path loads defaults only.
func Load(path string) (Config, error) {
	config := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return config, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return config, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&config)

	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

func applyEnv(config *Config) {
	if v := os.Getenv("DRAGONFLOW_MAX_CONCURRENT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.Executor.MaxConcurrent = i
		}
	}
	if v := os.Getenv("DRAGONFLOW_MAX_RETRIES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.Executor.MaxRetries = i
		}
	}
	if v := os.Getenv("DRAGONFLOW_DEFAULT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Executor.DefaultTimeout = d
		}
	}
	if v := os.Getenv("DRAGONFLOW_MEMORY_LIMIT_BYTES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			config.Monitor.MemoryBytes = n
		}
	}
	if v := os.Getenv("DRAGONFLOW_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("DRAGONFLOW_LOG_FORMAT"); v != "" {
		config.Logging.Format = v
	}
}
