package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`

	Detection DetectionConfig `koanf:"detection"`
	Profiling ProfilingConfig `koanf:"profiling"`
	Alerting  AlertingConfig  `koanf:"alerting"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port            int           `koanf:"port" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL          string        `koanf:"url"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	MaxRetries   int           `koanf:"max_retries"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// DetectionConfig externalizes every detector threshold so operators can
// tune sensitivity without a rebuild
type DetectionConfig struct {
	ZScoreThreshold      float64 `koanf:"zscore_threshold" validate:"gt=0"`
	RareHourProbability  float64 `koanf:"rare_hour_probability" validate:"gte=0,lte=1"`
	OutlierThreshold     float64 `koanf:"outlier_threshold" validate:"gt=0,lte=1"`
	OutlierContamination float64 `koanf:"outlier_contamination" validate:"gt=0,lt=0.5"`
	MaxBatchWorkers      int     `koanf:"max_batch_workers" validate:"gt=0"`
}

type ProfilingConfig struct {
	BaselineWindowDays int `koanf:"baseline_window_days" validate:"gt=0"`
	ProfileWindowDays  int `koanf:"profile_window_days" validate:"gt=0"`
}

type AlertingConfig struct {
	MinSeverity       string        `koanf:"min_severity" validate:"oneof=info low medium high critical"`
	Recipients        []string      `koanf:"recipients"`
	WebhookURL        string        `koanf:"webhook_url" validate:"omitempty,url"`
	WebhookTimeout    time.Duration `koanf:"webhook_timeout"`
	MaxRetries        int           `koanf:"max_retries" validate:"gte=0"`
	RetryBaseDelay    time.Duration `koanf:"retry_base_delay"`
	DispatchesPerSec  float64       `koanf:"dispatches_per_sec" validate:"gt=0"`
	DispatchBurst     int           `koanf:"dispatch_burst" validate:"gt=0"`
	DeadLetterEnabled bool          `koanf:"dead_letter_enabled"`
}

type TelemetryConfig struct {
	Enabled       bool          `koanf:"enabled"`
	OTLPEndpoint  string        `koanf:"otlp_endpoint"`
	SamplingRate  float64       `koanf:"sampling_rate" validate:"gte=0,lte=1"`
	ExportTimeout time.Duration `koanf:"export_timeout"`
	BatchTimeout  time.Duration `koanf:"batch_timeout"`
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load defaults
	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Detection: DetectionConfig{
			ZScoreThreshold:      3.0,
			RareHourProbability:  0.01,
			OutlierThreshold:     0.7,
			OutlierContamination: 0.05,
			MaxBatchWorkers:      8,
		},
		Profiling: ProfilingConfig{
			BaselineWindowDays: 30,
			ProfileWindowDays:  90,
		},
		Alerting: AlertingConfig{
			MinSeverity:       "medium",
			WebhookTimeout:    10 * time.Second,
			MaxRetries:        3,
			RetryBaseDelay:    500 * time.Millisecond,
			DispatchesPerSec:  5,
			DispatchBurst:     10,
			DeadLetterEnabled: true,
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			OTLPEndpoint:  "localhost:4317",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			BatchTimeout:  5 * time.Second,
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Load from config file if exists
	if err := k.Load(file.Provider("configs/config.yaml"), yaml.Parser()); err != nil {
		// Config file is optional, only log if it's not a "file not found" error
	}

	// Override with environment variables
	if err := k.Load(env.Provider("DTA_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "DTA_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}
