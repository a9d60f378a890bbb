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
	Environment string `koanf:"environment" validate:"oneof=development staging production"`
	LogLevel    string `koanf:"log_level"`

	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Redis      RedisConfig      `koanf:"redis"`
	Security   SecurityConfig   `koanf:"security"`
	Monitoring MonitoringConfig `koanf:"monitoring"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
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

type SecurityConfig struct {
	JWTSecret   string          `koanf:"jwt_secret"`
	TokenExpiry time.Duration   `koanf:"token_expiry"`
	RateLimit   RateLimitConfig `koanf:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `koanf:"requests_per_second" validate:"gte=0"`
	BurstSize         int `koanf:"burst_size" validate:"gte=0"`
}

// MonitoringConfig tunes the observability pipeline: slow-request tiers,
// alert thresholds, retention cutoffs and the background job cadence.
type MonitoringConfig struct {
	SlowRequestWarning  time.Duration `koanf:"slow_request_warning"`
	SlowRequestCritical time.Duration `koanf:"slow_request_critical"`

	MemoryWarningPercent  float64 `koanf:"memory_warning_percent" validate:"gt=0,lte=100"`
	MemoryCriticalPercent float64 `koanf:"memory_critical_percent" validate:"gt=0,lte=100"`

	ErrorRateWarning  float64 `koanf:"error_rate_warning" validate:"gte=0,lte=1"`
	ErrorRateCritical float64 `koanf:"error_rate_critical" validate:"gte=0,lte=1"`

	ResponseTimeWarning  time.Duration `koanf:"response_time_warning"`
	ResponseTimeCritical time.Duration `koanf:"response_time_critical"`

	MaxActiveConnections int64 `koanf:"max_active_connections" validate:"gt=0"`

	ErrorHistoryLimit    int           `koanf:"error_history_limit" validate:"gt=0"`
	ErrorRetention       time.Duration `koanf:"error_retention"`
	SampleRetention      time.Duration `koanf:"sample_retention"`
	AlertRetention       time.Duration `koanf:"alert_retention"`
	CountResetInterval   time.Duration `koanf:"count_reset_interval"`
	EndpointSampleWindow int           `koanf:"endpoint_sample_window" validate:"gt=0"`

	SnapshotInterval time.Duration `koanf:"snapshot_interval"`
	HealthInterval   time.Duration `koanf:"health_interval"`
	SweepInterval    time.Duration `koanf:"sweep_interval"`
	CleanupInterval  time.Duration `koanf:"cleanup_interval"`

	MaxLabelCardinality int `koanf:"max_label_cardinality" validate:"gt=0"`
}

type TelemetryConfig struct {
	Enabled       bool          `koanf:"enabled"`
	OTLPEndpoint  string        `koanf:"otlp_endpoint"`
	SamplingRate  float64       `koanf:"sampling_rate" validate:"gte=0,lte=1"`
	ExportTimeout time.Duration `koanf:"export_timeout"`
	BatchTimeout  time.Duration `koanf:"batch_timeout"`
}

// IsProduction reports whether the service runs with production hardening
// (sanitized error bodies, external alert sinks enabled).
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Config file is optional
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	_ = k.Load(file.Provider(configPath), yaml.Parser())

	// Override with environment variables
	if err := k.Load(env.Provider("LITERATI_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "LITERATI_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func defaults() *Config {
	return &Config{
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
			MinIdleConns: 5,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Security: SecurityConfig{
			TokenExpiry: 24 * time.Hour,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 100,
				BurstSize:         200,
			},
		},
		Monitoring: MonitoringConfig{
			SlowRequestWarning:    1 * time.Second,
			SlowRequestCritical:   5 * time.Second,
			MemoryWarningPercent:  75,
			MemoryCriticalPercent: 95,
			ErrorRateWarning:      0.05,
			ErrorRateCritical:     0.10,
			ResponseTimeWarning:   500 * time.Millisecond,
			ResponseTimeCritical:  2 * time.Second,
			MaxActiveConnections:  1000,
			ErrorHistoryLimit:     1000,
			ErrorRetention:        7 * 24 * time.Hour,
			SampleRetention:       24 * time.Hour,
			AlertRetention:        24 * time.Hour,
			CountResetInterval:    time.Hour,
			EndpointSampleWindow:  100,
			SnapshotInterval:      30 * time.Second,
			HealthInterval:        60 * time.Second,
			SweepInterval:         120 * time.Second,
			CleanupInterval:       600 * time.Second,
			MaxLabelCardinality:   200,
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			OTLPEndpoint:  "localhost:4317",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			BatchTimeout:  5 * time.Second,
		},
	}
}
