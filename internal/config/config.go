// Package config loads janus configuration from config.yaml and JANUS_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Raw        RawConfig        `yaml:"raw" mapstructure:"raw"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Lateness   LatenessConfig   `yaml:"lateness" mapstructure:"lateness"`
	Derive     DeriveConfig     `yaml:"derive" mapstructure:"derive"`
	Evaluate   EvaluateConfig   `yaml:"evaluate" mapstructure:"evaluate"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts" mapstructure:"artifacts"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig selects and configures the canonical store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RawConfig locates the raw record store on disk.
type RawConfig struct {
	EventsDir   string `yaml:"events_dir" mapstructure:"events_dir"`
	BillingDir  string `yaml:"billing_dir" mapstructure:"billing_dir"`
	EventsGlob  string `yaml:"events_glob" mapstructure:"events_glob"`
	BillingGlob string `yaml:"billing_glob" mapstructure:"billing_glob"`
}

// IngestConfig configures the idempotent loader.
type IngestConfig struct {
	Concurrency           int      `yaml:"concurrency" mapstructure:"concurrency"`
	RetryAttempts         int      `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoffMs        int      `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	FingerprintAttributes []string `yaml:"fingerprint_attributes" mapstructure:"fingerprint_attributes"`
}

// LatenessConfig configures when an event is flagged late.
// With SameDayBoundary set, an event received on its own UTC day is never late.
type LatenessConfig struct {
	Grace           time.Duration `yaml:"grace" mapstructure:"grace"`
	SameDayBoundary bool          `yaml:"same_day_boundary" mapstructure:"same_day_boundary"`
}

// DeriveConfig configures trailing windows and the label horizon.
type DeriveConfig struct {
	ShortWindowDays int `yaml:"short_window_days" mapstructure:"short_window_days"`
	LongWindowDays  int `yaml:"long_window_days" mapstructure:"long_window_days"`
	HorizonDays     int `yaml:"horizon_days" mapstructure:"horizon_days"`
	Concurrency     int `yaml:"concurrency" mapstructure:"concurrency"`
}

// EvaluateConfig configures walk-forward evaluation and the baseline classifier.
type EvaluateConfig struct {
	MinPositives        int     `yaml:"min_positives" mapstructure:"min_positives"`
	MinTrainDays        int     `yaml:"min_train_days" mapstructure:"min_train_days"`
	Concurrency         int     `yaml:"concurrency" mapstructure:"concurrency"`
	L2                  float64 `yaml:"l2" mapstructure:"l2"`
	MaxIterations       int     `yaml:"max_iterations" mapstructure:"max_iterations"`
	ClassWeightBalanced bool    `yaml:"class_weight_balanced" mapstructure:"class_weight_balanced"`
}

// ArtifactsConfig configures where run artifacts are written.
type ArtifactsConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// ServerConfig configures the read-only status server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures pipeline health collection and alert thresholds.
type MonitoringConfig struct {
	CheckIntervalSecs       int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours     int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold    float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	LateRateThreshold       float64 `yaml:"late_rate_threshold" mapstructure:"late_rate_threshold"`
	QuarantineRateThreshold float64 `yaml:"quarantine_rate_threshold" mapstructure:"quarantine_rate_threshold"`
	StaleIngestionHours     int     `yaml:"stale_ingestion_hours" mapstructure:"stale_ingestion_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("JANUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "data/janus.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("raw.events_dir", "data/raw/events")
	v.SetDefault("raw.billing_dir", "data/raw/billing")
	v.SetDefault("raw.events_glob", "*.jsonl")
	v.SetDefault("raw.billing_glob", "*.csv")
	v.SetDefault("ingest.concurrency", 4)
	v.SetDefault("ingest.retry_attempts", 3)
	v.SetDefault("ingest.retry_backoff_ms", 250)
	v.SetDefault("ingest.fingerprint_attributes", []string{})
	v.SetDefault("lateness.grace", "0s")
	v.SetDefault("lateness.same_day_boundary", true)
	v.SetDefault("derive.short_window_days", 7)
	v.SetDefault("derive.long_window_days", 14)
	v.SetDefault("derive.horizon_days", 7)
	v.SetDefault("derive.concurrency", 8)
	v.SetDefault("evaluate.min_positives", 1)
	v.SetDefault("evaluate.min_train_days", 1)
	v.SetDefault("evaluate.concurrency", 4)
	v.SetDefault("evaluate.l2", 1.0)
	v.SetDefault("evaluate.max_iterations", 200)
	v.SetDefault("evaluate.class_weight_balanced", true)
	v.SetDefault("artifacts.dir", "reports/runs")
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.late_rate_threshold", 0.2)
	v.SetDefault("monitoring.quarantine_rate_threshold", 0.05)
	v.SetDefault("monitoring.stale_ingestion_hours", 48)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks the fields a command mode depends on. Modes: "pipeline"
// (store-backed stages), "serve" (pipeline plus HTTP), "offline" (no store).
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "offline":
	case "pipeline", "serve":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateStages()...)
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return []string{"store.sqlite_path is required for the sqlite driver"}
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return []string{"store.database_url is required for the postgres driver"}
		}
	default:
		return []string{"store.driver must be sqlite or postgres"}
	}
	return nil
}

func (c *Config) validateStages() []string {
	var errs []string
	if c.Derive.ShortWindowDays <= 0 || c.Derive.LongWindowDays <= 0 {
		errs = append(errs, "derive window sizes must be > 0")
	}
	if c.Derive.HorizonDays <= 0 {
		errs = append(errs, "derive.horizon_days must be > 0")
	}
	if c.Lateness.Grace < 0 {
		errs = append(errs, "lateness.grace must be >= 0")
	}
	if c.Evaluate.MinPositives < 1 {
		errs = append(errs, "evaluate.min_positives must be >= 1")
	}
	if c.Evaluate.MinTrainDays < 1 {
		errs = append(errs, "evaluate.min_train_days must be >= 1")
	}
	if c.Evaluate.L2 < 0 {
		errs = append(errs, "evaluate.l2 must be >= 0")
	}
	if c.Ingest.Concurrency < 1 || c.Derive.Concurrency < 1 || c.Evaluate.Concurrency < 1 {
		errs = append(errs, "concurrency values must be >= 1")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
