// Package config provides configuration loading for the kura worker.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config holds all worker configuration.
type Config struct {
	// Postgres DSN; required.
	DatabaseURL string `json:"database_url"`
	// Poll loop tick and LISTEN wait timeout, seconds (default 5.0).
	PollIntervalSeconds float64 `json:"poll_interval_seconds"`
	// Maximum jobs claimed per batch (default 10).
	BatchSize int `json:"batch_size"`
	// Default retry budget per job (default 3).
	MaxRetries int `json:"max_retries"`
	// Metrics/health listen address (default ":9090").
	ListenAddr string `json:"listen_addr"`
	// Log level (debug, info, warn, error).
	LogLevel string `json:"log_level"`
	// OTLP gRPC endpoint; empty disables tracing.
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	// Feature flags
	TrainingLoadV2Enabled      bool `json:"training_load_v2_enabled"`
	CalibrationTrackingEnabled bool `json:"calibration_tracking_enabled"`

	// Maintenance
	MaintenanceCron string `json:"maintenance_cron"`
	RetentionDays   int    `json:"retention_days"`

	// Inference knobs
	CausalMinSamples     int     `json:"causal_min_samples"`
	CausalBootstrapCount int     `json:"causal_bootstrap_count"`
	StrengthHorizonDays  int     `json:"strength_horizon_days"`
	StrengthPlateauSlope float64 `json:"strength_plateau_slope"`
	ReadinessPriorMean   float64 `json:"readiness_prior_mean"`
	ReadinessPriorWeight float64 `json:"readiness_prior_weight"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		PollIntervalSeconds:        5.0,
		BatchSize:                  10,
		MaxRetries:                 3,
		ListenAddr:                 ":9090",
		LogLevel:                   "info",
		CalibrationTrackingEnabled: true,
		MaintenanceCron:            "0 3 * * *",
		RetentionDays:              30,
		CausalMinSamples:           8,
		CausalBootstrapCount:       200,
		StrengthHorizonDays:        14,
		StrengthPlateauSlope:       0.03,
		ReadinessPriorMean:         0.6,
		ReadinessPriorWeight:       5.0,
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("POLL_INTERVAL_SECONDS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("parse POLL_INTERVAL_SECONDS: %w", err)
		}
		cfg.PollIntervalSeconds = f
	}
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parse BATCH_SIZE: %w", err)
		}
		cfg.BatchSize = n
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parse MAX_RETRIES: %w", err)
		}
		cfg.MaxRetries = n
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("TRAINING_LOAD_V2_ENABLED"); v != "" {
		cfg.TrainingLoadV2Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CALIBRATION_TRACKING_ENABLED"); v != "" {
		cfg.CalibrationTrackingEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("MAINTENANCE_CRON"); v != "" {
		cfg.MaintenanceCron = v
	}
	if v := os.Getenv("RETENTION_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parse RETENTION_DAYS: %w", err)
		}
		cfg.RetentionDays = n
	}
	if v := os.Getenv("CAUSAL_MIN_SAMPLES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parse CAUSAL_MIN_SAMPLES: %w", err)
		}
		cfg.CausalMinSamples = n
	}
	if v := os.Getenv("CAUSAL_BOOTSTRAP_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parse CAUSAL_BOOTSTRAP_COUNT: %w", err)
		}
		cfg.CausalBootstrapCount = n
	}
	if v := os.Getenv("STRENGTH_HORIZON_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parse STRENGTH_HORIZON_DAYS: %w", err)
		}
		cfg.StrengthHorizonDays = n
	}
	if v := os.Getenv("STRENGTH_PLATEAU_SLOPE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("parse STRENGTH_PLATEAU_SLOPE: %w", err)
		}
		cfg.StrengthPlateauSlope = f
	}
	if v := os.Getenv("READINESS_PRIOR_MEAN"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("parse READINESS_PRIOR_MEAN: %w", err)
		}
		cfg.ReadinessPriorMean = f
	}
	if v := os.Getenv("READINESS_PRIOR_WEIGHT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("parse READINESS_PRIOR_WEIGHT: %w", err)
		}
		cfg.ReadinessPriorWeight = f
	}

	return cfg, nil
}

// Validate checks required settings and numeric sanity.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", c.PollIntervalSeconds)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative, got %d", c.MaxRetries)
	}
	return nil
}
