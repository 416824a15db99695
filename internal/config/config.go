// Package config holds the healing system configuration: a YAML file with
// MEND_* environment overrides layered on top of safe defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mendhq/mend/internal/types"
)

// Config is the recognized configuration surface.
type Config struct {
	// Mode selects the autorepair aggressiveness
	// Options: aggressive, balanced, conservative, disabled
	// Default: balanced
	Mode types.LoopMode `yaml:"mode"`

	// IntervalSeconds is the autorepair tick interval
	// Default: 30
	IntervalSeconds int `yaml:"interval_seconds"`

	// MaxRepairsPerMinute is the rolling one-minute soft cap; exceeding it
	// moves the loop to THROTTLED
	// Default: 6
	MaxRepairsPerMinute int `yaml:"max_repairs_per_minute"`

	// MaxRepairsPerHour is the rolling one-hour soft cap
	// Default: 60
	MaxRepairsPerHour int `yaml:"max_repairs_per_hour"`

	// CooldownSeconds is the minimum gap between consecutive repair
	// invocations regardless of throttle state
	// Default: 10
	CooldownSeconds int `yaml:"cooldown_seconds"`

	// MinHealthForRepair is the health floor below which autonomous repair
	// is suspended (forced cycles still run)
	// Default: 20
	MinHealthForRepair float64 `yaml:"min_health_for_repair"`

	// EnableSnapshots controls whether a PRE_REPAIR snapshot is taken
	// before EXECUTE
	// Default: true
	EnableSnapshots bool `yaml:"enable_snapshots"`

	// EnableRollback controls whether health regression may restore the
	// pre-repair snapshot
	// Default: true
	EnableRollback bool `yaml:"enable_rollback"`

	// MaxSnapshots caps retained snapshots; oldest are evicted first
	// Default: 50
	MaxSnapshots int `yaml:"max_snapshots"`

	// SnapshotDir is where snapshot files live
	// Default: .mend/snapshots
	SnapshotDir string `yaml:"snapshot_dir"`

	// MaxRepairsPerTick caps how many faults one tick may heal
	// Default: 3
	MaxRepairsPerTick int `yaml:"max_repairs_per_tick"`

	// SettleSeconds is the STABILIZE delay before the next cycle may start
	// Default: 5
	SettleSeconds int `yaml:"settle_seconds"`

	// RollbackTolerance is how many health points post-repair health may
	// regress before rollback fires
	// Default: 5.0
	RollbackTolerance float64 `yaml:"rollback_tolerance"`

	// StabilityZScore is the z-score above which a stability metric sample
	// is treated as a statistical outlier
	// Default: 3.0
	StabilityZScore float64 `yaml:"stability_zscore"`

	// TrendWindow is how many overall-score samples feed the trend fit
	// Default: 20
	TrendWindow int `yaml:"trend_window"`

	// TrendSlopeEpsilon is the slope magnitude (points per sample) below
	// which the trend is not directional
	// Default: 0.25
	TrendSlopeEpsilon float64 `yaml:"trend_slope_epsilon"`

	// TrendVolatilityStdDev is the residual standard deviation above which
	// a flat trend is classified VOLATILE
	// Default: 5.0
	TrendVolatilityStdDev float64 `yaml:"trend_volatility_stddev"`
}

// Default returns the configuration defaults. They favor caution: balanced
// mode, snapshots and rollback on, modest repair rates.
func Default() *Config {
	return &Config{
		Mode:                  types.ModeBalanced,
		IntervalSeconds:       30,
		MaxRepairsPerMinute:   6,
		MaxRepairsPerHour:     60,
		CooldownSeconds:       10,
		MinHealthForRepair:    20,
		EnableSnapshots:       true,
		EnableRollback:        true,
		MaxSnapshots:          50,
		SnapshotDir:           ".mend/snapshots",
		MaxRepairsPerTick:     3,
		SettleSeconds:         5,
		RollbackTolerance:     5.0,
		StabilityZScore:       3.0,
		TrendWindow:           20,
		TrendSlopeEpsilon:     0.25,
		TrendVolatilityStdDev: 5.0,
	}
}

// LoadFromFile loads configuration from a YAML file layered over defaults.
// A missing file yields defaults; an invalid file is an error.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from MEND_* environment variables.
func (c *Config) ApplyEnv() {
	if val := os.Getenv("MEND_MODE"); val != "" {
		c.Mode = types.LoopMode(val)
	}
	setInt := func(key string, dst *int) {
		if val := os.Getenv(key); val != "" {
			if n, err := strconv.Atoi(val); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if val := os.Getenv(key); val != "" {
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				*dst = f
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if val := os.Getenv(key); val != "" {
			if b, err := strconv.ParseBool(val); err == nil {
				*dst = b
			}
		}
	}

	setInt("MEND_INTERVAL_SECONDS", &c.IntervalSeconds)
	setInt("MEND_MAX_REPAIRS_PER_MINUTE", &c.MaxRepairsPerMinute)
	setInt("MEND_MAX_REPAIRS_PER_HOUR", &c.MaxRepairsPerHour)
	setInt("MEND_COOLDOWN_SECONDS", &c.CooldownSeconds)
	setInt("MEND_MAX_SNAPSHOTS", &c.MaxSnapshots)
	setInt("MEND_MAX_REPAIRS_PER_TICK", &c.MaxRepairsPerTick)
	setInt("MEND_SETTLE_SECONDS", &c.SettleSeconds)
	setInt("MEND_TREND_WINDOW", &c.TrendWindow)
	setFloat("MEND_MIN_HEALTH_FOR_REPAIR", &c.MinHealthForRepair)
	setFloat("MEND_ROLLBACK_TOLERANCE", &c.RollbackTolerance)
	setFloat("MEND_STABILITY_ZSCORE", &c.StabilityZScore)
	setBool("MEND_ENABLE_SNAPSHOTS", &c.EnableSnapshots)
	setBool("MEND_ENABLE_ROLLBACK", &c.EnableRollback)
	if val := os.Getenv("MEND_SNAPSHOT_DIR"); val != "" {
		c.SnapshotDir = val
	}
}

// Validate checks that the configuration has safe and reasonable values.
func (c *Config) Validate() error {
	if !types.ValidLoopMode(c.Mode) {
		return fmt.Errorf("invalid mode: %q (must be aggressive, balanced, conservative, or disabled)", c.Mode)
	}
	if c.IntervalSeconds <= 0 {
		return fmt.Errorf("interval_seconds must be positive, got %d", c.IntervalSeconds)
	}
	if c.MaxRepairsPerMinute <= 0 {
		return fmt.Errorf("max_repairs_per_minute must be positive, got %d", c.MaxRepairsPerMinute)
	}
	if c.MaxRepairsPerHour < c.MaxRepairsPerMinute {
		return fmt.Errorf("max_repairs_per_hour (%d) must be >= max_repairs_per_minute (%d)", c.MaxRepairsPerHour, c.MaxRepairsPerMinute)
	}
	if c.CooldownSeconds < 0 {
		return fmt.Errorf("cooldown_seconds must be non-negative, got %d", c.CooldownSeconds)
	}
	if c.MinHealthForRepair < 0 || c.MinHealthForRepair > 100 {
		return fmt.Errorf("min_health_for_repair must be between 0 and 100, got %f", c.MinHealthForRepair)
	}
	if c.MaxSnapshots <= 0 {
		return fmt.Errorf("max_snapshots must be positive, got %d", c.MaxSnapshots)
	}
	if c.SnapshotDir == "" {
		return fmt.Errorf("snapshot_dir is required")
	}
	if c.MaxRepairsPerTick <= 0 {
		return fmt.Errorf("max_repairs_per_tick must be positive, got %d", c.MaxRepairsPerTick)
	}
	if c.SettleSeconds < 0 {
		return fmt.Errorf("settle_seconds must be non-negative, got %d", c.SettleSeconds)
	}
	if c.RollbackTolerance < 0 {
		return fmt.Errorf("rollback_tolerance must be non-negative, got %f", c.RollbackTolerance)
	}
	if c.StabilityZScore <= 0 {
		return fmt.Errorf("stability_zscore must be positive, got %f", c.StabilityZScore)
	}
	if c.TrendWindow < 2 {
		return fmt.Errorf("trend_window must be at least 2, got %d", c.TrendWindow)
	}
	if c.TrendSlopeEpsilon < 0 {
		return fmt.Errorf("trend_slope_epsilon must be non-negative, got %f", c.TrendSlopeEpsilon)
	}
	if c.TrendVolatilityStdDev <= 0 {
		return fmt.Errorf("trend_volatility_stddev must be positive, got %f", c.TrendVolatilityStdDev)
	}
	return nil
}

// Interval returns the tick interval as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Cooldown returns the inter-repair cooldown as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// SettleDelay returns the STABILIZE delay as a duration.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.SettleSeconds) * time.Second
}
