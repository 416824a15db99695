package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendhq/mend/internal/types"
)

// TestDefaultsAreValid verifies the shipped defaults pass validation.
func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, types.ModeBalanced, cfg.Mode)
	assert.True(t, cfg.EnableSnapshots)
	assert.True(t, cfg.EnableRollback)
}

// TestLoadFromFileMissingYieldsDefaults verifies a missing config file is
// not an error.
func TestLoadFromFileMissingYieldsDefaults(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

// TestLoadFromFileOverridesDefaults verifies YAML fields layer over
// defaults without clearing unrelated ones.
func TestLoadFromFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mend.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"mode: conservative\nmax_repairs_per_minute: 2\nrollback_tolerance: 10.5\n"), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, types.ModeConservative, cfg.Mode)
	assert.Equal(t, 2, cfg.MaxRepairsPerMinute)
	assert.Equal(t, 10.5, cfg.RollbackTolerance)
	assert.Equal(t, 30, cfg.IntervalSeconds, "unrelated defaults untouched")
}

// TestLoadFromFileRejectsInvalid verifies bad YAML and bad values fail.
func TestLoadFromFileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("mode: [not, a, string"), 0644))
	_, err := LoadFromFile(bad)
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("mode: frantic\n"), 0644))
	_, err = LoadFromFile(invalid)
	assert.Error(t, err)
}

// TestApplyEnvOverrides verifies MEND_* variables win over file values.
func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("MEND_MODE", "aggressive")
	t.Setenv("MEND_MAX_REPAIRS_PER_MINUTE", "12")
	t.Setenv("MEND_ENABLE_ROLLBACK", "false")
	t.Setenv("MEND_ROLLBACK_TOLERANCE", "2.5")
	t.Setenv("MEND_SNAPSHOT_DIR", "/tmp/mend-snaps")

	cfg := Default()
	cfg.ApplyEnv()

	assert.Equal(t, types.ModeAggressive, cfg.Mode)
	assert.Equal(t, 12, cfg.MaxRepairsPerMinute)
	assert.False(t, cfg.EnableRollback)
	assert.Equal(t, 2.5, cfg.RollbackTolerance)
	assert.Equal(t, "/tmp/mend-snaps", cfg.SnapshotDir)
}

// TestValidateRejectsBadValues covers the validation rules.
func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"invalid mode", func(c *Config) { c.Mode = "frantic" }},
		{"zero interval", func(c *Config) { c.IntervalSeconds = 0 }},
		{"zero minute cap", func(c *Config) { c.MaxRepairsPerMinute = 0 }},
		{"hour cap below minute cap", func(c *Config) { c.MaxRepairsPerHour = 1 }},
		{"negative cooldown", func(c *Config) { c.CooldownSeconds = -1 }},
		{"health floor above 100", func(c *Config) { c.MinHealthForRepair = 150 }},
		{"zero snapshots", func(c *Config) { c.MaxSnapshots = 0 }},
		{"empty snapshot dir", func(c *Config) { c.SnapshotDir = "" }},
		{"zero per-tick cap", func(c *Config) { c.MaxRepairsPerTick = 0 }},
		{"negative tolerance", func(c *Config) { c.RollbackTolerance = -1 }},
		{"zero zscore", func(c *Config) { c.StabilityZScore = 0 }},
		{"trend window too small", func(c *Config) { c.TrendWindow = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

// TestDurationAccessors verifies the second-to-duration helpers.
func TestDurationAccessors(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "30s", cfg.Interval().String())
	assert.Equal(t, "10s", cfg.Cooldown().String())
	assert.Equal(t, "5s", cfg.SettleDelay().String())
}
