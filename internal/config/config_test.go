package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) *Config {
	t.Helper()
	flagSet := pflag.NewFlagSet("rcstress-test", pflag.ContinueOnError)
	SetupFlags(flagSet)
	require.NoError(t, flagSet.Parse(args))
	cfg, err := LoadConfig(flagSet)
	require.NoError(t, err)
	return cfg
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg := parse(t)

	assert.Empty(t, cfg.DeviceName)
	assert.Equal(t, 3, cfg.GIDIndex)
	assert.False(t, cfg.Simulate)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, uint16(4), cfg.QPsPerClient)
	assert.Equal(t, 1000, cfg.TotalOps)
	assert.Equal(t, 1000, cfg.OpRate)
	assert.Equal(t, "WRITE", cfg.MeasuredOp)
	assert.Zero(t, cfg.P99CeilingUS)
	assert.Empty(t, cfg.MetricsAddr)
}

func TestLoadConfigFlagsOverrideDefaults(t *testing.T) {
	cfg := parse(t,
		"--simulate",
		"--qps-per-client", "8",
		"--measured-op", "READ",
		"--p99-ceiling-us", "500",
	)

	assert.True(t, cfg.Simulate)
	assert.Equal(t, uint16(8), cfg.QPsPerClient)
	assert.Equal(t, "READ", cfg.MeasuredOp)
	assert.Equal(t, 500, cfg.P99CeilingUS)
}

func TestLoadConfigRejectsZeroQPs(t *testing.T) {
	flagSet := pflag.NewFlagSet("rcstress-test", pflag.ContinueOnError)
	SetupFlags(flagSet)
	require.NoError(t, flagSet.Parse([]string{"--qps-per-client", "0"}))

	_, err := LoadConfig(flagSet)
	assert.Error(t, err)
}

func TestLoadConfigRejectsOversizedQPsFromEnv(t *testing.T) {
	// Only pflag enforces the uint16 range; a value arriving via the
	// environment must be rejected, not truncated.
	t.Setenv("RCSTRESS_QPS_PER_CLIENT", "70000")

	flagSet := pflag.NewFlagSet("rcstress-test", pflag.ContinueOnError)
	SetupFlags(flagSet)
	require.NoError(t, flagSet.Parse(nil))

	_, err := LoadConfig(flagSet)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qps-per-client")
}

func TestCreateAndReadBackDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rcstress.yaml")
	require.NoError(t, CreateDefaultConfig(path))

	_, err := os.Stat(path)
	require.NoError(t, err)

	cfg := parse(t, "--config", path)
	assert.Equal(t, uint16(4), cfg.QPsPerClient)
	assert.Equal(t, "WRITE", cfg.MeasuredOp)
}
