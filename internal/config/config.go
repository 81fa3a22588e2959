// Package config loads the stress runner configuration from flags,
// environment variables and an optional YAML file.
package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration for the stress runner
type Config struct {
	DeviceName   string
	GIDIndex     int
	Simulate     bool
	LogLevel     string
	QPsPerClient uint16
	TotalOps     int
	OpRate       int
	MixWrite     int
	MixRead      int
	MixSend      int
	MeasuredOp   string
	P50CeilingUS int
	P99CeilingUS int
	MetricsAddr  string
}

// SetupFlags sets up the command line flags for the stress runner
func SetupFlags(flagSet *pflag.FlagSet) {
	flagSet.String("config", "", "Path to configuration file")
	flagSet.Bool("create-config", false, "Create a default configuration file")
	flagSet.String("config-output", "rcstress.yaml", "Path where to write the default configuration")
	flagSet.Bool("version", false, "Show version information")
	flagSet.String("device-name", "", "RDMA device to open (empty selects the first usable device)")
	flagSet.Int("gid-index", 3, "GID table index identifying the local port")
	flagSet.Bool("simulate", false, "Run against the simulated device backend")
	flagSet.String("log-level", "info", "Log level (debug, info, warn, error)")
	flagSet.Uint16("qps-per-client", 4, "RC QPs to create per client")
	flagSet.Int("total-ops", 1000, "Total operations to issue")
	flagSet.Int("op-rate", 1000, "Operations per second")
	flagSet.Int("mix-write", 2, "Relative weight of WRITE operations")
	flagSet.Int("mix-read", 1, "Relative weight of READ operations")
	flagSet.Int("mix-send", 1, "Relative weight of SEND operations")
	flagSet.String("measured-op", "WRITE", "Operation type checked by the latency verdict")
	flagSet.Int("p50-ceiling-us", 0, "p50 latency ceiling in microseconds (0 disables the check)")
	flagSet.Int("p99-ceiling-us", 0, "p99 latency ceiling in microseconds (0 disables the check)")
	flagSet.String("metrics-addr", "", "Address to serve Prometheus metrics on (empty disables)")
}

// LoadConfig loads the runner configuration from flags, environment
// variables and an optional config file
func LoadConfig(flagSet *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Set environment variable prefix
	v.SetEnvPrefix("RCSTRESS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// Bind flags to viper
	if err := v.BindPFlags(flagSet); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	// Check if a config file was specified
	if configFile := v.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The flag is bounds-checked by pflag, but env vars and config files
	// are not; reject out-of-range values before narrowing.
	qpsPerClient := v.GetUint32("qps-per-client")
	if qpsPerClient == 0 || qpsPerClient > math.MaxUint16 {
		return nil, fmt.Errorf("qps-per-client must be between 1 and %d, got %d", math.MaxUint16, qpsPerClient)
	}

	config := &Config{
		DeviceName:   v.GetString("device-name"),
		GIDIndex:     v.GetInt("gid-index"),
		Simulate:     v.GetBool("simulate"),
		LogLevel:     v.GetString("log-level"),
		QPsPerClient: uint16(qpsPerClient),
		TotalOps:     v.GetInt("total-ops"),
		OpRate:       v.GetInt("op-rate"),
		MixWrite:     v.GetInt("mix-write"),
		MixRead:      v.GetInt("mix-read"),
		MixSend:      v.GetInt("mix-send"),
		MeasuredOp:   v.GetString("measured-op"),
		P50CeilingUS: v.GetInt("p50-ceiling-us"),
		P99CeilingUS: v.GetInt("p99-ceiling-us"),
		MetricsAddr:  v.GetString("metrics-addr"),
	}

	return config, nil
}

// CreateDefaultConfig creates a default configuration file
func CreateDefaultConfig(path string) error {
	v := viper.New()
	v.SetConfigFile(path)

	// Set default values
	v.Set("device-name", "")
	v.Set("gid-index", 3)
	v.Set("simulate", false)
	v.Set("log-level", "info")
	v.Set("qps-per-client", 4)
	v.Set("total-ops", 1000)
	v.Set("op-rate", 1000)
	v.Set("mix-write", 2)
	v.Set("mix-read", 1)
	v.Set("mix-send", 1)
	v.Set("measured-op", "WRITE")
	v.Set("p50-ceiling-us", 0)
	v.Set("p99-ceiling-us", 0)
	v.Set("metrics-addr", "")

	// Write the config file
	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
