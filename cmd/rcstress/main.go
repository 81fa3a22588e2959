package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/yuuki/rcstress/internal/client"
	"github.com/yuuki/rcstress/internal/config"
	"github.com/yuuki/rcstress/internal/harness"
	"github.com/yuuki/rcstress/internal/latency"
	"github.com/yuuki/rcstress/internal/metrics"
	"github.com/yuuki/rcstress/internal/opgen"
	"github.com/yuuki/rcstress/internal/verbs"
)

func main() {
	// Set up command line flags
	flagSet := pflag.NewFlagSet("rcstress", pflag.ExitOnError)
	config.SetupFlags(flagSet)

	// Parse flags
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	// Handle version flag
	version, _ := flagSet.GetBool("version")
	if version {
		fmt.Println("rcstress v0.1.0")
		os.Exit(0)
	}

	// Handle create-config flag
	createConfig, _ := flagSet.GetBool("create-config")
	if createConfig {
		configOutput, _ := flagSet.GetString("config-output")
		if err := config.CreateDefaultConfig(configOutput); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created default configuration at %s\n", configOutput)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.LoadConfig(flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	setLogLevel(cfg.LogLevel)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Stress run failed")
	}
}

func setLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("log_level", level).Msg("Unknown log level, using info")
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}

func run(cfg *config.Config) error {
	var provider verbs.Provider
	if cfg.Simulate {
		provider = verbs.NewSimProvider()
	} else {
		provider = verbs.NewIbvProvider(cfg.DeviceName, cfg.GIDIndex)
	}

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Error().Err(err).Str("metrics_addr", cfg.MetricsAddr).Msg("Metrics server stopped")
			}
		}()
		log.Info().Str("metrics_addr", cfg.MetricsAddr).Msg("Serving Prometheus metrics")
	}

	fixture := harness.NewFixture(provider, m)
	defer fixture.Close()

	initiator := client.New(0, fixture.Device(), fixture.NewPD())
	target := client.New(1, fixture.Device(), fixture.NewPD())

	fixture.CreateSetUpRcQps(initiator, target, cfg.QPsPerClient)

	measuredOp := client.OpType(cfg.MeasuredOp)
	fixture.ConfigureLatencyMeasurements(measuredOp)
	fixture.LatencyMeasurement().SetCeilings(latency.Ceilings{
		P50: microseconds(cfg.P50CeilingUS),
		P99: microseconds(cfg.P99CeilingUS),
	})

	mix := opgen.Mix{Write: cfg.MixWrite, Read: cfg.MixRead, Send: cfg.MixSend}
	gen, err := opgen.New(initiator, fixture.LatencyMeasurement(), m, mix, cfg.OpRate)
	if err != nil {
		return err
	}
	if err := gen.Run(cfg.TotalOps); err != nil {
		return err
	}

	fixture.CollectClientLatencyStats(initiator)
	fixture.HaltExecution(initiator)
	fixture.DumpState(initiator)

	if err := fixture.ValidateTransport(initiator); err != nil {
		return err
	}
	if err := fixture.ValidateTransport(target); err != nil {
		return err
	}
	return fixture.CheckLatencies()
}

func microseconds(us int) time.Duration {
	return time.Duration(us) * time.Microsecond
}
