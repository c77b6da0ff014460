package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "g6collector"
	version = "v1.4.0"
)

// Exit codes per the operational contract.
const (
	exitOK     = 0
	exitConfig = 2
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Options market data collector",
		Version: version,
		Long: `g6collector polls index option chains on a fixed cadence, persists
per-leg and per-expiry rows to CSV/redis/postgres, and serves panels,
SSE diffs and Prometheus metrics from one HTTP listener.`,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the collection loop and HTTP surface",
		Long:  "Starts the collector orchestrator, summary loop and unified HTTP server; exits 0 on clean shutdown or market-close auto-stop.",
		RunE:  runCollector,
	}
	runCmd.Flags().String("config", "config/g6.yaml", "Path to the YAML config file")
	runCmd.Flags().String("pipeline-mode", "", "Override pipeline_mode (legacy|shadow|primary)")

	drillCmd := &cobra.Command{
		Use:   "drill",
		Short: "Run the parity rollback drill",
		Long:  "Simulates sustained parity drift, verifies the anomaly fires, and confirms the legacy rollback path restores parity.",
		RunE:  runDrill,
	}
	drillCmd.Flags().String("config", "config/g6.yaml", "Path to the YAML config file")
	drillCmd.Flags().Int("cycles", 5, "Drift cycles to inject before rollback")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(drillCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func applyLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}

func configFail(err error) error {
	fmt.Fprintf(os.Stderr, "config error: %v\n", err)
	os.Exit(exitConfig)
	return nil
}
