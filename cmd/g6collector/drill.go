package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/g6io/g6collector/internal/config"
	"github.com/g6io/g6collector/internal/metrics"
	"github.com/g6io/g6collector/internal/pipeline"
)

// runDrill validates the rollback path without touching live collection: it
// injects sustained parity drift, checks the anomaly fires, flips the mode
// back to legacy and confirms the diff gauge recovers within two cycles.
func runDrill(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	driftCycles, _ := cmd.Flags().GetInt("cycles")

	settings, err := config.Hydrate(configPath)
	if err != nil {
		return configFail(err)
	}
	applyLogLevel(settings.LogLevel)

	reg, err := metrics.NewRegistry(metrics.Options{BuildConfigHash: fmt.Sprintf("%s-%s-drill", appName, version)})
	if err != nil {
		return fmt.Errorf("metrics registry: %w", err)
	}

	tracker := pipeline.NewParityTracker(settings.ParityTarget, settings.ParityWindow, reg)
	driftScore := settings.ParityTarget / 2

	anomaly := false
	for i := 0; i < driftCycles; i++ {
		if tracker.Observe(driftScore) {
			anomaly = true
		}
	}
	if !anomaly {
		return fmt.Errorf("drill failed: no drift anomaly after %d cycles at score %.2f", driftCycles, driftScore)
	}

	mode := settings.PipelineMode
	log.Info().
		Str("event", "pipeline.rollback_drill").
		Str("from_mode", mode).
		Str("to_mode", pipeline.ModeLegacy).
		Msg("rolling back to legacy")
	reg.IncNamed("g6_pipeline_rollback_drill_total", nil, 1)

	// legacy is authoritative again; two clean cycles must restore the gauge
	recovered := false
	for i := 0; i < 2; i++ {
		tracker.Observe(1)
		if reg.GaugeValue("g6_pipeline_alert_parity_diff", nil) <= 0 {
			recovered = true
			break
		}
	}
	if !recovered {
		return fmt.Errorf("drill failed: parity diff gauge did not recover within two cycles")
	}

	log.Info().
		Str("event", "pipeline.rollback_drill.ok").
		Float64("rolling_avg", tracker.RollingAvg()).
		Msg("rollback drill passed")
	return nil
}
