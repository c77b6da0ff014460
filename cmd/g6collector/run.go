package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/g6io/g6collector/internal/config"
	"github.com/g6io/g6collector/internal/errs"
	"github.com/g6io/g6collector/internal/health"
	"github.com/g6io/g6collector/internal/metrics"
	"github.com/g6io/g6collector/internal/orchestrator"
	"github.com/g6io/g6collector/internal/panels"
	"github.com/g6io/g6collector/internal/pipeline"
	"github.com/g6io/g6collector/internal/provider"
	"github.com/g6io/g6collector/internal/sinks"
	"github.com/g6io/g6collector/internal/sse"
	"github.com/g6io/g6collector/internal/summary"
)

const shutdownGrace = 10 * time.Second

func runCollector(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	settings, err := config.Hydrate(configPath)
	if err != nil {
		return configFail(err)
	}
	if override, _ := cmd.Flags().GetString("pipeline-mode"); override != "" {
		settings.PipelineMode = override
		if err := settings.Validate(); err != nil {
			return configFail(err)
		}
	}
	applyLogLevel(settings.LogLevel)

	reg, err := metrics.NewRegistry(metrics.Options{
		StrictDuplicate: settings.MetricsStrictDuplicate,
		Batch:           settings.MetricsBatch,
		BatchIntervalMS: settings.MetricsBatchIntervalMS,
		BuildConfigHash: fmt.Sprintf("%s-%s", appName, version),
	})
	if err != nil {
		return fmt.Errorf("metrics registry: %w", err)
	}
	router := errs.NewRouter(errs.DefaultEntries(), reg)

	primary := provider.NewDummyBroker()
	fallback := provider.NewDummyBroker()
	facade := provider.NewFacade(primary, fallback, provider.FacadeConfig{
		RPS:             settings.ProviderRPS,
		Burst:           settings.ProviderBurst,
		OutageThreshold: settings.ProviderOutageThreshold,
		OutageLogEvery:  settings.ProviderOutageLogEvery,
		Events:          settings.ProviderEvents,
	}, reg)

	sink, closeSinks, err := buildSinks(settings)
	if err != nil {
		return fmt.Errorf("sinks: %w", err)
	}
	defer closeSinks()

	env := pipeline.NewEnv(settings, facade, sink, reg)
	orch := orchestrator.New(settings, env, router)

	writer := panels.NewWriter(settings.PanelsDir, settings.EgressFrozen, reg)
	writerID := fmt.Sprintf("%s-%d", hostname(), os.Getpid())
	gater := panels.NewGater(settings.PanelsDir, settings.StreamGateMode, writerID, reg)

	ssePlugin := summary.NewSSEPlugin(writer, settings.SSEStructured, settings.SSEStructMaxChanges)
	publisher := sse.NewPublisher(ssePlugin, settings.HeartbeatIntervalSec, reg)
	ssePlugin.SetPublisher(publisher)

	plugins := []summary.Plugin{
		summary.NewPanelsPlugin(writer),
		summary.NewGaterPlugin(writer, gater),
	}
	if settings.AutoSnapshots {
		plugins = append(plugins, summary.NewSnapshotsPlugin(writer, env.Cache, settings.EnabledIndices()))
	}
	plugins = append(plugins, ssePlugin, summary.NewMetricsEmitterPlugin(reg))
	loop := summary.NewLoop(settings.StatusFile, plugins, router, reg)

	monitor := health.NewMonitor(reg)
	registerHealthChecks(monitor, settings, facade)

	server := sse.NewServer(settings, publisher, reg, monitor.Document)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitor.ProbeAll(ctx)
	monitor.Banner()

	var wg sync.WaitGroup
	loopCtx, cancelLoops := context.WithCancel(ctx)

	if b := reg.Batcher(); b != nil {
		wg.Add(1)
		go func() { defer wg.Done(); b.Run(loopCtx) }()
	}
	wg.Add(1)
	go func() { defer wg.Done(); loop.Run(loopCtx) }()
	wg.Add(1)
	go func() { defer wg.Done(); monitor.Run(loopCtx) }()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.ListenAndServe(); err != nil {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	// the orchestrator owns the foreground; its return starts shutdown
	reason := orch.Run(ctx)
	log.Info().Str("reason", string(reason)).Msg("collector stopping")

	// shutdown order: collection stopped already, then the summary loop and
	// batcher, then SSE bye + listener drain, then sinks via defer
	cancelLoops()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	wg.Wait()

	// returning nil lets cobra exit 0 after the deferred sink close runs
	return nil
}

func buildSinks(settings config.Settings) (sinks.Sink, func(), error) {
	var all []sinks.Sink
	all = append(all, sinks.NewCSVSink(settings.CSVRoot))
	if settings.RedisAddr != "" {
		all = append(all, sinks.NewRedisSink(settings.RedisAddr))
	}
	if settings.PostgresDSN != "" {
		pg, err := sinks.NewPostgresSink(settings.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		all = append(all, pg)
	}
	multi := sinks.NewMulti(all...)
	closeAll := func() {
		if err := multi.Close(); err != nil {
			log.Warn().Err(err).Msg("sink close")
		}
	}
	return multi, closeAll, nil
}

func registerHealthChecks(m *health.Monitor, settings config.Settings, facade *provider.Facade) {
	m.Register("provider", func(ctx context.Context) error {
		if facade.OutageActive() {
			return fmt.Errorf("provider outage active")
		}
		indices := settings.EnabledIndices()
		if len(indices) == 0 {
			return nil
		}
		_, err := facade.GetLTP(ctx, indices[0].Symbol)
		return err
	})
	m.Register("csv_root", dirWritable(settings.CSVRoot))
	m.Register("panels_dir", dirWritable(settings.PanelsDir))
	m.Register("status_file", func(ctx context.Context) error {
		if settings.StatusFile == "" {
			return nil
		}
		return dirWritable(filepath.Dir(settings.StatusFile))(ctx)
	})
}

func dirWritable(dir string) health.CheckFunc {
	return func(context.Context) error {
		if dir == "" {
			return nil
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		probe := filepath.Join(dir, ".health_probe")
		if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
			return err
		}
		return os.Remove(probe)
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
