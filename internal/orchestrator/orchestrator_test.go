package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g6io/g6collector/internal/config"
	"github.com/g6io/g6collector/internal/errs"
	"github.com/g6io/g6collector/internal/metrics"
	"github.com/g6io/g6collector/internal/pipeline"
	"github.com/g6io/g6collector/internal/provider"
)

// ltpDownBroker fails LTP so every index collection errors out.
type ltpDownBroker struct {
	*provider.DummyBroker
}

func (b *ltpDownBroker) LTP(context.Context, string) (float64, error) {
	return 0, provider.Errf(provider.ErrCodeNetwork, "ltp.fetch", "connection reset")
}

func testSettings(t *testing.T) config.Settings {
	t.Helper()
	s := config.Defaults()
	s.Indices = []config.IndexParams{
		{Symbol: "NIFTY", Enabled: true, Expiries: []string{"this_week"}, StrikesITM: 2, StrikesOTM: 2},
	}
	s.StatusFile = filepath.Join(t.TempDir(), "runtime_status.json")
	return s
}

func newOrchestrator(t *testing.T, settings config.Settings, broker provider.Broker) *Orchestrator {
	t.Helper()
	reg, err := metrics.NewRegistry(metrics.Options{})
	require.NoError(t, err)
	if broker == nil {
		broker = provider.NewDummyBroker()
	}
	fac := provider.NewFacade(broker, nil, provider.FacadeConfig{RPS: 100, OutageThreshold: 100}, reg)
	env := pipeline.NewEnv(settings, fac, nil, reg)
	router := errs.NewRouter(errs.DefaultEntries(), reg)
	return New(settings, env, router)
}

func TestAtmStrike(t *testing.T) {
	cases := []struct {
		name       string
		spot, step float64
		want       float64
	}{
		{"rounds down", 20024.9, 50, 20000},
		{"rounds up", 20030, 50, 20050},
		{"tie rounds up", 20025, 50, 20050},
		{"exact strike", 20000, 50, 20000},
		{"banknifty step", 45049, 100, 45000},
		{"zero step passes through", 20012, 0, 20012},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, atmStrike(tc.spot, tc.step))
		})
	}
}

func TestStrikeUniverse(t *testing.T) {
	idx := config.IndexParams{Symbol: "NIFTY", StrikesITM: 2, StrikesOTM: 3}
	got := strikeUniverse(20000, idx)
	assert.Equal(t, []float64{19900, 19950, 20000, 20050, 20100, 20150}, got)
}

func TestRunCycleLegacyCollects(t *testing.T) {
	o := newOrchestrator(t, testSettings(t), nil)

	stats := o.RunCycle(context.Background())

	assert.EqualValues(t, 1, stats.Cycle)
	assert.EqualValues(t, 1, o.Cycle())
	assert.Equal(t, 1.0, stats.Parity, "legacy mode reports full parity")

	out, ok := stats.Outcomes["NIFTY"]
	require.True(t, ok)
	assert.Zero(t, out.Errs)
	assert.Greater(t, out.LTP, 0.0)
	assert.Equal(t, 10, out.Options, "five strikes, two contracts each")
	assert.Zero(t, int(out.ATM)%50, "ATM snaps to the strike step")

	reg := o.env.Reg
	assert.Equal(t, 1.0, reg.CounterValue("g6_collection_cycles_total", nil))
	assert.Equal(t, 10.0, reg.GaugeValue("g6_options_collected", map[string]string{"index": "NIFTY"}))
	assert.Greater(t, reg.GaugeValue("g6_last_success_cycle_unixtime", nil), 0.0)
	assert.Empty(t, o.readyReason)
}

func TestRunCycleShadowFeedsParity(t *testing.T) {
	settings := testSettings(t)
	settings.PipelineMode = pipeline.ModeShadow
	o := newOrchestrator(t, settings, nil)

	stats := o.RunCycle(context.Background())

	assert.Greater(t, stats.Parity, 0.0)
	assert.LessOrEqual(t, stats.Parity, 1.0)
	assert.InDelta(t, stats.Parity, o.ParityTracker().RollingAvg(), 1e-9)
}

func TestRunCycleIndexErrorDegradesReadiness(t *testing.T) {
	o := newOrchestrator(t, testSettings(t), &ltpDownBroker{provider.NewDummyBroker()})

	stats := o.RunCycle(context.Background())

	out := stats.Outcomes["NIFTY"]
	assert.Equal(t, 1, out.Errs)
	assert.Zero(t, out.Options)
	assert.Equal(t, "index_errors_last_cycle", o.readyReason)

	reg := o.env.Reg
	assert.Equal(t, 1.0, reg.CounterValue("g6_collection_errors_total", map[string]string{"index": "NIFTY", "kind": "ltp"}))
	assert.Equal(t, 1.0, reg.CounterValue("g6_routed_errors_total", map[string]string{"code": "collector.index_error"}))
	assert.Zero(t, reg.GaugeValue("g6_last_success_cycle_unixtime", nil))
}

func TestRunCycleProviderOutageReason(t *testing.T) {
	settings := testSettings(t)
	reg, err := metrics.NewRegistry(metrics.Options{})
	require.NoError(t, err)
	fac := provider.NewFacade(&ltpDownBroker{provider.NewDummyBroker()}, nil,
		provider.FacadeConfig{RPS: 100, OutageThreshold: 1}, reg)
	env := pipeline.NewEnv(settings, fac, nil, reg)
	o := New(settings, env, errs.NewRouter(errs.DefaultEntries(), reg))

	stats := o.RunCycle(context.Background())
	require.True(t, fac.OutageActive())
	assert.Equal(t, "provider_outage", o.readyReason)

	o.writeStatus(stats, 5*time.Second)
	raw, err := os.ReadFile(settings.StatusFile)
	require.NoError(t, err)
	var doc RuntimeStatus
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.False(t, doc.ReadinessOK)
	assert.Contains(t, doc.ReadinessReason, "provider_outage")
}

func TestRunStopsImmediatelyWhenCancelled(t *testing.T) {
	o := newOrchestrator(t, testSettings(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, StopCancelled, o.Run(ctx))
	assert.Zero(t, o.Cycle())
}

func TestRunSkipsOutsideMarketHoursBeforeFirstCycle(t *testing.T) {
	settings := testSettings(t)
	settings.MarketHoursOnly = true
	o := newOrchestrator(t, settings, nil)

	o.now = func() time.Time { return time.Date(2026, 8, 26, 8, 0, 0, 0, time.UTC) }
	ctx, cancel := context.WithCancel(context.Background())
	o.sleep = func(context.Context, time.Duration) { cancel() }

	assert.Equal(t, StopCancelled, o.Run(ctx))
	assert.Zero(t, o.Cycle(), "no cycle runs before the market opens")
	assert.Equal(t, 1.0, o.env.Reg.CounterValue("g6_cycle_skipped_total", map[string]string{"reason": "outside_market_hours"}))
}

func TestRunStopsWhenNextCycleFallsAfterClose(t *testing.T) {
	settings := testSettings(t)
	settings.MarketHoursOnly = true
	o := newOrchestrator(t, settings, nil)

	// 15:29:50 with a 60s interval puts the next cycle past the 15:30 close
	o.now = func() time.Time { return time.Date(2026, 8, 26, 15, 29, 50, 0, time.UTC) }
	o.sleep = func(context.Context, time.Duration) {}

	assert.Equal(t, StopMarketClose, o.Run(context.Background()))
	assert.EqualValues(t, 1, o.Cycle(), "the in-window cycle still completes")
}

func TestRunStopsWhenMarketClosesAfterACycle(t *testing.T) {
	settings := testSettings(t)
	settings.MarketHoursOnly = true
	o := newOrchestrator(t, settings, nil)

	cur := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return cur }
	o.sleep = func(_ context.Context, _ time.Duration) {
		cur = time.Date(2026, 8, 26, 16, 0, 0, 0, time.UTC)
	}

	assert.Equal(t, StopMarketClose, o.Run(context.Background()))
	assert.EqualValues(t, 1, o.Cycle())
}

func TestWriteStatusFile(t *testing.T) {
	settings := testSettings(t)
	o := newOrchestrator(t, settings, nil)

	stats := o.RunCycle(context.Background())
	o.writeStatus(stats, 5*time.Second)

	payload, err := os.ReadFile(settings.StatusFile)
	require.NoError(t, err)
	var st RuntimeStatus
	require.NoError(t, json.Unmarshal(payload, &st))

	_, err = time.Parse("2006-01-02T15:04:05Z", st.Timestamp)
	assert.NoError(t, err)
	assert.EqualValues(t, 1, st.Cycle)
	assert.Equal(t, 5.0, st.SleepSec)
	assert.Equal(t, 60, st.Interval)
	assert.True(t, st.ReadinessOK)
	assert.Equal(t, 100.0, st.SuccessRatePct)
	assert.Equal(t, []string{"NIFTY"}, st.Indices)
	require.Contains(t, st.IndicesInfo, "NIFTY")
	assert.Greater(t, st.IndicesInfo["NIFTY"].ATM, 0.0)
	assert.Equal(t, 10, st.OptionsLastCycle)

	_, err = os.Stat(settings.StatusFile + ".tmp")
	assert.True(t, os.IsNotExist(err), "no tmp file left behind")
}

func TestStatusWriterDisabledWithEmptyPath(t *testing.T) {
	w := NewStatusWriter("")
	assert.NoError(t, w.Write(RuntimeStatus{Cycle: 1}))
}

func TestStatusWriterSample(t *testing.T) {
	w := NewStatusWriter(filepath.Join(t.TempDir(), "s.json"))
	memMB, cpuPct := w.Sample()
	assert.Greater(t, memMB, 0.0)
	assert.GreaterOrEqual(t, cpuPct, 0.0)

	memMB, cpuPct = w.Sample()
	assert.Greater(t, memMB, 0.0)
	assert.GreaterOrEqual(t, cpuPct, 0.0)
}
