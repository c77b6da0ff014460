package summary

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g6io/g6collector/internal/errs"
	"github.com/g6io/g6collector/internal/metrics"
	"github.com/g6io/g6collector/internal/orchestrator"
)

// scriptedPlugin records invocations and optionally fails or panics.
type scriptedPlugin struct {
	name   string
	fail   bool
	panics bool
	calls  int
	order  *[]string
}

func (p *scriptedPlugin) Name() string { return p.name }

func (p *scriptedPlugin) Run(context.Context, orchestrator.RuntimeStatus) error {
	p.calls++
	if p.order != nil {
		*p.order = append(*p.order, p.name)
	}
	if p.panics {
		panic("boom")
	}
	if p.fail {
		return errors.New("plugin down")
	}
	return nil
}

func statusDoc(cycle int64) orchestrator.RuntimeStatus {
	return orchestrator.RuntimeStatus{
		Timestamp:        "2026-08-26T10:15:00Z",
		Cycle:            cycle,
		Interval:         60,
		SuccessRatePct:   100,
		OptionsLastCycle: 10,
		ReadinessOK:      true,
		Indices:          []string{"NIFTY"},
		IndicesInfo: map[string]orchestrator.IndexInfo{
			"NIFTY": {LTP: 20010, ATM: 20000, Options: 10},
		},
	}
}

func writeStatus(t *testing.T, path string, status orchestrator.RuntimeStatus) {
	t.Helper()
	payload, err := json.Marshal(status)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, payload, 0o644))
}

func newLoop(t *testing.T, statusPath string, plugins ...Plugin) (*Loop, *metrics.Registry) {
	t.Helper()
	reg, err := metrics.NewRegistry(metrics.Options{})
	require.NoError(t, err)
	router := errs.NewRouter(errs.DefaultEntries(), reg)
	return NewLoop(statusPath, plugins, router, reg), reg
}

func TestTickSkipsWhenStatusAbsent(t *testing.T) {
	p := &scriptedPlugin{name: "a"}
	l, _ := newLoop(t, filepath.Join(t.TempDir(), "missing.json"), p)

	l.Tick(context.Background())
	assert.Zero(t, p.calls)
}

func TestTickSkipsCorruptStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	require.NoError(t, os.WriteFile(path, []byte("{torn"), 0o644))
	p := &scriptedPlugin{name: "a"}
	l, _ := newLoop(t, path, p)

	l.Tick(context.Background())
	assert.Zero(t, p.calls)
}

func TestTickRunsPluginsInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	writeStatus(t, path, statusDoc(1))

	var order []string
	a := &scriptedPlugin{name: "panels_writer", order: &order}
	b := &scriptedPlugin{name: "stream_gater", order: &order}
	c := &scriptedPlugin{name: "sse_publisher", order: &order}
	l, reg := newLoop(t, path, a, b, c)

	l.Tick(context.Background())
	assert.Equal(t, []string{"panels_writer", "stream_gater", "sse_publisher"}, order)

	rendered := string(reg.Render())
	assert.Contains(t, rendered, `g6_summary_plugin_duration_seconds_count{plugin="panels_writer"} 1`)
}

func TestTickIsolatesFailuresAndPanics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	writeStatus(t, path, statusDoc(1))

	var order []string
	failing := &scriptedPlugin{name: "bad", fail: true, order: &order}
	panicking := &scriptedPlugin{name: "worse", panics: true, order: &order}
	after := &scriptedPlugin{name: "after", order: &order}
	l, reg := newLoop(t, path, failing, panicking, after)

	l.Tick(context.Background())

	assert.Equal(t, []string{"bad", "worse", "after"}, order, "failures never stop the chain")
	assert.Equal(t, 2.0, reg.CounterValue("g6_routed_errors_total", map[string]string{"code": "summary.plugin_failed"}))
}

func TestLoopRunStopsOnContextCancel(t *testing.T) {
	l, _ := newLoop(t, filepath.Join(t.TempDir(), "missing.json"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.Run(ctx) // returns immediately instead of ticking forever
}
