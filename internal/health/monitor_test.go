package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g6io/g6collector/internal/metrics"
)

func newMonitor(t *testing.T) (*Monitor, *metrics.Registry) {
	t.Helper()
	reg, err := metrics.NewRegistry(metrics.Options{})
	require.NoError(t, err)
	return NewMonitor(reg), reg
}

func TestProbeAllUpdatesStatusesAndGauges(t *testing.T) {
	m, reg := newMonitor(t)
	m.Register("provider", func(context.Context) error { return nil })
	m.Register("csv_root", func(context.Context) error { return errors.New("not writable") })

	m.ProbeAll(context.Background())

	assert.False(t, m.Healthy())
	matrix := m.Matrix()
	require.Len(t, matrix, 2)
	assert.Equal(t, "csv_root", matrix[0].Component, "matrix sorts by component")
	assert.False(t, matrix[0].Healthy)
	assert.Equal(t, "not writable", matrix[0].Reason)
	assert.True(t, matrix[1].Healthy)
	assert.Empty(t, matrix[1].Reason)
	assert.False(t, matrix[0].CheckedAt.IsZero())

	assert.Equal(t, 1.0, reg.GaugeValue("g6_component_healthy", map[string]string{"component": "provider"}))
	assert.Equal(t, 0.0, reg.GaugeValue("g6_component_healthy", map[string]string{"component": "csv_root"}))
	assert.Greater(t, reg.GaugeValue("g6_last_check_unix", map[string]string{"component": "provider"}), 0.0)
}

func TestRecoveryFlipsGaugeBack(t *testing.T) {
	m, reg := newMonitor(t)
	fail := true
	m.Register("provider", func(context.Context) error {
		if fail {
			return errors.New("outage")
		}
		return nil
	})

	m.ProbeAll(context.Background())
	assert.False(t, m.Healthy())

	fail = false
	m.ProbeAll(context.Background())
	assert.True(t, m.Healthy())
	assert.Equal(t, 1.0, reg.GaugeValue("g6_component_healthy", map[string]string{"component": "provider"}))
}

func TestReRegisterReplacesCheck(t *testing.T) {
	m, _ := newMonitor(t)
	m.Register("provider", func(context.Context) error { return errors.New("old") })
	m.Register("provider", func(context.Context) error { return nil })

	m.ProbeAll(context.Background())
	assert.True(t, m.Healthy())
}

func TestHealthyWithNoComponents(t *testing.T) {
	m, _ := newMonitor(t)
	assert.True(t, m.Healthy())
	assert.Empty(t, m.Matrix())
}

func TestDocument(t *testing.T) {
	m, _ := newMonitor(t)
	m.Register("a", func(context.Context) error { return nil })
	m.ProbeAll(context.Background())

	doc := m.Document().(map[string]any)
	assert.Equal(t, "ok", doc["status"])
	assert.Len(t, doc["components"].([]Status), 1)

	m.Register("b", func(context.Context) error { return errors.New("down") })
	m.ProbeAll(context.Background())
	doc = m.Document().(map[string]any)
	assert.Equal(t, "degraded", doc["status"])
}

func TestRunStopsOnCancel(t *testing.T) {
	m, _ := newMonitor(t)
	calls := 0
	m.Register("a", func(context.Context) error { calls++; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Run(ctx)
	assert.Equal(t, 1, calls, "initial probe runs even with a cancelled context")
}
