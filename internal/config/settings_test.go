package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "g6.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	s, err := load("", nil)
	require.NoError(t, err)

	assert.Equal(t, 60, s.IntervalSeconds)
	assert.Equal(t, "09:15", s.MarketOpen)
	assert.Equal(t, "15:30", s.MarketClose)
	assert.Equal(t, "legacy", s.PipelineMode)
	assert.Equal(t, 40, s.SSEStructMaxChanges)
	assert.Equal(t, 0.85, s.ParityTarget)
	assert.Equal(t, "127.0.0.1:9323", s.HTTPListen)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
interval_seconds: 30
pipeline_mode: shadow
indices:
  - symbol: NIFTY
    enabled: true
    expiries: [this_week, next_week]
    strikes_itm: 5
    strikes_otm: 5
`)
	s, err := load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, 30, s.IntervalSeconds)
	assert.Equal(t, "shadow", s.PipelineMode)
	require.Len(t, s.Indices, 1)
	assert.Equal(t, "NIFTY", s.Indices[0].Symbol)
	assert.Equal(t, []string{"this_week", "next_week"}, s.Indices[0].Expiries)
}

func TestLoadUnknownKeysIgnored(t *testing.T) {
	path := writeConfig(t, `
interval_seconds: 15
totally_unknown_key: true
`)
	s, err := load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 15, s.IntervalSeconds)
}

func TestEnvOverrides(t *testing.T) {
	s, err := load("", []string{
		"G6_PIPELINE_MODE=primary",
		"G6_QUIET_MODE=true",
		"G6_FOREIGN_EXPIRY_SALVAGE=1",
	})
	require.NoError(t, err)

	assert.Equal(t, "primary", s.PipelineMode)
	assert.True(t, s.QuietMode)
	assert.True(t, s.ForeignExpirySalvage)
}

func TestEnvOverrideBadValue(t *testing.T) {
	_, err := load("", []string{"G6_QUIET_MODE=not-a-bool"})
	require.Error(t, err)
}

func TestValidateRejectsBadPipelineMode(t *testing.T) {
	s := Defaults()
	s.PipelineMode = "hybrid"
	require.Error(t, s.Validate())
}

func TestValidateRejectsNonPositiveInterval(t *testing.T) {
	s := Defaults()
	s.IntervalSeconds = 0
	require.Error(t, s.Validate())
}

func TestMarketWindow(t *testing.T) {
	s := Defaults()
	open, close, err := s.MarketWindow()
	require.NoError(t, err)
	assert.Equal(t, 9*60+15, open)
	assert.Equal(t, 15*60+30, close)

	t.Run("inside", func(t *testing.T) {
		at := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
		assert.True(t, s.InsideMarketWindow(at))
	})
	t.Run("before open", func(t *testing.T) {
		at := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
		assert.False(t, s.InsideMarketWindow(at))
	})
	t.Run("at close", func(t *testing.T) {
		at := time.Date(2026, 8, 26, 15, 30, 0, 0, time.UTC)
		assert.False(t, s.InsideMarketWindow(at))
	})
}

func TestStepFor(t *testing.T) {
	cases := []struct {
		name string
		idx  IndexParams
		want float64
	}{
		{"explicit step wins", IndexParams{Symbol: "NIFTY", StrikeStep: 25}, 25},
		{"nifty default", IndexParams{Symbol: "NIFTY"}, 50},
		{"banknifty default", IndexParams{Symbol: "BANKNIFTY"}, 100},
		{"case insensitive", IndexParams{Symbol: "finnifty"}, 50},
		{"unknown falls back", IndexParams{Symbol: "SENSEX"}, 50},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.idx.StepFor())
		})
	}
}

func TestEnabledIndices(t *testing.T) {
	s := Defaults()
	s.Indices = []IndexParams{
		{Symbol: "NIFTY", Enabled: true},
		{Symbol: "BANKNIFTY", Enabled: false},
	}
	got := s.EnabledIndices()
	require.Len(t, got, 1)
	assert.Equal(t, "NIFTY", got[0].Symbol)
}
