package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g6io/g6collector/internal/metrics"
)

func sig(status string, count int, coverage float64, alerts []string, reason string) Signature {
	s := &ExpiryState{}
	s.Record.Status = status
	s.Record.OptionsCount = count
	s.Record.StrikeCoverage = coverage
	s.Record.Alerts = alerts
	s.Record.PartialReason = reason
	return SignatureOf(s)
}

func TestScoreIdenticalSignatures(t *testing.T) {
	a := sig(StatusOK, 40, 0.95, []string{"coverage_degraded"}, "low_strike_coverage")
	assert.Equal(t, 1.0, Score(a, a))
}

func TestScoreIsDeterministic(t *testing.T) {
	a := sig(StatusDegraded, 40, 0.7, []string{"coverage_degraded", "expiry_salvaged"}, "low_strike_coverage")
	b := sig(StatusOK, 38, 0.9, []string{"expiry_salvaged"}, "")
	first := Score(a, b)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Score(a, b))
	}
}

func TestScoreComponents(t *testing.T) {
	t.Run("count mismatch only", func(t *testing.T) {
		a := sig(StatusOK, 40, 0.9, nil, "")
		b := sig(StatusOK, 20, 0.9, nil, "")
		// count similarity 0.5 costs half the 0.30 weight
		assert.InDelta(t, 1-0.30*0.5, Score(a, b), 1e-9)
	})
	t.Run("coverage gap only", func(t *testing.T) {
		a := sig(StatusOK, 40, 1.0, nil, "")
		b := sig(StatusOK, 40, 0.6, nil, "")
		assert.InDelta(t, 1-0.25*0.4, Score(a, b), 1e-9)
	})
	t.Run("disjoint alerts zero the alert component", func(t *testing.T) {
		a := sig(StatusOK, 40, 0.9, []string{"coverage_degraded"}, "")
		b := sig(StatusOK, 40, 0.9, []string{"expiry_salvaged"}, "")
		assert.InDelta(t, 1-0.25, Score(a, b), 1e-9)
	})
	t.Run("disjoint reasons zero the reason component", func(t *testing.T) {
		a := sig(StatusOK, 40, 0.9, nil, "no_instruments")
		b := sig(StatusOK, 40, 0.9, nil, "low_strike_coverage")
		assert.InDelta(t, 1-0.20, Score(a, b), 1e-9)
	})
	t.Run("both empty counts as agreement", func(t *testing.T) {
		assert.Equal(t, 1.0, Score(sig(StatusEmpty, 0, 0, nil, ""), sig(StatusEmpty, 0, 0, nil, "")))
	})
}

func TestAlertSimilarityWeighted(t *testing.T) {
	a := map[string]float64{"coverage_degraded": 2, "expiry_salvaged": 1}
	b := map[string]float64{"coverage_degraded": 2, "stall": 3}
	// intersection weight 2 over union weight 6
	assert.InDelta(t, 2.0/6.0, alertSimilarity(a, b), 1e-9)
}

func TestReasonSimilarityTVD(t *testing.T) {
	a := map[string]int{"x": 3, "y": 1}
	b := map[string]int{"x": 1, "y": 3}
	// tvd = |0.75-0.25| + |0.25-0.75| = 1; similarity = 0.5
	assert.InDelta(t, 0.5, reasonSimilarity(a, b), 1e-9)
}

func TestLadderDistance(t *testing.T) {
	assert.Equal(t, 0.0, LadderDistance(nil, []float64{1, 2}))
	assert.Equal(t, 0.0, LadderDistance([]float64{100, 200}, []float64{200, 100}))
	assert.InDelta(t, 50.0, LadderDistance([]float64{100, 200}, []float64{150, 250}), 1e-9)
	// unequal lengths compare at the sorted overlap
	assert.InDelta(t, 0.0, LadderDistance([]float64{100, 200, 300}, []float64{100, 200}), 1e-9)
}

func TestParityTrackerAnomalyAfterThreeBelowTarget(t *testing.T) {
	reg, err := metrics.NewRegistry(metrics.Options{})
	require.NoError(t, err)
	tr := NewParityTracker(0.85, 5, reg)

	assert.False(t, tr.Observe(0.5))
	assert.False(t, tr.Observe(0.5))
	assert.True(t, tr.Observe(0.5), "third consecutive below-target cycle trips")
	assert.False(t, tr.Observe(0.5), "already tripped, no repeat event")

	assert.InDelta(t, 0.35, reg.GaugeValue("g6_pipeline_alert_parity_diff", nil), 1e-9)
	assert.InDelta(t, 0.5, reg.GaugeValue("g6_pipeline_parity_rolling_avg", nil), 1e-9)
}

func TestParityTrackerStreakResetsOnGoodCycle(t *testing.T) {
	tr := NewParityTracker(0.85, 5, nil)
	assert.False(t, tr.Observe(0.5))
	assert.False(t, tr.Observe(0.5))
	assert.False(t, tr.Observe(0.9))
	assert.False(t, tr.Observe(0.5))
	assert.False(t, tr.Observe(0.5))
	assert.True(t, tr.Observe(0.5))
}

func TestParityTrackerRollingWindow(t *testing.T) {
	tr := NewParityTracker(0.85, 3, nil)
	assert.Equal(t, 1.0, tr.RollingAvg(), "empty window reads as full parity")

	tr.Observe(0.0)
	tr.Observe(0.9)
	tr.Observe(0.9)
	tr.Observe(0.9)
	// the 0.0 score aged out of the 3-cycle window
	assert.InDelta(t, 0.9, tr.RollingAvg(), 1e-9)
}

func TestPromotionReady(t *testing.T) {
	tr := NewParityTracker(0.85, 3, nil)
	assert.False(t, tr.PromotionReady(), "window not full")

	tr.Observe(0.9)
	tr.Observe(0.9)
	assert.False(t, tr.PromotionReady())
	tr.Observe(0.95)
	assert.True(t, tr.PromotionReady())

	tr.Observe(0.5)
	assert.False(t, tr.PromotionReady(), "active drift streak blocks promotion")
}
