package pipeline

import (
	"math"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/g6io/g6collector/internal/metrics"
)

// Pipeline modes.
const (
	ModeLegacy  = "legacy"
	ModeShadow  = "shadow"
	ModePrimary = "primary"
)

// Alert severity weights for the parity score. Unknown categories weigh 1.
var alertSeverity = map[string]float64{
	"coverage_degraded": 2,
	"expiry_salvaged":   1,
	"stall":             3,
	"no_data":           3,
}

// Component weights of the parity score. They sum to 1.
const (
	weightCount    = 0.30
	weightCoverage = 0.25
	weightAlerts   = 0.25
	weightReasons  = 0.20
)

// Signature is the comparable shape of one expiry outcome. Given identical
// inputs it is deterministic: maps are compared by key, never iterated into
// ordered output.
type Signature struct {
	Status         string
	OptionsCount   int
	StrikeCoverage float64
	Alerts         map[string]float64 // category -> severity weight
	PartialReasons map[string]int     // grouped reason -> count
}

// SignatureOf derives the signature from a finished state.
func SignatureOf(s *ExpiryState) Signature {
	sig := Signature{
		Status:         s.Record.Status,
		OptionsCount:   s.Record.OptionsCount,
		StrikeCoverage: s.Record.StrikeCoverage,
		Alerts:         map[string]float64{},
		PartialReasons: map[string]int{},
	}
	for _, a := range s.Record.Alerts {
		w, ok := alertSeverity[a]
		if !ok {
			w = 1
		}
		sig.Alerts[a] = w
	}
	if s.Record.PartialReason != "" {
		sig.PartialReasons[s.Record.PartialReason]++
	}
	return sig
}

// Score compares two signatures and returns a similarity in [0,1].
func Score(authoritative, shadow Signature) float64 {
	score := weightCount*countSimilarity(authoritative.OptionsCount, shadow.OptionsCount) +
		weightCoverage*(1-math.Abs(authoritative.StrikeCoverage-shadow.StrikeCoverage)) +
		weightAlerts*alertSimilarity(authoritative.Alerts, shadow.Alerts) +
		weightReasons*reasonSimilarity(authoritative.PartialReasons, shadow.PartialReasons)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func countSimilarity(a, b int) float64 {
	if a == 0 && b == 0 {
		return 1
	}
	max := a
	if b > max {
		max = b
	}
	return 1 - math.Abs(float64(a-b))/float64(max)
}

// alertSimilarity is severity-weighted Jaccard over alert categories.
func alertSimilarity(a, b map[string]float64) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	var inter, union float64
	for cat, w := range a {
		if _, ok := b[cat]; ok {
			inter += w
		}
		union += w
	}
	for cat, w := range b {
		if _, ok := a[cat]; !ok {
			union += w
		}
	}
	if union == 0 {
		return 1
	}
	return inter / union
}

// reasonSimilarity is 1 minus the total variation distance of the grouped
// partial_reason distributions.
func reasonSimilarity(a, b map[string]int) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	var totA, totB int
	for _, n := range a {
		totA += n
	}
	for _, n := range b {
		totB += n
	}
	keys := map[string]struct{}{}
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	var tvd float64
	for k := range keys {
		var pa, pb float64
		if totA > 0 {
			pa = float64(a[k]) / float64(totA)
		}
		if totB > 0 {
			pb = float64(b[k]) / float64(totB)
		}
		tvd += math.Abs(pa - pb)
	}
	return 1 - tvd/2
}

// LadderDistance is the extended-mode L1 distance between two strike ladders
// after normalization. Ladders of unequal length compare at their overlap.
func LadderDistance(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	as := append([]float64(nil), a...)
	bs := append([]float64(nil), b...)
	sort.Float64s(as)
	sort.Float64s(bs)
	n := len(as)
	if len(bs) < n {
		n = len(bs)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += math.Abs(as[i] - bs[i])
	}
	return sum / float64(n)
}

// ParityTracker keeps the rolling parity window and decides drift and
// promotion. Single-goroutine use from the cycle loop; no locking.
type ParityTracker struct {
	target     float64
	window     int
	scores     []float64
	belowCount int

	reg      *metrics.Registry
	mRolling *metrics.Handle
	mDiff    *metrics.Handle
}

// driftCyclesForAnomaly is how many consecutive below-target cycles trip the
// anomaly event.
const driftCyclesForAnomaly = 3

// NewParityTracker builds a tracker with a fixed window.
func NewParityTracker(target float64, window int, reg *metrics.Registry) *ParityTracker {
	t := &ParityTracker{target: target, window: window, reg: reg}
	if reg != nil {
		t.mRolling = reg.MustHandle("g6_pipeline_parity_rolling_avg")
		t.mDiff = reg.MustHandle("g6_pipeline_alert_parity_diff")
	}
	return t
}

// Observe records one cycle's parity score and updates the gauges. It
// returns true when the score crossed into a drift anomaly this cycle.
func (t *ParityTracker) Observe(score float64) bool {
	t.scores = append(t.scores, score)
	if len(t.scores) > t.window {
		t.scores = t.scores[len(t.scores)-t.window:]
	}
	diff := t.target - score
	if diff < 0 {
		diff = 0
	}
	if t.reg != nil {
		t.reg.Set(t.mRolling, nil, t.RollingAvg())
		t.reg.Set(t.mDiff, nil, diff)
	}
	if score < t.target {
		t.belowCount++
		if t.belowCount == driftCyclesForAnomaly {
			log.Warn().
				Str("event", "pipeline.alert_parity.anomaly").
				Float64("score", score).
				Float64("target", t.target).
				Int("consecutive_below", t.belowCount).
				Msg("parity drift anomaly")
			return true
		}
		return false
	}
	t.belowCount = 0
	return false
}

// RollingAvg returns the mean of the current window, 1 when empty.
func (t *ParityTracker) RollingAvg() float64 {
	if len(t.scores) == 0 {
		return 1
	}
	var sum float64
	for _, s := range t.scores {
		sum += s
	}
	return sum / float64(len(t.scores))
}

// PromotionReady reports whether the window is full, the rolling average
// meets the target, and no drift streak is active.
func (t *ParityTracker) PromotionReady() bool {
	return len(t.scores) >= t.window && t.RollingAvg() >= t.target && t.belowCount == 0
}
