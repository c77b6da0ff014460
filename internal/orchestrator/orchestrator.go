package orchestrator

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/g6io/g6collector/internal/config"
	"github.com/g6io/g6collector/internal/errs"
	"github.com/g6io/g6collector/internal/metrics"
	"github.com/g6io/g6collector/internal/pipeline"
)

// StopReason says why the cycle loop ended.
type StopReason string

const (
	StopCancelled   StopReason = "cancelled"
	StopMarketClose StopReason = "market_close"
)

// IndexOutcome aggregates one index's cycle results.
type IndexOutcome struct {
	Index   string
	LTP     float64
	ATM     float64
	Options int
	Errs    int
}

// CycleStats is what one RunCycle produced.
type CycleStats struct {
	Cycle     int64
	StartedAt time.Time
	Elapsed   time.Duration
	Outcomes  map[string]IndexOutcome
	Parity    float64 // shadow mode only; 1 otherwise
}

// TotalOptions sums option legs across indices.
func (c CycleStats) TotalOptions() int {
	n := 0
	for _, o := range c.Outcomes {
		n += o.Options
	}
	return n
}

// Orchestrator owns the collection cycle loop: market gating, the bounded
// per-index worker pool, status file emission and cycle metrics.
type Orchestrator struct {
	settings config.Settings
	env      *pipeline.Env
	driver   *pipeline.Driver
	parity   *pipeline.ParityTracker
	router   *errs.Router
	status   *StatusWriter

	cycle       int64
	lastErrs    int
	lastAll     int
	readyReason string

	mCycles   *metrics.Handle
	mErrors   *metrics.Handle
	mSkipped  *metrics.Handle
	mDuration *metrics.Handle
	mElapsed  *metrics.Handle
	mLastOK   *metrics.Handle
	mOptions  *metrics.Handle
	mLTP      *metrics.Handle

	// test seams
	now   func() time.Time
	sleep func(context.Context, time.Duration)
}

// New wires an orchestrator over a pipeline environment.
func New(settings config.Settings, env *pipeline.Env, router *errs.Router) *Orchestrator {
	o := &Orchestrator{
		settings: settings,
		env:      env,
		driver:   pipeline.NewDriver(env),
		parity:   pipeline.NewParityTracker(settings.ParityTarget, settings.ParityWindow, env.Reg),
		router:   router,
		status:   NewStatusWriter(settings.StatusFile),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	if env.Reg != nil {
		o.mCycles = env.Reg.MustHandle("g6_collection_cycles_total")
		o.mErrors = env.Reg.MustHandle("g6_collection_errors_total")
		o.mSkipped = env.Reg.MustHandle("g6_cycle_skipped_total")
		o.mDuration = env.Reg.MustHandle("g6_cycle_duration_seconds")
		o.mElapsed = env.Reg.MustHandle("g6_cycle_elapsed_seconds")
		o.mLastOK = env.Reg.MustHandle("g6_last_success_cycle_unixtime")
		o.mOptions = env.Reg.MustHandle("g6_options_collected")
		o.mLTP = env.Reg.MustHandle("g6_index_ltp")
	}
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run drives cycles until the context ends or the market-close gates fire.
func (o *Orchestrator) Run(ctx context.Context) StopReason {
	interval := time.Duration(o.settings.IntervalSeconds) * time.Second
	for {
		if ctx.Err() != nil {
			return StopCancelled
		}
		now := o.now()
		if o.settings.MarketHoursOnly && !o.settings.InsideMarketWindow(now) {
			if o.cycle > 0 {
				// gate (b): a cycle already ran and the window has closed
				log.Info().Str("event", "cycle.market_close").Int64("cycle", o.cycle).Msg("market closed, stopping")
				return StopMarketClose
			}
			o.env.Reg.Inc(o.mSkipped, map[string]string{"reason": "outside_market_hours"}, 1)
			o.sleep(ctx, interval)
			continue
		}

		stats := o.RunCycle(ctx)
		sleepFor := interval - stats.Elapsed
		if sleepFor < 0 {
			log.Warn().
				Int64("cycle", stats.Cycle).
				Float64("elapsed", stats.Elapsed.Seconds()).
				Int("interval", o.settings.IntervalSeconds).
				Msg("cycle exceeded interval, scheduling next immediately")
			sleepFor = 0
		}
		o.writeStatus(stats, sleepFor)

		if o.settings.MarketHoursOnly {
			next := o.now().Add(sleepFor)
			if !o.settings.InsideMarketWindow(next) {
				// gate (a): the next collection would fall after close
				log.Info().Str("event", "cycle.market_close").Int64("cycle", stats.Cycle).Msg("next cycle after close, stopping")
				return StopMarketClose
			}
		}
		if sleepFor > 0 {
			o.sleep(ctx, sleepFor)
		}
	}
}

// RunCycle executes one collection cycle across all enabled indices with a
// bounded worker pool. One index failing never cancels the others.
func (o *Orchestrator) RunCycle(ctx context.Context) CycleStats {
	o.cycle++
	stats := CycleStats{
		Cycle:     o.cycle,
		StartedAt: o.now(),
		Outcomes:  make(map[string]IndexOutcome),
		Parity:    1,
	}

	indices := o.settings.EnabledIndices()
	sem := make(chan struct{}, poolSize(len(indices)))
	var mu sync.Mutex
	var wg sync.WaitGroup
	var parityScores []float64

	for _, idx := range indices {
		wg.Add(1)
		go func(idx config.IndexParams) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			outcome, scores := o.collectIndex(ctx, idx, stats.Cycle)
			mu.Lock()
			stats.Outcomes[idx.Symbol] = outcome
			parityScores = append(parityScores, scores...)
			mu.Unlock()
		}(idx)
	}
	wg.Wait()

	stats.Elapsed = o.now().Sub(stats.StartedAt)
	if len(parityScores) > 0 {
		var sum float64
		for _, s := range parityScores {
			sum += s
		}
		stats.Parity = sum / float64(len(parityScores))
		o.parity.Observe(stats.Parity)
	}

	o.recordCycle(stats)
	if o.settings.GlobalPhaseTiming {
		log.Info().
			Str("event", "PHASE_TIMING_GLOBAL").
			Int64("cycle", stats.Cycle).
			Float64("elapsed", stats.Elapsed.Seconds()).
			Int("options", stats.TotalOptions()).
			Msg("cycle phase timing")
	}
	return stats
}

func poolSize(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// collectIndex runs every expiry rule of one index. Fatal errors skip the
// remaining rules; recoverable errors skip only the current one.
func (o *Orchestrator) collectIndex(ctx context.Context, idx config.IndexParams, cycle int64) (IndexOutcome, []float64) {
	out := IndexOutcome{Index: idx.Symbol}
	var scores []float64

	spot, err := o.env.Provider.GetLTP(ctx, idx.Symbol)
	if err != nil {
		out.Errs++
		o.countError(idx.Symbol, "ltp", err)
		return out, nil
	}
	out.LTP = spot
	o.env.Reg.Set(o.mLTP, map[string]string{"index": idx.Symbol}, spot)

	atm := atmStrike(spot, idx.StepFor())
	out.ATM = atm
	strikes := strikeUniverse(atm, idx)

	for _, rule := range idx.Expiries {
		st := pipeline.NewExpiryState(idx, rule, cycle, spot, atm, strikes)
		switch o.settings.PipelineMode {
		case pipeline.ModeShadow:
			score, err := pipeline.ShadowRun(ctx, o.driver, o.env, st)
			scores = append(scores, score)
			if err != nil {
				out.Errs++
				o.countError(idx.Symbol, "legacy", err)
				if errs.IsFatal(err) {
					return out, scores
				}
				continue
			}
		case pipeline.ModePrimary:
			res := o.driver.Run(ctx, st)
			if res.Err != nil {
				out.Errs++
				o.countError(idx.Symbol, res.Phase, res.Err)
				if errs.IsFatal(res.Err) {
					return out, scores
				}
				continue
			}
		default: // legacy
			if err := pipeline.CollectLegacy(ctx, o.env, st); err != nil {
				out.Errs++
				o.countError(idx.Symbol, "legacy", err)
				if errs.IsFatal(err) {
					return out, scores
				}
				continue
			}
		}
		out.Options += st.Record.OptionsCount
	}
	return out, scores
}

func (o *Orchestrator) countError(index, kind string, err error) {
	if kind == "" {
		kind = "unknown"
	}
	o.env.Reg.Inc(o.mErrors, map[string]string{"index": index, "kind": kind}, 1)
	o.router.Route("collector.index_error", 1, map[string]any{"index": index, "kind": kind, "error": err.Error()})
}

func (o *Orchestrator) recordCycle(stats CycleStats) {
	o.env.Reg.Inc(o.mCycles, nil, 1)
	o.env.Reg.Observe(o.mDuration, nil, stats.Elapsed.Seconds())
	o.env.Reg.Set(o.mElapsed, nil, stats.Elapsed.Seconds())

	errsSeen := 0
	for sym, out := range stats.Outcomes {
		errsSeen += out.Errs
		o.env.Reg.Set(o.mOptions, map[string]string{"index": sym}, float64(out.Options))
	}
	o.lastErrs = errsSeen
	o.lastAll = len(stats.Outcomes) + errsSeen
	if errsSeen == 0 {
		o.env.Reg.Set(o.mLastOK, nil, float64(o.now().Unix()))
		o.readyReason = ""
	} else if o.env.Provider != nil && o.env.Provider.OutageActive() {
		o.readyReason = "provider_outage"
	} else {
		o.readyReason = "index_errors_last_cycle"
	}
}

// writeStatus emits the runtime status file. Degraded cycles still write;
// readiness_reason carries the last failure class.
func (o *Orchestrator) writeStatus(stats CycleStats, sleepFor time.Duration) {
	memMB, cpuPct := o.status.Sample()
	indices := make([]string, 0, len(stats.Outcomes))
	info := make(map[string]IndexInfo, len(stats.Outcomes))
	for sym, out := range stats.Outcomes {
		indices = append(indices, sym)
		info[sym] = IndexInfo{LTP: out.LTP, ATM: out.ATM, Options: out.Options}
	}

	successPct := 100.0
	if o.lastAll > 0 {
		successPct = 100 * float64(o.lastAll-o.lastErrs) / float64(o.lastAll)
	}
	perMinute := 0.0
	if o.settings.IntervalSeconds > 0 {
		perMinute = float64(stats.TotalOptions()) * 60 / float64(o.settings.IntervalSeconds)
	}

	st := RuntimeStatus{
		Timestamp:        stats.StartedAt.UTC().Format("2006-01-02T15:04:05Z"),
		Cycle:            stats.Cycle,
		Elapsed:          round3(stats.Elapsed.Seconds()),
		Interval:         o.settings.IntervalSeconds,
		SleepSec:         round3(sleepFor.Seconds()),
		SuccessRatePct:   round3(successPct),
		OptionsLastCycle: stats.TotalOptions(),
		OptionsPerMinute: round3(perMinute),
		MemoryMB:         round3(memMB),
		CPUPct:           round3(cpuPct),
		ReadinessOK:      o.readyReason == "",
		ReadinessReason:  o.readyReason,
		Indices:          indices,
		IndicesInfo:      info,
	}
	if err := o.status.Write(st); err != nil {
		log.Warn().Err(err).Msg("status file write failed")
	}
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

// atmStrike rounds spot to the nearest strike step, ties rounding up.
func atmStrike(spot, step float64) float64 {
	if step <= 0 {
		return spot
	}
	return math.Floor(spot/step+0.5) * step
}

// strikeUniverse builds the ATM-centered ladder from the index config.
func strikeUniverse(atm float64, idx config.IndexParams) []float64 {
	step := idx.StepFor()
	strikes := make([]float64, 0, idx.StrikesITM+idx.StrikesOTM+1)
	for i := -idx.StrikesITM; i <= idx.StrikesOTM; i++ {
		strikes = append(strikes, atm+float64(i)*step)
	}
	return strikes
}

// ParityTracker exposes the tracker for the drill subcommand and tests.
func (o *Orchestrator) ParityTracker() *pipeline.ParityTracker { return o.parity }

// Cycle returns the last completed cycle number.
func (o *Orchestrator) Cycle() int64 { return o.cycle }
