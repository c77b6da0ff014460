package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/g6io/g6collector/internal/config"
	"github.com/g6io/g6collector/internal/errs"
	"github.com/g6io/g6collector/internal/metrics"
	"github.com/g6io/g6collector/internal/provider"
	"github.com/g6io/g6collector/internal/sinks"
)

// staleQuoteAge drops quotes older than this at prefilter.
const staleQuoteAge = 5 * time.Minute

// Env carries the collaborators every phase may use. Phases receive it
// read-only; all mutation goes through the ExpiryState.
type Env struct {
	Settings config.Settings
	Provider *provider.Facade
	Sink     sinks.Sink
	Reg      *metrics.Registry
	Cache    *SnapshotCache

	mMissingField *metrics.Handle
	mIVFail       *metrics.Handle
	mSalvage      *metrics.Handle
	mPrune        *metrics.Handle
}

// NewEnv resolves metric handles once.
func NewEnv(settings config.Settings, fac *provider.Facade, sink sinks.Sink, reg *metrics.Registry) *Env {
	e := &Env{Settings: settings, Provider: fac, Sink: sink, Reg: reg, Cache: NewSnapshotCache()}
	if reg != nil {
		e.mMissingField = reg.MustHandle("g6_missing_quote_fields_total")
		e.mIVFail = reg.MustHandle("g6_iv_estimation_failure_total")
		e.mSalvage = reg.MustHandle("g6_expiry_salvage_total")
		e.mPrune = reg.MustHandle("g6_csv_mixed_expiry_prune_total")
	}
	return e
}

// Phase is one step of the expiry chain.
type Phase struct {
	Name         string
	Optional     bool // skipped when Enabled returns false
	Enabled      func(*Env, *ExpiryState) bool
	MaxAttempts  int // retries inside the phase; 0 means 1
	SoftDeadline time.Duration
	After        StateName // state to advance to on success, "" keeps current
	Run          func(context.Context, *Env, *ExpiryState) error
}

// Phases returns the registered chain in execution order.
func Phases() []Phase {
	return []Phase{
		{Name: "resolve", After: StateResolved, MaxAttempts: 2, Run: phaseResolve},
		{Name: "fetch", After: StateFetched, MaxAttempts: 3, SoftDeadline: 10 * time.Second, Run: phaseFetch},
		{Name: "prefilter", Run: phasePrefilter},
		{Name: "enrich", After: StateEnriched, Run: phaseEnrich},
		{Name: "preventive_validate", After: StateValidated, Run: phasePreventiveValidate},
		{Name: "salvage", Optional: true, Enabled: salvageEnabled, Run: phaseSalvage},
		{Name: "coverage", Run: phaseCoverage},
		{Name: "iv", Optional: true, Enabled: ivEnabled, Run: phaseIV},
		{Name: "greeks", Optional: true, Enabled: ivEnabled, Run: phaseGreeks},
		{Name: "persist", After: StatePersisted, Run: phasePersist},
		{Name: "classify", Run: phaseClassify},
		{Name: "snapshot", Optional: true, Enabled: snapshotEnabled, Run: phaseSnapshot},
		{Name: "summarize", After: StateDone, Run: phaseSummarize},
	}
}

func salvageEnabled(e *Env, _ *ExpiryState) bool  { return e.Settings.ForeignExpirySalvage }
func ivEnabled(_ *Env, s *ExpiryState) bool       { return !s.Flags["skip_greeks"] }
func snapshotEnabled(e *Env, _ *ExpiryState) bool { return e.Settings.AutoSnapshots }

func phaseResolve(ctx context.Context, e *Env, s *ExpiryState) error {
	d, err := e.Provider.ResolveExpiry(ctx, s.Index.Symbol, s.Rule)
	if err != nil {
		return err
	}
	s.Expiry = d
	return nil
}

func phaseFetch(ctx context.Context, e *Env, s *ExpiryState) error {
	inst, err := e.Provider.GetOptionInstruments(ctx, s.Index.Symbol, s.Expiry, s.Strikes)
	if err != nil {
		return err
	}
	s.Instruments = inst
	if len(inst) == 0 {
		// empty instrument list is not an error; classify decides later
		s.Record.PartialReason = "no_instruments"
		return nil
	}
	symbols := make([]string, len(inst))
	for i, in := range inst {
		symbols[i] = in.Symbol
	}
	quotes, err := e.Provider.GetQuote(ctx, s.Index.Symbol, symbols)
	if err != nil {
		return err
	}
	s.RawQuotes = quotes
	return nil
}

func phasePrefilter(_ context.Context, e *Env, s *ExpiryState) error {
	now := time.Now().UTC()
	dropped := 0
	stale := 0
	for sym, q := range s.RawQuotes {
		if !q.Valid() {
			delete(s.RawQuotes, sym)
			dropped++
			continue
		}
		if !q.Timestamp.IsZero() && now.Sub(q.Timestamp) > staleQuoteAge {
			delete(s.RawQuotes, sym)
			stale++
			continue
		}
		if q.Volume == nil {
			e.Reg.Inc(e.mMissingField, map[string]string{"field": "volume"}, 1)
		} else if *q.Volume < e.Settings.MinVolume {
			delete(s.RawQuotes, sym)
			dropped++
			continue
		}
		if q.OI == nil {
			e.Reg.Inc(e.mMissingField, map[string]string{"field": "oi"}, 1)
		} else if *q.OI < e.Settings.MinOI {
			delete(s.RawQuotes, sym)
			dropped++
			continue
		}
	}
	// percentile cut runs after the absolute thresholds so the cutoff is
	// derived from the surviving distribution; nil volumes stay in
	if p := e.Settings.VolumePercentile; p > 0 && p < 1 {
		vols := make([]int64, 0, len(s.RawQuotes))
		for _, q := range s.RawQuotes {
			if q.Volume != nil {
				vols = append(vols, *q.Volume)
			}
		}
		if len(vols) > 1 {
			sort.Slice(vols, func(i, j int) bool { return vols[i] < vols[j] })
			idx := int(p * float64(len(vols)))
			if idx >= len(vols) {
				idx = len(vols) - 1
			}
			cutoff := vols[idx]
			for sym, q := range s.RawQuotes {
				if q.Volume != nil && *q.Volume < cutoff {
					delete(s.RawQuotes, sym)
					dropped++
				}
			}
		}
	}
	if stale > 0 && len(s.RawQuotes) == 0 {
		s.Flags["all_stale"] = true
	}
	if dropped > 0 && e.Settings.TraceCollector {
		log.Debug().Str("index", s.Index.Symbol).Str("rule", s.Rule).Int("dropped", dropped).Int("stale", stale).Msg("prefilter dropped quotes")
	}
	return nil
}

func phaseEnrich(_ context.Context, _ *Env, s *ExpiryState) error {
	for _, in := range s.Instruments {
		if q, ok := s.RawQuotes[in.Symbol]; ok {
			s.Enriched[in.Symbol] = EnrichedOption{Instrument: in, Quote: q}
		}
	}
	return nil
}

func phasePreventiveValidate(_ context.Context, e *Env, s *ExpiryState) error {
	if len(s.Enriched) > 0 {
		return nil
	}
	// salvage may still rescue foreign-expiry quotes; abort only when that
	// path is closed too
	if e.Settings.ForeignExpirySalvage && len(s.RawQuotes) > 0 {
		return nil
	}
	if s.Flags["allow_empty"] {
		return nil
	}
	return errs.Abort("preventive_validate", "empty enrichment")
}

// phaseSalvage rescues quotes whose symbol expiry mismatches the resolved
// expiry when index and strike still align with the universe. It sets
// flags.salvaged rather than changing the state name.
func phaseSalvage(_ context.Context, e *Env, s *ExpiryState) error {
	strikeSet := make(map[float64]struct{}, len(s.Strikes))
	for _, k := range s.Strikes {
		strikeSet[k] = struct{}{}
	}
	salvaged, pruned := 0, 0
	for sym, q := range s.RawQuotes {
		if _, ok := s.Enriched[sym]; ok {
			continue
		}
		index, qexp, strike, typ, err := provider.ParseOptionSymbol(sym)
		if err != nil || index != s.Index.Symbol {
			continue
		}
		if qexp.Equal(s.Expiry) {
			continue
		}
		if _, ok := strikeSet[strike]; !ok {
			pruned++
			continue
		}
		s.Enriched[sym] = EnrichedOption{
			Instrument: provider.Instrument{Symbol: sym, Index: index, Expiry: s.Expiry, Strike: strike, Type: typ},
			Quote:      q,
		}
		salvaged++
	}
	if salvaged > 0 {
		s.Flags["salvaged"] = true
		e.Reg.Inc(e.mSalvage, map[string]string{"index": s.Index.Symbol}, float64(salvaged))
	}
	if pruned > 0 {
		e.Reg.Inc(e.mPrune, map[string]string{"index": s.Index.Symbol}, float64(pruned))
	}
	return nil
}

func phaseCoverage(_ context.Context, _ *Env, s *ExpiryState) error {
	if len(s.Strikes) == 0 {
		return nil
	}
	covered := make(map[float64]struct{})
	fieldsOK := 0
	for _, opt := range s.Enriched {
		covered[opt.Instrument.Strike] = struct{}{}
		if opt.Quote.Volume != nil && opt.Quote.OI != nil {
			fieldsOK++
		}
	}
	s.Record.StrikeCoverage = float64(len(covered)) / float64(len(s.Strikes))
	if len(s.Enriched) > 0 {
		s.Record.FieldCoverage = float64(fieldsOK) / float64(len(s.Enriched))
	}
	return nil
}

func phaseIV(_ context.Context, e *Env, s *ExpiryState) error {
	tYears := time.Until(s.Expiry.Add(marketCloseOffset())).Hours() / 24 / 365
	failures := 0
	for sym, opt := range s.Enriched {
		if opt.Quote.IV != nil {
			continue
		}
		iv, ok := impliedVol(opt.Instrument.Type, opt.Quote.LastPrice, s.Spot, opt.Instrument.Strike, tYears)
		if !ok {
			failures++
			continue
		}
		opt.Quote.IV = &iv
		s.Enriched[sym] = opt
	}
	if failures > 0 {
		e.Reg.Inc(e.mIVFail, map[string]string{"index": s.Index.Symbol}, float64(failures))
	}
	return nil
}

func phaseGreeks(_ context.Context, _ *Env, s *ExpiryState) error {
	tYears := time.Until(s.Expiry.Add(marketCloseOffset())).Hours() / 24 / 365
	for sym, opt := range s.Enriched {
		if opt.Quote.IV == nil || opt.Quote.Greeks != nil {
			continue
		}
		g := bsGreeks(opt.Instrument.Type, s.Spot, opt.Instrument.Strike, tYears, *opt.Quote.IV)
		opt.Quote.Greeks = &g
		s.Enriched[sym] = opt
	}
	return nil
}

func marketCloseOffset() time.Duration {
	return 15*time.Hour + 30*time.Minute
}

func phasePersist(ctx context.Context, e *Env, s *ExpiryState) error {
	if s.Flags["dry_run"] || e.Sink == nil {
		return nil
	}
	now := time.Now().UTC()
	step := s.Index.StepFor()
	rows := make([]sinks.OptionRow, 0, len(s.Enriched))
	var putOI, callOI int64
	for _, opt := range s.Enriched {
		offset := 0
		if step > 0 {
			offset = int((opt.Instrument.Strike - s.ATM) / step)
		}
		row := sinks.OptionRow{
			Timestamp:  now,
			Index:      s.Index.Symbol,
			ExpiryRule: s.Rule,
			Expiry:     s.Expiry,
			Offset:     offset,
			Strike:     opt.Instrument.Strike,
			Type:       string(opt.Instrument.Type),
			LastPrice:  opt.Quote.LastPrice,
		}
		if opt.Quote.Bid != nil {
			row.Bid = *opt.Quote.Bid
		}
		if opt.Quote.Ask != nil {
			row.Ask = *opt.Quote.Ask
		}
		if opt.Quote.Volume != nil {
			row.Volume = *opt.Quote.Volume
		}
		if opt.Quote.OI != nil {
			row.OI = *opt.Quote.OI
			if opt.Instrument.Type == provider.OptionPE {
				putOI += *opt.Quote.OI
			} else {
				callOI += *opt.Quote.OI
			}
		}
		if opt.Quote.IV != nil {
			row.IV = *opt.Quote.IV
		}
		if g := opt.Quote.Greeks; g != nil {
			row.Delta, row.Gamma, row.Theta, row.Vega = g.Delta, g.Gamma, g.Theta, g.Vega
		}
		rows = append(rows, row)
	}
	if callOI > 0 {
		s.Record.PCR = float64(putOI) / float64(callOI)
	}
	s.Record.OptionsCount = len(rows)

	if err := e.Sink.WriteOptions(ctx, rows); err != nil {
		return errs.Fatal("persist", err)
	}
	// persist precedes classify in the chain, so compute the status here for
	// the overview row; classify re-runs the same derivation for the record
	s.Record.Status = computeStatus(s)
	ov := sinks.OverviewRow{
		Cycle:          s.Cycle,
		Timestamp:      now,
		Index:          s.Index.Symbol,
		ExpiryRule:     s.Rule,
		Expiry:         s.Expiry,
		OptionsCount:   s.Record.OptionsCount,
		PCR:            s.Record.PCR,
		StrikeCoverage: s.Record.StrikeCoverage,
		FieldCoverage:  s.Record.FieldCoverage,
		Status:         s.Record.Status,
	}
	if err := e.Sink.WriteOverview(ctx, ov); err != nil {
		return errs.Fatal("persist", err)
	}
	return nil
}

func computeStatus(s *ExpiryState) string {
	switch {
	case len(s.Instruments) == 0:
		return StatusNoData
	case s.Flags["all_stale"]:
		return StatusStall
	case len(s.Enriched) == 0:
		return StatusEmpty
	case s.Record.StrikeCoverage < 0.8 || s.Flags["salvaged"]:
		return StatusDegraded
	default:
		return StatusOK
	}
}

func phaseClassify(_ context.Context, _ *Env, s *ExpiryState) error {
	s.Record.OptionsCount = len(s.Enriched)
	s.Record.Status = computeStatus(s)
	if s.Record.Status == StatusDegraded && !s.Flags["salvaged"] && s.Record.PartialReason == "" {
		s.Record.PartialReason = "low_strike_coverage"
	}
	if s.Record.Status == StatusDegraded {
		s.Record.Alerts = append(s.Record.Alerts, "coverage_degraded")
	}
	if s.Flags["salvaged"] {
		s.Record.Alerts = append(s.Record.Alerts, "expiry_salvaged")
	}
	return nil
}

func phaseSnapshot(_ context.Context, e *Env, s *ExpiryState) error {
	e.Cache.Put(s.Snapshot())
	return nil
}

func phaseSummarize(_ context.Context, e *Env, s *ExpiryState) error {
	ev := log.Info()
	if e.Settings.QuietMode {
		ev = log.Debug()
	}
	ev.Str("event", "expiry.complete").
		Str("index", s.Index.Symbol).
		Str("rule", s.Rule).
		Str("expiry", s.Expiry.Format("2006-01-02")).
		Str("status", s.Record.Status).
		Int("options", s.Record.OptionsCount).
		Float64("strike_coverage", s.Record.StrikeCoverage).
		Float64("pcr", s.Record.PCR).
		Bool("salvaged", s.Flags["salvaged"]).
		Msg("expiry complete")
	return nil
}

// SnapshotCache is the arena for expiry snapshots, keyed by explicit IDs so
// panel payloads never reference live collector state. Writers are the
// per-index worker goroutines; readers are the summary loop.
type SnapshotCache struct {
	mu    sync.Mutex
	byKey map[string]ExpirySnapshot
}

// NewSnapshotCache builds an empty cache.
func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{byKey: make(map[string]ExpirySnapshot)}
}

func cacheKey(index, rule string) string { return fmt.Sprintf("%s|%s", index, rule) }

// Put stores a snapshot under its (index, rule) ID.
func (c *SnapshotCache) Put(snap ExpirySnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey[cacheKey(snap.Index, snap.Rule)] = snap
}

// Get returns the snapshot for an (index, rule) pair.
func (c *SnapshotCache) Get(index, rule string) (ExpirySnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.byKey[cacheKey(index, rule)]
	return s, ok
}
