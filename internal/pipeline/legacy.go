package pipeline

import (
	"context"
)

// CollectLegacy is the monolithic collection path that predates the phase
// chain. It stays authoritative in legacy and shadow modes and is the
// rollback target for primary. Same provider facade, same sink contract,
// no retries, no salvage, no greeks.
func CollectLegacy(ctx context.Context, e *Env, s *ExpiryState) error {
	expiry, err := e.Provider.ResolveExpiry(ctx, s.Index.Symbol, s.Rule)
	if err != nil {
		return err
	}
	s.Expiry = expiry
	s.advance(StateResolved)

	inst, err := e.Provider.GetOptionInstruments(ctx, s.Index.Symbol, s.Expiry, s.Strikes)
	if err != nil {
		return err
	}
	s.Instruments = inst
	if len(inst) > 0 {
		symbols := make([]string, len(inst))
		for i, in := range inst {
			symbols[i] = in.Symbol
		}
		quotes, err := e.Provider.GetQuote(ctx, s.Index.Symbol, symbols)
		if err != nil {
			return err
		}
		s.RawQuotes = quotes
	}
	s.advance(StateFetched)

	for _, in := range s.Instruments {
		q, ok := s.RawQuotes[in.Symbol]
		if !ok || !q.Valid() {
			continue
		}
		s.Enriched[in.Symbol] = EnrichedOption{Instrument: in, Quote: q}
	}
	s.advance(StateEnriched)
	s.advance(StateValidated)

	if err := phaseCoverage(ctx, e, s); err != nil {
		return err
	}
	if err := phasePersist(ctx, e, s); err != nil {
		return err
	}
	s.advance(StatePersisted)

	if err := phaseClassify(ctx, e, s); err != nil {
		return err
	}
	s.advance(StateDone)
	return nil
}

// ShadowRun executes legacy (authoritative, persisting) and the phase chain
// as a dry run, then returns the parity score of the two outcomes. The
// shadow state never writes to sinks.
func ShadowRun(ctx context.Context, d *Driver, e *Env, legacy *ExpiryState) (float64, error) {
	legacyErr := CollectLegacy(ctx, e, legacy)

	shadow := NewExpiryState(legacy.Index, legacy.Rule, legacy.Cycle, legacy.Spot, legacy.ATM, legacy.Strikes)
	shadow.Flags["dry_run"] = true
	d.Run(ctx, shadow)

	return Score(SignatureOf(legacy), SignatureOf(shadow)), legacyErr
}
