package provider

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g6io/g6collector/internal/errs"
	"github.com/g6io/g6collector/internal/metrics"
)

// flakyBroker fails selected operations; everything else delegates to the
// dummy broker.
type flakyBroker struct {
	*DummyBroker
	failQuotes bool
	failLTP    bool
}

func (f *flakyBroker) Quotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	if f.failQuotes {
		return nil, Errf(ErrCodeNetwork, "quote.fetch", "connection reset")
	}
	return f.DummyBroker.Quotes(ctx, symbols)
}

func (f *flakyBroker) LTP(ctx context.Context, index string) (float64, error) {
	if f.failLTP {
		return 0, Errf(ErrCodeNetwork, "ltp.fetch", "connection reset")
	}
	return f.DummyBroker.LTP(ctx, index)
}

func testRegistry(t *testing.T) *metrics.Registry {
	t.Helper()
	r, err := metrics.NewRegistry(metrics.Options{})
	require.NoError(t, err)
	return r
}

func testSymbols() []string {
	expiry := time.Now().UTC().AddDate(0, 0, 7)
	return []string{
		OptionSymbol("NIFTY", expiry, 20000, OptionCE),
		OptionSymbol("NIFTY", expiry, 20000, OptionPE),
	}
}

func TestFacadeModeGauge(t *testing.T) {
	reg := testRegistry(t)

	t.Run("composite with fallback", func(t *testing.T) {
		f := NewFacade(NewDummyBroker(), NewDummyBroker(), FacadeConfig{RPS: 100}, reg)
		assert.Equal(t, ModeComposite, f.Mode())
		assert.Equal(t, 1.0, reg.GaugeValue("g6_provider_mode", map[string]string{"mode": "composite"}))
		assert.Equal(t, 0.0, reg.GaugeValue("g6_provider_mode", map[string]string{"mode": "real"}))
	})
	t.Run("real without fallback", func(t *testing.T) {
		f := NewFacade(NewDummyBroker(), nil, FacadeConfig{RPS: 100}, nil)
		assert.Equal(t, ModeReal, f.Mode())
	})
}

func TestGetQuoteSecondaryFallback(t *testing.T) {
	reg := testRegistry(t)
	primary := &flakyBroker{DummyBroker: NewDummyBroker(), failQuotes: true}
	f := NewFacade(primary, NewDummyBroker(), FacadeConfig{RPS: 100, OutageThreshold: 10}, reg)

	quotes, err := f.GetQuote(context.Background(), "NIFTY", testSymbols())
	require.NoError(t, err)
	assert.Len(t, quotes, 2)
	assert.Equal(t, 1.0, reg.CounterValue("g6_quote_fallback_total", map[string]string{"path": "secondary"}))
}

func TestGetQuoteLTPSynthesis(t *testing.T) {
	reg := testRegistry(t)
	primary := &flakyBroker{DummyBroker: NewDummyBroker(), failQuotes: true}
	f := NewFacade(primary, nil, FacadeConfig{RPS: 100, OutageThreshold: 10}, reg)

	symbols := testSymbols()
	quotes, err := f.GetQuote(context.Background(), "NIFTY", symbols)
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	assert.Equal(t, 1.0, reg.CounterValue("g6_quote_fallback_total", map[string]string{"path": "ltp_synth"}))

	spot, err := primary.DummyBroker.LTP(context.Background(), "NIFTY")
	require.NoError(t, err)
	for _, q := range quotes {
		assert.InDelta(t, spot*0.01, q.LastPrice, spot*0.001)
	}
}

func TestOutageFlipsToFallbackModeAndRecovers(t *testing.T) {
	reg := testRegistry(t)
	primary := &flakyBroker{DummyBroker: NewDummyBroker(), failQuotes: true, failLTP: true}
	f := NewFacade(primary, nil, FacadeConfig{RPS: 100, OutageThreshold: 2}, reg)

	for i := 0; i < 2; i++ {
		_, err := f.GetQuote(context.Background(), "NIFTY", testSymbols())
		require.Error(t, err)
		assert.True(t, errs.IsRecoverable(err))
	}
	assert.True(t, f.OutageActive())
	assert.Equal(t, ModeFallback, f.Mode())

	// recovery through a non-breaker path restores the base mode
	primary.failQuotes = false
	primary.failLTP = false
	_, err := f.GetLTP(context.Background(), "NIFTY")
	require.NoError(t, err)
	assert.False(t, f.OutageActive())
	assert.Equal(t, ModeReal, f.Mode())
}

func TestRecordOutcomeConcurrentWithModeReads(t *testing.T) {
	f := NewFacade(NewDummyBroker(), nil, FacadeConfig{RPS: 100, OutageThreshold: 2}, nil)

	var wg sync.WaitGroup
	started := time.Now()
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < 200; n++ {
				if i%2 == 0 {
					f.recordOutcome("quote.fetch", Errf(ErrCodeNetwork, "quote.fetch", "reset"), started, 0)
				} else {
					f.recordOutcome("quote.fetch", nil, started, 1)
				}
				_ = f.Mode()
			}
		}(i)
	}
	wg.Wait()

	f.recordOutcome("quote.fetch", nil, started, 1)
	assert.Equal(t, ModeReal, f.Mode())
	assert.False(t, f.OutageActive())
}

func TestGetQuoteEmptySymbols(t *testing.T) {
	f := NewFacade(NewDummyBroker(), nil, FacadeConfig{RPS: 100}, nil)
	quotes, err := f.GetQuote(context.Background(), "NIFTY", nil)
	require.NoError(t, err)
	assert.Empty(t, quotes)
}

func TestGetOptionInstrumentsEmptyNotError(t *testing.T) {
	f := NewFacade(NewDummyBroker(), nil, FacadeConfig{RPS: 100}, nil)
	inst, err := f.GetOptionInstruments(context.Background(), "NIFTY", time.Now().AddDate(0, 0, 7), nil)
	require.NoError(t, err)
	assert.Empty(t, inst)
}

func TestResolveExpiryISOShortCircuit(t *testing.T) {
	f := NewFacade(NewDummyBroker(), nil, FacadeConfig{RPS: 100}, nil)
	got, err := f.ResolveExpiry(context.Background(), "NIFTY", "2026-12-29")
	require.NoError(t, err)
	assert.Equal(t, date(2026, 12, 29), got)
}

func TestResolveExpiryUnknownRuleAborts(t *testing.T) {
	f := NewFacade(NewDummyBroker(), nil, FacadeConfig{RPS: 100}, nil)
	_, err := f.ResolveExpiry(context.Background(), "NIFTY", "someday")
	require.Error(t, err)
	assert.True(t, errs.IsAbort(err))
}

func TestClassifyMapping(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"auth recoverable", Errf(ErrCodeAuth, "op", "expired"), errs.IsRecoverable},
		{"network recoverable", Errf(ErrCodeNetwork, "op", "reset"), errs.IsRecoverable},
		{"rate limit recoverable", Errf(ErrCodeRateLimit, "op", "bucket"), errs.IsRecoverable},
		{"no method aborts", Errf(ErrCodeNoMethod, "op", "unsupported"), errs.IsAbort},
		{"unknown rule aborts", Errf(ErrCodeUnknownRule, "op", "bad rule"), errs.IsAbort},
		{"context recoverable", context.DeadlineExceeded, errs.IsRecoverable},
		{"unknown fatal", assert.AnError, errs.IsFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, tc.check(classify("op", tc.err)))
		})
	}
}

func TestDummyQuotesValid(t *testing.T) {
	b := NewDummyBroker()
	quotes, err := b.Quotes(context.Background(), testSymbols())
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	for sym, q := range quotes {
		assert.True(t, q.Valid(), sym)
		assert.Greater(t, q.LastPrice, 0.0)
	}
}
