package provider

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/g6io/g6collector/internal/errs"
	"github.com/g6io/g6collector/internal/metrics"
)

// maxBucketWait bounds how long a caller blocks on the token bucket before
// the call fails with rate_limit.
const maxBucketWait = 2 * time.Second

// FacadeConfig tunes the facade.
type FacadeConfig struct {
	RPS             float64
	Burst           int
	OutageThreshold int
	OutageLogEvery  int
	Events          bool // structured provider.* event log
}

// Facade is the uniform option/quote/expiry API over a primary broker with
// an optional fallback. It owns the shared rate limiter, the circuit
// breaker around quote calls, and graceful degradation to synthetic quotes.
type Facade struct {
	primary  Broker
	fallback Broker // may be nil
	cfg      FacadeConfig

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	reg          *metrics.Registry
	modeGauge    *metrics.Handle
	errorCounter *metrics.Handle
	quoteFb      *metrics.Handle
	fabricated   *metrics.Handle

	mu           sync.Mutex
	consecFails  int
	outageLogged int
	mode         Mode
}

// NewFacade wires the facade over its brokers and resolves metric handles.
func NewFacade(primary, fallback Broker, cfg FacadeConfig, reg *metrics.Registry) *Facade {
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RPS) * 2
	}
	if cfg.OutageThreshold <= 0 {
		cfg.OutageThreshold = 3
	}
	f := &Facade{
		primary:  primary,
		fallback: fallback,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		reg:      reg,
	}
	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "provider_quotes",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return int(c.ConsecutiveFailures) >= cfg.OutageThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("provider breaker state change")
		},
	})
	if reg != nil {
		f.modeGauge = reg.MustHandle("g6_provider_mode")
		f.errorCounter = reg.MustHandle("g6_provider_errors_total")
		f.quoteFb = reg.MustHandle("g6_quote_fallback_total")
		f.fabricated = reg.MustHandle("g6_expiry_fabricated_total")
	}
	f.setMode(f.baseMode())
	return f
}

func (f *Facade) baseMode() Mode {
	if f.fallback != nil {
		return ModeComposite
	}
	return ModeReal
}

// Mode returns the current provider mode.
func (f *Facade) Mode() Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func (f *Facade) setMode(m Mode) {
	f.mu.Lock()
	f.mode = m
	f.mu.Unlock()
	if f.reg == nil {
		return
	}
	for _, candidate := range []Mode{ModeReal, ModeComposite, ModeFallback} {
		v := 0.0
		if candidate == m {
			v = 1.0
		}
		f.reg.Set(f.modeGauge, map[string]string{"mode": string(candidate)}, v)
	}
}

// acquire takes one token from the shared bucket, blocking up to
// maxBucketWait before failing rate_limit.
func (f *Facade) acquire(ctx context.Context, op string) error {
	wctx, cancel := context.WithTimeout(ctx, maxBucketWait)
	defer cancel()
	if err := f.limiter.Wait(wctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return Errf(ErrCodeRateLimit, op, "token bucket exhausted")
	}
	return nil
}

func (f *Facade) recordOutcome(op string, err error, started time.Time, size int) {
	if err == nil {
		f.mu.Lock()
		f.consecFails = 0
		f.outageLogged = 0
		degraded := f.mode == ModeFallback
		f.mu.Unlock()
		if degraded {
			f.setMode(f.baseMode())
		}
		f.event(op, "ok", started, size)
		return
	}
	code := ErrCodeNetwork
	var pe *Error
	if AsError(err, &pe) {
		code = pe.Code
	}
	if f.reg != nil {
		f.reg.Inc(f.errorCounter, map[string]string{"code": string(code)}, 1)
	}
	f.mu.Lock()
	f.consecFails++
	fails := f.consecFails
	logIt := f.cfg.OutageLogEvery <= 0 || fails%max(1, f.cfg.OutageLogEvery) == 1 || fails == f.cfg.OutageThreshold
	f.mu.Unlock()
	if fails >= f.cfg.OutageThreshold {
		f.setMode(ModeFallback)
	}
	if logIt {
		log.Warn().Str("op", op).Str("code", string(code)).Int("consecutive", fails).Msg("provider call failed")
	}
	f.event(op, "fail", started, size)
}

// event emits one provider.<domain>.<action>.<outcome> structured line.
func (f *Facade) event(op, outcome string, started time.Time, size int) {
	if !f.cfg.Events {
		return
	}
	log.Info().
		Str("event", "provider."+op+"."+outcome).
		Float64("latency_ms", float64(time.Since(started).Microseconds())/1000.0).
		Int("size", size).
		Msg("provider event")
}

// OutageActive reports whether consecutive failures crossed the threshold.
func (f *Facade) OutageActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consecFails >= f.cfg.OutageThreshold
}

// GetLTP returns the index spot through the rate limiter.
func (f *Facade) GetLTP(ctx context.Context, index string) (float64, error) {
	const op = "ltp.fetch"
	if err := f.acquire(ctx, op); err != nil {
		return 0, classify(op, err)
	}
	started := time.Now()
	ltp, err := f.primary.LTP(ctx, index)
	if err != nil && f.fallback != nil {
		ltp, err = f.fallback.LTP(ctx, index)
	}
	f.recordOutcome(op, err, started, 1)
	if err != nil {
		return 0, classify(op, err)
	}
	return ltp, nil
}

// GetQuote fetches quotes for symbols. When the real call fails the facade
// synthesizes a minimal quote map from LTP so downstream phases keep
// progressing; every synthesis counts in g6_quote_fallback_total.
func (f *Facade) GetQuote(ctx context.Context, index string, symbols []string) (map[string]Quote, error) {
	const op = "quote.fetch"
	if len(symbols) == 0 {
		return map[string]Quote{}, nil
	}
	if err := f.acquire(ctx, op); err != nil {
		return nil, classify(op, err)
	}
	started := time.Now()
	res, err := f.breaker.Execute(func() (any, error) {
		return f.primary.Quotes(ctx, symbols)
	})
	if err == nil {
		quotes := res.(map[string]Quote)
		f.recordOutcome(op, nil, started, len(quotes))
		return quotes, nil
	}

	if f.fallback != nil {
		if quotes, ferr := f.fallback.Quotes(ctx, symbols); ferr == nil {
			if f.reg != nil {
				f.reg.Inc(f.quoteFb, map[string]string{"path": "secondary"}, 1)
			}
			f.recordOutcome(op, nil, started, len(quotes))
			return quotes, nil
		}
	}

	// last resort: flat synthesis from LTP keeps the pipeline moving
	if ltp, lerr := f.primary.LTP(ctx, index); lerr == nil {
		if f.reg != nil {
			f.reg.Inc(f.quoteFb, map[string]string{"path": "ltp_synth"}, 1)
		}
		now := time.Now().UTC()
		quotes := make(map[string]Quote, len(symbols))
		for _, sym := range symbols {
			quotes[sym] = Quote{LastPrice: ltp * 0.01, Timestamp: now}
		}
		f.recordOutcome(op, err, started, len(quotes))
		return quotes, nil
	}

	f.recordOutcome(op, err, started, 0)
	return nil, classify(op, err)
}

// GetOptionInstruments returns the option contracts for a strike window.
// An empty result is not an error; the caller decides.
func (f *Facade) GetOptionInstruments(ctx context.Context, index string, expiry time.Time, strikes []float64) ([]Instrument, error) {
	const op = "instruments.fetch"
	if err := f.acquire(ctx, op); err != nil {
		return nil, classify(op, err)
	}
	started := time.Now()
	inst, err := f.primary.OptionInstruments(ctx, index, expiry, strikes)
	if err != nil && f.fallback != nil {
		inst, err = f.fallback.OptionInstruments(ctx, index, expiry, strikes)
	}
	f.recordOutcome(op, err, started, len(inst))
	if err != nil {
		return nil, classify(op, err)
	}
	return inst, nil
}

// AsError is errors.As specialised for *Error.
func AsError(err error, target **Error) bool {
	for err != nil {
		if pe, ok := err.(*Error); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// classify maps provider errors into the phase taxonomy. Auth, network and
// rate-limit failures are recoverable (cycles continue degraded); anything
// unrecognized wraps fatal.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if AsError(err, &pe) {
		switch pe.Code {
		case ErrCodeAuth, ErrCodeNetwork, ErrCodeRateLimit, ErrCodeMissing, ErrCodeEmptyFuture:
			return errs.Recoverable(op, err)
		case ErrCodeNoMethod, ErrCodeUnknownRule:
			return errs.Abort(op, pe.Message)
		}
	}
	if err == context.DeadlineExceeded || err == context.Canceled {
		return errs.Recoverable(op, err)
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return errs.Recoverable(op, err)
	}
	return errs.Classify(op, err)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
