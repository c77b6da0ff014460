package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/g6io/g6collector/internal/errs"
	"github.com/g6io/g6collector/internal/metrics"
)

const (
	retryBaseBackoff = 100 * time.Millisecond
	retryMaxBackoff  = 2 * time.Second
)

// Outcome labels recorded per phase.
const (
	outcomeOK          = "ok"
	outcomeSkipped     = "skipped"
	outcomeRecoverable = "recoverable"
	outcomeAbort       = "abort"
	outcomeFatal       = "fatal"
)

// Result is what one expiry run produced.
type Result struct {
	State    *ExpiryState
	Outcome  string // outcomeOK, outcomeRecoverable, outcomeAbort, outcomeFatal
	Phase    string // phase that terminated the run, "" on success
	Err      error
	Duration time.Duration
}

// Driver walks one ExpiryState through the phase chain. Recoverable errors
// retry inside the phase, then terminate the expiry; abort terminates the
// expiry without retries; fatal bubbles up so the caller can drop the whole
// index for the cycle.
type Driver struct {
	env    *Env
	phases []Phase

	mDuration    *metrics.Handle
	mOutcomes    *metrics.Handle
	mBackoff     *metrics.Handle
	mAttempts    *metrics.Handle
	mRecoverable *metrics.Handle
	mFatal       *metrics.Handle
}

// NewDriver wires a driver over the standard phase chain.
func NewDriver(env *Env) *Driver {
	d := &Driver{env: env, phases: Phases()}
	if env.Reg != nil {
		d.mDuration = env.Reg.MustHandle("g6_pipeline_phase_duration_seconds")
		d.mOutcomes = env.Reg.MustHandle("g6_pipeline_phase_outcomes_total")
		d.mBackoff = env.Reg.MustHandle("g6_pipeline_phase_retry_backoff_seconds")
		d.mAttempts = env.Reg.MustHandle("g6_pipeline_phase_last_attempts")
		d.mRecoverable = env.Reg.MustHandle("g6_pipeline_expiry_recoverable_total")
		d.mFatal = env.Reg.MustHandle("g6_pipeline_index_fatal_total")
	}
	return d
}

// Run executes the chain. It always returns a Result; Result.Err is non-nil
// only for terminated runs.
func (d *Driver) Run(ctx context.Context, s *ExpiryState) Result {
	start := time.Now()
	for _, ph := range d.phases {
		if ph.Optional && ph.Enabled != nil && !ph.Enabled(d.env, s) {
			d.record(ph.Name, outcomeSkipped, 0, 1)
			continue
		}
		outcome, attempts, dur, err := d.runPhase(ctx, ph, s)
		// metrics first, then the outcome log
		d.record(ph.Name, outcome, dur, attempts)
		if err != nil {
			s.Errors = append(s.Errors, err)
			if outcome == outcomeFatal {
				s.advance(StateFailed)
			} else {
				s.advance(StateAborted)
			}
			d.logTermination(ph.Name, outcome, s, err)
			d.countTermination(outcome, s)
			return Result{State: s, Outcome: outcome, Phase: ph.Name, Err: err, Duration: time.Since(start)}
		}
		if ph.After != "" {
			s.advance(ph.After)
		}
	}
	return Result{State: s, Outcome: outcomeOK, Duration: time.Since(start)}
}

func (d *Driver) runPhase(ctx context.Context, ph Phase, s *ExpiryState) (outcome string, attempts int, dur time.Duration, err error) {
	max := ph.MaxAttempts
	if max < 1 {
		max = 1
	}
	start := time.Now()
	defer func() { dur = time.Since(start) }()

	for attempts = 1; attempts <= max; attempts++ {
		runCtx := ctx
		var cancel context.CancelFunc
		if ph.SoftDeadline > 0 {
			runCtx, cancel = context.WithTimeout(ctx, ph.SoftDeadline)
		}
		err = ph.Run(runCtx, d.env, s)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return outcomeOK, attempts, 0, nil
		}
		switch {
		case errs.IsAbort(err):
			return outcomeAbort, attempts, 0, err
		case errs.IsFatal(err):
			return outcomeFatal, attempts, 0, err
		}
		// recoverable: retry with exponential backoff while attempts remain
		if attempts < max {
			backoff := retryBaseBackoff << (attempts - 1)
			if backoff > retryMaxBackoff {
				backoff = retryMaxBackoff
			}
			if d.mBackoff != nil {
				d.env.Reg.Observe(d.mBackoff, map[string]string{"phase": ph.Name}, backoff.Seconds())
			}
			select {
			case <-ctx.Done():
				return outcomeRecoverable, attempts, 0, errs.Recoverable(ph.Name, ctx.Err())
			case <-time.After(backoff):
			}
		}
	}
	return outcomeRecoverable, max, 0, err
}

func (d *Driver) record(phase, outcome string, dur time.Duration, attempts int) {
	if d.mDuration == nil {
		return
	}
	labels := map[string]string{"phase": phase, "final_outcome": outcome}
	d.env.Reg.Observe(d.mDuration, labels, dur.Seconds())
	d.env.Reg.Inc(d.mOutcomes, labels, 1)
	d.env.Reg.Set(d.mAttempts, map[string]string{"phase": phase}, float64(attempts))
}

func (d *Driver) countTermination(outcome string, s *ExpiryState) {
	if d.mRecoverable == nil {
		return
	}
	labels := map[string]string{"index": s.Index.Symbol}
	switch outcome {
	case outcomeRecoverable, outcomeAbort:
		d.env.Reg.Inc(d.mRecoverable, labels, 1)
	case outcomeFatal:
		d.env.Reg.Inc(d.mFatal, labels, 1)
	}
}

func (d *Driver) logTermination(phase, outcome string, s *ExpiryState, err error) {
	ev := log.Warn()
	if outcome == outcomeFatal {
		ev = log.Error()
	}
	ev.Str("event", "pipeline.expiry.terminated").
		Str("index", s.Index.Symbol).
		Str("rule", s.Rule).
		Str("phase", phase).
		Str("outcome", outcome).
		Str("state", string(s.State)).
		Err(err).
		Msg("expiry terminated")
}
