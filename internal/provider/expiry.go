package provider

import (
	"context"
	"sort"
	"time"
)

// Expiry rules. Anything else must parse as an ISO date (YYYY-MM-DD), which
// short-circuits resolution without consulting the provider.
const (
	RuleThisWeek  = "this_week"
	RuleNextWeek  = "next_week"
	RuleThisMonth = "this_month"
	RuleNextMonth = "next_month"
)

const isoDate = "2006-01-02"

// weeklyExpiryDay is the listed weekly expiry weekday used by the
// fabrication heuristic when the broker cannot enumerate expiries.
const weeklyExpiryDay = time.Tuesday

// marketCloseMinute gates same-day expiries: an expiry today counts only
// before this minute of the day.
const marketCloseMinute = 15*60 + 30

// ResolveExpiry translates a rule into a concrete expiry date. ISO literals
// return immediately. Otherwise the provider's expiry list is consulted,
// falling back to the fabrication heuristic when unsupported.
func (f *Facade) ResolveExpiry(ctx context.Context, index, rule string) (time.Time, error) {
	const op = "expiry.resolve"
	if d, err := time.Parse(isoDate, rule); err == nil {
		return d, nil
	}
	switch rule {
	case RuleThisWeek, RuleNextWeek, RuleThisMonth, RuleNextMonth:
	default:
		return time.Time{}, classify(op, Errf(ErrCodeUnknownRule, op, "unknown expiry rule %q", rule))
	}

	now := time.Now()
	var expiries []time.Time
	if f.primary.Capabilities().SupportsExpiryList {
		if err := f.acquire(ctx, op); err != nil {
			return time.Time{}, classify(op, err)
		}
		started := time.Now()
		list, err := f.primary.Expiries(ctx, index)
		f.recordOutcome(op, err, started, len(list))
		if err == nil {
			expiries = list
		}
	}
	if len(expiries) == 0 {
		expiries = fabricateExpiries(now)
		if f.reg != nil {
			f.reg.Inc(f.fabricated, map[string]string{"index": index, "rule": rule}, 1)
		}
	}

	d, perr := pickExpiry(rule, now, expiries)
	if perr != nil {
		return time.Time{}, classify(op, perr)
	}
	return d, nil
}

// pickExpiry applies rule semantics to a candidate list. this_week skips an
// expiry dated today when the market has already closed, and fails
// empty_future when nothing lands inside the next 7 days.
func pickExpiry(rule string, now time.Time, candidates []time.Time) (time.Time, error) {
	const op = "expiry.pick"
	future := futureExpiries(now, candidates)
	if len(future) == 0 {
		return time.Time{}, Errf(ErrCodeEmptyFuture, op, "no future expiries")
	}
	switch rule {
	case RuleThisWeek:
		cutoff := dateOf(now).AddDate(0, 0, 7)
		if !future[0].Before(cutoff) {
			return time.Time{}, Errf(ErrCodeEmptyFuture, op, "no expiry in next 7 days")
		}
		return future[0], nil
	case RuleNextWeek:
		cutoff := dateOf(now).AddDate(0, 0, 7)
		for _, d := range future {
			if !d.Before(cutoff) {
				return d, nil
			}
		}
		if len(future) > 1 {
			return future[1], nil
		}
		return time.Time{}, Errf(ErrCodeEmptyFuture, op, "no expiry beyond this week")
	case RuleThisMonth:
		var last time.Time
		for _, d := range future {
			if d.Year() == now.Year() && d.Month() == now.Month() {
				last = d
			}
		}
		if last.IsZero() {
			return time.Time{}, Errf(ErrCodeEmptyFuture, op, "no expiry left this month")
		}
		return last, nil
	case RuleNextMonth:
		nm := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, 1, 0)
		var last time.Time
		for _, d := range future {
			if d.Year() == nm.Year() && d.Month() == nm.Month() {
				last = d
			}
		}
		if last.IsZero() {
			return time.Time{}, Errf(ErrCodeEmptyFuture, op, "no expiry in next month")
		}
		return last, nil
	}
	return time.Time{}, Errf(ErrCodeUnknownRule, op, "unknown expiry rule %q", rule)
}

// futureExpiries sorts and filters candidates to today-or-later, dropping a
// same-day expiry once the market has closed.
func futureExpiries(now time.Time, candidates []time.Time) []time.Time {
	today := dateOf(now)
	minuteOfDay := now.Hour()*60 + now.Minute()
	out := make([]time.Time, 0, len(candidates))
	for _, d := range candidates {
		dd := dateOf(d)
		if dd.Before(today) {
			continue
		}
		if dd.Equal(today) && minuteOfDay >= marketCloseMinute {
			continue
		}
		out = append(out, dd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// fabricateExpiries produces a plausible ladder when the broker has no
// expiry enumeration: the next six weekly expiry days plus the monthly
// (last weekly day) of this month and the next.
func fabricateExpiries(now time.Time) []time.Time {
	var out []time.Time
	d := dateOf(now)
	for len(out) < 6 {
		if d.Weekday() == weeklyExpiryDay {
			out = append(out, d)
		}
		d = d.AddDate(0, 0, 1)
	}
	out = append(out, lastWeekdayOfMonth(now.Year(), now.Month(), weeklyExpiryDay, now.Location()))
	nm := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, 1, 0)
	out = append(out, lastWeekdayOfMonth(nm.Year(), nm.Month(), weeklyExpiryDay, now.Location()))
	return out
}

func lastWeekdayOfMonth(year int, month time.Month, wd time.Weekday, loc *time.Location) time.Time {
	d := time.Date(year, month+1, 1, 0, 0, 0, 0, loc).AddDate(0, 0, -1)
	for d.Weekday() != wd {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
