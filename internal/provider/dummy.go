package provider

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"
)

// OptionSymbol builds the canonical contract symbol used across the
// collector: INDEX|YYYY-MM-DD|STRIKE|CE/PE.
func OptionSymbol(index string, expiry time.Time, strike float64, typ OptionType) string {
	return fmt.Sprintf("%s|%s|%d|%s", strings.ToUpper(index), expiry.Format(isoDate), int(strike), typ)
}

// ParseOptionSymbol reverses OptionSymbol; used by salvage and sinks.
func ParseOptionSymbol(sym string) (index string, expiry time.Time, strike float64, typ OptionType, err error) {
	parts := strings.Split(sym, "|")
	if len(parts) != 4 {
		return "", time.Time{}, 0, "", fmt.Errorf("bad option symbol %q", sym)
	}
	expiry, err = time.Parse(isoDate, parts[1])
	if err != nil {
		return "", time.Time{}, 0, "", fmt.Errorf("bad expiry in symbol %q", sym)
	}
	var strikeInt int
	if _, err = fmt.Sscanf(parts[2], "%d", &strikeInt); err != nil {
		return "", time.Time{}, 0, "", fmt.Errorf("bad strike in symbol %q", sym)
	}
	return parts[0], expiry, float64(strikeInt), OptionType(parts[3]), nil
}

// DummyBroker is the deterministic synthetic market used when no real
// broker credentials are configured, and throughout tests. Prices derive
// from a symbol hash so runs are reproducible.
type DummyBroker struct {
	Spots map[string]float64 // base spot per index
	Clock func() time.Time
}

// NewDummyBroker seeds the common indices.
func NewDummyBroker() *DummyBroker {
	return &DummyBroker{
		Spots: map[string]float64{
			"NIFTY":     20000,
			"BANKNIFTY": 45000,
			"FINNIFTY":  21000,
		},
		Clock: time.Now,
	}
}

func (d *DummyBroker) Name() string { return "dummy" }

func (d *DummyBroker) Capabilities() Capabilities {
	return Capabilities{SupportsFullQuotes: true, SupportsExpiryList: true}
}

// LTP drifts the base spot with a slow sinusoid so consecutive cycles move.
func (d *DummyBroker) LTP(_ context.Context, index string) (float64, error) {
	base, ok := d.Spots[strings.ToUpper(index)]
	if !ok {
		return 0, Errf(ErrCodeMissing, "ltp.fetch", "unknown index %q", index)
	}
	t := float64(d.Clock().Unix()%3600) / 3600.0
	return base * (1 + 0.002*math.Sin(2*math.Pi*t)), nil
}

func (d *DummyBroker) Quotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	now := d.Clock().UTC()
	out := make(map[string]Quote, len(symbols))
	for _, sym := range symbols {
		index, expiry, strike, typ, err := ParseOptionSymbol(sym)
		if err != nil {
			continue // malformed symbols simply yield no quote
		}
		spot, err := d.LTP(ctx, index)
		if err != nil {
			continue
		}
		out[sym] = d.syntheticQuote(sym, spot, strike, typ, expiry, now)
	}
	return out, nil
}

func (d *DummyBroker) syntheticQuote(sym string, spot, strike float64, typ OptionType, expiry time.Time, now time.Time) Quote {
	intrinsic := spot - strike
	if typ == OptionPE {
		intrinsic = strike - spot
	}
	if intrinsic < 0 {
		intrinsic = 0
	}
	days := expiry.Sub(now).Hours() / 24
	if days < 0.5 {
		days = 0.5
	}
	timeValue := spot * 0.004 * math.Sqrt(days/7)
	price := intrinsic + timeValue

	h := fnv.New32a()
	h.Write([]byte(sym))
	jitter := float64(h.Sum32()%1000) / 1000.0

	vol := int64(1000 + h.Sum32()%50000)
	oi := int64(5000 + h.Sum32()%200000)
	bid := price * (1 - 0.001 - jitter*0.001)
	ask := price * (1 + 0.001 + jitter*0.001)
	q := Quote{
		LastPrice: price,
		Volume:    &vol,
		OI:        &oi,
		Bid:       &bid,
		Ask:       &ask,
		Timestamp: now,
	}
	// roughly a tenth of quotes arrive without volume/oi, matching the
	// missing-field handling real feeds require
	if jitter > 0.9 {
		q.Volume = nil
		q.OI = nil
	}
	return q
}

func (d *DummyBroker) OptionInstruments(_ context.Context, index string, expiry time.Time, strikes []float64) ([]Instrument, error) {
	out := make([]Instrument, 0, len(strikes)*2)
	for _, strike := range strikes {
		for _, typ := range []OptionType{OptionCE, OptionPE} {
			out = append(out, Instrument{
				Symbol: OptionSymbol(index, expiry, strike, typ),
				Index:  strings.ToUpper(index),
				Expiry: expiry,
				Strike: strike,
				Type:   typ,
			})
		}
	}
	return out, nil
}

func (d *DummyBroker) Expiries(_ context.Context, _ string) ([]time.Time, error) {
	return fabricateExpiries(d.Clock()), nil
}
