package sinks

import (
	"context"
	"time"
)

// OptionRow is the uniform row contract shared by every sink. Schema is
// additive: new columns append, existing columns are never repurposed.
type OptionRow struct {
	Timestamp  time.Time `json:"timestamp" db:"ts"`
	Index      string    `json:"index" db:"index_symbol"`
	ExpiryRule string    `json:"expiry_rule" db:"expiry_rule"`
	Expiry     time.Time `json:"expiry" db:"expiry"`
	Offset     int       `json:"offset" db:"strike_offset"` // strike steps from ATM
	Strike     float64   `json:"strike" db:"strike"`
	Type       string    `json:"type" db:"option_type"` // CE | PE
	LastPrice  float64   `json:"last_price" db:"last_price"`
	Bid        float64   `json:"bid" db:"bid"`
	Ask        float64   `json:"ask" db:"ask"`
	Volume     int64     `json:"volume" db:"volume"`
	OI         int64     `json:"oi" db:"oi"`
	IV         float64   `json:"iv" db:"iv"`
	Delta      float64   `json:"delta" db:"delta"`
	Gamma      float64   `json:"gamma" db:"gamma"`
	Theta      float64   `json:"theta" db:"theta"`
	Vega       float64   `json:"vega" db:"vega"`
}

// OverviewRow aggregates one (index, expiry, cycle).
type OverviewRow struct {
	Cycle          int64     `json:"cycle" db:"cycle"`
	Timestamp      time.Time `json:"timestamp" db:"ts"`
	Index          string    `json:"index" db:"index_symbol"`
	ExpiryRule     string    `json:"expiry_rule" db:"expiry_rule"`
	Expiry         time.Time `json:"expiry" db:"expiry"`
	OptionsCount   int       `json:"options_count" db:"options_count"`
	PCR            float64   `json:"pcr" db:"pcr"` // put/call OI ratio
	StrikeCoverage float64   `json:"strike_coverage" db:"strike_coverage"`
	FieldCoverage  float64   `json:"field_coverage" db:"field_coverage"`
	Status         string    `json:"status" db:"status"`
}

// Sink persists per-cycle option rows and aggregated overviews. A write
// failure is fatal for the expiry, not the cycle.
type Sink interface {
	Name() string
	WriteOptions(ctx context.Context, rows []OptionRow) error
	WriteOverview(ctx context.Context, ov OverviewRow) error
	Close() error
}

// Multi fans writes out to every configured sink and returns the first
// error. Remaining sinks still receive the write.
type Multi struct {
	sinks []Sink
}

// NewMulti composes sinks; nil entries are skipped.
func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *Multi) Name() string { return "multi" }

func (m *Multi) WriteOptions(ctx context.Context, rows []OptionRow) error {
	var first error
	for _, s := range m.sinks {
		if err := s.WriteOptions(ctx, rows); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *Multi) WriteOverview(ctx context.Context, ov OverviewRow) error {
	var first error
	for _, s := range m.sinks {
		if err := s.WriteOverview(ctx, ov); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *Multi) Close() error {
	var first error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
