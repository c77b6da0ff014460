package pipeline

import (
	"time"

	"github.com/g6io/g6collector/internal/config"
	"github.com/g6io/g6collector/internal/provider"
)

// StateName tracks pipeline progress. Transitions are unidirectional:
// INIT → RESOLVED → FETCHED → ENRICHED → VALIDATED → PERSISTED → DONE,
// with ABORTED and FAILED terminal on error.
type StateName string

const (
	StateInit      StateName = "INIT"
	StateResolved  StateName = "RESOLVED"
	StateFetched   StateName = "FETCHED"
	StateEnriched  StateName = "ENRICHED"
	StateValidated StateName = "VALIDATED"
	StatePersisted StateName = "PERSISTED"
	StateDone      StateName = "DONE"
	StateAborted   StateName = "ABORTED"
	StateFailed    StateName = "FAILED"
)

// Expiry record statuses assigned by the classify phase.
const (
	StatusOK       = "OK"
	StatusDegraded = "DEGRADED"
	StatusStall    = "STALL"
	StatusNoData   = "NO_DATA"
	StatusEmpty    = "EMPTY"
)

// EnrichedOption joins an instrument with its quote.
type EnrichedOption struct {
	Instrument provider.Instrument
	Quote      provider.Quote
}

// ExpiryRecord is the classified outcome of one (index, expiry) run.
type ExpiryRecord struct {
	Status         string   `json:"status"`
	OptionsCount   int      `json:"options_count"`
	StrikeCoverage float64  `json:"strike_coverage"`
	FieldCoverage  float64  `json:"field_coverage"`
	PCR            float64  `json:"pcr"`
	Alerts         []string `json:"alerts,omitempty"`
	PartialReason  string   `json:"partial_reason,omitempty"`
}

// ExpirySnapshot is the plain-data snapshot the cache keeps when
// auto_snapshots is on. It holds no references back into collector state.
type ExpirySnapshot struct {
	Index     string       `json:"index"`
	Rule      string       `json:"rule"`
	Expiry    string       `json:"expiry"`
	Cycle     int64        `json:"cycle"`
	TakenAt   time.Time    `json:"taken_at"`
	Record    ExpiryRecord `json:"record"`
	ATM       float64      `json:"atm"`
	Spot      float64      `json:"spot"`
	Salvaged  bool         `json:"salvaged"`
}

// ExpiryState carries one (index, expiry) through the phase chain. Created
// at pipeline entry, mutated by phases, consumed by the aggregator and
// discarded; nothing survives across cycles except metrics.
type ExpiryState struct {
	Index config.IndexParams
	Rule  string
	Cycle int64

	Spot    float64
	ATM     float64
	Strikes []float64

	Expiry      time.Time
	Instruments []provider.Instrument
	RawQuotes   map[string]provider.Quote
	Enriched    map[string]EnrichedOption

	Record ExpiryRecord
	Errors []error
	Flags  map[string]bool

	State StateName
}

// NewExpiryState seeds a state at INIT.
func NewExpiryState(idx config.IndexParams, rule string, cycle int64, spot, atm float64, strikes []float64) *ExpiryState {
	return &ExpiryState{
		Index:    idx,
		Rule:     rule,
		Cycle:    cycle,
		Spot:     spot,
		ATM:      atm,
		Strikes:  strikes,
		RawQuotes: map[string]provider.Quote{},
		Enriched: map[string]EnrichedOption{},
		Flags:    map[string]bool{},
		State:    StateInit,
	}
}

// advance moves the state forward. Backward moves are ignored; salvage and
// friends set flags, never state names.
func (s *ExpiryState) advance(next StateName) {
	if rank(next) > rank(s.State) {
		s.State = next
	}
}

func rank(n StateName) int {
	switch n {
	case StateInit:
		return 0
	case StateResolved:
		return 1
	case StateFetched:
		return 2
	case StateEnriched:
		return 3
	case StateValidated:
		return 4
	case StatePersisted:
		return 5
	case StateDone:
		return 6
	case StateAborted, StateFailed:
		return 7
	}
	return -1
}

// Snapshot builds the plain-data snapshot for caches.
func (s *ExpiryState) Snapshot() ExpirySnapshot {
	return ExpirySnapshot{
		Index:    s.Index.Symbol,
		Rule:     s.Rule,
		Expiry:   s.Expiry.Format("2006-01-02"),
		Cycle:    s.Cycle,
		TakenAt:  time.Now().UTC(),
		Record:   s.Record,
		ATM:      s.ATM,
		Spot:     s.Spot,
		Salvaged: s.Flags["salvaged"],
	}
}
