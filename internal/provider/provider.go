package provider

import (
	"context"
	"fmt"
	"time"
)

// ErrorCode classifies provider failures.
type ErrorCode string

const (
	ErrCodeAuth        ErrorCode = "auth"
	ErrCodeNetwork     ErrorCode = "network"
	ErrCodeRateLimit   ErrorCode = "rate_limit"
	ErrCodeMissing     ErrorCode = "missing"
	ErrCodeNoMethod    ErrorCode = "no_method"
	ErrCodeUnknownRule ErrorCode = "unknown_rule"
	ErrCodeEmptyFuture ErrorCode = "empty_future"
)

// Error is the provider-level error carrying a classification code. The
// facade maps these into the phase taxonomy; broad catches are forbidden.
type Error struct {
	Code      ErrorCode
	Op        string
	Message   string
	Temporary bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s: %s", e.Op, e.Code, e.Message)
}

// Errf builds a provider error.
func Errf(code ErrorCode, op, format string, args ...any) *Error {
	temporary := code == ErrCodeNetwork || code == ErrCodeRateLimit
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...), Temporary: temporary}
}

// Greeks holds the Black-Scholes sensitivities for an option.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

// Quote is a single option (or index) quote. Volume, OI, bid/ask and IV are
// optional; absence is counted but does not invalidate the quote.
type Quote struct {
	LastPrice float64   `json:"last_price"`
	Volume    *int64    `json:"volume,omitempty"`
	OI        *int64    `json:"oi,omitempty"`
	Bid       *float64  `json:"bid,omitempty"`
	Ask       *float64  `json:"ask,omitempty"`
	IV        *float64  `json:"iv,omitempty"`
	Greeks    *Greeks   `json:"greeks,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Valid enforces the quote invariants: non-negative last price and, when
// both sides are present, ask >= bid.
func (q Quote) Valid() bool {
	if q.LastPrice < 0 {
		return false
	}
	if q.Bid != nil && q.Ask != nil && *q.Ask < *q.Bid {
		return false
	}
	return true
}

// OptionType is CE or PE.
type OptionType string

const (
	OptionCE OptionType = "CE"
	OptionPE OptionType = "PE"
)

// Instrument identifies one listed option contract.
type Instrument struct {
	Symbol string     `json:"symbol"`
	Index  string     `json:"index"`
	Expiry time.Time  `json:"expiry"`
	Strike float64    `json:"strike"`
	Type   OptionType `json:"type"`
}

// Broker is the raw client contract the facade wraps. Real, composite and
// dummy brokers all satisfy it; capabilities declare what each supports so
// the facade never probes with dynamic attribute access.
type Broker interface {
	Name() string
	Capabilities() Capabilities
	LTP(ctx context.Context, index string) (float64, error)
	Quotes(ctx context.Context, symbols []string) (map[string]Quote, error)
	OptionInstruments(ctx context.Context, index string, expiry time.Time, strikes []float64) ([]Instrument, error)
	Expiries(ctx context.Context, index string) ([]time.Time, error)
}

// Capabilities declares what a broker variant supports.
type Capabilities struct {
	SupportsFullQuotes bool
	SupportsExpiryList bool
}

// Mode is the exported provider mode; exactly one is active.
type Mode string

const (
	ModeReal      Mode = "real"
	ModeComposite Mode = "composite"
	ModeFallback  Mode = "fallback"
)
