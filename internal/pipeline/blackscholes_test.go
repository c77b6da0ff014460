package pipeline

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g6io/g6collector/internal/provider"
)

func TestBSPriceIntrinsicAtExpiry(t *testing.T) {
	assert.Equal(t, 500.0, bsPrice(provider.OptionCE, 20500, 20000, 0, 0.2))
	assert.Equal(t, 0.0, bsPrice(provider.OptionCE, 19500, 20000, 0, 0.2))
	assert.Equal(t, 500.0, bsPrice(provider.OptionPE, 19500, 20000, 0, 0.2))
}

func TestBSPutCallParity(t *testing.T) {
	spot, strike, tYears, sigma := 20000.0, 20200.0, 30.0/365, 0.22
	call := bsPrice(provider.OptionCE, spot, strike, tYears, sigma)
	put := bsPrice(provider.OptionPE, spot, strike, tYears, sigma)
	disc := math.Exp(-riskFreeRate * tYears)
	assert.InDelta(t, spot-strike*disc, call-put, 1e-6)
}

func TestImpliedVolRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		typ    provider.OptionType
		strike float64
		sigma  float64
	}{
		{"atm call", provider.OptionCE, 20000, 0.18},
		{"otm call", provider.OptionCE, 20400, 0.25},
		{"itm put", provider.OptionPE, 20400, 0.30},
	}
	spot, tYears := 20000.0, 14.0/365
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			price := bsPrice(tc.typ, spot, tc.strike, tYears, tc.sigma)
			iv, ok := impliedVol(tc.typ, price, spot, tc.strike, tYears)
			require.True(t, ok)
			assert.InDelta(t, tc.sigma, iv, 1e-3)
		})
	}
}

func TestImpliedVolNeverNaN(t *testing.T) {
	cases := []struct {
		name                        string
		price, spot, strike, tYears float64
	}{
		{"zero price", 0, 20000, 20000, 0.1},
		{"negative price", -5, 20000, 20000, 0.1},
		{"expired", 100, 20000, 20000, 0},
		{"zero spot", 100, 0, 20000, 0.1},
		{"price above any vol", 1e9, 20000, 20000, 0.01},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			iv, ok := impliedVol(provider.OptionCE, tc.price, tc.spot, tc.strike, tc.tYears)
			assert.False(t, ok)
			assert.False(t, math.IsNaN(iv))
			assert.Zero(t, iv)
		})
	}
}

func TestGreeksSanity(t *testing.T) {
	spot, strike, tYears, sigma := 20000.0, 20000.0, 30.0/365, 0.2

	call := bsGreeks(provider.OptionCE, spot, strike, tYears, sigma)
	assert.Greater(t, call.Delta, 0.0)
	assert.Less(t, call.Delta, 1.0)
	assert.Greater(t, call.Gamma, 0.0)
	assert.Greater(t, call.Vega, 0.0)
	assert.Less(t, call.Theta, 0.0)

	put := bsGreeks(provider.OptionPE, spot, strike, tYears, sigma)
	assert.Less(t, put.Delta, 0.0)
	assert.Greater(t, put.Delta, -1.0)
	assert.InDelta(t, call.Gamma, put.Gamma, 1e-12)
	assert.InDelta(t, call.Vega, put.Vega, 1e-12)

	assert.Equal(t, provider.Greeks{}, bsGreeks(provider.OptionCE, spot, strike, 0, sigma))
}
