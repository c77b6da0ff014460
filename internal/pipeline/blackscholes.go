package pipeline

import (
	"math"

	"github.com/g6io/g6collector/internal/provider"
)

// Risk-free rate used for IV/greeks. Matching the broker's published
// methodology is out of scope; a flat rate keeps signatures deterministic.
const riskFreeRate = 0.065

const (
	ivMaxIterations = 50
	ivTolerance     = 1e-5
	ivFloor         = 0.01
	ivCeiling       = 5.0
)

func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

// bsPrice returns the Black-Scholes option price.
func bsPrice(typ provider.OptionType, spot, strike, tYears, sigma float64) float64 {
	if tYears <= 0 || sigma <= 0 {
		// at expiry only intrinsic remains
		if typ == provider.OptionCE {
			return math.Max(spot-strike, 0)
		}
		return math.Max(strike-spot, 0)
	}
	d1 := (math.Log(spot/strike) + (riskFreeRate+0.5*sigma*sigma)*tYears) / (sigma * math.Sqrt(tYears))
	d2 := d1 - sigma*math.Sqrt(tYears)
	disc := math.Exp(-riskFreeRate * tYears)
	if typ == provider.OptionCE {
		return spot*normCDF(d1) - strike*disc*normCDF(d2)
	}
	return strike*disc*normCDF(-d2) - spot*normCDF(-d1)
}

func bsVega(spot, strike, tYears, sigma float64) float64 {
	if tYears <= 0 || sigma <= 0 {
		return 0
	}
	d1 := (math.Log(spot/strike) + (riskFreeRate+0.5*sigma*sigma)*tYears) / (sigma * math.Sqrt(tYears))
	return spot * normPDF(d1) * math.Sqrt(tYears)
}

// impliedVol solves for IV with bounded Newton-Raphson. It either converges
// within ivMaxIterations or reports failure; it never returns NaN.
func impliedVol(typ provider.OptionType, price, spot, strike, tYears float64) (float64, bool) {
	if price <= 0 || spot <= 0 || strike <= 0 || tYears <= 0 {
		return 0, false
	}
	sigma := 0.3
	for i := 0; i < ivMaxIterations; i++ {
		model := bsPrice(typ, spot, strike, tYears, sigma)
		diff := model - price
		if math.Abs(diff) < ivTolerance {
			return sigma, true
		}
		vega := bsVega(spot, strike, tYears, sigma)
		if vega < 1e-10 {
			return 0, false
		}
		sigma -= diff / vega
		if math.IsNaN(sigma) || math.IsInf(sigma, 0) {
			return 0, false
		}
		if sigma < ivFloor {
			sigma = ivFloor
		}
		if sigma > ivCeiling {
			sigma = ivCeiling
		}
	}
	return 0, false
}

// bsGreeks computes delta/gamma/theta/vega at the resolved IV.
func bsGreeks(typ provider.OptionType, spot, strike, tYears, sigma float64) provider.Greeks {
	if tYears <= 0 || sigma <= 0 {
		return provider.Greeks{}
	}
	sqrtT := math.Sqrt(tYears)
	d1 := (math.Log(spot/strike) + (riskFreeRate+0.5*sigma*sigma)*tYears) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT
	disc := math.Exp(-riskFreeRate * tYears)

	gamma := normPDF(d1) / (spot * sigma * sqrtT)
	vega := spot * normPDF(d1) * sqrtT / 100 // per vol point

	var delta, theta float64
	if typ == provider.OptionCE {
		delta = normCDF(d1)
		theta = (-spot*normPDF(d1)*sigma/(2*sqrtT) - riskFreeRate*strike*disc*normCDF(d2)) / 365
	} else {
		delta = normCDF(d1) - 1
		theta = (-spot*normPDF(d1)*sigma/(2*sqrtT) + riskFreeRate*strike*disc*normCDF(-d2)) / 365
	}
	return provider.Greeks{Delta: delta, Gamma: gamma, Theta: theta, Vega: vega}
}
