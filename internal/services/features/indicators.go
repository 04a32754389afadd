package features

import (
	"math"

	"github.com/markcheno/go-talib"

	"TradePipe/internal/domain/models"
)

const (
	RSIPeriod        = 14
	EMAFastPeriod    = 9
	EMASlowPeriod    = 21
	MomentumPeriod   = 10
	VolatilityWindow = 20

	// MinSamples is the shortest history every indicator is defined on.
	MinSamples = EMASlowPeriod + 1
)

// Compute derives the indicator snapshot from a price history, oldest first.
// ok is false when the history is shorter than MinSamples.
func Compute(prices []float64) (f models.Features, ok bool) {
	if len(prices) < MinSamples {
		return models.Features{}, false
	}
	f.RSI = RSI(prices, RSIPeriod)
	f.EMAFast = last(talib.Ema(prices, EMAFastPeriod))
	f.EMASlow = last(talib.Ema(prices, EMASlowPeriod))
	f.Momentum = last(talib.Roc(prices, MomentumPeriod))
	f.Volatility = ReturnsStdDev(prices, VolatilityWindow)
	return f, true
}

// RSI is Wilder's RSI. A window without any movement reads 50.
func RSI(prices []float64, period int) float64 {
	if len(prices) <= period {
		return 50
	}
	flat := true
	for i := len(prices) - period; i < len(prices); i++ {
		if prices[i] != prices[i-1] {
			flat = false
			break
		}
	}
	if flat {
		return 50
	}
	return last(talib.Rsi(prices, period))
}

// ReturnsStdDev is the population stdev of the last window simple returns.
func ReturnsStdDev(prices []float64, window int) float64 {
	rets := Returns(prices)
	if len(rets) < window {
		window = len(rets)
	}
	if window < 2 {
		return 0
	}
	return last(talib.StdDev(rets[len(rets)-window:], window, 1))
}

// LastChange returns the most recent price delta.
func LastChange(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}
	return prices[len(prices)-1] - prices[len(prices)-2]
}

func last(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	x := v[len(v)-1]
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return x
}
