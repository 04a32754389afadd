package features

import "math"

// SecondsPerYear annualizes per-tick statistics for venues that tick about once a second.
const SecondsPerYear = 365 * 24 * 60 * 60

// Returns computes simple returns r_t = p_t/p_{t-1} - 1.
// It returns a slice of length len(prices)-1, or nil if insufficient data.
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		prev := prices[i-1]
		if prev <= 0 || prices[i] <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, prices[i]/prev-1)
	}
	return out
}

// RealizedVolatility computes annualized volatility over the trailing window
// of returns. Returns 0 until window returns are available.
func RealizedVolatility(returns []float64, window int, periodsPerYear float64) float64 {
	if window <= 1 || len(returns) < window {
		return 0
	}
	sum := 0.0
	sum2 := 0.0
	for i := len(returns) - window; i < len(returns); i++ {
		r := returns[i]
		sum += r
		sum2 += r * r
	}
	n := float64(window)
	mean := sum / n
	variance := (sum2 - n*mean*mean) / (n - 1)
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance * periodsPerYear)
}
