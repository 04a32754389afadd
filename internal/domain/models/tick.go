package models

import "time"

// Tick is one venue-reported price update. Epoch is the ordering key.
type Tick struct {
	Market    string
	Bid       float64
	Ask       float64
	Quote     float64
	Epoch     int64
	Timestamp time.Time
}

// NormalizedTick is a validated, deduplicated tick with derived statistics.
type NormalizedTick struct {
	Market     string  `json:"market"`
	Epoch      int64   `json:"epoch"`
	Timestamp  int64   `json:"timestamp"` // unix ms
	Bid        float64 `json:"bid"`
	Ask        float64 `json:"ask"`
	Quote      float64 `json:"quote"`
	Spread     float64 `json:"spread"`
	Volatility float64 `json:"volatility"`
}

// Time returns the tick timestamp as time.Time.
func (t NormalizedTick) Time() time.Time {
	return time.UnixMilli(t.Timestamp).UTC()
}
