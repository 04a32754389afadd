package models

import "time"

type SignalType string

const (
	SignalCall SignalType = "CALL"
	SignalPut  SignalType = "PUT"
)

// Rule reasons attached to generated signals.
const (
	ReasonRSIOversold   = "RSI_OVERSOLD"
	ReasonRSIOverbought = "RSI_OVERBOUGHT"
	ReasonEMACrossUp    = "EMA_CROSS_UP"
	ReasonEMACrossDown  = "EMA_CROSS_DOWN"
	ReasonManual        = "MANUAL"
)

type Regime string

const (
	RegimeTrending Regime = "TRENDING"
	RegimeRanging  Regime = "RANGING"
	RegimeVolatile Regime = "VOLATILE"
)

// Features is the indicator snapshot a signal was derived from.
type Features struct {
	RSI        float64 `json:"rsi"`
	EMAFast    float64 `json:"ema_fast"`
	EMASlow    float64 `json:"ema_slow"`
	Momentum   float64 `json:"momentum"`
	Volatility float64 `json:"volatility"`
}

// AIAssessment is what the inference service said about a signal.
type AIAssessment struct {
	Confidence   float64  `json:"confidence"`
	Regime       Regime   `json:"regime"`
	ReasonTags   []string `json:"reason_tags,omitempty"`
	ModelVersion string   `json:"model_version"`
	RiskLevel    string   `json:"risk_level,omitempty"`
	AnomalyScore float64  `json:"anomaly_score,omitempty"`
}

type SignalMetadata struct {
	Features       Features      `json:"features"`
	BaseConfidence float64       `json:"base_confidence"`
	Source         string        `json:"source"` // rule | ai | fallback
	AI             *AIAssessment `json:"ai,omitempty"`
}

// Signal is immutable once emitted; stages derive copies instead of mutating.
type Signal struct {
	Type       SignalType      `json:"type"`
	Confidence float64         `json:"confidence"`
	Reason     string          `json:"reason"`
	Market     string          `json:"market"`
	Timestamp  time.Time       `json:"timestamp"`
	Expiry     time.Time       `json:"expiry"`
	Metadata   *SignalMetadata `json:"metadata,omitempty"`
}

// Features returns the attached indicator snapshot, if any.
func (s Signal) Features() *Features {
	if s.Metadata == nil {
		return nil
	}
	f := s.Metadata.Features
	return &f
}

// WithMetadata returns a copy of s carrying md.
func (s Signal) WithMetadata(md SignalMetadata) Signal {
	s.Metadata = &md
	return s
}

type StoredSignalStatus string

const (
	StoredSignalActive    StoredSignalStatus = "ACTIVE"
	StoredSignalExpired   StoredSignalStatus = "EXPIRED"
	StoredSignalExecuted  StoredSignalStatus = "EXECUTED"
	StoredSignalCancelled StoredSignalStatus = "CANCELLED"
)

type StoredSignal struct {
	Signal
	ID        string             `json:"id"`
	SessionID string             `json:"session_id"`
	CreatedAt time.Time          `json:"created_at"`
	ExpiresAt time.Time          `json:"expires_at"`
	Status    StoredSignalStatus `json:"status"`
}
