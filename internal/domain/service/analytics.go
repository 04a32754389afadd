package service

import (
	"context"

	"TradePipe/internal/domain/models"
)

// InferenceRequest is the feature snapshot sent to the inference service.
type InferenceRequest struct {
	Market          string            `json:"market"`
	Features        models.Features   `json:"features"`
	StrategyVersion string            `json:"strategy_version"`
	SignalType      models.SignalType `json:"signal_type"`
	BaseConfidence  float64           `json:"base_confidence"`
}

// InferenceClient scores a rule-based signal. Implementations must honour
// ctx deadlines; callers treat every error as "service unavailable".
type InferenceClient interface {
	Infer(ctx context.Context, req InferenceRequest) (models.AIAssessment, error)
}
