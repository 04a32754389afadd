package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"TradePipe/internal/domain/models"
	domsvc "TradePipe/internal/domain/service"
	imetrics "TradePipe/internal/service/metrics"
	"TradePipe/internal/service/ratelimit"
)

// ErrThrottled is returned when the per-market call budget is spent.
var ErrThrottled = errors.New("inference: rate limited")

const inferPath = "/infer"

// InferenceConfig bounds calls to the inference service.
type InferenceConfig struct {
	BaseURL       string
	Timeout       time.Duration
	Attempts      int
	RatePerSecond float64
	Burst         float64
}

// HTTPInferenceClient calls POST /infer on the inference service.
type HTTPInferenceClient struct {
	base    *HTTPServiceBase
	limiter *ratelimit.Limiter
	cfg     InferenceConfig
}

func NewHTTPInferenceClient(cfg InferenceConfig, limiter *ratelimit.Limiter, m *imetrics.InferenceMetrics) *HTTPInferenceClient {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 2
	}
	if cfg.Burst < 1 {
		cfg.Burst = 5
	}
	if limiter == nil {
		limiter = ratelimit.New()
	}
	return &HTTPInferenceClient{
		base:    NewHTTPServiceBase(cfg.BaseURL, cfg.Timeout, m),
		limiter: limiter,
		cfg:     cfg,
	}
}

type inferResponse struct {
	AIConfidence float64  `json:"ai_confidence"`
	MarketRegime string   `json:"market_regime"`
	ReasonTags   []string `json:"reason_tags"`
	ModelVersion string   `json:"model_version"`
	RiskLevel    string   `json:"risk_level"`
	AnomalyScore float64  `json:"anomaly_score"`
}

func (c *HTTPInferenceClient) Infer(ctx context.Context, req domsvc.InferenceRequest) (models.AIAssessment, error) {
	if !c.limiter.Allow("infer:"+req.Market, c.cfg.Burst, c.cfg.RatePerSecond) {
		return models.AIAssessment{}, ErrThrottled
	}
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	var resp inferResponse
	if err := c.base.PostJSONWithRetry(ctx, inferPath, req, &resp, c.cfg.Attempts); err != nil {
		return models.AIAssessment{}, err
	}

	regime := models.Regime(resp.MarketRegime)
	switch regime {
	case models.RegimeTrending, models.RegimeRanging, models.RegimeVolatile:
	default:
		return models.AIAssessment{}, fmt.Errorf("inference: unknown market regime %q", resp.MarketRegime)
	}
	if resp.AIConfidence < 0 || resp.AIConfidence > 1 {
		return models.AIAssessment{}, fmt.Errorf("inference: confidence %v out of range", resp.AIConfidence)
	}

	return models.AIAssessment{
		Confidence:   resp.AIConfidence,
		Regime:       regime,
		ReasonTags:   resp.ReasonTags,
		ModelVersion: resp.ModelVersion,
		RiskLevel:    resp.RiskLevel,
		AnomalyScore: resp.AnomalyScore,
	}, nil
}

var _ domsvc.InferenceClient = (*HTTPInferenceClient)(nil)
