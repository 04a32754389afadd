package analytics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradePipe/internal/domain/models"
	domsvc "TradePipe/internal/domain/service"
	imetrics "TradePipe/internal/service/metrics"
	"TradePipe/internal/service/ratelimit"
)

func inferRequest() domsvc.InferenceRequest {
	return domsvc.InferenceRequest{
		Market:          "R_100",
		Features:        models.Features{RSI: 25, EMAFast: 101, EMASlow: 100, Momentum: 0.4, Volatility: 0.002},
		StrategyVersion: "v1",
		SignalType:      models.SignalCall,
		BaseConfidence:  0.7,
	}
}

func TestInferSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/infer", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "R_100", body["market"])
		assert.Equal(t, "CALL", body["signal_type"])
		assert.Equal(t, 25.0, body["features"].(map[string]any)["rsi"])
		_, _ = w.Write([]byte(`{"ai_confidence":0.82,"market_regime":"TRENDING","reason_tags":["momentum"],"model_version":"m-7","risk_level":"LOW","anomaly_score":0.1}`))
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	c := NewHTTPInferenceClient(InferenceConfig{BaseURL: srv.URL, Timeout: time.Second}, nil, imetrics.NewInferenceMetrics(reg))

	got, err := c.Infer(context.Background(), inferRequest())
	require.NoError(t, err)
	assert.Equal(t, models.RegimeTrending, got.Regime)
	assert.InDelta(t, 0.82, got.Confidence, 1e-9)
	assert.Equal(t, "m-7", got.ModelVersion)
	assert.Equal(t, []string{"momentum"}, got.ReasonTags)
	n, err := testutil.GatherAndCount(reg, "tradepipe_inference_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInferTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	m := imetrics.NewInferenceMetrics(reg)
	c := NewHTTPInferenceClient(InferenceConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, nil, m)

	start := time.Now()
	_, err := c.Infer(context.Background(), inferRequest())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Errors.WithLabelValues("/infer")))
}

func TestInferRejectsUnknownRegime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ai_confidence":0.9,"market_regime":"SIDEWAYS"}`))
	}))
	defer srv.Close()

	c := NewHTTPInferenceClient(InferenceConfig{BaseURL: srv.URL}, nil, nil)
	_, err := c.Infer(context.Background(), inferRequest())
	require.Error(t, err)
}

func TestInferRetriesTemporaryFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ai_confidence":0.6,"market_regime":"RANGING"}`))
	}))
	defer srv.Close()

	c := NewHTTPInferenceClient(InferenceConfig{BaseURL: srv.URL, Timeout: time.Second, Attempts: 2}, nil, nil)
	got, err := c.Infer(context.Background(), inferRequest())
	require.NoError(t, err)
	assert.Equal(t, models.RegimeRanging, got.Regime)
	assert.Equal(t, int32(2), calls.Load())
}

func TestInferRateLimitedPerMarket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ai_confidence":0.6,"market_regime":"RANGING"}`))
	}))
	defer srv.Close()

	now := time.Unix(0, 0)
	lim := ratelimit.NewWithClock(func() time.Time { return now })
	c := NewHTTPInferenceClient(InferenceConfig{BaseURL: srv.URL, RatePerSecond: 1, Burst: 1}, lim, nil)

	_, err := c.Infer(context.Background(), inferRequest())
	require.NoError(t, err)
	_, err = c.Infer(context.Background(), inferRequest())
	assert.ErrorIs(t, err, ErrThrottled)

	other := inferRequest()
	other.Market = "R_50"
	_, err = c.Infer(context.Background(), other)
	assert.NoError(t, err)
}
