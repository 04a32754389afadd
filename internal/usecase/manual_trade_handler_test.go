package usecase

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradePipe/internal/domain/models"
	pkgkafka "TradePipe/pkg/kafka"
	"TradePipe/pkg/metrics"
)

type stubGuard struct {
	result models.RiskResult
	got    []models.Signal
}

func (g *stubGuard) EvaluateManual(_ context.Context, userID, sessionID string, sig models.Signal) models.RiskCheck {
	g.got = append(g.got, sig)
	return models.RiskCheck{UserID: userID, SessionID: sessionID, ProposedTrade: sig, Result: g.result, Manual: true}
}

type recordingExecutor struct {
	mu   sync.Mutex
	reqs []TradeRequest
}

func (e *recordingExecutor) HandleApprovedTrade(_ context.Context, req TradeRequest) (models.TradeResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reqs = append(e.reqs, req)
	return models.TradeResult{Status: models.TradeSuccess}, true
}

func manualHandler(result models.RiskResult) (*ManualTradeHandler, *stubGuard, *recordingExecutor) {
	guard := &stubGuard{result: result}
	exec := &recordingExecutor{}
	sessions := &stubSessions{sessions: []models.Session{{
		ID:     "s1",
		Status: models.SessionRunning,
		Config: models.SessionConfig{Markets: []string{"R_100"}, Stake: decimal.NewFromInt(3)},
	}}}
	return NewManualTradeHandler("manual_trades", guard, sessions, exec, metrics.Nop{}, nil), guard, exec
}

func TestManualTradeApprovedExecutes(t *testing.T) {
	h, guard, exec := manualHandler(models.RiskApproved)
	assert.Equal(t, "manual_trades", h.Topic())

	err := h.Handle(context.Background(), []byte(`{"user_id":"u1","session_id":"s1","market":"R_100","type":"PUT","stake":"2.5","requested_at":1700000000123}`))
	require.NoError(t, err)
	require.Len(t, guard.got, 1)
	assert.Equal(t, models.ReasonManual, guard.got[0].Reason)
	assert.Equal(t, int64(1700000000123), guard.got[0].Timestamp.UnixMilli())

	require.Len(t, exec.reqs, 1)
	req := exec.reqs[0]
	assert.Equal(t, "u1", req.UserID)
	assert.Equal(t, models.SignalPut, req.Signal.Type)
	assert.True(t, req.Stake.Equal(decimal.RequireFromString("2.5")))
}

func TestManualTradeDefaultsToSessionStake(t *testing.T) {
	h, _, exec := manualHandler(models.RiskApproved)
	require.NoError(t, h.Handle(context.Background(), []byte(`{"user_id":"u1","session_id":"s1","market":"R_100","type":"CALL","requested_at":1700000000000}`)))
	require.Len(t, exec.reqs, 1)
	assert.True(t, exec.reqs[0].Stake.Equal(decimal.NewFromInt(3)))
}

func TestManualTradeRejectedIsNotExecuted(t *testing.T) {
	h, guard, exec := manualHandler(models.RiskRejected)
	require.NoError(t, h.Handle(context.Background(), []byte(`{"user_id":"u1","session_id":"s1","market":"R_100","type":"CALL","requested_at":1700000000000}`)))
	assert.Len(t, guard.got, 1)
	assert.Empty(t, exec.reqs)
}

func TestManualTradeInvalidPayloadIsPermanent(t *testing.T) {
	h, guard, _ := manualHandler(models.RiskApproved)
	for _, raw := range []string{
		`not json`,
		`{"session_id":"s1","market":"R_100","type":"CALL","requested_at":1}`,
		`{"user_id":"u1","session_id":"s1","market":"R_100","type":"HOLD","requested_at":1}`,
		`{"user_id":"u1","session_id":"s1","market":"R_100","type":"CALL"}`,
		`{"user_id":"u1","session_id":"s1","market":"R_100","type":"CALL","stake":"abc","requested_at":1}`,
	} {
		err := h.Handle(context.Background(), []byte(raw))
		assert.True(t, pkgkafka.IsPermanent(err), raw)
	}
	assert.Empty(t, guard.got)
}
