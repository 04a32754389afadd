package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"TradePipe/internal/domain/models"
	domrepo "TradePipe/internal/domain/repository"
	pkgkafka "TradePipe/pkg/kafka"
	"TradePipe/pkg/logger"
)

// ManualTradeRequest is the payload on the manual trades topic.
// RequestedAt doubles as the signal timestamp, so a redelivered message
// maps to the same idempotency key.
type ManualTradeRequest struct {
	UserID      string            `json:"user_id" validate:"required"`
	SessionID   string            `json:"session_id" validate:"required"`
	Market      string            `json:"market" validate:"required"`
	Type        models.SignalType `json:"type" validate:"required,oneof=CALL PUT"`
	Stake       string            `json:"stake" default:"0" validate:"numeric"`
	RequestedAt int64             `json:"requested_at" validate:"gt=0"` // unix ms
}

const manualSignalExpiry = time.Minute

// ManualGuard evaluates a user-initiated trade.
type ManualGuard interface {
	EvaluateManual(ctx context.Context, userID, sessionID string, sig models.Signal) models.RiskCheck
}

// TradeExecutor runs an approved trade.
type TradeExecutor interface {
	HandleApprovedTrade(ctx context.Context, req TradeRequest) (models.TradeResult, bool)
}

// ManualTradeHandler consumes manual trade requests, checks them with the
// risk guard and executes the approved ones.
type ManualTradeHandler struct {
	topic    string
	guard    ManualGuard
	sessions SessionView
	exec     TradeExecutor
	metrics  domrepo.Metrics
	log      *logger.Logger
	validate *validator.Validate
}

func NewManualTradeHandler(topic string, guard ManualGuard, sessions SessionView, exec TradeExecutor,
	metrics domrepo.Metrics, log *logger.Logger) *ManualTradeHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &ManualTradeHandler{
		topic:    topic,
		guard:    guard,
		sessions: sessions,
		exec:     exec,
		metrics:  metrics,
		log:      log.Named("manual"),
		validate: validator.New(),
	}
}

func (h *ManualTradeHandler) Topic() string { return h.topic }

// Handle returns a permanent error for payloads that can never succeed.
// Rejections and failed trades are normal outcomes and return nil.
func (h *ManualTradeHandler) Handle(ctx context.Context, b []byte) error {
	req, err := h.decode(b)
	if err != nil {
		h.metrics.RecordError("manual_trade_invalid")
		return pkgkafka.Permanent(err)
	}

	at := time.UnixMilli(req.RequestedAt)
	sig := models.Signal{
		Type:       req.Type,
		Confidence: 1,
		Reason:     models.ReasonManual,
		Market:     req.Market,
		Timestamp:  at,
		Expiry:     at.Add(manualSignalExpiry),
	}

	check := h.guard.EvaluateManual(ctx, req.UserID, req.SessionID, sig)
	if !check.Approved() {
		h.log.Info("manual trade rejected",
			logger.String("user_id", req.UserID),
			logger.String("session_id", req.SessionID),
			logger.String("reason", check.Reason))
		return nil
	}

	stake := decimal.RequireFromString(req.Stake)
	if stake.Sign() <= 0 {
		if sess, ok := h.sessions.GetSession(req.SessionID); ok {
			stake = sess.Config.Stake
		}
	}

	start := time.Now()
	res, executed := h.exec.HandleApprovedTrade(ctx, TradeRequest{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Signal:    sig,
		Stake:     stake,
	})
	h.metrics.RecordLatency("manual_trade", time.Since(start).Seconds())
	if !executed {
		h.log.Info("manual trade already handled", logger.String("user_id", req.UserID), logger.Int64("requested_at", req.RequestedAt))
	} else if res.Status != models.TradeSuccess {
		h.log.Warn("manual trade failed", logger.String("trade_id", res.TradeID), logger.String("reason", res.Reason))
	}
	return nil
}

func (h *ManualTradeHandler) decode(b []byte) (ManualTradeRequest, error) {
	var req ManualTradeRequest
	if err := sonic.Unmarshal(b, &req); err != nil {
		return req, fmt.Errorf("decode manual trade: %w", err)
	}
	if err := defaults.Set(&req); err != nil {
		return req, fmt.Errorf("manual trade defaults: %w", err)
	}
	if err := h.validate.Struct(req); err != nil {
		return req, fmt.Errorf("validate manual trade: %w", err)
	}
	return req, nil
}

var _ pkgkafka.MessageHandler = (*ManualTradeHandler)(nil)
