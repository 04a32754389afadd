package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"TradePipe/internal/domain/models"
	domrepo "TradePipe/internal/domain/repository"
	"TradePipe/pkg/logger"
)

// SessionView is the read-only session access the risk guard needs.
type SessionView interface {
	GetSession(id string) (models.Session, bool)
	TradingSessionsForMarket(market string) []models.Session
}

// TradingPause reports the global trading pause.
type TradingPause interface {
	TradingPaused() (bool, string)
}

// RiskGuard approves or rejects signals per (session, participant).
// A zero limit in a session config disables that check.
type RiskGuard struct {
	sessions SessionView
	audit    domrepo.AuditRepository
	events   domrepo.EventPublisher
	pause    TradingPause
	metrics  domrepo.Metrics
	log      *logger.Logger
	now      func() time.Time
}

func NewRiskGuard(sessions SessionView, audit domrepo.AuditRepository, events domrepo.EventPublisher,
	pause TradingPause, metrics domrepo.Metrics, log *logger.Logger) *RiskGuard {
	if log == nil {
		log = logger.NewNop()
	}
	return &RiskGuard{
		sessions: sessions,
		audit:    audit,
		events:   events,
		pause:    pause,
		metrics:  metrics,
		log:      log.Named("risk"),
		now:      time.Now,
	}
}

// Evaluate checks sig against every trading session whose allow-list has
// its market and returns one decision per ACTIVE participant.
func (g *RiskGuard) Evaluate(ctx context.Context, sig models.Signal) []models.RiskCheck {
	paused, pauseReason := g.tradingPaused()
	now := g.now()

	var out []models.RiskCheck
	for _, sess := range g.sessions.TradingSessionsForMarket(sig.Market) {
		participants := activeParticipants(sess)
		if len(participants) == 0 {
			continue
		}

		var sessionReason string
		var sessionMeta map[string]any
		switch {
		case paused:
			sessionReason = models.RejectTradingPaused
			sessionMeta = map[string]any{"pause_reason": pauseReason}
		default:
			sessionReason, sessionMeta = globalLoss(sess)
		}

		for _, p := range participants {
			p = p.RolledTo(now)
			check := g.newCheck(p.UserID, sess.ID, sig, false)
			if sessionReason != "" {
				check.Result = models.RiskRejected
				check.Reason = sessionReason
				mergeMeta(check.Meta, sessionMeta)
			} else if reason, meta := userLimits(sess.Config, p); reason != "" {
				check.Result = models.RiskRejected
				check.Reason = reason
				mergeMeta(check.Meta, meta)
			}
			g.record(ctx, check)
			out = append(out, check)
		}
	}
	return out
}

// EvaluateManual runs the participant checks for a user-initiated trade.
func (g *RiskGuard) EvaluateManual(ctx context.Context, userID, sessionID string, sig models.Signal) models.RiskCheck {
	check := g.newCheck(userID, sessionID, sig, true)
	check.Result = models.RiskRejected

	sess, ok := g.sessions.GetSession(sessionID)
	p, joined := findParticipant(sess, userID)
	switch {
	case !ok || !sess.Status.Trading() || !sess.Config.AllowsMarket(sig.Market):
		check.Reason = models.RejectNotEligible
		check.Meta["session_status"] = string(sess.Status)
	case !joined || p.Status != models.ParticipantActive:
		check.Reason = models.RejectNotEligible
		check.Meta["participant_status"] = string(p.Status)
	default:
		p = p.RolledTo(g.now())
		if paused, why := g.tradingPaused(); paused {
			check.Reason = models.RejectTradingPaused
			check.Meta["pause_reason"] = why
		} else if reason, meta := globalLoss(sess); reason != "" {
			check.Reason = reason
			mergeMeta(check.Meta, meta)
		} else if reason, meta := userLimits(sess.Config, p); reason != "" {
			check.Reason = reason
			mergeMeta(check.Meta, meta)
		} else {
			check.Result = models.RiskApproved
		}
	}
	g.record(ctx, check)
	return check
}

func (g *RiskGuard) newCheck(userID, sessionID string, sig models.Signal, manual bool) models.RiskCheck {
	meta := map[string]any{}
	if f := sig.Features(); f != nil {
		meta["features"] = *f
	}
	return models.RiskCheck{
		ID:            uuid.NewString(),
		UserID:        userID,
		SessionID:     sessionID,
		ProposedTrade: sig,
		Result:        models.RiskApproved,
		Meta:          meta,
		Manual:        manual,
		CheckedAt:     g.now().UTC(),
	}
}

func (g *RiskGuard) tradingPaused() (bool, string) {
	if g.pause == nil {
		return false, ""
	}
	return g.pause.TradingPaused()
}

// record audits the decision. Audit failures are logged and never change
// the decision.
func (g *RiskGuard) record(ctx context.Context, check models.RiskCheck) {
	if g.metrics != nil {
		g.metrics.RecordRiskDecision(check.Result, check.Reason)
	}
	if g.audit != nil {
		if err := g.audit.RecordDecision(ctx, check); err != nil {
			g.log.Error("audit decision failed", logger.String("check_id", check.ID), logger.Error(err))
		}
		if !check.Approved() {
			if err := g.audit.RecordBlocked(ctx, check); err != nil {
				g.log.Error("audit blocked failed", logger.String("check_id", check.ID), logger.Error(err))
			}
		}
	}
	if g.events != nil {
		t := models.EventRiskApproved
		if !check.Approved() {
			t = models.EventRiskRejected
		}
		if err := g.events.PublishEvent(ctx, models.NewEvent(t, check.SessionID, check, check.CheckedAt)); err != nil {
			g.log.Warn("risk event publish failed", logger.Error(err))
		}
	}
	if !check.Approved() {
		g.log.Info("signal rejected",
			logger.String("user_id", check.UserID),
			logger.String("session_id", check.SessionID),
			logger.String("market", check.ProposedTrade.Market),
			logger.String("reason", check.Reason))
	}
}

func globalLoss(sess models.Session) (string, map[string]any) {
	threshold := sess.Config.GlobalLossThreshold
	if !threshold.IsPositive() {
		return "", nil
	}
	total := sess.TotalPnL()
	if total.LessThanOrEqual(threshold.Neg()) {
		return models.RejectGlobalLoss, map[string]any{
			"threshold":   threshold.String(),
			"session_pnl": total.String(),
			"detail":      fmt.Sprintf("session pnl %s breached global loss threshold %s", total, threshold),
		}
	}
	return "", nil
}

// userLimits applies drawdown, daily loss and trade count in that order.
func userLimits(cfg models.SessionConfig, p models.Participant) (string, map[string]any) {
	if exceeds(p.Drawdown(), cfg.MaxDrawdown) {
		return models.RejectDrawdown, map[string]any{"drawdown": p.Drawdown().String(), "limit": cfg.MaxDrawdown.String()}
	}
	if exceeds(p.DailyLoss, cfg.MaxDailyLoss) {
		return models.RejectDailyLoss, map[string]any{"daily_loss": p.DailyLoss.String(), "limit": cfg.MaxDailyLoss.String()}
	}
	if cfg.MaxTradesPerDay > 0 && p.TradesToday >= cfg.MaxTradesPerDay {
		return models.RejectTradesPerDay, map[string]any{"trades_today": p.TradesToday, "limit": cfg.MaxTradesPerDay}
	}
	return "", nil
}

func exceeds(v, limit decimal.Decimal) bool {
	return limit.IsPositive() && v.GreaterThanOrEqual(limit)
}

func activeParticipants(sess models.Session) []models.Participant {
	out := make([]models.Participant, 0, len(sess.Participants))
	for _, p := range sess.Participants {
		if p.Status == models.ParticipantActive {
			out = append(out, p)
		}
	}
	return out
}

func findParticipant(sess models.Session, userID string) (models.Participant, bool) {
	for _, p := range sess.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return models.Participant{}, false
}

func mergeMeta(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}
