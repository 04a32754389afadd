package models

import "time"

type RiskResult string

const (
	RiskApproved RiskResult = "APPROVED"
	RiskRejected RiskResult = "REJECTED"
)

// Rejection reasons produced by the risk guard.
const (
	RejectGlobalLoss    = "SESSION_GLOBAL_LOSS_THRESHOLD"
	RejectDrawdown      = "MAX_DRAWDOWN_REACHED"
	RejectDailyLoss     = "MAX_DAILY_LOSS_REACHED"
	RejectTradesPerDay  = "MAX_TRADES_PER_DAY_REACHED"
	RejectTradingPaused = "GLOBAL_TRADING_PAUSED"
	RejectNotEligible   = "PARTICIPANT_NOT_ELIGIBLE"
)

// RiskCheck is one approve/reject decision for one (user, signal) pair.
type RiskCheck struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	SessionID     string         `json:"session_id"`
	ProposedTrade Signal         `json:"proposed_trade"`
	Result        RiskResult     `json:"result"`
	Reason        string         `json:"reason,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
	Manual        bool           `json:"manual"`
	CheckedAt     time.Time      `json:"checked_at"`
}

func (c RiskCheck) Approved() bool { return c.Result == RiskApproved }
