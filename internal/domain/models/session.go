package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type SessionStatus string

const (
	SessionPending   SessionStatus = "PENDING"
	SessionActive    SessionStatus = "ACTIVE"
	SessionRunning   SessionStatus = "RUNNING"
	SessionPaused    SessionStatus = "PAUSED"
	SessionCompleted SessionStatus = "COMPLETED"
)

// Trading reports whether signals may flow into a session in this status.
func (s SessionStatus) Trading() bool {
	return s == SessionActive || s == SessionRunning
}

type ParticipantStatus string

const (
	ParticipantPending  ParticipantStatus = "PENDING"
	ParticipantActive   ParticipantStatus = "ACTIVE"
	ParticipantFailed   ParticipantStatus = "FAILED"
	ParticipantRemoved  ParticipantStatus = "REMOVED"
	ParticipantOptedOut ParticipantStatus = "OPTED_OUT"
)

type SessionConfig struct {
	Markets             []string        `json:"markets"`
	GlobalLossThreshold decimal.Decimal `json:"global_loss_threshold"`
	MaxDrawdown         decimal.Decimal `json:"max_drawdown"`
	MaxDailyLoss        decimal.Decimal `json:"max_daily_loss"`
	MaxTradesPerDay     int             `json:"max_trades_per_day"`
	Stake               decimal.Decimal `json:"stake"`
}

// AllowsMarket reports whether the market is on the session allow-list.
func (c SessionConfig) AllowsMarket(market string) bool {
	for _, m := range c.Markets {
		if m == market {
			return true
		}
	}
	return false
}

type Participant struct {
	UserID      string            `json:"user_id"`
	SessionID   string            `json:"session_id"`
	Status      ParticipantStatus `json:"status"`
	PnL         decimal.Decimal   `json:"pnl"`
	PeakPnL     decimal.Decimal   `json:"peak_pnl"`
	DailyLoss   decimal.Decimal   `json:"daily_loss"`
	TradesToday int               `json:"trades_today"`
	Day         string            `json:"day"` // YYYY-MM-DD the daily counters belong to
	JoinedAt    time.Time         `json:"joined_at"`
}

// DayLayout formats the day the daily counters belong to.
const DayLayout = "2006-01-02"

// RolledTo returns p with its daily counters reset when they belong to an
// earlier day than now.
func (p Participant) RolledTo(now time.Time) Participant {
	if day := now.UTC().Format(DayLayout); p.Day != day {
		p.Day = day
		p.DailyLoss = decimal.Zero
		p.TradesToday = 0
	}
	return p
}

// Drawdown is the distance from the participant's best PnL.
func (p Participant) Drawdown() decimal.Decimal {
	d := p.PeakPnL.Sub(p.PnL)
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

type Session struct {
	ID           string        `json:"id"`
	Status       SessionStatus `json:"status"`
	Config       SessionConfig `json:"config"`
	AdminID      string        `json:"admin_id"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Participants []Participant `json:"participants"`
}

// Clone returns a deep copy safe to hand outside the owning store.
func (s *Session) Clone() Session {
	out := *s
	out.Config.Markets = append([]string(nil), s.Config.Markets...)
	out.Participants = append([]Participant(nil), s.Participants...)
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// TotalPnL sums participant PnL.
func (s Session) TotalPnL() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.Participants {
		total = total.Add(p.PnL)
	}
	return total
}
