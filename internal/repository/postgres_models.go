package repository

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"

	"TradePipe/internal/domain/models"
)

// RiskAuditRow is one append-only audit record. Kind is "decision" for
// every evaluation and "blocked" for the terminal no-trade record of a
// rejection.
type RiskAuditRow struct {
	ID         uint      `gorm:"primaryKey;column:id"`
	CheckID    string    `gorm:"column:check_id;type:text;not null;index"`
	Kind       string    `gorm:"column:kind;type:text;not null"`
	UserID     string    `gorm:"column:user_id;type:text;not null;index"`
	SessionID  string    `gorm:"column:session_id;type:text;not null;index"`
	Market     string    `gorm:"column:market;type:text;not null"`
	SignalType string    `gorm:"column:signal_type;type:text;not null"`
	Result     string    `gorm:"column:result;type:text;not null"`
	Reason     string    `gorm:"column:reason;type:text"`
	Manual     bool      `gorm:"column:manual;not null"`
	Signal     string    `gorm:"column:signal;type:jsonb;not null"`
	Meta       string    `gorm:"column:meta;type:jsonb"`
	CheckedAt  time.Time `gorm:"column:checked_at;type:timestamptz;not null"`
}

func (RiskAuditRow) TableName() string { return "risk_audit" }

type SessionSnapshotRow struct {
	ID          string     `gorm:"primaryKey;column:id;type:text"`
	Status      string     `gorm:"column:status;type:text;not null"`
	AdminID     string     `gorm:"column:admin_id;type:text;not null"`
	Config      string     `gorm:"column:config;type:jsonb;not null"`
	CreatedAt   time.Time  `gorm:"column:created_at;type:timestamptz;not null"`
	StartedAt   *time.Time `gorm:"column:started_at;type:timestamptz"`
	CompletedAt *time.Time `gorm:"column:completed_at;type:timestamptz"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;type:timestamptz;not null"`
}

func (SessionSnapshotRow) TableName() string { return "session_snapshots" }

type ParticipantSnapshotRow struct {
	SessionID   string          `gorm:"primaryKey;column:session_id;type:text"`
	UserID      string          `gorm:"primaryKey;column:user_id;type:text"`
	Status      string          `gorm:"column:status;type:text;not null"`
	PnL         decimal.Decimal `gorm:"column:pnl;type:numeric(20,8);not null"`
	PeakPnL     decimal.Decimal `gorm:"column:peak_pnl;type:numeric(20,8);not null"`
	DailyLoss   decimal.Decimal `gorm:"column:daily_loss;type:numeric(20,8);not null"`
	TradesToday int             `gorm:"column:trades_today;not null"`
	Day         string          `gorm:"column:day;type:text"`
	JoinedAt    time.Time       `gorm:"column:joined_at;type:timestamptz;not null"`
}

func (ParticipantSnapshotRow) TableName() string { return "participant_snapshots" }

// UserCredentialRow holds an AES-GCM sealed venue token (nonce || ciphertext).
type UserCredentialRow struct {
	UserID      string    `gorm:"primaryKey;column:user_id;type:text"`
	TokenCipher []byte    `gorm:"column:token_cipher;type:bytea;not null"`
	AccountID   string    `gorm:"column:account_id;type:text"`
	UpdatedAt   time.Time `gorm:"column:updated_at;type:timestamptz;not null"`
}

func (UserCredentialRow) TableName() string { return "user_credentials" }

func auditRow(check models.RiskCheck, kind string) (RiskAuditRow, error) {
	sig, err := sonic.MarshalString(check.ProposedTrade)
	if err != nil {
		return RiskAuditRow{}, fmt.Errorf("encode signal: %w", err)
	}
	meta := "{}"
	if len(check.Meta) > 0 {
		if meta, err = sonic.MarshalString(check.Meta); err != nil {
			return RiskAuditRow{}, fmt.Errorf("encode meta: %w", err)
		}
	}
	return RiskAuditRow{
		CheckID:    check.ID,
		Kind:       kind,
		UserID:     check.UserID,
		SessionID:  check.SessionID,
		Market:     check.ProposedTrade.Market,
		SignalType: string(check.ProposedTrade.Type),
		Result:     string(check.Result),
		Reason:     check.Reason,
		Manual:     check.Manual,
		Signal:     sig,
		Meta:       meta,
		CheckedAt:  check.CheckedAt,
	}, nil
}

func sessionRows(s models.Session, now time.Time) (SessionSnapshotRow, []ParticipantSnapshotRow, error) {
	cfg, err := sonic.MarshalString(s.Config)
	if err != nil {
		return SessionSnapshotRow{}, nil, fmt.Errorf("encode session config: %w", err)
	}
	row := SessionSnapshotRow{
		ID:          s.ID,
		Status:      string(s.Status),
		AdminID:     s.AdminID,
		Config:      cfg,
		CreatedAt:   s.CreatedAt,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
		UpdatedAt:   now,
	}
	ps := make([]ParticipantSnapshotRow, 0, len(s.Participants))
	for _, p := range s.Participants {
		ps = append(ps, ParticipantSnapshotRow{
			SessionID:   s.ID,
			UserID:      p.UserID,
			Status:      string(p.Status),
			PnL:         p.PnL,
			PeakPnL:     p.PeakPnL,
			DailyLoss:   p.DailyLoss,
			TradesToday: p.TradesToday,
			Day:         p.Day,
			JoinedAt:    p.JoinedAt,
		})
	}
	return row, ps, nil
}

func sessionFromRows(row SessionSnapshotRow, ps []ParticipantSnapshotRow) (models.Session, error) {
	var cfg models.SessionConfig
	if err := sonic.UnmarshalString(row.Config, &cfg); err != nil {
		return models.Session{}, fmt.Errorf("decode session %s config: %w", row.ID, err)
	}
	s := models.Session{
		ID:          row.ID,
		Status:      models.SessionStatus(row.Status),
		Config:      cfg,
		AdminID:     row.AdminID,
		CreatedAt:   row.CreatedAt,
		StartedAt:   row.StartedAt,
		CompletedAt: row.CompletedAt,
	}
	for _, p := range ps {
		s.Participants = append(s.Participants, models.Participant{
			UserID:      p.UserID,
			SessionID:   p.SessionID,
			Status:      models.ParticipantStatus(p.Status),
			PnL:         p.PnL,
			PeakPnL:     p.PeakPnL,
			DailyLoss:   p.DailyLoss,
			TradesToday: p.TradesToday,
			Day:         p.Day,
			JoinedAt:    p.JoinedAt,
		})
	}
	return s, nil
}
