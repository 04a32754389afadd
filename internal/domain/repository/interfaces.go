package repository

import (
	"context"
	"errors"
	"time"

	"TradePipe/internal/domain/models"
)

// ErrCredentialNotFound is returned when a user has no stored venue token.
var ErrCredentialNotFound = errors.New("credential not found")

// DedupStore provides the atomic set-if-absent primitive execution relies on.
type DedupStore interface {
	// SetIfAbsent stores value under key with ttl. It returns false when
	// the key already existed.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// AuditRepository persists risk decisions. Rows are append-only.
type AuditRepository interface {
	RecordDecision(ctx context.Context, check models.RiskCheck) error
	RecordBlocked(ctx context.Context, check models.RiskCheck) error
}

// SessionRepository persists session snapshots for crash recovery.
type SessionRepository interface {
	SaveSession(ctx context.Context, s models.Session) error
	LoadSessions(ctx context.Context) ([]models.Session, error)
}

// Credential is a decrypted per-user venue credential.
type Credential struct {
	UserID    string
	Token     string
	AccountID string
}

// CredentialProvider resolves per-user venue tokens.
type CredentialProvider interface {
	Credential(ctx context.Context, userID string) (Credential, error)
}

// EventPublisher ships domain events to the presentation layer.
type EventPublisher interface {
	PublishEvent(ctx context.Context, e models.Event) error
}

// Archive stores normalized ticks and trade results for analysis.
type Archive interface {
	ArchiveTicks(ctx context.Context, ticks []models.NormalizedTick) error
	ArchiveTrades(ctx context.Context, trades []models.TradeResult) error
}

type Metrics interface {
	RecordTick(market string, price float64)
	RecordAnomaly(kind, market string)
	RecordSignal(market string, signalType models.SignalType, reason string)
	RecordAIFallback(reason string)
	RecordRiskDecision(result models.RiskResult, reason string)
	RecordTrade(status models.TradeStatus)
	RecordPongLatency(seconds float64)
	RecordBreakerOpen(open bool)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
}
