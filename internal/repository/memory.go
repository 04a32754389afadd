package repository

import (
	"context"
	"sync"

	"TradePipe/internal/domain/models"
	domrepo "TradePipe/internal/domain/repository"
	applogger "TradePipe/pkg/logger"
)

// MemoryAuditRepository keeps audit rows in process and logs every
// rejection. It has no update or delete path.
type MemoryAuditRepository struct {
	mu   sync.Mutex
	rows []RiskAuditRow
	l    *applogger.Logger
}

func NewMemoryAuditRepository(l *applogger.Logger) *MemoryAuditRepository {
	if l == nil {
		l = applogger.NewNop()
	}
	return &MemoryAuditRepository{l: l.Named("audit")}
}

func (r *MemoryAuditRepository) RecordDecision(_ context.Context, check models.RiskCheck) error {
	return r.append(check, "decision")
}

func (r *MemoryAuditRepository) RecordBlocked(_ context.Context, check models.RiskCheck) error {
	r.l.Info("blocked, no trade",
		applogger.String("check_id", check.ID),
		applogger.String("user_id", check.UserID),
		applogger.String("reason", check.Reason))
	return r.append(check, "blocked")
}

func (r *MemoryAuditRepository) append(check models.RiskCheck, kind string) error {
	row, err := auditRow(check, kind)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	row.ID = uint(len(r.rows) + 1)
	r.rows = append(r.rows, row)
	return nil
}

// Rows returns a copy of the audit trail.
func (r *MemoryAuditRepository) Rows() []RiskAuditRow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RiskAuditRow(nil), r.rows...)
}

// MemoryCredentialProvider holds sealed tokens in process.
type MemoryCredentialProvider struct {
	mu     sync.RWMutex
	rows   map[string]UserCredentialRow
	sealer *Sealer
}

func NewMemoryCredentialProvider(secret string) (*MemoryCredentialProvider, error) {
	sealer, err := NewSealer(secret)
	if err != nil {
		return nil, err
	}
	return &MemoryCredentialProvider{rows: make(map[string]UserCredentialRow), sealer: sealer}, nil
}

func (p *MemoryCredentialProvider) StoreCredential(_ context.Context, userID, token, accountID string) error {
	sealed, err := p.sealer.Seal(token)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows[userID] = UserCredentialRow{UserID: userID, TokenCipher: sealed, AccountID: accountID}
	return nil
}

func (p *MemoryCredentialProvider) Credential(_ context.Context, userID string) (domrepo.Credential, error) {
	p.mu.RLock()
	row, ok := p.rows[userID]
	p.mu.RUnlock()
	if !ok {
		return domrepo.Credential{}, domrepo.ErrCredentialNotFound
	}
	token, err := p.sealer.Open(row.TokenCipher)
	if err != nil {
		return domrepo.Credential{}, err
	}
	return domrepo.Credential{UserID: userID, Token: token, AccountID: row.AccountID}, nil
}

var (
	_ domrepo.AuditRepository    = (*MemoryAuditRepository)(nil)
	_ domrepo.CredentialProvider = (*MemoryCredentialProvider)(nil)
)
