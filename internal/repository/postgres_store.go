package repository

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"TradePipe/internal/domain/models"
	domrepo "TradePipe/internal/domain/repository"
)

// ErrMissingSecret is returned when the credential secret is not configured.
var ErrMissingSecret = errors.New("credential secret is not configured")

const auditTriggerSQL = `
CREATE OR REPLACE FUNCTION risk_audit_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'risk_audit is append-only (% rejected)', TG_OP;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS risk_audit_no_mutation ON risk_audit;
CREATE TRIGGER risk_audit_no_mutation
	BEFORE UPDATE OR DELETE ON risk_audit
	FOR EACH ROW EXECUTE FUNCTION risk_audit_append_only();
`

// Migrate creates the tables and the append-only guard on risk_audit.
func Migrate(ctx context.Context, db *gorm.DB) error {
	db = db.WithContext(ctx)
	if err := db.AutoMigrate(&RiskAuditRow{}, &SessionSnapshotRow{}, &ParticipantSnapshotRow{}, &UserCredentialRow{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := db.Exec(auditTriggerSQL).Error; err != nil {
		return fmt.Errorf("migrate audit trigger: %w", err)
	}
	return nil
}

// PGAuditRepository appends risk decisions to risk_audit.
type PGAuditRepository struct {
	db *gorm.DB
}

func NewPGAuditRepository(db *gorm.DB) *PGAuditRepository {
	return &PGAuditRepository{db: db}
}

func (r *PGAuditRepository) RecordDecision(ctx context.Context, check models.RiskCheck) error {
	return r.insert(ctx, check, "decision")
}

func (r *PGAuditRepository) RecordBlocked(ctx context.Context, check models.RiskCheck) error {
	return r.insert(ctx, check, "blocked")
}

func (r *PGAuditRepository) insert(ctx context.Context, check models.RiskCheck, kind string) error {
	row, err := auditRow(check, kind)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert risk audit: %w", err)
	}
	return nil
}

// PGSessionRepository upserts session and participant snapshots.
type PGSessionRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewPGSessionRepository(db *gorm.DB) *PGSessionRepository {
	return &PGSessionRepository{db: db, now: time.Now}
}

func (r *PGSessionRepository) SaveSession(ctx context.Context, s models.Session) error {
	row, participants, err := sessionRows(s, r.now().UTC())
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return fmt.Errorf("upsert session %s: %w", s.ID, err)
		}
		if len(participants) == 0 {
			return nil
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&participants).Error; err != nil {
			return fmt.Errorf("upsert participants %s: %w", s.ID, err)
		}
		return nil
	})
}

func (r *PGSessionRepository) LoadSessions(ctx context.Context) ([]models.Session, error) {
	db := r.db.WithContext(ctx)
	var rows []SessionSnapshotRow
	if err := db.Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	var prows []ParticipantSnapshotRow
	if err := db.Order("joined_at ASC").Find(&prows).Error; err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	bySession := make(map[string][]ParticipantSnapshotRow, len(rows))
	for _, p := range prows {
		bySession[p.SessionID] = append(bySession[p.SessionID], p)
	}

	out := make([]models.Session, 0, len(rows))
	for _, row := range rows {
		s, err := sessionFromRows(row, bySession[row.ID])
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Sealer encrypts venue tokens with AES-256-GCM under a key derived from
// the process secret.
type Sealer struct {
	aead cipher.AEAD
}

func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("credential cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credential gcm: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal returns nonce || ciphertext.
func (s *Sealer) Seal(plain string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("credential nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, []byte(plain), nil), nil
}

func (s *Sealer) Open(sealed []byte) (string, error) {
	n := s.aead.NonceSize()
	if len(sealed) <= n {
		return "", fmt.Errorf("credential ciphertext too short")
	}
	plain, err := s.aead.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return "", fmt.Errorf("credential decrypt: %w", err)
	}
	return string(plain), nil
}

// PGCredentialProvider resolves per-user venue tokens from user_credentials.
type PGCredentialProvider struct {
	db     *gorm.DB
	sealer *Sealer
}

// NewPGCredentialProvider fails when secret is empty; the app must not
// start without it.
func NewPGCredentialProvider(db *gorm.DB, secret string) (*PGCredentialProvider, error) {
	sealer, err := NewSealer(secret)
	if err != nil {
		return nil, err
	}
	return &PGCredentialProvider{db: db, sealer: sealer}, nil
}

func (p *PGCredentialProvider) Credential(ctx context.Context, userID string) (domrepo.Credential, error) {
	var row UserCredentialRow
	err := p.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domrepo.Credential{}, domrepo.ErrCredentialNotFound
	}
	if err != nil {
		return domrepo.Credential{}, fmt.Errorf("load credential: %w", err)
	}
	token, err := p.sealer.Open(row.TokenCipher)
	if err != nil {
		return domrepo.Credential{}, err
	}
	return domrepo.Credential{UserID: userID, Token: token, AccountID: row.AccountID}, nil
}

// StoreCredential seals and upserts a user's venue token.
func (p *PGCredentialProvider) StoreCredential(ctx context.Context, userID, token, accountID string) error {
	sealed, err := p.sealer.Seal(token)
	if err != nil {
		return err
	}
	row := UserCredentialRow{UserID: userID, TokenCipher: sealed, AccountID: accountID, UpdatedAt: time.Now().UTC()}
	if err := p.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

var (
	_ domrepo.AuditRepository    = (*PGAuditRepository)(nil)
	_ domrepo.SessionRepository  = (*PGSessionRepository)(nil)
	_ domrepo.CredentialProvider = (*PGCredentialProvider)(nil)
)
