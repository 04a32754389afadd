package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradePipe/internal/domain/models"
	domrepo "TradePipe/internal/domain/repository"
)

func TestSealerRoundTrip(t *testing.T) {
	s, err := NewSealer("process-secret")
	require.NoError(t, err)

	a, err := s.Seal("venue-token")
	require.NoError(t, err)
	b, err := s.Seal("venue-token")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "fresh nonce per seal")

	plain, err := s.Open(a)
	require.NoError(t, err)
	assert.Equal(t, "venue-token", plain)

	other, _ := NewSealer("other-secret")
	_, err = other.Open(a)
	assert.Error(t, err)
	_, err = s.Open([]byte("short"))
	assert.Error(t, err)
}

func TestMissingSecretIsFatal(t *testing.T) {
	_, err := NewSealer("")
	assert.ErrorIs(t, err, ErrMissingSecret)
	_, err = NewPGCredentialProvider(nil, "")
	assert.ErrorIs(t, err, ErrMissingSecret)
	_, err = NewMemoryCredentialProvider("")
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestMemoryCredentialProvider(t *testing.T) {
	p, err := NewMemoryCredentialProvider("secret")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = p.Credential(ctx, "u1")
	assert.ErrorIs(t, err, domrepo.ErrCredentialNotFound)

	require.NoError(t, p.StoreCredential(ctx, "u1", "tok", "CR123"))
	c, err := p.Credential(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domrepo.Credential{UserID: "u1", Token: "tok", AccountID: "CR123"}, c)
}

func TestAuditRow(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	check := models.RiskCheck{
		ID:            "c1",
		UserID:        "u1",
		SessionID:     "s1",
		ProposedTrade: models.Signal{Type: models.SignalPut, Market: "R_100", Confidence: 0.7},
		Result:        models.RiskRejected,
		Reason:        models.RejectDailyLoss,
		Meta:          map[string]any{"limit": "200"},
		CheckedAt:     at,
	}
	row, err := auditRow(check, "blocked")
	require.NoError(t, err)
	assert.Equal(t, "blocked", row.Kind)
	assert.Equal(t, "R_100", row.Market)
	assert.Equal(t, "PUT", row.SignalType)
	assert.Equal(t, "REJECTED", row.Result)
	assert.JSONEq(t, `{"limit":"200"}`, row.Meta)
	assert.Contains(t, row.Signal, `"market":"R_100"`)
	assert.Equal(t, "risk_audit", row.TableName())
}

func TestMemoryAuditAppends(t *testing.T) {
	r := NewMemoryAuditRepository(nil)
	check := models.RiskCheck{ID: "c1", Result: models.RiskRejected}
	require.NoError(t, r.RecordDecision(context.Background(), check))
	require.NoError(t, r.RecordBlocked(context.Background(), check))

	rows := r.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, uint(1), rows[0].ID)
	assert.Equal(t, "decision", rows[0].Kind)
	assert.Equal(t, "blocked", rows[1].Kind)
}

func TestSessionRowsRoundTrip(t *testing.T) {
	started := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s := models.Session{
		ID:      "s1",
		Status:  models.SessionRunning,
		AdminID: "admin",
		Config: models.SessionConfig{
			Markets:             []string{"R_100"},
			GlobalLossThreshold: decimal.NewFromInt(1000),
			MaxTradesPerDay:     10,
		},
		CreatedAt: started.Add(-time.Hour),
		StartedAt: &started,
		Participants: []models.Participant{{
			UserID: "u1", Status: models.ParticipantActive,
			PnL: decimal.NewFromInt(-5), PeakPnL: decimal.NewFromInt(3), DailyLoss: decimal.NewFromInt(5),
			TradesToday: 2, Day: "2024-03-01", JoinedAt: started,
		}},
	}

	row, ps, err := sessionRows(s, started)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, "s1", ps[0].SessionID)

	back, err := sessionFromRows(row, ps)
	require.NoError(t, err)
	assert.Equal(t, s.Status, back.Status)
	assert.Equal(t, s.Config.Markets, back.Config.Markets)
	assert.True(t, back.Config.GlobalLossThreshold.Equal(decimal.NewFromInt(1000)))
	require.Len(t, back.Participants, 1)
	assert.Equal(t, "s1", back.Participants[0].SessionID)
	assert.True(t, back.Participants[0].PnL.Equal(decimal.NewFromInt(-5)))
	assert.Equal(t, 2, back.Participants[0].TradesToday)

	_, err = sessionFromRows(SessionSnapshotRow{ID: "bad", Config: "{"}, nil)
	assert.Error(t, err)
}

type fakeInserter struct {
	query string
	rows  [][]any
	err   error
}

func (f *fakeInserter) InsertBatch(_ context.Context, insert string, rows [][]any) error {
	f.query, f.rows = insert, rows
	return f.err
}

func TestCHArchive(t *testing.T) {
	ins := &fakeInserter{}
	a := NewCHArchive(ins, "tradepipe", nil)
	ctx := context.Background()

	require.NoError(t, a.ArchiveTicks(ctx, nil))
	assert.Empty(t, ins.query, "empty batch is a no-op")

	require.NoError(t, a.ArchiveTicks(ctx, []models.NormalizedTick{{Market: "R_100", Epoch: 5, Timestamp: 5000, Quote: 1}}))
	assert.Contains(t, ins.query, "tradepipe.ticks_normalized")
	require.Len(t, ins.rows, 1)
	assert.Equal(t, "R_100", ins.rows[0][1])
	assert.Equal(t, int64(5), ins.rows[0][2])

	trade := models.TradeResult{TradeID: "t1", Status: models.TradeSuccess, Profit: decimal.NewFromFloat(1.5),
		Metadata: models.TradeMetadata{Market: "R_100", SignalType: models.SignalCall, ContractID: "99"}}
	require.NoError(t, a.ArchiveTrades(ctx, []models.TradeResult{trade}))
	assert.Contains(t, ins.query, "tradepipe.trade_results")
	assert.Equal(t, "CALL", ins.rows[0][5])

	ins.err = errors.New("ch down")
	assert.ErrorContains(t, a.ArchiveTrades(ctx, []models.TradeResult{trade}), "archive trades")
	assert.Len(t, ArchiveSchema("tradepipe"), 3)
}

type recordingProducer struct {
	topic string
	key   []byte
	value interface{}
}

func (p *recordingProducer) Publish(_ context.Context, topic string, key []byte, value interface{}) error {
	p.topic, p.key, p.value = topic, key, value
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	prod := &recordingProducer{}
	pub := NewKafkaPublisher(prod, "events")
	e := models.NewEvent(models.EventSessionCreated, "s1", models.SessionEventPayload{SessionID: "s1"}, time.Now())

	require.NoError(t, pub.PublishEvent(context.Background(), e))
	assert.Equal(t, "events", prod.topic)
	assert.Equal(t, []byte("s1"), prod.key)
	assert.Equal(t, e, prod.value)
	assert.NoError(t, NopPublisher{}.PublishEvent(context.Background(), e))
}
