package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradePipe/internal/domain/models"
	"TradePipe/pkg/metrics"
)

type stubSessions struct {
	sessions []models.Session
}

func (s *stubSessions) GetSession(id string) (models.Session, bool) {
	for _, sess := range s.sessions {
		if sess.ID == id {
			return sess, true
		}
	}
	return models.Session{}, false
}

func (s *stubSessions) TradingSessionsForMarket(market string) []models.Session {
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.Status.Trading() && sess.Config.AllowsMarket(market) {
			out = append(out, sess)
		}
	}
	return out
}

type memAudit struct {
	mu        sync.Mutex
	decisions []models.RiskCheck
	blocked   []models.RiskCheck
}

func (a *memAudit) RecordDecision(_ context.Context, c models.RiskCheck) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.decisions = append(a.decisions, c)
	return nil
}

func (a *memAudit) RecordBlocked(_ context.Context, c models.RiskCheck) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blocked = append(a.blocked, c)
	return nil
}

type memEvents struct {
	mu     sync.Mutex
	events []models.Event
}

func (m *memEvents) PublishEvent(_ context.Context, e models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

type pauseFlag struct{ on bool }

func (p pauseFlag) TradingPaused() (bool, string) { return p.on, "ADMIN_PAUSE" }

var riskNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func participant(id string, pnl int64) models.Participant {
	return models.Participant{
		UserID:    id,
		Status:    models.ParticipantActive,
		PnL:       dec(pnl),
		PeakPnL:   decimal.Max(dec(pnl), decimal.Zero),
		DailyLoss: decimal.Zero,
		Day:       riskNow.Format(models.DayLayout),
	}
}

func riskSession(id string, ps ...models.Participant) models.Session {
	return models.Session{
		ID:     id,
		Status: models.SessionRunning,
		Config: models.SessionConfig{
			Markets:             []string{"R_100"},
			GlobalLossThreshold: dec(1000),
			MaxDrawdown:         dec(300),
			MaxDailyLoss:        dec(200),
			MaxTradesPerDay:     5,
		},
		Participants: ps,
	}
}

func riskSignal() models.Signal {
	return models.Signal{Type: models.SignalCall, Confidence: 0.8, Market: "R_100", Reason: models.ReasonEMACrossUp}.
		WithMetadata(models.SignalMetadata{Features: models.Features{RSI: 45}, Source: SourceRule})
}

func newGuard(sessions *stubSessions, pause TradingPause) (*RiskGuard, *memAudit, *memEvents) {
	audit := &memAudit{}
	events := &memEvents{}
	g := NewRiskGuard(sessions, audit, events, pause, metrics.Nop{}, nil)
	g.now = func() time.Time { return riskNow }
	return g, audit, events
}

func TestRiskGuardGlobalLossRejectsEveryone(t *testing.T) {
	sessions := &stubSessions{sessions: []models.Session{
		riskSession("s1", participant("u1", -700), participant("u2", -500), participant("u3", 0)),
	}}
	g, audit, _ := newGuard(sessions, nil)

	checks := g.Evaluate(context.Background(), riskSignal())
	require.Len(t, checks, 3)
	for _, c := range checks {
		assert.Equal(t, models.RiskRejected, c.Result)
		assert.Equal(t, models.RejectGlobalLoss, c.Reason)
		assert.Equal(t, "1000", c.Meta["threshold"])
		assert.Equal(t, "-1200", c.Meta["session_pnl"])
	}
	assert.Len(t, audit.decisions, 3)
	assert.Len(t, audit.blocked, 3)
}

func TestRiskGuardUserChecksInOrder(t *testing.T) {
	drawdown := participant("dd", -100)
	drawdown.PeakPnL = dec(250)
	drawdown.DailyLoss = dec(500)

	daily := participant("daily", -50)
	daily.DailyLoss = dec(200)
	daily.TradesToday = 9

	trades := participant("trades", 10)
	trades.TradesToday = 5

	staleDay := participant("stale", 0)
	staleDay.Day = "2024-02-29"
	staleDay.TradesToday = 5
	staleDay.DailyLoss = dec(900)

	ok := participant("ok", 20)

	sessions := &stubSessions{sessions: []models.Session{riskSession("s1", drawdown, daily, trades, staleDay, ok)}}
	g, _, events := newGuard(sessions, nil)

	checks := g.Evaluate(context.Background(), riskSignal())
	require.Len(t, checks, 5)

	got := map[string]models.RiskCheck{}
	for _, c := range checks {
		got[c.UserID] = c
	}
	assert.Equal(t, models.RejectDrawdown, got["dd"].Reason)
	assert.Equal(t, models.RejectDailyLoss, got["daily"].Reason)
	assert.Equal(t, models.RejectTradesPerDay, got["trades"].Reason)
	assert.True(t, got["stale"].Approved(), "yesterday's counters do not count")
	assert.True(t, got["ok"].Approved())
	assert.Equal(t, models.Features{RSI: 45}, got["ok"].Meta["features"])
	assert.Len(t, events.events, 5)
}

func TestRiskGuardSkipsIneligibleSessions(t *testing.T) {
	other := riskSession("other-market", participant("u1", 0))
	other.Config.Markets = []string{"R_50"}
	paused := riskSession("paused", participant("u2", 0))
	paused.Status = models.SessionPaused
	empty := riskSession("empty")
	removed := participant("u3", 0)
	removed.Status = models.ParticipantRemoved

	sessions := &stubSessions{sessions: []models.Session{other, paused, empty, riskSession("live", removed, participant("u4", 0))}}
	g, _, _ := newGuard(sessions, nil)

	checks := g.Evaluate(context.Background(), riskSignal())
	require.Len(t, checks, 1)
	assert.Equal(t, "u4", checks[0].UserID)
	assert.True(t, checks[0].Approved())
}

func TestRiskGuardGlobalPause(t *testing.T) {
	sessions := &stubSessions{sessions: []models.Session{riskSession("s1", participant("u1", 0))}}
	g, audit, _ := newGuard(sessions, pauseFlag{on: true})

	checks := g.Evaluate(context.Background(), riskSignal())
	require.Len(t, checks, 1)
	assert.Equal(t, models.RejectTradingPaused, checks[0].Reason)
	assert.Len(t, audit.blocked, 1)

	manual := g.EvaluateManual(context.Background(), "u1", "s1", riskSignal())
	assert.Equal(t, models.RejectTradingPaused, manual.Reason)
}

func TestRiskGuardEvaluateManual(t *testing.T) {
	limited := participant("limited", 0)
	limited.TradesToday = 5
	sessions := &stubSessions{sessions: []models.Session{riskSession("s1", participant("u1", 0), limited)}}
	g, audit, _ := newGuard(sessions, pauseFlag{})

	c := g.EvaluateManual(context.Background(), "u1", "s1", riskSignal())
	assert.True(t, c.Approved())
	assert.True(t, c.Manual)

	c = g.EvaluateManual(context.Background(), "limited", "s1", riskSignal())
	assert.Equal(t, models.RejectTradesPerDay, c.Reason)

	c = g.EvaluateManual(context.Background(), "ghost", "s1", riskSignal())
	assert.Equal(t, models.RejectNotEligible, c.Reason)

	c = g.EvaluateManual(context.Background(), "u1", "missing", riskSignal())
	assert.Equal(t, models.RejectNotEligible, c.Reason)

	sig := riskSignal()
	sig.Market = "R_50"
	c = g.EvaluateManual(context.Background(), "u1", "s1", sig)
	assert.Equal(t, models.RejectNotEligible, c.Reason)

	assert.Len(t, audit.decisions, 5)
	assert.Len(t, audit.blocked, 4)
}

func TestRiskGuardZeroLimitsDisabled(t *testing.T) {
	sess := riskSession("s1", participant("u1", -5000))
	sess.Config = models.SessionConfig{Markets: []string{"R_100"}}
	g, _, _ := newGuard(&stubSessions{sessions: []models.Session{sess}}, nil)

	checks := g.Evaluate(context.Background(), riskSignal())
	require.Len(t, checks, 1)
	assert.True(t, checks[0].Approved())
}
