package usecase

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradePipe/internal/domain/models"
	mid "TradePipe/internal/middleware"
	"TradePipe/internal/service/session"
	"TradePipe/internal/service/signals"
	"TradePipe/internal/service/venue"
	"TradePipe/pkg/metrics"
)

type fakeStream struct {
	ticks       chan models.Tick
	events      chan venue.Event
	settlements chan venue.Settlement
	connected   atomic.Bool
	closed      atomic.Bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		ticks:       make(chan models.Tick, 64),
		events:      make(chan venue.Event, 4),
		settlements: make(chan venue.Settlement, 4),
	}
}

func (f *fakeStream) SubscribeTicks(string)                           {}
func (f *fakeStream) UnsubscribeTicks(context.Context, string) error  { return nil }
func (f *fakeStream) Ticks(int) <-chan models.Tick                    { return f.ticks }
func (f *fakeStream) Connect(context.Context) error                   { f.connected.Store(true); return nil }
func (f *fakeStream) Authorize(context.Context, string) (bool, error) { return true, nil }
func (f *fakeStream) Events(int) <-chan venue.Event                   { return f.events }
func (f *fakeStream) Settlements(int) <-chan venue.Settlement         { return f.settlements }
func (f *fakeStream) Close()                                          { f.closed.Store(true) }

type pipelineFixture struct {
	pipe     *Pipeline
	sessions *session.Store
	signals  *signals.Store
	exec     *recordingExecutor
	stream   *fakeStream
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	sessions := session.NewStore()
	sigs := signals.NewStore(sessions)
	sessions.OnStatusChange(sigs.OnSessionStatus)
	guard := NewRiskGuard(sessions, &memAudit{}, &memEvents{}, pauseFlag{}, metrics.Nop{}, nil)
	exec := &recordingExecutor{}
	stream := newFakeStream()
	norm := mid.NewNormalizer(stream, metrics.Nop{})
	gen := ruleGenerator(0.3)
	pipe := NewPipeline(PipelineConfig{Markets: []string{"R_100"}}, stream, norm, gen, sigs, sessions, guard, exec,
		watchedSafety(sessions),
		NewSettlementReconciler(sessions, nil, 0, metrics.Nop{}, nil),
		&memEvents{}, metrics.Nop{}, nil)
	return &pipelineFixture{pipe: pipe, sessions: sessions, signals: sigs, exec: exec, stream: stream}
}

func (f *pipelineFixture) runningSession(t *testing.T, market string, users ...string) string {
	t.Helper()
	ctx := context.Background()
	s, err := f.sessions.CreateSession(ctx, "admin", models.SessionConfig{Markets: []string{market}, Stake: decimal.NewFromInt(2)})
	require.NoError(t, err)
	for _, u := range users {
		_, err = f.sessions.AddParticipant(ctx, s.ID, u)
		require.NoError(t, err)
	}
	_, err = f.sessions.UpdateSessionStatus(ctx, s.ID, models.SessionRunning)
	require.NoError(t, err)
	return s.ID
}

func (f *pipelineFixture) requests() []TradeRequest {
	f.exec.mu.Lock()
	defer f.exec.mu.Unlock()
	return append([]TradeRequest(nil), f.exec.reqs...)
}

func TestPipelineOnSignalExecutesPerParticipant(t *testing.T) {
	f := newPipelineFixture(t)
	sid := f.runningSession(t, "R_100", "u1", "u2")
	other := f.runningSession(t, "R_50", "u3")

	f.pipe.OnSignal(context.Background(), approvedSignal())
	f.pipe.Wait()

	reqs := f.requests()
	require.Len(t, reqs, 2)
	var users []string
	for _, r := range reqs {
		users = append(users, r.UserID)
		assert.Equal(t, sid, r.SessionID)
		assert.True(t, r.Stake.Equal(decimal.NewFromInt(2)))
	}
	assert.ElementsMatch(t, []string{"u1", "u2"}, users)

	assert.Empty(t, f.signals.ActiveSignals(sid), "executed signals leave ACTIVE")
	assert.Empty(t, f.signals.ActiveSignals(other))
}

func TestPipelineSkipsPausedSessions(t *testing.T) {
	f := newPipelineFixture(t)
	sid := f.runningSession(t, "R_100", "u1")
	_, err := f.sessions.UpdateSessionStatus(context.Background(), sid, models.SessionPaused)
	require.NoError(t, err)

	f.pipe.OnSignal(context.Background(), approvedSignal())
	f.pipe.Wait()
	assert.Empty(t, f.requests())
	assert.Zero(t, f.signals.Len())
}

func TestPipelineRun(t *testing.T) {
	f := newPipelineFixture(t)
	f.runningSession(t, "R_100", "u1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pipe.Run(ctx) }()

	require.Eventually(t, f.stream.connected.Load, time.Second, 5*time.Millisecond)
	now := time.Now()
	for i, p := range risingPrices(30) {
		f.stream.ticks <- models.Tick{
			Market:    "R_100",
			Bid:       p - 0.1,
			Ask:       p + 0.1,
			Quote:     p,
			Epoch:     int64(1_700_000_000 + i),
			Timestamp: now.Add(time.Duration(i) * time.Second),
		}
	}

	require.Eventually(t, func() bool { return len(f.requests()) > 0 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}
	assert.True(t, f.stream.closed.Load())
	assert.Equal(t, "R_100", f.requests()[0].Signal.Market)
}
