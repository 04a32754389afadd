package signals

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradePipe/internal/domain/models"
	"TradePipe/internal/service/session"
)

type fakeSessions struct {
	mu     sync.Mutex
	status map[string]models.SessionStatus
}

func (f *fakeSessions) set(id string, st models.SessionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = st
}

func (f *fakeSessions) GetSession(id string) (models.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[id]
	if !ok {
		return models.Session{}, false
	}
	return models.Session{ID: id, Status: st}, true
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func setup() (*Store, *fakeSessions, *clock) {
	sessions := &fakeSessions{status: map[string]models.SessionStatus{
		"running": models.SessionRunning,
		"active":  models.SessionActive,
		"paused":  models.SessionPaused,
		"pending": models.SessionPending,
	}}
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	return NewStore(sessions, WithClock(clk.now)), sessions, clk
}

func callSignal() models.Signal {
	return models.Signal{Type: models.SignalCall, Confidence: 0.7, Market: "R_100", Reason: models.ReasonEMACrossUp}
}

func TestAddSignalGatedOnSessionStatus(t *testing.T) {
	s, _, _ := setup()

	for _, id := range []string{"running", "active"} {
		stored, ok := s.AddSignal(id, callSignal())
		require.True(t, ok, id)
		assert.Equal(t, models.StoredSignalActive, stored.Status)
		assert.Equal(t, stored.CreatedAt.Add(DefaultTTL), stored.ExpiresAt)
	}
	for _, id := range []string{"paused", "pending", "missing"} {
		_, ok := s.AddSignal(id, callSignal())
		assert.False(t, ok, id)
	}
	assert.Equal(t, 2, s.Len())
}

func TestSweepExpiresAndPurges(t *testing.T) {
	s, _, clk := setup()
	changes := s.Changes(8)

	a, _ := s.AddSignal("running", callSignal())
	clk.advance(30 * time.Second)
	b, _ := s.AddSignal("running", callSignal())

	clk.advance(30 * time.Second)
	expired, purged := s.Sweep()
	assert.Equal(t, 1, expired)
	assert.Equal(t, 0, purged)

	got, _ := s.Get(a.ID)
	assert.Equal(t, models.StoredSignalExpired, got.Status)
	got, _ = s.Get(b.ID)
	assert.Equal(t, models.StoredSignalActive, got.Status)

	ev := <-changes
	assert.Equal(t, a.ID, ev.ID)
	assert.Equal(t, models.StoredSignalExpired, ev.Status)

	clk.advance(time.Hour)
	expired, purged = s.Sweep()
	assert.Equal(t, 1, expired, "b expires")
	assert.Equal(t, 1, purged, "a is past retention")

	clk.advance(time.Minute)
	_, purged = s.Sweep()
	assert.Equal(t, 1, purged)
	assert.Equal(t, 0, s.Len())
}

func TestMarkExecuted(t *testing.T) {
	s, _, _ := setup()
	stored, _ := s.AddSignal("running", callSignal())

	require.NoError(t, s.MarkExecuted(stored.ID))
	assert.ErrorIs(t, s.MarkExecuted(stored.ID), ErrSignalInactive)
	assert.ErrorIs(t, s.MarkExecuted("nope"), ErrSignalNotFound)
	assert.Empty(t, s.ActiveSignals("running"))
}

func TestPauseCancelsActiveSignals(t *testing.T) {
	s, sessions, _ := setup()
	keep, _ := s.AddSignal("active", callSignal())
	_, _ = s.AddSignal("running", callSignal())
	_, _ = s.AddSignal("running", callSignal())

	sessions.set("running", models.SessionPaused)
	s.OnSessionStatus(context.Background(), session.StatusChange{SessionID: "running", From: models.SessionRunning, To: models.SessionPaused})

	assert.Empty(t, s.ActiveSignals("running"))
	assert.Len(t, s.ActiveSignals("active"), 1)
	got, _ := s.Get(keep.ID)
	assert.Equal(t, models.StoredSignalActive, got.Status)

	_, ok := s.AddSignal("running", callSignal())
	assert.False(t, ok)

	s.OnSessionStatus(context.Background(), session.StatusChange{SessionID: "active", From: models.SessionActive, To: models.SessionRunning})
	assert.Len(t, s.ActiveSignals("active"), 1)
}

func TestMassPauseCancelsEverySession(t *testing.T) {
	ctx := context.Background()
	sessions := session.NewStore()
	s := NewStore(sessions)
	sessions.OnStatusChange(s.OnSessionStatus)

	const n = 150
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		sess, err := sessions.CreateSession(ctx, "admin", models.SessionConfig{Markets: []string{"R_100"}})
		require.NoError(t, err)
		_, err = sessions.UpdateSessionStatus(ctx, sess.ID, models.SessionRunning)
		require.NoError(t, err)
		_, ok := s.AddSignal(sess.ID, callSignal())
		require.True(t, ok)
		ids = append(ids, sess.ID)
	}
	for _, id := range ids {
		_, err := sessions.UpdateSessionStatus(ctx, id, models.SessionPaused)
		require.NoError(t, err)
	}
	for _, id := range ids {
		assert.Empty(t, s.ActiveSignals(id), id)
	}
}

func TestRunSweepsUntilDone(t *testing.T) {
	s, _, clk := setup()
	s.sweepEvery = 5 * time.Millisecond
	changes := s.Changes(4)
	a, _ := s.AddSignal("running", callSignal())
	clk.advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case ev := <-changes:
		assert.Equal(t, a.ID, ev.ID)
		assert.Equal(t, models.StoredSignalExpired, ev.Status)
	case <-time.After(time.Second):
		t.Fatal("no sweep")
	}
	cancel()
	<-done
	_, open := <-changes
	assert.False(t, open)
}

func TestCancelSession(t *testing.T) {
	s, _, _ := setup()
	_, _ = s.AddSignal("running", callSignal())
	assert.Equal(t, 1, len(s.ActiveSignals("running")))
	assert.Equal(t, 0, s.CancelSession("missing"))
	assert.Equal(t, 1, s.CancelSession("running"))
	assert.Equal(t, 0, s.CancelSession("running"))
}
