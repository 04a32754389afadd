package middleware

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradePipe/internal/domain/models"
	"TradePipe/pkg/metrics"
)

type fakeSource struct {
	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
	ch           chan models.Tick
}

func newFakeSource() *fakeSource { return &fakeSource{ch: make(chan models.Tick, 16)} }

func (f *fakeSource) SubscribeTicks(market string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, market)
}

func (f *fakeSource) UnsubscribeTicks(_ context.Context, market string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, market)
	return nil
}

func (f *fakeSource) Ticks(int) <-chan models.Tick { return f.ch }

type countingMetrics struct {
	metrics.Nop
	mu        sync.Mutex
	anomalies map[string]int
	ticks     int
}

func (m *countingMetrics) RecordAnomaly(kind, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.anomalies == nil {
		m.anomalies = map[string]int{}
	}
	m.anomalies[kind]++
}

func (m *countingMetrics) RecordTick(string, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks++
}

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func tick(market string, epoch int64, quote float64) models.Tick {
	return models.Tick{
		Market: market, Epoch: epoch, Quote: quote,
		Bid: quote - 0.05, Ask: quote + 0.05,
		Timestamp: time.Unix(epoch, 0),
	}
}

func TestNormalizerDerivesSpread(t *testing.T) {
	n := NewNormalizer(newFakeSource(), metrics.Nop{})

	nt, ok := n.Process(tick("R_100", 100, 1234.5))
	require.True(t, ok)
	assert.InDelta(t, 0.1, nt.Spread, 1e-9)
	assert.Equal(t, int64(100_000), nt.Timestamp)
	assert.Zero(t, nt.Volatility)
}

func TestNormalizerValidation(t *testing.T) {
	m := &countingMetrics{}
	n := NewNormalizer(newFakeSource(), m, WithMaxSpreadRatio(0.01))
	anomalies := n.Anomalies(8)

	cases := []struct {
		tick models.Tick
		kind AnomalyKind
	}{
		{models.Tick{Market: "R_100", Epoch: 1, Bid: 0, Ask: 1, Quote: 0.5}, AnomalyPriceBelowMin},
		{models.Tick{Market: "R_100", Epoch: 2, Bid: 10, Ask: 10, Quote: 10}, AnomalyCrossedQuote},
		{models.Tick{Market: "R_100", Epoch: 3, Bid: 11, Ask: 10, Quote: 10.5}, AnomalyCrossedQuote},
		{models.Tick{Market: "R_100", Epoch: 4, Bid: 9, Ask: 11, Quote: 10}, AnomalySpreadTooWide},
	}
	for _, c := range cases {
		_, ok := n.Process(c.tick)
		assert.False(t, ok)
		a := <-anomalies
		assert.Equal(t, c.kind, a.Kind)
	}
	assert.Equal(t, 2, m.anomalies[string(AnomalyCrossedQuote)])
	assert.Zero(t, m.ticks)
}

func TestNormalizerIdenticalTicks(t *testing.T) {
	m := &countingMetrics{}
	n := NewNormalizer(newFakeSource(), m)
	out := n.Normalized(16)

	const copies = 7
	for i := 0; i < copies; i++ {
		n.Process(tick("R_100", 50, 100))
	}

	assert.Len(t, out, 1)
	assert.Equal(t, copies-1, m.anomalies[string(AnomalyDuplicate)])
}

func TestNormalizerOutOfOrder(t *testing.T) {
	m := &countingMetrics{}
	n := NewNormalizer(newFakeSource(), m)

	_, ok := n.Process(tick("R_100", 10, 100))
	require.True(t, ok)
	_, ok = n.Process(tick("R_100", 9, 101))
	assert.False(t, ok)
	assert.Equal(t, 1, m.anomalies[string(AnomalyOutOfOrder)])

	_, ok = n.Process(tick("R_100", 11, 101))
	assert.True(t, ok)
}

func TestNormalizerSameEpochDifferentQuote(t *testing.T) {
	m := &countingMetrics{}
	n := NewNormalizer(newFakeSource(), m)
	out := n.Normalized(4)

	_, ok := n.Process(tick("R_100", 1_700_000_000, 100))
	require.True(t, ok)
	_, ok = n.Process(tick("R_100", 1_700_000_000, 100.1))
	assert.False(t, ok)

	assert.Len(t, out, 1)
	assert.Equal(t, 1, m.anomalies[string(AnomalyOutOfOrder)])
	assert.Zero(t, m.anomalies[string(AnomalyDuplicate)])
}

func TestNormalizerDedupWindowIsBounded(t *testing.T) {
	n := NewNormalizer(newFakeSource(), metrics.Nop{}, WithDedupWindow(3))
	for e := int64(1); e <= 5; e++ {
		_, ok := n.Process(tick("R_100", e, 100))
		require.True(t, ok)
	}
	n.mu.Lock()
	st := n.markets["R_100"]
	assert.Len(t, st.hashes, 3)
	assert.Len(t, st.hashRing, 3)
	n.mu.Unlock()
}

func TestNormalizerBufferAndVolatility(t *testing.T) {
	n := NewNormalizer(newFakeSource(), metrics.Nop{}, WithBufferSize(10))

	var last models.NormalizedTick
	for e := int64(1); e <= 25; e++ {
		q := 100.0
		if e%2 == 0 {
			q = 101
		}
		nt, ok := n.Process(tick("R_100", e, q))
		require.True(t, ok)
		last = nt
	}
	recent := n.Recent("R_100")
	require.Len(t, recent, 10)
	assert.Equal(t, int64(16), recent[0].Epoch)
	assert.Equal(t, int64(25), recent[9].Epoch)
	assert.Greater(t, last.Volatility, 0.0)
	assert.Equal(t, last.Volatility, recent[9].Volatility)
}

func TestNormalizerHeartbeat(t *testing.T) {
	clk := &manualClock{t: time.Unix(1_700_000_000, 0)}
	src := newFakeSource()
	n := NewNormalizer(src, metrics.Nop{}, WithHeartbeat(10*time.Second, time.Second), WithNormalizerClock(clk.Now))
	events := n.MarketEvents(8)

	n.Subscribe("R_100")
	n.Process(tick("R_100", 1, 100))

	clk.Advance(5 * time.Second)
	n.CheckHeartbeats()
	assert.Empty(t, events)

	clk.Advance(6 * time.Second)
	n.CheckHeartbeats()
	n.CheckHeartbeats()
	require.Len(t, events, 1)
	ev := <-events
	assert.Equal(t, EventHeartbeatFailure, ev.Type)
	assert.Equal(t, "R_100", ev.Market)

	clk.Advance(time.Second)
	n.Process(tick("R_100", 2, 100.5))
	require.Len(t, events, 1)
	ev = <-events
	assert.Equal(t, EventMarketResumed, ev.Type)
	assert.Equal(t, 12*time.Second, ev.Silence)
}

func TestNormalizerUnsubscribePurges(t *testing.T) {
	src := newFakeSource()
	n := NewNormalizer(src, metrics.Nop{})

	n.Subscribe("R_50")
	n.Subscribe("R_50")
	n.Process(tick("R_50", 5, 10))
	require.True(t, n.Tracked("R_50"))

	require.NoError(t, n.Unsubscribe(context.Background(), "R_50"))
	assert.False(t, n.Tracked("R_50"))
	assert.Nil(t, n.Recent("R_50"))
	assert.Equal(t, []string{"R_50", "R_50"}, src.subscribed)
	assert.Equal(t, []string{"R_50"}, src.unsubscribed)

	_, ok := n.Process(tick("R_50", 5, 10))
	assert.True(t, ok, "state was purged, so the epoch is new again")
}

func TestNormalizerRun(t *testing.T) {
	src := newFakeSource()
	n := NewNormalizer(src, metrics.Nop{})
	out := n.Normalized(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	src.ch <- tick("R_100", 1, 100)
	select {
	case nt := <-out:
		assert.Equal(t, "R_100", nt.Market)
	case <-time.After(time.Second):
		t.Fatal("no normalized tick")
	}
	cancel()
	require.NoError(t, <-done)
	_, open := <-out
	assert.False(t, open)
}
