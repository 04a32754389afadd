package logger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	mu      sync.Mutex
	topics  []string
	batches [][]AggregatedLogEntry
}

func (p *capturePublisher) PublishMessage(_ context.Context, topic string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.batches = append(p.batches, payload.([]AggregatedLogEntry))
	return nil
}

func (p *capturePublisher) entries() []AggregatedLogEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []AggregatedLogEntry
	for _, b := range p.batches {
		out = append(out, b...)
	}
	return out
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(&Config{Level: "loud"})
	assert.Error(t, err)
}

func TestCollectorFoldsIdenticalErrors(t *testing.T) {
	pub := &capturePublisher{}
	c := NewLogCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 100, Topic: "logs", Publisher: pub})

	fields := map[string]interface{}{"market": "R_100"}
	c.AddLog("error", "buy failed", fields, "executor.go:10")
	c.AddLog("error", "buy failed", fields, "executor.go:10")
	c.AddLog("error", "connect failed", nil, "client.go:5")
	assert.Equal(t, 2, c.Pending())

	c.Close()
	got := pub.entries()
	require.Len(t, got, 2)
	counts := map[string]int{}
	for _, e := range got {
		counts[e.Message] = e.Count
	}
	assert.Equal(t, 2, counts["buy failed"])
	assert.Equal(t, 1, counts["connect failed"])
	assert.Equal(t, []string{"logs"}, pub.topics)
}

func TestCollectorFlushesOnThreshold(t *testing.T) {
	pub := &capturePublisher{}
	c := NewLogCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 2, Publisher: pub})
	defer c.Close()

	c.AddLog("error", "a", nil, "x")
	c.AddLog("error", "b", nil, "x")
	assert.Zero(t, c.Pending())
	assert.Eventually(t, func() bool { return len(pub.entries()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestNamedLoggersShareLateCollector(t *testing.T) {
	root := NewNop()
	child := root.Named("executor")

	pub := &capturePublisher{}
	root.AddCollector(&CollectionConfig{TimeInterval: time.Hour, Topic: "logs", Publisher: pub})
	child.Error("trade failed", String("user_id", "u1"), Error(errors.New("timeout")))
	child.Warn("not collected")
	root.RemoveCollector()

	got := pub.entries()
	require.Len(t, got, 1)
	assert.Equal(t, "trade failed", got[0].Message)
	assert.Equal(t, "executor", got[0].Fields["component"])
	assert.Equal(t, "u1", got[0].Fields["user_id"])
}
