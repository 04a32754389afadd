package kafka

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradePipe/pkg/logger"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

type fakeReader struct {
	ch        chan kafka.Message
	mu        sync.Mutex
	committed []int64
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{ch: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.ch <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.ch:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

type funcHandler struct {
	topic string
	fn    func([]byte) error
}

func (h funcHandler) Topic() string                            { return h.topic }
func (h funcHandler) Handle(_ context.Context, b []byte) error { return h.fn(b) }

func TestProducerPublishEncodes(t *testing.T) {
	reg := prometheus.NewRegistry()
	w := &fakeWriter{}
	p := &Producer{writer: w, comp: "gzip", metrics: NewProducerMetrics(reg)}

	require.NoError(t, p.Publish(context.Background(), "events", []byte("s1"), map[string]int{"a": 1}))
	require.NoError(t, p.PublishMessage(context.Background(), "logs", "raw"))
	require.NoError(t, p.PublishBatch(context.Background(), "events", []Message{{Value: []byte("x")}, {Value: []byte("y")}}))

	msgs := w.written()
	require.Len(t, msgs, 4)
	assert.JSONEq(t, `{"a":1}`, string(msgs[0].Value))
	assert.Equal(t, "s1", string(msgs[0].Key))
	assert.Equal(t, "raw", string(msgs[1].Value))
	assert.Equal(t, float64(3), testutil.ToFloat64(p.metrics.msgs.WithLabelValues("events", "gzip", "ok")))
}

func TestProducerPublishError(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := &Producer{writer: &fakeWriter{err: errors.New("broker down")}, comp: "gzip", metrics: NewProducerMetrics(reg)}

	err := p.Publish(context.Background(), "events", nil, "x")
	assert.ErrorContains(t, err, "broker down")
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.errs.WithLabelValues("events")))
}

func testConsumer(t *testing.T, reader *fakeReader, dlq *fakeWriter, retries int) *Consumer {
	t.Helper()
	c := newConsumer(&ConsumerConfig{
		WorkerCount: 2,
		BufferSize:  4,
		RetryMax:    retries,
		BackoffMin:  time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
		DLQTopic:    "dlq",
		Logger:      logger.NewNop(),
		Metrics:     NewConsumerMetrics(prometheus.NewRegistry()),
	})
	c.newReader = func(string) messageReader { return reader }
	c.dlq = dlq
	return c
}

func TestConsumerHandlesAndCommits(t *testing.T) {
	reader := newFakeReader(kafka.Message{Offset: 1, Value: []byte("a")}, kafka.Message{Offset: 2, Value: []byte("b")})
	c := testConsumer(t, reader, &fakeWriter{}, 3)

	var seen atomic.Int32
	c.RegisterHandler(funcHandler{topic: "in", fn: func([]byte) error { seen.Add(1); return nil }})
	require.NoError(t, c.Start())

	require.Eventually(t, func() bool { return reader.commits() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), seen.Load())
	require.NoError(t, c.Stop(context.Background()))
}

func TestConsumerRetriesThenDLQ(t *testing.T) {
	reader := newFakeReader(kafka.Message{Offset: 7, Value: []byte("bad")})
	dlq := &fakeWriter{}
	c := testConsumer(t, reader, dlq, 2)

	var calls atomic.Int32
	c.RegisterHandler(funcHandler{topic: "in", fn: func([]byte) error { calls.Add(1); return errors.New("boom") }})
	require.NoError(t, c.Start())

	require.Eventually(t, func() bool { return reader.commits() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load(), "first attempt plus two retries")
	msgs := dlq.written()
	require.Len(t, msgs, 1)
	assert.Equal(t, "dlq", msgs[0].Topic)
	assert.Equal(t, "bad", string(msgs[0].Value))
	require.NoError(t, c.Stop(context.Background()))
}

func TestConsumerPermanentSkipsRetry(t *testing.T) {
	reader := newFakeReader(kafka.Message{Offset: 1, Value: []byte("{}")})
	dlq := &fakeWriter{}
	c := testConsumer(t, reader, dlq, 5)

	var calls atomic.Int32
	c.RegisterHandler(funcHandler{topic: "in", fn: func([]byte) error {
		calls.Add(1)
		return Permanent(errors.New("invalid payload"))
	}})
	require.NoError(t, c.Start())

	require.Eventually(t, func() bool { return len(dlq.written()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	require.NoError(t, c.Stop(context.Background()))
}

func TestConsumerRecoversHandlerPanic(t *testing.T) {
	reader := newFakeReader(kafka.Message{Offset: 1, Value: []byte("x")})
	dlq := &fakeWriter{}
	c := testConsumer(t, reader, dlq, 0)
	c.RegisterHandler(funcHandler{topic: "in", fn: func([]byte) error { panic("nil map") }})
	require.NoError(t, c.Start())

	require.Eventually(t, func() bool { return len(dlq.written()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop(context.Background()))
}

func TestTraceHook(t *testing.T) {
	km := kafka.Message{Headers: []kafka.Header{{Key: "trace_id", Value: []byte("abc")}}}
	ctx, _, _, err := NewHookChain(TraceHook(), nil).BeforeHandle(context.Background(), "in", km, nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", TraceID(ctx))
	_, ok := StartTime(ctx)
	assert.True(t, ok)
}

func TestHookChainRecoversPanic(t *testing.T) {
	panicky := HookFuncs{Before: func(context.Context, string, kafka.Message, []byte) (context.Context, kafka.Message, []byte, error) {
		panic("bad hook")
	}}
	_, _, _, err := NewHookChain(panicky).BeforeHandle(context.Background(), "in", kafka.Message{}, nil)
	var he *HookError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "ERR_PANIC", he.Code)
}

func TestNewProducerRequiresBrokers(t *testing.T) {
	_, err := NewProducer()
	assert.Error(t, err)
	_, err = NewConsumer()
	assert.Error(t, err)
}
