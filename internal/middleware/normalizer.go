package middleware

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"TradePipe/internal/domain/models"
	domrepo "TradePipe/internal/domain/repository"
	"TradePipe/internal/services/features"
	"TradePipe/pkg/bus"
	"TradePipe/pkg/logger"
)

// TickSource is the venue side of the normalizer.
type TickSource interface {
	SubscribeTicks(market string)
	UnsubscribeTicks(ctx context.Context, market string) error
	Ticks(buffer int) <-chan models.Tick
}

type AnomalyKind string

const (
	AnomalyPriceBelowMin AnomalyKind = "PRICE_BELOW_MIN"
	AnomalyCrossedQuote  AnomalyKind = "CROSSED_QUOTE"
	AnomalySpreadTooWide AnomalyKind = "SPREAD_TOO_WIDE"
	AnomalyDuplicate     AnomalyKind = "DUPLICATE"
	AnomalyOutOfOrder    AnomalyKind = "OUT_OF_ORDER"
)

// Anomaly describes a rejected tick.
type Anomaly struct {
	Kind   AnomalyKind
	Market string
	Epoch  int64
	Detail string
}

func (a Anomaly) Error() string {
	return fmt.Sprintf("%s %s@%d: %s", a.Kind, a.Market, a.Epoch, a.Detail)
}

type MarketEventType string

const (
	EventHeartbeatFailure MarketEventType = "heartbeat_failure"
	EventMarketResumed    MarketEventType = "market_resumed"
)

// MarketEvent reports per-market silence and recovery.
type MarketEvent struct {
	Type    MarketEventType
	Market  string
	At      time.Time
	Silence time.Duration
}

type marketState struct {
	lastEpoch  int64
	lastTickAt time.Time
	stale      bool
	hashes     map[string]struct{}
	hashRing   []string
	buffer     []models.NormalizedTick
}

// Normalizer validates raw ticks, drops duplicates and out-of-order
// updates, and derives spread and volatility.
type Normalizer struct {
	src     TickSource
	metrics domrepo.Metrics
	log     *logger.Logger
	now     func() time.Time

	minPrice         float64
	maxSpreadRatio   float64
	dedupWindow      int
	bufferSize       int
	volatilityWindow int
	heartbeatTimeout time.Duration
	checkInterval    time.Duration

	mu      sync.Mutex
	markets map[string]*marketState

	normalized *bus.Topic[models.NormalizedTick]
	anomalies  *bus.Topic[Anomaly]
	events     *bus.Topic[MarketEvent]
}

type NormalizerOption func(*Normalizer)

func WithMinPrice(v float64) NormalizerOption {
	return func(n *Normalizer) {
		if v > 0 {
			n.minPrice = v
		}
	}
}

func WithMaxSpreadRatio(v float64) NormalizerOption {
	return func(n *Normalizer) {
		if v > 0 {
			n.maxSpreadRatio = v
		}
	}
}

// WithDedupWindow sets how many recent tick hashes are kept per market.
func WithDedupWindow(size int) NormalizerOption {
	return func(n *Normalizer) {
		if size > 0 {
			n.dedupWindow = size
		}
	}
}

// WithBufferSize sets the rolling buffer of normalized ticks per market.
func WithBufferSize(size int) NormalizerOption {
	return func(n *Normalizer) {
		if size > 0 {
			n.bufferSize = size
		}
	}
}

func WithVolatilityWindow(size int) NormalizerOption {
	return func(n *Normalizer) {
		if size > 1 {
			n.volatilityWindow = size
		}
	}
}

func WithHeartbeat(timeout, checkEvery time.Duration) NormalizerOption {
	return func(n *Normalizer) {
		if timeout > 0 {
			n.heartbeatTimeout = timeout
		}
		if checkEvery > 0 {
			n.checkInterval = checkEvery
		}
	}
}

func WithNormalizerLogger(l *logger.Logger) NormalizerOption {
	return func(n *Normalizer) { n.log = l }
}

func WithNormalizerClock(now func() time.Time) NormalizerOption {
	return func(n *Normalizer) { n.now = now }
}

func NewNormalizer(src TickSource, metrics domrepo.Metrics, opts ...NormalizerOption) *Normalizer {
	n := &Normalizer{
		src:              src,
		metrics:          metrics,
		log:              logger.NewNop(),
		now:              time.Now,
		minPrice:         0.00001,
		maxSpreadRatio:   0.05,
		dedupWindow:      50,
		bufferSize:       100,
		volatilityWindow: 20,
		heartbeatTimeout: 10 * time.Second,
		checkInterval:    time.Second,
		markets:          make(map[string]*marketState),
	}
	for _, opt := range opts {
		opt(n)
	}
	onDrop := func(topic string) { n.metrics.RecordError("normalizer_" + topic + "_dropped") }
	n.normalized = bus.NewTopic[models.NormalizedTick]("ticks", onDrop)
	n.anomalies = bus.NewTopic[Anomaly]("anomalies", onDrop)
	n.events = bus.NewTopic[MarketEvent]("market_events", onDrop)
	return n
}

func (n *Normalizer) Normalized(buffer int) <-chan models.NormalizedTick {
	return n.normalized.Subscribe(buffer)
}

func (n *Normalizer) Anomalies(buffer int) <-chan Anomaly { return n.anomalies.Subscribe(buffer) }

func (n *Normalizer) MarketEvents(buffer int) <-chan MarketEvent { return n.events.Subscribe(buffer) }

// Subscribe starts tracking a market and asks the venue for its ticks.
func (n *Normalizer) Subscribe(market string) {
	n.mu.Lock()
	if _, ok := n.markets[market]; !ok {
		n.markets[market] = n.newState()
	}
	n.mu.Unlock()
	n.src.SubscribeTicks(market)
}

// Unsubscribe purges every piece of derived state for the market.
func (n *Normalizer) Unsubscribe(ctx context.Context, market string) error {
	n.mu.Lock()
	delete(n.markets, market)
	n.mu.Unlock()
	return n.src.UnsubscribeTicks(ctx, market)
}

func (n *Normalizer) newState() *marketState {
	return &marketState{
		lastTickAt: n.now(),
		hashes:     make(map[string]struct{}, n.dedupWindow),
	}
}

// Run consumes venue ticks and checks heartbeats until ctx is done.
func (n *Normalizer) Run(ctx context.Context) error {
	ticks := n.src.Ticks(1024)
	check := time.NewTicker(n.checkInterval)
	defer check.Stop()
	defer n.close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-ticks:
			if !ok {
				return nil
			}
			n.Process(t)
		case <-check.C:
			n.CheckHeartbeats()
		}
	}
}

func (n *Normalizer) close() {
	n.normalized.Close()
	n.anomalies.Close()
	n.events.Close()
}

// Process normalizes one tick. It returns false when the tick was rejected.
func (n *Normalizer) Process(t models.Tick) (models.NormalizedTick, bool) {
	start := time.Now()
	if a, bad := n.validate(t); bad {
		n.reject(a)
		return models.NormalizedTick{}, false
	}

	now := n.now()
	n.mu.Lock()
	st, ok := n.markets[t.Market]
	if !ok {
		st = n.newState()
		n.markets[t.Market] = st
	}

	key := dedupKey(t)
	if _, dup := st.hashes[key]; dup {
		n.mu.Unlock()
		n.reject(Anomaly{Kind: AnomalyDuplicate, Market: t.Market, Epoch: t.Epoch, Detail: "tick already seen"})
		return models.NormalizedTick{}, false
	}
	if t.Epoch <= st.lastEpoch {
		last := st.lastEpoch
		n.mu.Unlock()
		n.reject(Anomaly{Kind: AnomalyOutOfOrder, Market: t.Market, Epoch: t.Epoch,
			Detail: fmt.Sprintf("epoch not after last accepted %d", last)})
		return models.NormalizedTick{}, false
	}

	st.remember(key, n.dedupWindow)
	st.lastEpoch = t.Epoch
	silence := now.Sub(st.lastTickAt)
	st.lastTickAt = now
	resumed := st.stale
	st.stale = false

	nt := models.NormalizedTick{
		Market:    t.Market,
		Epoch:     t.Epoch,
		Timestamp: tickTime(t).UnixMilli(),
		Bid:       t.Bid,
		Ask:       t.Ask,
		Quote:     t.Quote,
		Spread:    t.Ask - t.Bid,
	}
	st.buffer = append(st.buffer, nt)
	if len(st.buffer) > n.bufferSize {
		st.buffer = st.buffer[len(st.buffer)-n.bufferSize:]
	}
	nt.Volatility = n.volatility(st.buffer)
	st.buffer[len(st.buffer)-1].Volatility = nt.Volatility
	n.mu.Unlock()

	if resumed {
		n.log.Info("market resumed", logger.String("market", t.Market), logger.Duration("silence", silence))
		n.events.Publish(MarketEvent{Type: EventMarketResumed, Market: t.Market, At: now, Silence: silence})
	}
	n.metrics.RecordTick(t.Market, t.Quote)
	n.metrics.RecordLatency("normalize", time.Since(start).Seconds())
	n.normalized.Publish(nt)
	return nt, true
}

func (n *Normalizer) validate(t models.Tick) (Anomaly, bool) {
	a := Anomaly{Market: t.Market, Epoch: t.Epoch}
	switch {
	case t.Bid < n.minPrice || t.Ask < n.minPrice || t.Quote < n.minPrice:
		a.Kind = AnomalyPriceBelowMin
		a.Detail = fmt.Sprintf("bid=%g ask=%g quote=%g min=%g", t.Bid, t.Ask, t.Quote, n.minPrice)
	case t.Bid >= t.Ask:
		a.Kind = AnomalyCrossedQuote
		a.Detail = fmt.Sprintf("bid %g >= ask %g", t.Bid, t.Ask)
	case (t.Ask-t.Bid)/t.Quote > n.maxSpreadRatio:
		a.Kind = AnomalySpreadTooWide
		a.Detail = fmt.Sprintf("spread ratio %.6f > %.6f", (t.Ask-t.Bid)/t.Quote, n.maxSpreadRatio)
	default:
		return Anomaly{}, false
	}
	return a, true
}

func (n *Normalizer) reject(a Anomaly) {
	n.metrics.RecordAnomaly(string(a.Kind), a.Market)
	if a.Kind == AnomalyDuplicate {
		n.log.Debug("tick rejected", logger.String("kind", string(a.Kind)), logger.String("market", a.Market), logger.Int64("epoch", a.Epoch))
	} else {
		n.log.Warn("tick rejected", logger.String("kind", string(a.Kind)), logger.String("market", a.Market),
			logger.Int64("epoch", a.Epoch), logger.String("detail", a.Detail))
	}
	n.anomalies.Publish(a)
}

func (n *Normalizer) volatility(buf []models.NormalizedTick) float64 {
	if len(buf) < 3 {
		return 0
	}
	from := len(buf) - n.volatilityWindow - 1
	if from < 0 {
		from = 0
	}
	prices := make([]float64, 0, len(buf)-from)
	for _, t := range buf[from:] {
		prices = append(prices, t.Quote)
	}
	rets := features.Returns(prices)
	return features.RealizedVolatility(rets, len(rets), features.SecondsPerYear)
}

// CheckHeartbeats fires heartbeat_failure once for every market silent for
// longer than the heartbeat timeout.
func (n *Normalizer) CheckHeartbeats() {
	now := n.now()
	var failed []MarketEvent

	n.mu.Lock()
	for market, st := range n.markets {
		if st.stale {
			continue
		}
		if silence := now.Sub(st.lastTickAt); silence > n.heartbeatTimeout {
			st.stale = true
			failed = append(failed, MarketEvent{Type: EventHeartbeatFailure, Market: market, At: now, Silence: silence})
		}
	}
	n.mu.Unlock()

	for _, ev := range failed {
		n.metrics.RecordError("market_heartbeat_failure")
		n.log.Warn("market heartbeat failure", logger.String("market", ev.Market), logger.Duration("silence", ev.Silence))
		n.events.Publish(ev)
	}
}

// Recent returns the buffered normalized ticks for a market, oldest first.
func (n *Normalizer) Recent(market string) []models.NormalizedTick {
	n.mu.Lock()
	defer n.mu.Unlock()
	st, ok := n.markets[market]
	if !ok {
		return nil
	}
	return append([]models.NormalizedTick(nil), st.buffer...)
}

// Tracked reports whether any state is held for the market.
func (n *Normalizer) Tracked(market string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.markets[market]
	return ok
}

func (st *marketState) remember(key string, window int) {
	st.hashes[key] = struct{}{}
	st.hashRing = append(st.hashRing, key)
	if len(st.hashRing) > window {
		evict := st.hashRing[0]
		st.hashRing = st.hashRing[1:]
		delete(st.hashes, evict)
	}
}

func dedupKey(t models.Tick) string {
	return t.Market + "|" + strconv.FormatInt(t.Epoch, 10) + "|" + strconv.FormatFloat(t.Quote, 'f', 5, 64)
}

func tickTime(t models.Tick) time.Time {
	if !t.Timestamp.IsZero() {
		return t.Timestamp
	}
	return time.Unix(t.Epoch, 0)
}
