package venue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"TradePipe/internal/domain/models"
	drepo "TradePipe/internal/domain/repository"
	"TradePipe/pkg/bus"
	"TradePipe/pkg/logger"
	"TradePipe/pkg/metrics"
)

// Config holds the connection policy of one client.
type Config struct {
	URL              string
	AppID            string
	RequestTimeout   time.Duration
	ConnectTimeout   time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	BackoffMin       time.Duration
	BackoffMax       time.Duration
	BreakerThreshold int
	BreakerWindow    time.Duration
	// AutoReconnect is off for short-lived per-trade clients.
	AutoReconnect bool
}

func (c *Config) setDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 15 * time.Second
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerWindow <= 0 {
		c.BreakerWindow = 30 * time.Second
	}
}

type EventType string

const (
	EventConnected      EventType = "connected"
	EventDisconnected   EventType = "disconnected"
	EventSubscribed     EventType = "subscribed"
	EventBreakerTripped EventType = "breaker_tripped"
	EventBreakerReset   EventType = "breaker_reset"
	EventDecodeError    EventType = "decode_error"
	EventStreamError    EventType = "stream_error"
)

// Event is a connection lifecycle notification.
type Event struct {
	Type   EventType
	Market string
	Err    error
	At     time.Time
}

type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeLoss Outcome = "loss"
)

// Settlement is fired when a monitored contract is sold.
type Settlement struct {
	ContractID string
	Outcome    Outcome
	Profit     float64
}

type Option func(*Client)

func WithLogger(l *logger.Logger) Option { return func(c *Client) { c.log = l } }

func WithMetrics(m drepo.Metrics) Option { return func(c *Client) { c.metrics = m } }

func WithDialer(d *websocket.Dialer) Option { return func(c *Client) { c.dialer = d } }

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
)

// session is one live websocket with its own loops.
type session struct {
	conn   *websocket.Conn
	gen    uint64
	done   chan struct{}
	pongCh chan struct{}
}

type callResult struct {
	msg Message
	err error
}

type pendingCall struct {
	method string
	ch     chan callResult
	timer  *time.Timer
}

// Client owns one multiplexed venue connection.
type Client struct {
	cfg     Config
	log     *logger.Logger
	metrics drepo.Metrics
	dialer  *websocket.Dialer

	mu             sync.Mutex
	sess           *session
	state          connState
	stopped        bool
	gen            uint64
	backoff        *backoff.Backoff
	reconnectTimer *time.Timer
	resetTimer     *time.Timer

	writeMu sync.Mutex
	nextID  atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]*pendingCall

	subs    *subscriptions
	breaker *Breaker

	ticks       *bus.Topic[models.Tick]
	events      *bus.Topic[Event]
	settlements *bus.Topic[Settlement]
}

func New(cfg Config, opts ...Option) *Client {
	cfg.setDefaults()
	c := &Client{
		cfg:     cfg,
		log:     logger.NewNop(),
		metrics: metrics.Nop{},
		dialer:  websocket.DefaultDialer,
		pending: make(map[uint64]*pendingCall),
		subs:    newSubscriptions(),
		backoff: &backoff.Backoff{
			Min:    cfg.BackoffMin,
			Max:    cfg.BackoffMax,
			Factor: 2,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = NewBreaker(cfg.BreakerThreshold, cfg.BreakerWindow, time.Now)
	onDrop := func(topic string) { c.metrics.RecordError("venue_" + topic + "_dropped") }
	c.ticks = bus.NewTopic[models.Tick]("ticks", onDrop)
	c.events = bus.NewTopic[Event]("events", onDrop)
	c.settlements = bus.NewTopic[Settlement]("settlements", onDrop)
	return c
}

// Ticks subscribes to accepted ticks.
func (c *Client) Ticks(buffer int) <-chan models.Tick { return c.ticks.Subscribe(buffer) }

// Events subscribes to lifecycle events.
func (c *Client) Events(buffer int) <-chan Event { return c.events.Subscribe(buffer) }

// Settlements subscribes to settled contracts.
func (c *Client) Settlements(buffer int) <-chan Settlement { return c.settlements.Subscribe(buffer) }

func (c *Client) endpoint() string {
	if c.cfg.AppID == "" {
		return c.cfg.URL
	}
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return c.cfg.URL
	}
	q := u.Query()
	q.Set("app_id", c.cfg.AppID)
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect opens the connection. It is a no-op while connected or
// connecting, and refuses with ErrCircuitOpen while the breaker is open.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != stateDisconnected {
		c.mu.Unlock()
		return nil
	}
	if c.breaker.Open() {
		c.mu.Unlock()
		return ErrCircuitOpen
	}
	c.stopped = false
	c.state = stateConnecting
	c.mu.Unlock()

	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	start := time.Now()
	conn, _, err := c.dialer.DialContext(dctx, c.endpoint(), nil)
	if err != nil {
		c.mu.Lock()
		c.state = stateDisconnected
		stopped := c.stopped
		c.mu.Unlock()
		c.metrics.RecordError("venue_connect")
		c.log.Warn("venue connect failed", logger.String("url", c.cfg.URL), logger.Error(err))
		if !stopped {
			c.recordFailure()
		}
		return fmt.Errorf("venue connect: %w", err)
	}

	c.mu.Lock()
	if c.stopped {
		c.state = stateDisconnected
		c.mu.Unlock()
		_ = conn.Close()
		return ErrDisconnected
	}
	c.gen++
	sess := &session{
		conn:   conn,
		gen:    c.gen,
		done:   make(chan struct{}),
		pongCh: make(chan struct{}, 1),
	}
	c.sess = sess
	c.state = stateConnected
	c.backoff.Reset()
	c.mu.Unlock()

	c.metrics.RecordLatency("venue_connect", time.Since(start).Seconds())
	c.log.Info("venue connected", logger.String("url", c.cfg.URL))

	go c.readLoop(sess)
	go c.heartbeatLoop(sess)

	c.subs.ClearActive()
	for _, market := range c.subs.Markets() {
		c.sendSubscribe(market)
	}
	c.events.Publish(Event{Type: EventConnected, At: time.Now()})
	return nil
}

// Disconnect stops reconnection, closes the connection, fails every
// pending request with ErrDisconnected and forgets all subscriptions.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	sess := c.sess
	c.sess = nil
	c.state = stateDisconnected
	c.gen++
	c.mu.Unlock()

	if sess != nil {
		c.writeMu.Lock()
		_ = sess.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = sess.conn.Close()
	}
	c.failPending(ErrDisconnected)
	c.subs.Clear()
	if sess != nil {
		c.events.Publish(Event{Type: EventDisconnected, Err: ErrDisconnected, At: time.Now()})
	}
}

// Close disconnects and releases every subscriber channel.
func (c *Client) Close() {
	c.Disconnect()
	c.mu.Lock()
	if c.resetTimer != nil {
		c.resetTimer.Stop()
		c.resetTimer = nil
	}
	c.mu.Unlock()
	c.ticks.Close()
	c.events.Close()
	c.settlements.Close()
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

func (c *Client) BreakerOpen() bool { return c.breaker.Open() }

// ResetBreaker closes the breaker by hand and resumes reconnection.
func (c *Client) ResetBreaker() {
	c.mu.Lock()
	if c.resetTimer != nil {
		c.resetTimer.Stop()
		c.resetTimer = nil
	}
	c.mu.Unlock()
	c.closeBreaker("manual")
}

func (c *Client) closeBreaker(how string) {
	if !c.breaker.Reset() {
		return
	}
	c.metrics.RecordBreakerOpen(false)
	c.log.Info("venue circuit breaker reset", logger.String("how", how))
	c.events.Publish(Event{Type: EventBreakerReset, At: time.Now()})
	c.scheduleReconnect(0)
}

func (c *Client) recordFailure() {
	if c.breaker.RecordFailure() {
		c.metrics.RecordBreakerOpen(true)
		c.log.Error("venue circuit breaker tripped",
			logger.Int("threshold", c.cfg.BreakerThreshold),
			logger.Duration("window", c.cfg.BreakerWindow))
		c.events.Publish(Event{Type: EventBreakerTripped, At: time.Now()})

		c.mu.Lock()
		if c.reconnectTimer != nil {
			c.reconnectTimer.Stop()
			c.reconnectTimer = nil
		}
		if c.resetTimer != nil {
			c.resetTimer.Stop()
		}
		c.resetTimer = time.AfterFunc(c.breaker.Window(), func() {
			c.mu.Lock()
			c.resetTimer = nil
			c.mu.Unlock()
			c.closeBreaker("auto")
		})
		c.mu.Unlock()
		return
	}
	if c.breaker.Open() {
		return
	}
	c.scheduleReconnect(-1)
}

// scheduleReconnect arms one reconnect attempt. A negative delay means
// "use the backoff sequence".
func (c *Client) scheduleReconnect(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cfg.AutoReconnect || c.stopped || c.state != stateDisconnected || c.reconnectTimer != nil {
		return
	}
	if c.breaker.Open() {
		return
	}
	if delay < 0 {
		delay = c.backoff.Duration()
	}
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		if c.stopped || c.state != stateDisconnected || c.breaker.Open() {
			c.mu.Unlock()
			return
		}
		c.state = stateConnecting
		c.mu.Unlock()
		_ = c.dial(context.Background())
	})
}

func (c *Client) readLoop(sess *session) {
	defer close(sess.done)
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			c.handleClose(sess, err)
			return
		}
		c.dispatch(sess, data)
	}
}

func (c *Client) handleClose(sess *session, err error) {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.state = stateDisconnected
	stopped := c.stopped
	c.mu.Unlock()

	_ = sess.conn.Close()
	c.subs.ClearActive()
	c.failPending(ErrConnectionLost)
	c.log.Warn("venue connection closed", logger.Error(err))
	c.events.Publish(Event{Type: EventDisconnected, Err: err, At: time.Now()})
	if !stopped {
		c.recordFailure()
	}
}

// heartbeatLoop pings on a fixed interval and force-closes the socket
// when a ping goes unanswered for PongTimeout.
func (c *Client) heartbeatLoop(sess *session) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	pongTimer := time.NewTimer(c.cfg.PongTimeout)
	pongTimer.Stop()
	defer pongTimer.Stop()

	var awaiting bool
	var sentAt time.Time
	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			if awaiting {
				continue
			}
			if err := c.writeTo(sess, map[string]any{"ping": 1}); err != nil {
				c.log.Debug("venue ping write failed", logger.Error(err))
				continue
			}
			awaiting = true
			sentAt = time.Now()
			pongTimer.Reset(c.cfg.PongTimeout)
		case <-sess.pongCh:
			if !awaiting {
				continue
			}
			awaiting = false
			if !pongTimer.Stop() {
				select {
				case <-pongTimer.C:
				default:
				}
			}
			c.metrics.RecordPongLatency(time.Since(sentAt).Seconds())
		case <-pongTimer.C:
			if !awaiting {
				continue
			}
			c.metrics.RecordError("venue_heartbeat_timeout")
			c.log.Warn("venue pong timeout, forcing reconnect", logger.Duration("timeout", c.cfg.PongTimeout))
			_ = sess.conn.Close()
			return
		}
	}
}

func (c *Client) dispatch(sess *session, data []byte) {
	msg, err := Decode(data)
	if err != nil {
		c.metrics.RecordError("venue_decode")
		c.log.Warn("venue frame rejected", logger.Error(err))
		c.events.Publish(Event{Type: EventDecodeError, Err: err, At: time.Now()})
		return
	}

	switch m := msg.(type) {
	case TickMessage:
		c.resolve(m.ReqID, m, nil)
		c.handleTick(m)
	case PongMessage:
		select {
		case sess.pongCh <- struct{}{}:
		default:
		}
		c.resolve(m.ReqID, m, nil)
	case ContractUpdate:
		c.resolve(m.ReqID, m, nil)
		if m.IsSold {
			outcome := OutcomeLoss
			if m.Profit > 0 {
				outcome = OutcomeWin
			}
			c.settlements.Publish(Settlement{ContractID: m.ContractID, Outcome: outcome, Profit: m.Profit})
		}
	case ResponseMessage:
		c.resolve(m.ReqID, m, nil)
	case ErrorMessage:
		if m.ReqID != 0 && c.resolve(m.ReqID, nil, m.Err) {
			return
		}
		c.log.Warn("venue stream error", logger.String("code", string(m.Err.Code)), logger.String("message", m.Err.Message))
		c.events.Publish(Event{Type: EventStreamError, Err: m.Err, At: time.Now()})
	case UnknownMessage:
		if !c.resolve(m.ReqID, m, nil) {
			c.log.Debug("venue frame ignored", logger.String("msg_type", m.MsgType))
		}
	}
}

func (c *Client) handleTick(m TickMessage) {
	accepted, first := c.subs.Accept(m.Tick.Market, m.SubscriptionID, m.Tick.Epoch)
	if !accepted {
		return
	}
	if first {
		c.log.Info("venue market subscribed", logger.String("market", m.Tick.Market))
		c.events.Publish(Event{Type: EventSubscribed, Market: m.Tick.Market, At: time.Now()})
	}
	c.ticks.Publish(m.Tick)
}

// Subscription returns the tracked state of one market.
func (c *Client) Subscription(market string) (SubscriptionInfo, bool) {
	return c.subs.Get(market)
}

// SubscribeTicks registers a market. Calls for a known market are no-ops;
// while offline the subscription is sent on the next connect.
func (c *Client) SubscribeTicks(market string) {
	if !c.subs.Add(market) {
		return
	}
	if c.Connected() {
		c.sendSubscribe(market)
	}
}

func (c *Client) sendSubscribe(market string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()
		if _, err := c.call(ctx, "ticks", map[string]any{"ticks": market, "subscribe": 1}); err != nil {
			c.log.Warn("venue subscribe failed", logger.String("market", market), logger.Error(err))
		}
	}()
}

// UnsubscribeTicks forgets a market and cancels its venue stream.
func (c *Client) UnsubscribeTicks(ctx context.Context, market string) error {
	info, ok := c.subs.Remove(market)
	if !ok || info.SubscriptionID == "" || !c.Connected() {
		return nil
	}
	if _, err := c.call(ctx, "forget", map[string]any{"forget": info.SubscriptionID}); err != nil {
		return fmt.Errorf("forget %s: %w", market, err)
	}
	return nil
}

// Authorize returns false when the venue rejects the token and an error
// when the request itself failed.
func (c *Client) Authorize(ctx context.Context, token string) (bool, error) {
	_, err := c.call(ctx, "authorize", map[string]any{"authorize": token})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			c.log.Warn("venue authorization rejected", logger.String("code", string(apiErr.Code)))
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// BuyParams is the contract shape sent with a buy.
type BuyParams struct {
	Market       string
	ContractType models.SignalType
	Amount       decimal.Decimal
	Basis        string
	Currency     string
	Duration     int
	DurationUnit string
}

func (c *Client) BuyContract(ctx context.Context, p BuyParams) (BuyReceipt, error) {
	amount := p.Amount.InexactFloat64()
	msg, err := c.call(ctx, "buy", map[string]any{
		"buy":   1,
		"price": amount,
		"parameters": map[string]any{
			"amount":        amount,
			"basis":         p.Basis,
			"contract_type": string(p.ContractType),
			"currency":      p.Currency,
			"duration":      p.Duration,
			"duration_unit": p.DurationUnit,
			"symbol":        p.Market,
		},
	})
	if err != nil {
		return BuyReceipt{}, err
	}
	resp, ok := msg.(ResponseMessage)
	if !ok || resp.Buy == nil {
		return BuyReceipt{}, &DecodeError{Reason: "unexpected reply to buy"}
	}
	return *resp.Buy, nil
}

func (c *Client) SellContract(ctx context.Context, contractID string, price float64) (SellReceipt, error) {
	msg, err := c.call(ctx, "sell", map[string]any{"sell": contractRef(contractID), "price": price})
	if err != nil {
		return SellReceipt{}, err
	}
	resp, ok := msg.(ResponseMessage)
	if !ok || resp.Sell == nil {
		return SellReceipt{}, &DecodeError{Reason: "unexpected reply to sell"}
	}
	return *resp.Sell, nil
}

func (c *Client) CancelContract(ctx context.Context, contractID string) (CancelReceipt, error) {
	msg, err := c.call(ctx, "cancel", map[string]any{"cancel": contractRef(contractID)})
	if err != nil {
		return CancelReceipt{}, err
	}
	resp, ok := msg.(ResponseMessage)
	if !ok || resp.Cancel == nil {
		return CancelReceipt{}, &DecodeError{Reason: "unexpected reply to cancel"}
	}
	return *resp.Cancel, nil
}

// MonitorContract subscribes to contract updates and returns the first
// snapshot. Later updates arrive as Settlements once the contract is sold.
func (c *Client) MonitorContract(ctx context.Context, contractID string) (ContractUpdate, error) {
	msg, err := c.call(ctx, "proposal_open_contract", map[string]any{
		"proposal_open_contract": 1,
		"contract_id":            contractRef(contractID),
		"subscribe":              1,
	})
	if err != nil {
		return ContractUpdate{}, err
	}
	upd, ok := msg.(ContractUpdate)
	if !ok {
		return ContractUpdate{}, &DecodeError{Reason: "unexpected reply to proposal_open_contract"}
	}
	return upd, nil
}

// call sends one correlated request and waits for its reply, its own
// timeout, or ctx.
func (c *Client) call(ctx context.Context, method string, payload map[string]any) (Message, error) {
	start := time.Now()
	id := c.nextID.Add(1)
	payload["req_id"] = id

	p := &pendingCall{method: method, ch: make(chan callResult, 1)}
	c.pendingMu.Lock()
	c.pending[id] = p
	p.timer = time.AfterFunc(c.cfg.RequestTimeout, func() {
		c.reject(id, ErrRequestTimeout)
	})
	c.pendingMu.Unlock()

	if err := c.write(payload); err != nil {
		c.take(id)
		return nil, fmt.Errorf("venue %s: %w", method, err)
	}

	select {
	case r := <-p.ch:
		c.metrics.RecordLatency("venue_"+method, time.Since(start).Seconds())
		if r.err != nil {
			if errors.Is(r.err, ErrRequestTimeout) {
				c.metrics.RecordError("venue_request_timeout")
			}
			return nil, r.err
		}
		return r.msg, nil
	case <-ctx.Done():
		c.take(id)
		return nil, ctx.Err()
	}
}

func (c *Client) take(id uint64) *pendingCall {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	p.timer.Stop()
	return p
}

// resolve completes a pending call. It reports whether one was waiting.
func (c *Client) resolve(id uint64, msg Message, err error) bool {
	if id == 0 {
		return false
	}
	p := c.take(id)
	if p == nil {
		return false
	}
	if err != nil {
		p.ch <- callResult{err: err}
	} else {
		p.ch <- callResult{msg: msg}
	}
	return true
}

func (c *Client) reject(id uint64, err error) {
	if p := c.take(id); p != nil {
		p.ch <- callResult{err: err}
	}
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	calls := c.pending
	c.pending = make(map[uint64]*pendingCall)
	c.pendingMu.Unlock()
	for _, p := range calls {
		p.timer.Stop()
		p.ch <- callResult{err: err}
	}
}

// Pending returns the number of in-flight requests.
func (c *Client) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

func (c *Client) write(payload map[string]any) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}
	return c.writeTo(sess, payload)
}

func (c *Client) writeTo(sess *session, payload map[string]any) error {
	b, err := encode(payload)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = sess.conn.SetWriteDeadline(time.Now().Add(c.cfg.RequestTimeout))
	return sess.conn.WriteMessage(websocket.TextMessage, b)
}
