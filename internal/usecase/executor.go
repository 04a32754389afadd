package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"TradePipe/internal/domain/models"
	domrepo "TradePipe/internal/domain/repository"
	"TradePipe/internal/service/venue"
	"TradePipe/pkg/bus"
	"TradePipe/pkg/cache"
	"TradePipe/pkg/logger"
)

const (
	defaultDedupTTL       = time.Hour
	defaultConnectTimeout = 5 * time.Second
)

// TradeClient is one isolated venue connection owned by a single trade.
type TradeClient interface {
	Connect(ctx context.Context) error
	Authorize(ctx context.Context, token string) (bool, error)
	BuyContract(ctx context.Context, p venue.BuyParams) (venue.BuyReceipt, error)
	MonitorContract(ctx context.Context, contractID string) (venue.ContractUpdate, error)
	Settlements(buffer int) <-chan venue.Settlement
	// Close disconnects and releases subscriber channels.
	Close()
}

// ClientFactory builds a fresh TradeClient per call.
type ClientFactory func() TradeClient

// NewVenueClientFactory returns a factory of non-reconnecting venue clients.
func NewVenueClientFactory(cfg venue.Config, metrics domrepo.Metrics, log *logger.Logger) ClientFactory {
	cfg.AutoReconnect = false
	return func() TradeClient {
		return venue.New(cfg, venue.WithLogger(log), venue.WithMetrics(metrics))
	}
}

// TradeRecorder receives successful trades for participant counters and
// marks participants whose credentials the venue will not accept.
type TradeRecorder interface {
	RecordTrade(ctx context.Context, result models.TradeResult) error
	SetParticipantStatus(ctx context.Context, sessionID, userID string, status models.ParticipantStatus) error
}

// ContractOwner ties a bought contract to the participant that owns it.
type ContractOwner struct {
	ContractID string
	SessionID  string
	UserID     string
	Token      string
}

// ContractTracker follows open contracts until they settle.
type ContractTracker interface {
	Track(ctx context.Context, owner ContractOwner)
}

type ExecutorConfig struct {
	DedupTTL       time.Duration
	ConnectTimeout time.Duration
	Stake          decimal.Decimal
	Duration       int
	DurationUnit   string
	Currency       string
	Basis          string
}

// TradeRequest is one approved (user, signal) pair. A zero Stake uses the
// configured default.
type TradeRequest struct {
	UserID    string
	SessionID string
	Signal    models.Signal
	Stake     decimal.Decimal
}

// Executor places orders for approved risk checks. Each trade runs on its
// own venue connection and is placed at most once per idempotency key.
type Executor struct {
	cfg       ExecutorConfig
	dedup     domrepo.DedupStore
	creds     domrepo.CredentialProvider
	newClient ClientFactory
	sessions  TradeRecorder
	tracker   ContractTracker
	events    domrepo.EventPublisher
	metrics   domrepo.Metrics
	log       *logger.Logger
	results   *bus.Topic[models.TradeResult]
	now       func() time.Time
}

func NewExecutor(cfg ExecutorConfig, dedup domrepo.DedupStore, creds domrepo.CredentialProvider, newClient ClientFactory,
	sessions TradeRecorder, events domrepo.EventPublisher, metrics domrepo.Metrics, log *logger.Logger) *Executor {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = defaultDedupTTL
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.Stake.Sign() <= 0 {
		cfg.Stake = decimal.NewFromInt(1)
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 5
	}
	if cfg.DurationUnit == "" {
		cfg.DurationUnit = "t"
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.Basis == "" {
		cfg.Basis = "stake"
	}
	if log == nil {
		log = logger.NewNop()
	}
	e := &Executor{
		cfg:       cfg,
		dedup:     dedup,
		creds:     creds,
		newClient: newClient,
		sessions:  sessions,
		events:    events,
		metrics:   metrics,
		log:       log.Named("executor"),
		now:       time.Now,
	}
	e.results = bus.NewTopic[models.TradeResult]("trade_results", func(string) { metrics.RecordError("trade_results_dropped") })
	return e
}

// SetContractTracker enables settlement tracking for bought contracts.
func (e *Executor) SetContractTracker(t ContractTracker) { e.tracker = t }

// Results streams every terminal TradeResult.
func (e *Executor) Results(buffer int) <-chan models.TradeResult { return e.results.Subscribe(buffer) }

func (e *Executor) Close() { e.results.Close() }

// IdempotencyKey is userId:market:signalTimestamp in unix milliseconds.
func IdempotencyKey(userID string, sig models.Signal) string {
	return fmt.Sprintf("%s:%s:%d", userID, sig.Market, sig.Timestamp.UnixMilli())
}

// HandleApprovedTrade runs one trade to a terminal result. It returns
// false when the idempotency key was already claimed and nothing ran.
// It never panics.
func (e *Executor) HandleApprovedTrade(ctx context.Context, req TradeRequest) (res models.TradeResult, executed bool) {
	key := IdempotencyKey(req.UserID, req.Signal)
	res = models.TradeResult{
		TradeID:   uuid.NewString(),
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Status:    models.TradeFailed,
		Profit:    decimal.Zero,
		Metadata: models.TradeMetadata{
			Market:         req.Signal.Market,
			SignalType:     req.Signal.Type,
			IdempotencyKey: key,
		},
	}

	fresh, err := e.dedup.SetIfAbsent(ctx, cache.GenerateKey("exec", key), res.TradeID, e.cfg.DedupTTL)
	if err != nil {
		e.metrics.RecordError("dedup")
		e.log.Error("idempotency check failed", logger.String("key", key), logger.Error(err))
		res.Reason = models.FailIdempotency
		res.ExecutedAt = e.now()
		e.finish(ctx, res)
		return res, true
	}
	if !fresh {
		e.log.Info("duplicate execution skipped", logger.String("key", key), logger.String("session_id", req.SessionID))
		return models.TradeResult{}, false
	}

	executed = true
	defer func() {
		if r := recover(); r != nil {
			e.metrics.RecordError("executor_panic")
			e.log.Error("trade execution panicked", logger.String("key", key), logger.Any("panic", r))
			res.Status = models.TradeFailed
			res.Reason = models.FailInternal
			res.Profit = decimal.Zero
		}
		res.ExecutedAt = e.now()
		e.finish(ctx, res)
	}()

	start := time.Now()
	res = e.execute(ctx, req, res)
	e.metrics.RecordLatency("execute", time.Since(start).Seconds())
	return res, executed
}

func (e *Executor) execute(ctx context.Context, req TradeRequest, res models.TradeResult) models.TradeResult {
	client := e.newClient()
	defer client.Close()

	connectCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	err := client.Connect(connectCtx)
	timedOut := connectCtx.Err() != nil
	cancel()
	if err != nil {
		e.log.Warn("venue connect failed", logger.String("user_id", req.UserID), logger.Error(err))
		if timedOut || errors.Is(err, context.DeadlineExceeded) {
			return failed(res, models.FailConnectTimeout)
		}
		return failed(res, models.FailConnect)
	}

	cred, err := e.creds.Credential(ctx, req.UserID)
	if err != nil {
		if !errors.Is(err, domrepo.ErrCredentialNotFound) {
			e.log.Error("credential lookup failed", logger.String("user_id", req.UserID), logger.Error(err))
		}
		return failed(res, models.FailUserNotAuthorized)
	}

	ok, err := client.Authorize(ctx, cred.Token)
	if err != nil || !ok {
		if err != nil {
			e.log.Warn("authorize failed", logger.String("user_id", req.UserID), logger.Error(err))
		}
		return failed(res, models.FailAuthorization)
	}

	stake := req.Stake
	if stake.Sign() <= 0 {
		stake = e.cfg.Stake
	}
	res.Metadata.Stake = stake.StringFixed(2)

	// An order already sent is never cancelled by the caller.
	receipt, err := client.BuyContract(context.WithoutCancel(ctx), venue.BuyParams{
		Market:       req.Signal.Market,
		ContractType: req.Signal.Type,
		Amount:       stake,
		Basis:        e.cfg.Basis,
		Currency:     e.cfg.Currency,
		Duration:     e.cfg.Duration,
		DurationUnit: e.cfg.DurationUnit,
	})
	if err != nil {
		var apiErr *venue.APIError
		if errors.As(err, &apiErr) {
			return failed(res, apiErr.Message)
		}
		return failed(res, err.Error())
	}

	res.Status = models.TradeSuccess
	res.Reason = ""
	res.Metadata.ContractID = receipt.ContractID
	res.Metadata.EntryPrice = receipt.BuyPrice
	res.Metadata.TransactionID = receipt.TransactionID
	res.Metadata.Longcode = receipt.Longcode

	if e.tracker != nil {
		e.tracker.Track(ctx, ContractOwner{
			ContractID: receipt.ContractID,
			SessionID:  req.SessionID,
			UserID:     req.UserID,
			Token:      cred.Token,
		})
	}
	return res
}

func credentialRejected(res models.TradeResult) bool {
	return res.Status == models.TradeFailed &&
		(res.Reason == models.FailUserNotAuthorized || res.Reason == models.FailAuthorization)
}

func failed(res models.TradeResult, reason string) models.TradeResult {
	res.Status = models.TradeFailed
	res.Reason = reason
	res.Profit = decimal.Zero
	return res
}

func (e *Executor) finish(ctx context.Context, res models.TradeResult) {
	e.metrics.RecordTrade(res.Status)
	if res.Status == models.TradeSuccess && e.sessions != nil {
		if err := e.sessions.RecordTrade(ctx, res); err != nil {
			e.log.Warn("record trade failed", logger.String("trade_id", res.TradeID), logger.Error(err))
		}
	}
	// Retrying a user the venue cannot authorize only repeats the failure;
	// rejoining the session re-activates them.
	if credentialRejected(res) && e.sessions != nil && res.SessionID != "" {
		if err := e.sessions.SetParticipantStatus(ctx, res.SessionID, res.UserID, models.ParticipantFailed); err != nil {
			e.log.Warn("mark participant failed", logger.String("session_id", res.SessionID),
				logger.String("user_id", res.UserID), logger.Error(err))
		}
	}
	if e.events != nil {
		ev := models.NewEvent(models.EventTradeExecuted, res.UserID, res, res.ExecutedAt)
		if err := e.events.PublishEvent(ctx, ev); err != nil {
			e.log.Warn("publish trade event failed", logger.String("trade_id", res.TradeID), logger.Error(err))
		}
	}
	e.results.Publish(res)

	fields := []logger.Field{
		logger.String("trade_id", res.TradeID),
		logger.String("user_id", res.UserID),
		logger.String("session_id", res.SessionID),
		logger.String("status", string(res.Status)),
	}
	if res.Status == models.TradeSuccess {
		e.log.Info("trade executed", append(fields, logger.String("contract_id", res.Metadata.ContractID))...)
		return
	}
	e.log.Warn("trade failed", append(fields, logger.String("reason", res.Reason))...)
}
