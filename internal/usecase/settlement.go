package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"TradePipe/internal/domain/models"
	domrepo "TradePipe/internal/domain/repository"
	"TradePipe/internal/service/venue"
	"TradePipe/pkg/logger"
)

const defaultSettleTimeout = 5 * time.Minute

// PnLApplier books realised profit against a participant.
type PnLApplier interface {
	ApplyPnL(ctx context.Context, sessionID, userID string, profit decimal.Decimal) (models.Participant, error)
}

// SettlementReconciler maps open contracts to their owners and applies the
// settled profit to participant PnL.
type SettlementReconciler struct {
	sessions  PnLApplier
	newClient ClientFactory
	timeout   time.Duration
	metrics   domrepo.Metrics
	log       *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	open map[string]ContractOwner
}

// NewSettlementReconciler creates a reconciler. With a nil newClient it only
// applies settlements fed through Apply or Run.
func NewSettlementReconciler(sessions PnLApplier, newClient ClientFactory, timeout time.Duration,
	metrics domrepo.Metrics, log *logger.Logger) *SettlementReconciler {
	if timeout <= 0 {
		timeout = defaultSettleTimeout
	}
	if log == nil {
		log = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SettlementReconciler{
		sessions:  sessions,
		newClient: newClient,
		timeout:   timeout,
		metrics:   metrics,
		log:       log.Named("settlement"),
		ctx:       ctx,
		cancel:    cancel,
		open:      make(map[string]ContractOwner),
	}
}

// Track registers a contract and, when a client factory is set, watches it
// on its own authorized connection until it settles or times out.
func (r *SettlementReconciler) Track(_ context.Context, owner ContractOwner) {
	r.mu.Lock()
	r.open[owner.ContractID] = owner
	r.mu.Unlock()

	if r.newClient == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.watch(owner)
	}()
}

func (r *SettlementReconciler) watch(owner ContractOwner) {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	client := r.newClient()
	defer client.Close()

	fields := []logger.Field{logger.String("contract_id", owner.ContractID), logger.String("user_id", owner.UserID)}
	if err := client.Connect(ctx); err != nil {
		r.log.Warn("settlement watch connect failed", append(fields, logger.Error(err))...)
		return
	}
	settled := client.Settlements(4)
	if ok, err := client.Authorize(ctx, owner.Token); err != nil || !ok {
		r.log.Warn("settlement watch authorize failed", append(fields, logger.Error(err))...)
		return
	}
	upd, err := client.MonitorContract(ctx, owner.ContractID)
	if err != nil {
		r.log.Warn("settlement watch subscribe failed", append(fields, logger.Error(err))...)
		return
	}
	if upd.IsSold {
		r.Apply(ctx, venue.Settlement{ContractID: upd.ContractID, Outcome: outcomeOf(upd.Profit), Profit: upd.Profit})
		return
	}

	for {
		select {
		case <-ctx.Done():
			if r.forget(owner.ContractID) {
				r.metrics.RecordError("settlement_timeout")
				r.log.Warn("contract settlement not observed", fields...)
			}
			return
		case s, ok := <-settled:
			if !ok {
				return
			}
			if s.ContractID == owner.ContractID {
				r.Apply(ctx, s)
				return
			}
		}
	}
}

// Apply books one settlement. It returns false for contracts that are not
// tracked or were already applied.
func (r *SettlementReconciler) Apply(ctx context.Context, s venue.Settlement) bool {
	r.mu.Lock()
	owner, ok := r.open[s.ContractID]
	delete(r.open, s.ContractID)
	r.mu.Unlock()
	if !ok {
		return false
	}

	p, err := r.sessions.ApplyPnL(ctx, owner.SessionID, owner.UserID, decimal.NewFromFloat(s.Profit))
	if err != nil {
		r.metrics.RecordError("settlement_apply")
		r.log.Error("apply settlement failed",
			logger.String("contract_id", s.ContractID),
			logger.String("session_id", owner.SessionID),
			logger.Error(err))
		return false
	}
	r.log.Info("contract settled",
		logger.String("contract_id", s.ContractID),
		logger.String("user_id", owner.UserID),
		logger.String("outcome", string(s.Outcome)),
		logger.Float64("profit", s.Profit),
		logger.String("pnl", p.PnL.String()))
	return true
}

// Run applies settlements from a shared stream until ctx ends or the
// channel closes.
func (r *SettlementReconciler) Run(ctx context.Context, settlements <-chan venue.Settlement) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-settlements:
			if !ok {
				return
			}
			r.Apply(ctx, s)
		}
	}
}

// Pending returns the number of contracts awaiting settlement.
func (r *SettlementReconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

// Close stops every watch and waits for them to return.
func (r *SettlementReconciler) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *SettlementReconciler) forget(contractID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.open[contractID]
	delete(r.open, contractID)
	return ok
}

func outcomeOf(profit float64) venue.Outcome {
	if profit > 0 {
		return venue.OutcomeWin
	}
	return venue.OutcomeLoss
}
