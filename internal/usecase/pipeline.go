package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"TradePipe/internal/domain/models"
	domrepo "TradePipe/internal/domain/repository"
	mid "TradePipe/internal/middleware"
	"TradePipe/internal/service/signals"
	"TradePipe/internal/service/venue"
	"TradePipe/pkg/logger"
)

// MarketStream is the shared venue connection feeding the pipeline.
type MarketStream interface {
	Connect(ctx context.Context) error
	Authorize(ctx context.Context, token string) (bool, error)
	Events(buffer int) <-chan venue.Event
	Settlements(buffer int) <-chan venue.Settlement
	Close()
}

// SignalSink stores per-session signals.
type SignalSink interface {
	AddSignal(sessionID string, sig models.Signal) (models.StoredSignal, bool)
	Get(id string) (models.StoredSignal, bool)
	MarkExecuted(id string) error
}

// SignalEvaluator turns a signal into per-participant risk decisions.
type SignalEvaluator interface {
	Evaluate(ctx context.Context, sig models.Signal) []models.RiskCheck
}

type PipelineConfig struct {
	Markets    []string
	AdminToken string
}

// Pipeline runs ticks from the shared venue stream through normalization,
// signal generation, per-session storage, risk checks and execution.
type Pipeline struct {
	cfg      PipelineConfig
	stream   MarketStream
	norm     *mid.Normalizer
	gen      *SignalGenerator
	signals  SignalSink
	sessions SessionView
	guard    SignalEvaluator
	exec     TradeExecutor
	safety   *SafetyLayer
	settle   *SettlementReconciler
	archive  *ArchiveBatcher
	results  func(buffer int) <-chan models.TradeResult
	events   domrepo.EventPublisher
	metrics  domrepo.Metrics
	log      *logger.Logger

	inflight sync.WaitGroup
}

func NewPipeline(cfg PipelineConfig, stream MarketStream, norm *mid.Normalizer, gen *SignalGenerator,
	sigs SignalSink, sessions SessionView, guard SignalEvaluator, exec TradeExecutor,
	safety *SafetyLayer, settle *SettlementReconciler, events domrepo.EventPublisher,
	metrics domrepo.Metrics, log *logger.Logger) *Pipeline {
	if log == nil {
		log = logger.NewNop()
	}
	return &Pipeline{
		cfg:      cfg,
		stream:   stream,
		norm:     norm,
		gen:      gen,
		signals:  sigs,
		sessions: sessions,
		guard:    guard,
		exec:     exec,
		safety:   safety,
		settle:   settle,
		events:   events,
		metrics:  metrics,
		log:      log.Named("pipeline"),
	}
}

// SetArchive routes normalized ticks and the given trade results into b.
func (p *Pipeline) SetArchive(b *ArchiveBatcher, results func(buffer int) <-chan models.TradeResult) {
	p.archive = b
	p.results = results
}

// Run connects the shared stream and blocks until ctx is done or a stage
// fails. In-flight trades are waited for before the stream is closed.
func (p *Pipeline) Run(ctx context.Context) error {
	normalized := p.norm.Normalized(256)
	marketEvents := p.norm.MarketEvents(16)
	venueEvents := p.stream.Events(64)
	settlements := p.stream.Settlements(64)
	sigs := p.gen.Signals(128)

	var archiveTicks <-chan models.NormalizedTick
	var archiveTrades <-chan models.TradeResult
	if p.archive != nil {
		archiveTicks = p.norm.Normalized(1024)
		if p.results != nil {
			archiveTrades = p.results(256)
		}
	}

	for _, m := range p.cfg.Markets {
		p.norm.Subscribe(m)
	}
	if err := p.stream.Connect(ctx); err != nil {
		p.stream.Close()
		return fmt.Errorf("connect venue: %w", err)
	}
	if p.cfg.AdminToken != "" {
		if ok, err := p.stream.Authorize(ctx, p.cfg.AdminToken); err != nil || !ok {
			p.log.Warn("admin authorize failed", logger.Error(err))
		}
	}
	p.log.Info("pipeline started", logger.Strings("markets", p.cfg.Markets))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.norm.Run(gctx) })
	g.Go(func() error { return p.gen.Run(gctx, normalized) })
	g.Go(func() error {
		p.route(gctx, sigs)
		return nil
	})
	g.Go(func() error {
		p.safety.Run(gctx, marketEvents, venueEvents)
		return nil
	})
	g.Go(func() error {
		p.settle.Run(gctx, settlements)
		return nil
	})
	if p.archive != nil {
		g.Go(func() error {
			p.archive.Run(gctx, archiveTicks, archiveTrades)
			return nil
		})
	}

	err := g.Wait()
	p.inflight.Wait()
	p.stream.Close()
	p.log.Info("pipeline stopped")
	return err
}

func (p *Pipeline) route(ctx context.Context, sigs <-chan models.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sigs:
			if !ok {
				return
			}
			p.OnSignal(ctx, sig)
		}
	}
}

// OnSignal stores sig for every trading session on its market, runs the
// risk checks and starts one execution per approved participant.
func (p *Pipeline) OnSignal(ctx context.Context, sig models.Signal) {
	start := time.Now()
	defer func() { p.metrics.RecordLatency("route_signal", time.Since(start).Seconds()) }()

	stored := make(map[string]models.StoredSignal)
	for _, sess := range p.sessions.TradingSessionsForMarket(sig.Market) {
		st, ok := p.signals.AddSignal(sess.ID, sig)
		if !ok {
			continue
		}
		stored[sess.ID] = st
		if p.events != nil {
			ev := models.NewEvent(models.EventSignalEmitted, sess.ID, st, st.CreatedAt)
			if err := p.events.PublishEvent(ctx, ev); err != nil {
				p.log.Warn("publish signal event failed", logger.String("signal_id", st.ID), logger.Error(err))
			}
		}
	}
	if len(stored) == 0 {
		return
	}

	for _, check := range p.guard.Evaluate(ctx, sig) {
		if !check.Approved() {
			continue
		}
		st, ok := stored[check.SessionID]
		if !ok {
			continue
		}
		req := TradeRequest{UserID: check.UserID, SessionID: check.SessionID, Signal: sig}
		if sess, ok := p.sessions.GetSession(check.SessionID); ok {
			req.Stake = sess.Config.Stake
		}
		p.inflight.Add(1)
		go func(signalID string, req TradeRequest) {
			defer p.inflight.Done()
			p.execute(ctx, signalID, req)
		}(st.ID, req)
	}
}

func (p *Pipeline) execute(ctx context.Context, signalID string, req TradeRequest) {
	if cur, ok := p.signals.Get(signalID); !ok || cur.Status != models.StoredSignalActive && cur.Status != models.StoredSignalExecuted {
		p.log.Debug("signal no longer active", logger.String("signal_id", signalID), logger.String("user_id", req.UserID))
		return
	}
	res, executed := p.exec.HandleApprovedTrade(ctx, req)
	if !executed || res.Status != models.TradeSuccess {
		return
	}
	if err := p.signals.MarkExecuted(signalID); err != nil && !errors.Is(err, signals.ErrSignalInactive) {
		p.log.Warn("mark signal executed failed", logger.String("signal_id", signalID), logger.Error(err))
	}
}

// Wait blocks until every started execution has finished.
func (p *Pipeline) Wait() { p.inflight.Wait() }
