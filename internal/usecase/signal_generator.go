package usecase

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"TradePipe/internal/domain/models"
	domrepo "TradePipe/internal/domain/repository"
	domsvc "TradePipe/internal/domain/service"
	"TradePipe/internal/services/features"
	"TradePipe/pkg/bus"
	"TradePipe/pkg/logger"
)

const (
	rsiOversold   = 30.0
	rsiOverbought = 70.0
	maxConfidence = 0.95
	// emaGapScale maps the relative EMA gap onto confidence; a 0.6% gap
	// saturates at maxConfidence.
	emaGapScale = 50.0
	minHistory  = 26

	SourceRule     = "rule"
	SourceAI       = "ai"
	SourceFallback = "fallback"
)

// KillSwitch disables the AI overlay when engaged.
type KillSwitch interface {
	AIDisabled() (bool, string)
}

type SignalGeneratorConfig struct {
	MinConfidence         float64
	Markets               []string // allow-list, empty allows every market
	HistorySize           int
	Expiry                time.Duration
	AIEnabled             bool
	AITimeout             time.Duration
	AIConfidenceFloor     float64
	VolatileMinConfidence float64
	StrategyVersion       string
}

// FallbackEvent is emitted when the AI overlay could not be used.
type FallbackEvent struct {
	Market string
	Reason string
	Err    error
	Signal models.Signal
	At     time.Time
}

// SignalGenerator keeps a bounded price history per market and turns it
// into CALL/PUT signals.
type SignalGenerator struct {
	cfg     SignalGeneratorConfig
	allowed map[string]struct{}
	ai      domsvc.InferenceClient
	kill    KillSwitch
	metrics domrepo.Metrics
	log     *logger.Logger

	mu      sync.Mutex
	history map[string][]float64

	signals   *bus.Topic[models.Signal]
	aiSignals *bus.Topic[models.Signal]
	fallbacks *bus.Topic[FallbackEvent]
}

// NewSignalGenerator builds a generator. ai and kill may be nil, which
// leaves only the rule path.
func NewSignalGenerator(cfg SignalGeneratorConfig, ai domsvc.InferenceClient, kill KillSwitch, metrics domrepo.Metrics, log *logger.Logger) *SignalGenerator {
	switch {
	case cfg.HistorySize <= 0:
		cfg.HistorySize = 50
	case cfg.HistorySize < minHistory:
		cfg.HistorySize = minHistory
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = time.Minute
	}
	if cfg.AITimeout <= 0 {
		cfg.AITimeout = 2 * time.Second
	}
	if cfg.VolatileMinConfidence <= 0 {
		cfg.VolatileMinConfidence = 0.8
	}
	if cfg.StrategyVersion == "" {
		cfg.StrategyVersion = "v1"
	}
	if log == nil {
		log = logger.NewNop()
	}
	g := &SignalGenerator{
		cfg:     cfg,
		ai:      ai,
		kill:    kill,
		metrics: metrics,
		log:     log,
		history: make(map[string][]float64),
	}
	if len(cfg.Markets) > 0 {
		g.allowed = make(map[string]struct{}, len(cfg.Markets))
		for _, m := range cfg.Markets {
			g.allowed[m] = struct{}{}
		}
	}
	onDrop := func(topic string) { metrics.RecordError("generator_" + topic + "_dropped") }
	g.signals = bus.NewTopic[models.Signal]("signal", onDrop)
	g.aiSignals = bus.NewTopic[models.Signal]("ai_signal", onDrop)
	g.fallbacks = bus.NewTopic[FallbackEvent]("ai_fallback", onDrop)
	return g
}

// Signals subscribes to every final signal.
func (g *SignalGenerator) Signals(buffer int) <-chan models.Signal {
	return g.signals.Subscribe(buffer)
}

// AISignals subscribes to AI-adjusted signals only.
func (g *SignalGenerator) AISignals(buffer int) <-chan models.Signal {
	return g.aiSignals.Subscribe(buffer)
}

func (g *SignalGenerator) Fallbacks(buffer int) <-chan FallbackEvent {
	return g.fallbacks.Subscribe(buffer)
}

// Run feeds normalized ticks through the rules until ctx is done or ticks
// closes. When the AI overlay is on, inference runs on one worker per
// market so intake never waits on it; a signal still waiting for its
// worker is replaced by the next one for that market.
func (g *SignalGenerator) Run(ctx context.Context, ticks <-chan models.NormalizedTick) error {
	workers := make(map[string]chan models.Signal)
	var wg sync.WaitGroup
	defer func() {
		for _, slot := range workers {
			close(slot)
		}
		wg.Wait()
		g.close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-ticks:
			if !ok {
				return nil
			}
			sig, ok := g.rule(t)
			if !ok {
				continue
			}
			if !g.overlayEnabled() {
				g.emit(sig)
				continue
			}
			slot, found := workers[sig.Market]
			if !found {
				slot = make(chan models.Signal, 1)
				workers[sig.Market] = slot
				wg.Add(1)
				go func() {
					defer wg.Done()
					g.overlayWorker(ctx, slot)
				}()
			}
			g.offer(slot, sig)
		}
	}
}

// offer puts sig in slot, evicting a signal the worker has not picked up.
// Run is the only sender, so the final send never blocks.
func (g *SignalGenerator) offer(slot chan models.Signal, sig models.Signal) {
	select {
	case slot <- sig:
		return
	default:
	}
	select {
	case old := <-slot:
		g.metrics.RecordError("ai_overlay_superseded")
		g.log.Debug("pending signal superseded",
			logger.String("market", old.Market), logger.String("reason", old.Reason))
	default:
	}
	slot <- sig
}

func (g *SignalGenerator) overlayWorker(ctx context.Context, slot <-chan models.Signal) {
	for sig := range slot {
		if ctx.Err() != nil {
			continue
		}
		if final, ok := g.overlay(ctx, sig); ok {
			g.emit(final)
		}
	}
}

func (g *SignalGenerator) close() {
	g.signals.Close()
	g.aiSignals.Close()
	g.fallbacks.Close()
}

// OnTick records the quote and emits a signal when the rules and overlay
// allow one. The overlay runs inline.
func (g *SignalGenerator) OnTick(ctx context.Context, t models.NormalizedTick) (models.Signal, bool) {
	sig, ok := g.rule(t)
	if !ok {
		return models.Signal{}, false
	}
	final, ok := g.overlay(ctx, sig)
	if !ok {
		return models.Signal{}, false
	}
	g.emit(final)
	return final, true
}

// rule records the quote and applies the indicator rules.
func (g *SignalGenerator) rule(t models.NormalizedTick) (models.Signal, bool) {
	if !g.marketAllowed(t.Market) {
		return models.Signal{}, false
	}
	prices := g.record(t.Market, t.Quote)

	sig, ok := GenerateSignal(t.Market, prices, t.Time(), g.cfg.Expiry)
	if !ok || sig.Confidence < g.cfg.MinConfidence {
		return models.Signal{}, false
	}
	return sig, true
}

func (g *SignalGenerator) emit(final models.Signal) {
	g.metrics.RecordSignal(final.Market, final.Type, final.Reason)
	g.log.Debug("signal emitted",
		logger.String("market", final.Market),
		logger.String("type", string(final.Type)),
		logger.String("reason", final.Reason),
		logger.Float64("confidence", final.Confidence),
		logger.String("source", final.Metadata.Source))
	g.signals.Publish(final)
	if final.Metadata.Source == SourceAI {
		g.aiSignals.Publish(final)
	}
}

func (g *SignalGenerator) overlayEnabled() bool {
	return g.cfg.AIEnabled && g.ai != nil
}

func (g *SignalGenerator) marketAllowed(market string) bool {
	if g.allowed == nil {
		return true
	}
	_, ok := g.allowed[market]
	return ok
}

func (g *SignalGenerator) record(market string, quote float64) []float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := append(g.history[market], quote)
	if len(h) > g.cfg.HistorySize {
		h = append(h[:0:0], h[len(h)-g.cfg.HistorySize:]...)
	}
	g.history[market] = h
	return append([]float64(nil), h...)
}

// History returns a copy of the stored prices for market.
func (g *SignalGenerator) History(market string) []float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]float64(nil), g.history[market]...)
}

// Reset drops the history of market.
func (g *SignalGenerator) Reset(market string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.history, market)
}

func (g *SignalGenerator) overlay(ctx context.Context, sig models.Signal) (models.Signal, bool) {
	if !g.overlayEnabled() {
		return sig, true
	}
	if g.kill != nil {
		if off, reason := g.kill.AIDisabled(); off {
			g.log.Debug("ai overlay disabled by kill switch", logger.String("reason", reason))
			return sig, true
		}
	}

	f := sig.Metadata.Features
	actx, cancel := context.WithTimeout(ctx, g.cfg.AITimeout)
	defer cancel()
	assessment, err := g.ai.Infer(actx, domsvc.InferenceRequest{
		Market:          sig.Market,
		Features:        f,
		StrategyVersion: g.cfg.StrategyVersion,
		SignalType:      sig.Type,
		BaseConfidence:  sig.Confidence,
	})
	if err != nil {
		reason := "unavailable"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		fb := sig.WithMetadata(models.SignalMetadata{Features: f, BaseConfidence: sig.Confidence, Source: SourceFallback})
		g.metrics.RecordAIFallback(reason)
		g.log.Warn("ai overlay unavailable, using rule signal",
			logger.String("market", sig.Market), logger.String("reason", reason), logger.Error(err))
		g.fallbacks.Publish(FallbackEvent{Market: sig.Market, Reason: reason, Err: err, Signal: fb, At: sig.Timestamp})
		return fb, true
	}

	if assessment.Regime == models.RegimeVolatile && sig.Confidence < g.cfg.VolatileMinConfidence {
		g.metrics.RecordError("ai_blocked_volatile")
		g.log.Info("signal blocked in volatile regime",
			logger.String("market", sig.Market), logger.Float64("base_confidence", sig.Confidence))
		return models.Signal{}, false
	}
	if assessment.Confidence < g.cfg.AIConfidenceFloor {
		g.metrics.RecordError("ai_blocked_confidence")
		g.log.Info("signal blocked by ai confidence floor",
			logger.String("market", sig.Market), logger.Float64("ai_confidence", assessment.Confidence))
		return models.Signal{}, false
	}

	out := sig.WithMetadata(models.SignalMetadata{
		Features:       f,
		BaseConfidence: sig.Confidence,
		Source:         SourceAI,
		AI:             &assessment,
	})
	out.Confidence = assessment.Confidence
	return out, true
}

// GenerateSignal applies the indicator rules to a price history, oldest
// first. It is a pure function of its arguments.
func GenerateSignal(market string, prices []float64, at time.Time, expiry time.Duration) (models.Signal, bool) {
	f, ok := features.Compute(prices)
	if !ok {
		return models.Signal{}, false
	}
	change := features.LastChange(prices)

	var (
		typ        models.SignalType
		reason     string
		confidence float64
	)
	switch {
	case f.RSI < rsiOversold && change > 0:
		typ, reason = models.SignalCall, models.ReasonRSIOversold
		confidence = math.Min(maxConfidence, 0.5+(rsiOversold-f.RSI)/60)
	case f.RSI > rsiOverbought && change < 0:
		typ, reason = models.SignalPut, models.ReasonRSIOverbought
		confidence = math.Min(maxConfidence, 0.5+(f.RSI-rsiOverbought)/60)
	case f.EMASlow > 0 && f.EMAFast > f.EMASlow:
		typ, reason = models.SignalCall, models.ReasonEMACrossUp
		confidence = emaConfidence(f)
	case f.EMASlow > 0 && f.EMAFast < f.EMASlow:
		typ, reason = models.SignalPut, models.ReasonEMACrossDown
		confidence = emaConfidence(f)
	default:
		return models.Signal{}, false
	}

	return models.Signal{
		Type:       typ,
		Confidence: confidence,
		Reason:     reason,
		Market:     market,
		Timestamp:  at,
		Expiry:     at.Add(expiry),
		Metadata: &models.SignalMetadata{
			Features:       f,
			BaseConfidence: confidence,
			Source:         SourceRule,
		},
	}, true
}

func emaConfidence(f models.Features) float64 {
	gap := math.Abs(f.EMAFast-f.EMASlow) / f.EMASlow
	return math.Max(0, math.Min(maxConfidence, 0.5+emaGapScale*gap))
}
