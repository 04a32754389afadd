package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"TradePipe/internal/domain/models"
	domrepo "TradePipe/internal/domain/repository"
	"TradePipe/pkg/logger"
)

// ArchiveBatcher buffers normalized ticks and trade results and writes them
// to the archive by size or timeout. A failed batch stays buffered for the
// next flush. When the buffer is full the oldest rows are dropped.
type ArchiveBatcher struct {
	archive     domrepo.Archive
	metrics     domrepo.Metrics
	log         *logger.Logger
	batchSize   int
	batchTO     time.Duration
	maxBuffered int

	mu     sync.Mutex
	ticks  []models.NormalizedTick
	trades []models.TradeResult
	kick   chan struct{}
}

func NewArchiveBatcher(archive domrepo.Archive, metrics domrepo.Metrics, log *logger.Logger,
	batchSize int, batchTO time.Duration, maxBuffered int) *ArchiveBatcher {
	if batchSize <= 0 {
		batchSize = 500
	}
	if batchTO <= 0 {
		batchTO = 2 * time.Second
	}
	if maxBuffered < batchSize {
		maxBuffered = batchSize * 4
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &ArchiveBatcher{
		archive:     archive,
		metrics:     metrics,
		log:         log.Named("archive"),
		batchSize:   batchSize,
		batchTO:     batchTO,
		maxBuffered: maxBuffered,
		kick:        make(chan struct{}, 1),
	}
}

// AddTick buffers one tick.
func (b *ArchiveBatcher) AddTick(t models.NormalizedTick) {
	b.mu.Lock()
	b.ticks = bounded(append(b.ticks, t), b.maxBuffered, b.dropped("ticks"))
	full := len(b.ticks) >= b.batchSize
	b.mu.Unlock()
	if full {
		b.signal()
	}
}

// AddTrade buffers one trade result.
func (b *ArchiveBatcher) AddTrade(r models.TradeResult) {
	b.mu.Lock()
	b.trades = bounded(append(b.trades, r), b.maxBuffered, b.dropped("trades"))
	full := len(b.trades) >= b.batchSize
	b.mu.Unlock()
	if full {
		b.signal()
	}
}

// Buffered returns the number of pending ticks and trades.
func (b *ArchiveBatcher) Buffered() (ticks, trades int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ticks), len(b.trades)
}

func (b *ArchiveBatcher) signal() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

func (b *ArchiveBatcher) dropped(kind string) func(n int) {
	return func(n int) {
		b.metrics.RecordError("archive_" + kind + "_dropped")
		b.log.Warn("archive buffer full, oldest rows dropped", logger.String("kind", kind), logger.Int("dropped", n))
	}
}

// Flush writes everything buffered. Rows from a failed write are put back.
func (b *ArchiveBatcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	ticks, trades := b.ticks, b.trades
	b.ticks, b.trades = nil, nil
	b.mu.Unlock()

	var errs []error
	if len(ticks) > 0 {
		start := time.Now()
		if err := b.archive.ArchiveTicks(ctx, ticks); err != nil {
			b.metrics.RecordError("archive_ticks")
			errs = append(errs, fmt.Errorf("archive ticks: %w", err))
			b.mu.Lock()
			b.ticks = bounded(append(ticks, b.ticks...), b.maxBuffered, b.dropped("ticks"))
			b.mu.Unlock()
		} else {
			b.metrics.RecordLatency("archive_ticks", time.Since(start).Seconds())
		}
	}
	if len(trades) > 0 {
		start := time.Now()
		if err := b.archive.ArchiveTrades(ctx, trades); err != nil {
			b.metrics.RecordError("archive_trades")
			errs = append(errs, fmt.Errorf("archive trades: %w", err))
			b.mu.Lock()
			b.trades = bounded(append(trades, b.trades...), b.maxBuffered, b.dropped("trades"))
			b.mu.Unlock()
		} else {
			b.metrics.RecordLatency("archive_trades", time.Since(start).Seconds())
		}
	}
	return errors.Join(errs...)
}

// Run buffers from both streams and flushes on size or timeout. On exit it
// makes one last flush bounded by the batch timeout.
func (b *ArchiveBatcher) Run(ctx context.Context, ticks <-chan models.NormalizedTick, trades <-chan models.TradeResult) {
	ticker := time.NewTicker(b.batchTO)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		if err := b.Flush(ctx); err != nil {
			b.log.Warn("archive flush failed", logger.Error(err))
		}
	}

	for ticks != nil || trades != nil {
		select {
		case <-ctx.Done():
			ticks, trades = nil, nil
		case t, ok := <-ticks:
			if !ok {
				ticks = nil
				continue
			}
			b.AddTick(t)
		case r, ok := <-trades:
			if !ok {
				trades = nil
				continue
			}
			b.AddTrade(r)
		case <-b.kick:
			flush(ctx)
		case <-ticker.C:
			flush(ctx)
		}
	}

	final, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.batchTO)
	defer cancel()
	flush(final)
}

// bounded keeps the newest limit rows of buf.
func bounded[T any](buf []T, limit int, onDrop func(n int)) []T {
	if len(buf) <= limit {
		return buf
	}
	n := len(buf) - limit
	onDrop(n)
	return append(buf[:0:0], buf[n:]...)
}
