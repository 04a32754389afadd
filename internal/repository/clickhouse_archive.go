package repository

import (
	"context"
	"fmt"
	"time"

	"TradePipe/internal/domain/models"
	domrepo "TradePipe/internal/domain/repository"
	applogger "TradePipe/pkg/logger"
)

// BatchInserter is the part of pkg/clickhouse.Client the archive uses.
type BatchInserter interface {
	InsertBatch(ctx context.Context, insert string, rows [][]any) error
}

// ArchiveSchema returns the DDL for the archive tables in database db.
func ArchiveSchema(db string) []string {
	return []string{
		fmt.Sprintf(`CREATE DATABASE IF NOT EXISTS %s`, db),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.ticks_normalized (
			ts DateTime64(3, 'UTC'),
			market LowCardinality(String),
			epoch Int64,
			bid Float64,
			ask Float64,
			quote Float64,
			spread Float64,
			volatility Float64
		) ENGINE = ReplacingMergeTree
		PARTITION BY toYYYYMMDD(ts)
		ORDER BY (market, epoch)`, db),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.trade_results (
			executed_at DateTime64(3, 'UTC'),
			trade_id String,
			user_id String,
			session_id String,
			market LowCardinality(String),
			signal_type LowCardinality(String),
			status LowCardinality(String),
			reason String,
			profit Decimal(18, 8),
			contract_id String,
			entry_price Float64,
			idempotency_key String
		) ENGINE = ReplacingMergeTree
		PARTITION BY toYYYYMM(executed_at)
		ORDER BY (session_id, user_id, trade_id)`, db),
	}
}

// CHArchive implements Archive backed by ClickHouse.
type CHArchive struct {
	ch          BatchInserter
	ticksInsert string
	tradeInsert string
	l           *applogger.Logger
}

func NewCHArchive(ch BatchInserter, db string, l *applogger.Logger) *CHArchive {
	if l == nil {
		l = applogger.NewNop()
	}
	return &CHArchive{
		ch:          ch,
		ticksInsert: fmt.Sprintf("INSERT INTO %s.ticks_normalized (ts, market, epoch, bid, ask, quote, spread, volatility)", db),
		tradeInsert: fmt.Sprintf("INSERT INTO %s.trade_results (executed_at, trade_id, user_id, session_id, market, signal_type, status, reason, profit, contract_id, entry_price, idempotency_key)", db),
		l:           l,
	}
}

func (a *CHArchive) ArchiveTicks(ctx context.Context, ticks []models.NormalizedTick) error {
	if len(ticks) == 0 {
		return nil
	}
	start := time.Now()
	rows := make([][]any, 0, len(ticks))
	for _, t := range ticks {
		rows = append(rows, tickRow(t))
	}
	if err := a.ch.InsertBatch(ctx, a.ticksInsert, rows); err != nil {
		a.l.Error("clickhouse archive ticks error", applogger.Int("rows", len(rows)), applogger.Error(err))
		return fmt.Errorf("archive ticks: %w", err)
	}
	a.l.Debug("clickhouse archive ticks ok",
		applogger.Int("rows", len(rows)), applogger.Duration("duration_ms", time.Since(start)))
	return nil
}

func (a *CHArchive) ArchiveTrades(ctx context.Context, trades []models.TradeResult) error {
	if len(trades) == 0 {
		return nil
	}
	start := time.Now()
	rows := make([][]any, 0, len(trades))
	for _, t := range trades {
		rows = append(rows, tradeRow(t))
	}
	if err := a.ch.InsertBatch(ctx, a.tradeInsert, rows); err != nil {
		a.l.Error("clickhouse archive trades error", applogger.Int("rows", len(rows)), applogger.Error(err))
		return fmt.Errorf("archive trades: %w", err)
	}
	a.l.Debug("clickhouse archive trades ok",
		applogger.Int("rows", len(rows)), applogger.Duration("duration_ms", time.Since(start)))
	return nil
}

func tickRow(t models.NormalizedTick) []any {
	return []any{t.Time(), t.Market, t.Epoch, t.Bid, t.Ask, t.Quote, t.Spread, t.Volatility}
}

func tradeRow(t models.TradeResult) []any {
	return []any{
		t.ExecutedAt.UTC(),
		t.TradeID,
		t.UserID,
		t.SessionID,
		t.Metadata.Market,
		string(t.Metadata.SignalType),
		string(t.Status),
		t.Reason,
		t.Profit,
		t.Metadata.ContractID,
		t.Metadata.EntryPrice,
		t.Metadata.IdempotencyKey,
	}
}

var _ domrepo.Archive = (*CHArchive)(nil)
