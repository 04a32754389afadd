package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TradeStatus string

const (
	TradeSuccess TradeStatus = "SUCCESS"
	TradeFailed  TradeStatus = "FAILED"
	TradePartial TradeStatus = "PARTIAL"
)

// Terminal failure reasons surfaced by the executor.
const (
	FailUserNotAuthorized = "USER_NOT_AUTHORIZED_FOR_TRADING"
	FailAuthorization     = "AUTHORIZATION_FAILED"
	FailConnectTimeout    = "CONNECTION_TIMEOUT"
	FailConnect           = "CONNECTION_FAILED"
	FailIdempotency       = "IDEMPOTENCY_CHECK_FAILED"
	FailInternal          = "INTERNAL_ERROR"
)

type TradeMetadata struct {
	Market         string     `json:"market"`
	SignalType     SignalType `json:"signal_type"`
	IdempotencyKey string     `json:"idempotency_key"`
	ContractID     string     `json:"contract_id,omitempty"`
	EntryPrice     float64    `json:"entry_price,omitempty"`
	TransactionID  string     `json:"transaction_id,omitempty"`
	Longcode       string     `json:"longcode,omitempty"`
	Stake          string     `json:"stake,omitempty"`
}

// TradeResult is the terminal record of one execution attempt.
type TradeResult struct {
	TradeID    string          `json:"trade_id"`
	UserID     string          `json:"user_id"`
	SessionID  string          `json:"session_id"`
	Status     TradeStatus     `json:"status"`
	Profit     decimal.Decimal `json:"profit"`
	Reason     string          `json:"reason,omitempty"`
	ExecutedAt time.Time       `json:"executed_at"`
	Metadata   TradeMetadata   `json:"metadata"`
}
