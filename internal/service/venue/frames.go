package venue

import (
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"

	"TradePipe/internal/domain/models"
)

// Kind tags the decoded message variants.
type Kind int

const (
	KindUnknown Kind = iota
	KindTick
	KindPong
	KindSettlement
	KindResponse
	KindError
)

// Message is one decoded inbound frame.
type Message interface {
	Kind() Kind
	RequestID() uint64
}

type TickMessage struct {
	ReqID          uint64
	SubscriptionID string
	Tick           models.Tick
}

type PongMessage struct {
	ReqID uint64
}

// ContractUpdate is a proposal_open_contract push.
type ContractUpdate struct {
	ReqID          uint64
	SubscriptionID string
	ContractID     string
	IsSold         bool
	Profit         float64
	Status         string
}

// ResponseMessage is a correlated reply to authorize, buy, sell, cancel or forget.
type ResponseMessage struct {
	ReqID     uint64
	MsgType   string
	Authorize *AuthorizeResult
	Buy       *BuyReceipt
	Sell      *SellReceipt
	Cancel    *CancelReceipt
}

type ErrorMessage struct {
	ReqID uint64
	Err   *APIError
}

// UnknownMessage is a well-formed frame with a shape we do not handle.
type UnknownMessage struct {
	ReqID   uint64
	MsgType string
}

func (m TickMessage) Kind() Kind           { return KindTick }
func (m TickMessage) RequestID() uint64    { return m.ReqID }
func (m PongMessage) Kind() Kind           { return KindPong }
func (m PongMessage) RequestID() uint64    { return m.ReqID }
func (m ContractUpdate) Kind() Kind        { return KindSettlement }
func (m ContractUpdate) RequestID() uint64 { return m.ReqID }
func (m ResponseMessage) Kind() Kind       { return KindResponse }
func (m ResponseMessage) RequestID() uint64 {
	return m.ReqID
}
func (m ErrorMessage) Kind() Kind          { return KindError }
func (m ErrorMessage) RequestID() uint64   { return m.ReqID }
func (m UnknownMessage) Kind() Kind        { return KindUnknown }
func (m UnknownMessage) RequestID() uint64 { return m.ReqID }

type AuthorizeResult struct {
	LoginID  string  `json:"loginid"`
	Currency string  `json:"currency"`
	Balance  float64 `json:"balance"`
}

type BuyReceipt struct {
	ContractID    string
	Longcode      string
	BuyPrice      float64
	StartTime     int64
	TransactionID string
}

type SellReceipt struct {
	SoldFor       float64
	TransactionID string
}

type CancelReceipt struct {
	ContractID    string
	BalanceAfter  float64
	TransactionID string
}

// DecodeError marks a frame that could not be turned into a Message.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("venue decode: %s: %v", e.Reason, e.Err)
	}
	return "venue decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// wire shapes

type wireFrame struct {
	MsgType      string            `json:"msg_type"`
	ReqID        uint64            `json:"req_id"`
	Error        *wireError        `json:"error"`
	Subscription *wireSubscription `json:"subscription"`
	Tick         *wireTick         `json:"tick"`
	Ping         string            `json:"ping"`
	Authorize    *AuthorizeResult  `json:"authorize"`
	Buy          *wireBuy          `json:"buy"`
	Sell         *wireSell         `json:"sell"`
	Cancel       *wireCancel       `json:"cancel"`
	OpenContract *wireOpenContract `json:"proposal_open_contract"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wireSubscription struct {
	ID string `json:"id"`
}

type wireTick struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Quote  float64 `json:"quote"`
	Epoch  int64   `json:"epoch"`
}

type wireBuy struct {
	ContractID    int64   `json:"contract_id"`
	Longcode      string  `json:"longcode"`
	BuyPrice      float64 `json:"buy_price"`
	StartTime     int64   `json:"start_time"`
	TransactionID int64   `json:"transaction_id"`
}

type wireSell struct {
	SoldFor       float64 `json:"sold_for"`
	TransactionID int64   `json:"transaction_id"`
}

type wireCancel struct {
	ContractID    int64   `json:"contract_id"`
	BalanceAfter  float64 `json:"balance_after"`
	TransactionID int64   `json:"transaction_id"`
}

type wireOpenContract struct {
	ContractID int64   `json:"contract_id"`
	IsSold     int     `json:"is_sold"`
	Profit     float64 `json:"profit"`
	Status     string  `json:"status"`
}

// Decode turns one raw frame into a typed Message.
func Decode(raw []byte) (Message, error) {
	var f wireFrame
	if err := sonic.ConfigFastest.Unmarshal(raw, &f); err != nil {
		return nil, &DecodeError{Reason: "malformed json", Err: err}
	}

	if f.Error != nil {
		return ErrorMessage{
			ReqID: f.ReqID,
			Err: &APIError{
				Code:      MapErrorCode(f.Error.Code),
				VenueCode: f.Error.Code,
				Message:   f.Error.Message,
				MsgType:   f.MsgType,
			},
		}, nil
	}

	subID := ""
	if f.Subscription != nil {
		subID = f.Subscription.ID
	}

	switch f.MsgType {
	case "tick":
		if f.Tick == nil || f.Tick.Symbol == "" || f.Tick.Epoch <= 0 {
			return nil, &DecodeError{Reason: "tick frame without symbol or epoch"}
		}
		return TickMessage{
			ReqID:          f.ReqID,
			SubscriptionID: subID,
			Tick: models.Tick{
				Market:    f.Tick.Symbol,
				Bid:       f.Tick.Bid,
				Ask:       f.Tick.Ask,
				Quote:     f.Tick.Quote,
				Epoch:     f.Tick.Epoch,
				Timestamp: time.Unix(f.Tick.Epoch, 0).UTC(),
			},
		}, nil
	case "ping":
		return PongMessage{ReqID: f.ReqID}, nil
	case "proposal_open_contract":
		if f.OpenContract == nil {
			return nil, &DecodeError{Reason: "proposal_open_contract frame without body"}
		}
		return ContractUpdate{
			ReqID:          f.ReqID,
			SubscriptionID: subID,
			ContractID:     strconv.FormatInt(f.OpenContract.ContractID, 10),
			IsSold:         f.OpenContract.IsSold == 1,
			Profit:         f.OpenContract.Profit,
			Status:         f.OpenContract.Status,
		}, nil
	case "authorize":
		if f.Authorize == nil {
			return nil, &DecodeError{Reason: "authorize frame without body"}
		}
		return ResponseMessage{ReqID: f.ReqID, MsgType: f.MsgType, Authorize: f.Authorize}, nil
	case "buy":
		if f.Buy == nil {
			return nil, &DecodeError{Reason: "buy frame without body"}
		}
		return ResponseMessage{ReqID: f.ReqID, MsgType: f.MsgType, Buy: &BuyReceipt{
			ContractID:    strconv.FormatInt(f.Buy.ContractID, 10),
			Longcode:      f.Buy.Longcode,
			BuyPrice:      f.Buy.BuyPrice,
			StartTime:     f.Buy.StartTime,
			TransactionID: strconv.FormatInt(f.Buy.TransactionID, 10),
		}}, nil
	case "sell":
		if f.Sell == nil {
			return nil, &DecodeError{Reason: "sell frame without body"}
		}
		return ResponseMessage{ReqID: f.ReqID, MsgType: f.MsgType, Sell: &SellReceipt{
			SoldFor:       f.Sell.SoldFor,
			TransactionID: strconv.FormatInt(f.Sell.TransactionID, 10),
		}}, nil
	case "cancel":
		if f.Cancel == nil {
			return nil, &DecodeError{Reason: "cancel frame without body"}
		}
		return ResponseMessage{ReqID: f.ReqID, MsgType: f.MsgType, Cancel: &CancelReceipt{
			ContractID:    strconv.FormatInt(f.Cancel.ContractID, 10),
			BalanceAfter:  f.Cancel.BalanceAfter,
			TransactionID: strconv.FormatInt(f.Cancel.TransactionID, 10),
		}}, nil
	case "forget":
		return ResponseMessage{ReqID: f.ReqID, MsgType: f.MsgType}, nil
	case "":
		return nil, &DecodeError{Reason: "frame without msg_type"}
	default:
		return UnknownMessage{ReqID: f.ReqID, MsgType: f.MsgType}, nil
	}
}

func encode(payload map[string]any) ([]byte, error) {
	return sonic.ConfigFastest.Marshal(payload)
}

// contractRef sends numeric ids as numbers, which is what the venue expects.
func contractRef(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}
