package venue

import (
	"errors"
	"fmt"
)

var (
	ErrDisconnected   = errors.New("venue: disconnected")
	ErrNotConnected   = errors.New("venue: not connected")
	ErrConnectionLost = errors.New("venue: connection lost")
	ErrRequestTimeout = errors.New("venue: request timed out")
	ErrCircuitOpen    = errors.New("venue: circuit breaker open")
)

// ErrorCode is the closed set of venue failures callers can act on.
type ErrorCode string

const (
	CodeAuthorizationRequired ErrorCode = "AUTHORIZATION_REQUIRED"
	CodeInvalidToken          ErrorCode = "INVALID_TOKEN"
	CodeMarketClosed          ErrorCode = "MARKET_CLOSED"
	CodeInsufficientBalance   ErrorCode = "INSUFFICIENT_BALANCE"
	CodeUnknown               ErrorCode = "UNKNOWN"
)

// MapErrorCode folds a raw venue error code into ErrorCode.
func MapErrorCode(venueCode string) ErrorCode {
	switch venueCode {
	case "AuthorizationRequired":
		return CodeAuthorizationRequired
	case "InvalidToken":
		return CodeInvalidToken
	case "MarketIsClosed":
		return CodeMarketClosed
	case "InsufficientBalance":
		return CodeInsufficientBalance
	default:
		return CodeUnknown
	}
}

// APIError is a venue-reported failure. It is never retried.
type APIError struct {
	Code      ErrorCode
	VenueCode string
	Message   string
	MsgType   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue %s error %s: %s", e.MsgType, e.Code, e.Message)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code ErrorCode) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
