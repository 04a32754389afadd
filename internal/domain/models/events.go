package models

import "time"

type EventType string

const (
	EventSessionCreated    EventType = "SESSION_CREATED"
	EventSessionJoined     EventType = "SESSION_JOINED"
	EventSessionLeft       EventType = "SESSION_LEFT"
	EventSessionTerminated EventType = "SESSION_TERMINATED"
	EventSignalEmitted     EventType = "SIGNAL_EMITTED"
	EventTradeExecuted     EventType = "TRADE_EXECUTED"
	EventRiskApproved      EventType = "RISK_APPROVED"
	EventRiskRejected      EventType = "RISK_REJECTED"
)

// Event is the envelope published for the presentation layer.
type Event struct {
	Type      EventType `json:"type"`
	Key       string    `json:"-"`
	Payload   any       `json:"payload"`
	Timestamp string    `json:"timestamp"`
}

func NewEvent(t EventType, key string, payload any, at time.Time) Event {
	return Event{Type: t, Key: key, Payload: payload, Timestamp: at.UTC().Format(time.RFC3339Nano)}
}

// SessionEventPayload is attached to SESSION_* events.
type SessionEventPayload struct {
	SessionID string        `json:"session_id"`
	UserID    string        `json:"user_id,omitempty"`
	Status    SessionStatus `json:"status"`
}
