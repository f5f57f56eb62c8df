package protocol

import (
	"encoding/json"
	"time"
)

// MessageType is the "type" discriminant of an Envelope.
type MessageType string

// Message types understood by both ends of the connection.
const (
	// Application data
	TypeEvent  MessageType = "event"
	TypeMetric MessageType = "metric"
	TypeStatus MessageType = "status"

	// Client to server control
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypeHeartbeat   MessageType = "heartbeat"

	// Server to client control
	TypePong         MessageType = "pong"
	TypeError        MessageType = "error"
	TypeWelcome      MessageType = "welcome"
	TypeEcho         MessageType = "echo"
	TypeSubscribed   MessageType = "subscribed"
	TypeUnsubscribed MessageType = "unsubscribed"
	TypeHeartbeatAck MessageType = "heartbeat_ack"
)

var knownTypes = map[MessageType]struct{}{
	TypeEvent:        {},
	TypeMetric:       {},
	TypeStatus:       {},
	TypeSubscribe:    {},
	TypeUnsubscribe:  {},
	TypeHeartbeat:    {},
	TypePong:         {},
	TypeError:        {},
	TypeWelcome:      {},
	TypeEcho:         {},
	TypeSubscribed:   {},
	TypeUnsubscribed: {},
	TypeHeartbeatAck: {},
}

// IsKnown reports whether t belongs to the closed set of message types.
// Unknown types are still valid; they are treated as custom messages.
func (t MessageType) IsKnown() bool {
	_, ok := knownTypes[t]
	return ok
}

// IsControl reports whether t is reserved for liveness probing.
func (t MessageType) IsControl() bool {
	return t == TypeHeartbeat || t == TypePong || t == TypeHeartbeatAck
}

// ErrorCode is the value of the "error" field of an error frame.
type ErrorCode string

const (
	CodeInvalidMessage           ErrorCode = "invalid_message"
	CodeInvalidJSON              ErrorCode = "invalid_json"
	CodeSubscribeRequiresTopic   ErrorCode = "subscribe_requires_topic"
	CodeUnsubscribeRequiresTopic ErrorCode = "unsubscribe_requires_topic"
)

// Envelope is the JSON structure of every frame. It is a superset of the
// server frames ({type, topic, payload, error, original, id, ts}) and the
// client envelope ({type, payload, timestamp, id}).
type Envelope struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	ID        string          `json:"id,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	Error     ErrorCode       `json:"error,omitempty"`
	Original  json.RawMessage `json:"original,omitempty"`
	TS        int64           `json:"ts,omitempty"`
}

// SentAt returns the producer-side send time, whichever of ts or timestamp
// the producer filled in.
func (e Envelope) SentAt() time.Time {
	ms := e.TS
	if ms == 0 {
		ms = e.Timestamp
	}
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// DecodePayload unmarshals the payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return ErrNoPayload
	}
	return json.Unmarshal(e.Payload, v)
}

// Millis converts t to integer milliseconds since the epoch.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
