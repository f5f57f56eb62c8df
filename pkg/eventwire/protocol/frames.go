package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

var nullPayload = json.RawMessage("null")

// RawPayload marshals v into a json.RawMessage. A nil v yields a nil payload
// and a json.RawMessage or []byte is passed through unchanged.
func RawPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("%w: payload bytes are not valid json", ErrInvalidJSON)
		}
		return json.RawMessage(p), nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// NewEnvelope builds a client envelope {type, payload, timestamp, id}.
func NewEnvelope(typ MessageType, payload any, now time.Time, id string) (Envelope, error) {
	raw, err := RawPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      typ,
		Payload:   raw,
		Timestamp: Millis(now),
		ID:        id,
	}, nil
}

// NewSubscribe builds a subscribe control frame for topic.
func NewSubscribe(topic string, now time.Time, id string) Envelope {
	return Envelope{Type: TypeSubscribe, Topic: topic, Timestamp: Millis(now), ID: id}
}

// NewUnsubscribe builds an unsubscribe control frame for topic.
func NewUnsubscribe(topic string, now time.Time, id string) Envelope {
	return Envelope{Type: TypeUnsubscribe, Topic: topic, Timestamp: Millis(now), ID: id}
}

// Server frames

func NewWelcome(clientID string, now time.Time) Envelope {
	return Envelope{Type: TypeWelcome, ID: clientID, TS: Millis(now)}
}

func NewHeartbeatAck(now time.Time) Envelope {
	return Envelope{Type: TypeHeartbeatAck, TS: Millis(now)}
}

func NewSubscribed(topic string, now time.Time) Envelope {
	return Envelope{Type: TypeSubscribed, Topic: topic, TS: Millis(now)}
}

func NewUnsubscribed(topic string, now time.Time) Envelope {
	return Envelope{Type: TypeUnsubscribed, Topic: topic, TS: Millis(now)}
}

func NewError(code ErrorCode, now time.Time) Envelope {
	return Envelope{Type: TypeError, Error: code, TS: Millis(now)}
}

// NewEvent builds an event frame. Event frames always carry a payload key; a
// nil payload is sent as null.
func NewEvent(topic string, payload json.RawMessage, now time.Time) Envelope {
	if len(payload) == 0 {
		payload = nullPayload
	}
	return Envelope{Type: TypeEvent, Topic: topic, Payload: payload, TS: Millis(now)}
}

// NewEcho wraps the original message as received, which must be valid JSON.
func NewEcho(original []byte, now time.Time) Envelope {
	return Envelope{Type: TypeEcho, Original: json.RawMessage(original), TS: Millis(now)}
}

// Marshal encodes an envelope as a text frame.
func Marshal(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", env.Type, err)
	}
	return data, nil
}
