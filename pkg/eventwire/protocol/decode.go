package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidJSON              = errors.New("invalid json")
	ErrInvalidMessage           = errors.New("invalid message")
	ErrSubscribeRequiresTopic   = errors.New("subscribe requires topic")
	ErrUnsubscribeRequiresTopic = errors.New("unsubscribe requires topic")
	ErrNoPayload                = errors.New("envelope has no payload")
)

// CodeOf maps a parse error to the error code reported back to the sender.
// Errors that did not come from this package map to invalid_message.
func CodeOf(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrInvalidJSON):
		return CodeInvalidJSON
	case errors.Is(err, ErrSubscribeRequiresTopic):
		return CodeSubscribeRequiresTopic
	case errors.Is(err, ErrUnsubscribeRequiresTopic):
		return CodeUnsubscribeRequiresTopic
	default:
		return CodeInvalidMessage
	}
}

// Message is the tagged union over the known message kinds. Use a type switch
// on the concrete variant.
type Message interface {
	Kind() MessageType
}

type Heartbeat struct {
	Payload json.RawMessage
}

type Subscribe struct {
	Topic string
}

type Unsubscribe struct {
	Topic string
}

type Pong struct{}

type HeartbeatAck struct{}

type Welcome struct {
	ClientID string
}

type Subscribed struct {
	Topic string
}

type Unsubscribed struct {
	Topic string
}

type Error struct {
	Code ErrorCode
}

// Event is a topic-scoped application event, as broadcast by the hub.
type Event struct {
	Topic   string
	Payload json.RawMessage
}

type Echo struct {
	Original json.RawMessage
}

// Data is an application data message (metric, status, or an event sent in
// the client envelope without a topic).
type Data struct {
	Type    MessageType
	Payload json.RawMessage
}

// Custom carries any message whose type is outside the known set, with all of
// its fields preserved for forward compatibility.
type Custom struct {
	Type   MessageType
	Fields map[string]any
}

func (Heartbeat) Kind() MessageType    { return TypeHeartbeat }
func (Subscribe) Kind() MessageType    { return TypeSubscribe }
func (Unsubscribe) Kind() MessageType  { return TypeUnsubscribe }
func (Pong) Kind() MessageType         { return TypePong }
func (HeartbeatAck) Kind() MessageType { return TypeHeartbeatAck }
func (Welcome) Kind() MessageType      { return TypeWelcome }
func (Subscribed) Kind() MessageType   { return TypeSubscribed }
func (Unsubscribed) Kind() MessageType { return TypeUnsubscribed }
func (Error) Kind() MessageType        { return TypeError }
func (Event) Kind() MessageType        { return TypeEvent }
func (Echo) Kind() MessageType         { return TypeEcho }
func (d Data) Kind() MessageType       { return d.Type }
func (c Custom) Kind() MessageType     { return c.Type }

// Parse decodes a frame into an Envelope. Malformed JSON yields ErrInvalidJSON;
// valid JSON that is not an object with a non-empty string "type" yields
// ErrInvalidMessage. Fields of the wrong JSON type are ignored.
func Parse(data []byte) (Envelope, error) {
	env, _, err := parse(data)
	return env, err
}

// ParseClientMessage parses a frame received by the hub and decodes it into a
// Message. Subscribe and unsubscribe messages must carry a string "topic".
func ParseClientMessage(data []byte) (Message, error) {
	env, fields, err := parse(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeSubscribe:
		if !hasString(fields, "topic") {
			return nil, ErrSubscribeRequiresTopic
		}
	case TypeUnsubscribe:
		if !hasString(fields, "topic") {
			return nil, ErrUnsubscribeRequiresTopic
		}
	}

	return decode(env, fields), nil
}

// Decode converts an already parsed Envelope into its Message variant.
func Decode(env Envelope) Message {
	return decode(env, nil)
}

func parse(data []byte) (Envelope, map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		if !json.Valid(data) {
			return Envelope{}, nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
		// Valid JSON, but not an object
		return Envelope{}, nil, ErrInvalidMessage
	}
	if fields == nil {
		return Envelope{}, nil, ErrInvalidMessage
	}

	var typ string
	if raw, ok := fields["type"]; !ok || json.Unmarshal(raw, &typ) != nil || typ == "" {
		return Envelope{}, nil, ErrInvalidMessage
	}

	env := Envelope{Type: MessageType(typ)}
	if raw, ok := fields["payload"]; ok {
		env.Payload = raw
	}
	if raw, ok := fields["original"]; ok {
		env.Original = raw
	}
	env.Timestamp = intField(fields, "timestamp")
	env.TS = intField(fields, "ts")
	env.ID = stringField(fields, "id")
	env.Topic = stringField(fields, "topic")
	env.Error = ErrorCode(stringField(fields, "error"))

	return env, fields, nil
}

func decode(env Envelope, fields map[string]json.RawMessage) Message {
	switch env.Type {
	case TypeHeartbeat:
		return Heartbeat{Payload: env.Payload}
	case TypeSubscribe:
		return Subscribe{Topic: env.Topic}
	case TypeUnsubscribe:
		return Unsubscribe{Topic: env.Topic}
	case TypePong:
		return Pong{}
	case TypeHeartbeatAck:
		return HeartbeatAck{}
	case TypeWelcome:
		return Welcome{ClientID: env.ID}
	case TypeSubscribed:
		return Subscribed{Topic: env.Topic}
	case TypeUnsubscribed:
		return Unsubscribed{Topic: env.Topic}
	case TypeError:
		return Error{Code: env.Error}
	case TypeEcho:
		return Echo{Original: env.Original}
	case TypeEvent:
		if env.Topic != "" {
			return Event{Topic: env.Topic, Payload: env.Payload}
		}
		return Data{Type: env.Type, Payload: env.Payload}
	case TypeMetric, TypeStatus:
		return Data{Type: env.Type, Payload: env.Payload}
	}

	custom := Custom{Type: env.Type, Fields: make(map[string]any, len(fields))}
	if fields == nil {
		custom.Fields["type"] = string(env.Type)
		if len(env.Payload) > 0 {
			custom.Fields["payload"] = env.Payload
		}
		return custom
	}
	for k, raw := range fields {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			custom.Fields[k] = v
		}
	}
	return custom
}

func hasString(fields map[string]json.RawMessage, key string) bool {
	raw, ok := fields[key]
	if !ok {
		return false
	}
	var s string
	return json.Unmarshal(raw, &s) == nil
}

func stringField(fields map[string]json.RawMessage, key string) string {
	var s string
	if raw, ok := fields[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

func intField(fields map[string]json.RawMessage, key string) int64 {
	raw, ok := fields[key]
	if !ok {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int64(f)
	}
	return 0
}
