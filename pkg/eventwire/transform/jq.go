// Package transform rewrites envelope payloads with jq queries.
package transform

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"

	"github.com/tsarna/eventwire/pkg/eventwire/protocol"
)

// JqFilter applies a compiled jq query to envelope payloads.
//
// The query sees the decoded payload as its input and has two variables:
//   - $topic: the envelope topic, or "" for envelope-style messages
//   - $type: the message type
//
// A single result replaces the payload, several results are collected into
// an array and no result at all drops the envelope.
type JqFilter struct {
	query string
	code  *gojq.Code
}

// NewJqFilter compiles query.
//
// Example:
//
//	filter, err := NewJqFilter(`select($topic | startswith("price.")) | .price`)
func NewJqFilter(query string) (*JqFilter, error) {
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq query '%s': %w", query, err)
	}

	code, err := gojq.Compile(parsed, gojq.WithVariables([]string{"$topic", "$type"}))
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq query '%s': %w", query, err)
	}

	return &JqFilter{query: query, code: code}, nil
}

func (f *JqFilter) String() string {
	return f.query
}

// Apply runs the query over env's payload. It returns the rewritten envelope
// and true, or false when the query produced nothing.
func (f *JqFilter) Apply(ctx context.Context, env protocol.Envelope) (protocol.Envelope, bool, error) {
	var input any
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &input); err != nil {
			return env, false, fmt.Errorf("%w: %v", protocol.ErrInvalidJSON, err)
		}
	}

	iter := f.code.RunWithContext(ctx, input, env.Topic, string(env.Type))

	var results []any
	for {
		result, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := result.(error); isErr {
			return env, false, fmt.Errorf("jq query '%s' failed: %w", f.query, err)
		}
		results = append(results, result)
	}

	var payload any
	switch len(results) {
	case 0:
		return env, false, nil
	case 1:
		payload = results[0]
	default:
		payload = results
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return env, false, err
	}

	out := env
	out.Payload = raw
	return out, true, nil
}
