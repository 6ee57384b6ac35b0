// Package rpc layers the JSON-RPC 2.0 cluster protocol from spec.md
// §4.D over an internal/transport.Stream: notification-style
// envelopes for the event bus, a method registry, per-connection
// receive workers, and the heartbeat/idle-timeout liveness rules.
//
// The envelope's explicit-id tracking is grounded on the JSON-RPC
// types in the retrieved MCP devtools server (internal/mcp/protocol.go):
// the same custom UnmarshalJSON trick — tracking whether "id" was
// present/explicitly null/malformed — lets a handler distinguish a
// notification from a request that simply omitted its id.
package rpc

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the wire message described in spec.md §6.
type Envelope struct {
	Jsonrpc    string          `json:"jsonrpc"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params,omitempty"`
	Ts         float64         `json:"ts"`
	OriginZone string          `json:"originZone,omitempty"`

	id              json.RawMessage
	idPresent       bool
	idExplicitNull  bool
	idInvalidFormat bool
}

// envelopeAlias avoids infinite recursion in UnmarshalJSON/MarshalJSON.
type envelopeAlias struct {
	Jsonrpc    string          `json:"jsonrpc"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params,omitempty"`
	Ts         float64         `json:"ts"`
	OriginZone string          `json:"originZone,omitempty"`
	ID         json.RawMessage `json:"id,omitempty"`
}

// UnmarshalJSON tracks whether "id" was present, explicitly null, or
// malformed, exactly as the MCP protocol types this is grounded on —
// the cluster's control calls (those with an id) need to tell "no id"
// apart from "id: null" when deciding whether to reply.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw struct {
		Jsonrpc    string          `json:"jsonrpc"`
		Method     string          `json:"method"`
		Params     json.RawMessage `json:"params,omitempty"`
		Ts         float64         `json:"ts"`
		OriginZone string          `json:"originZone,omitempty"`
		ID         json.RawMessage `json:"id,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Jsonrpc = raw.Jsonrpc
	e.Method = raw.Method
	e.Params = raw.Params
	e.Ts = raw.Ts
	e.OriginZone = raw.OriginZone

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err == nil {
		if idRaw, present := probe["id"]; present {
			e.idPresent = true
			if string(idRaw) == "null" {
				e.idExplicitNull = true
			} else if err := json.Unmarshal(idRaw, new(interface{})); err != nil {
				e.idInvalidFormat = true
			} else {
				e.id = idRaw
			}
		}
	}
	return nil
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	alias := envelopeAlias{
		Jsonrpc:    e.Jsonrpc,
		Method:     e.Method,
		Params:     e.Params,
		Ts:         e.Ts,
		OriginZone: e.OriginZone,
	}
	if e.idPresent && !e.idExplicitNull {
		alias.ID = e.id
	} else if e.idExplicitNull {
		alias.ID = json.RawMessage("null")
	}
	return json.Marshal(alias)
}

func (e *Envelope) HasID() bool        { return e.idPresent && !e.idExplicitNull && !e.idInvalidFormat }
func (e *Envelope) HasInvalidID() bool { return e.idInvalidFormat }
func (e *Envelope) ID() json.RawMessage { return e.id }

// SetID attaches a request id for the few control calls that expect a
// correlated reply.
func (e *Envelope) SetID(id json.RawMessage) {
	e.id = id
	e.idPresent = true
}

// NewNotification builds a notification envelope (no id) stamped with
// the current time, the common path for the cluster event bus.
func NewNotification(method string, params interface{}, originZone string) (Envelope, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Envelope{}, fmt.Errorf("rpc: marshal params for %s: %w", method, err)
	}
	return Envelope{
		Jsonrpc:    "2.0",
		Method:     method,
		Params:     raw,
		Ts:         float64(time.Now().UnixNano()) / 1e9,
		OriginZone: originZone,
	}, nil
}

// Result is what an API function returns; Error is non-nil on failure.
type Result struct {
	Value interface{}
	Error error
}
