// Package ws carries the sync wire protocol over websocket connections.
//
// Frames are JSON envelopes: {"type": "...", "payload": {...}}. A client
// sends delta_request, apply_request or resolve_request and reads exactly
// one response frame per request. Network and deadline failures are
// reported as syncer.TransportError so the coordinator retries them.
package ws

import (
	"encoding/json"
	"time"
)

// Frame types.
const (
	TypeDeltaRequest    = "delta_request"
	TypeDeltaResponse   = "delta_response"
	TypeApplyRequest    = "apply_request"
	TypeApplyResponse   = "apply_response"
	TypeResolveRequest  = "resolve_request"
	TypeResolveResponse = "resolve_response"
	TypeError           = "error"
)

// Envelope is one websocket frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// errorPayload carries a remote application error back to the caller.
type errorPayload struct {
	Message string `json:"message"`
}

// Config holds shared websocket transport configuration.
type Config struct {
	// Timeout bounds each request/response exchange.
	Timeout time.Duration `yaml:"timeout"`

	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// DefaultConfig returns the standard transport timeouts.
func DefaultConfig() *Config {
	return &Config{
		Timeout:          10 * time.Second,
		HandshakeTimeout: 5 * time.Second,
	}
}

func newEnvelope(frameType string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: frameType, Payload: raw}, nil
}
