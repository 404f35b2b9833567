package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coherentops/agentmem/syncer"
)

// Client is a syncer.Transport that reaches one peer over websocket. The
// connection is dialed lazily and reused; requests serialize on it, and any
// transport failure drops the connection so the next attempt redials.
type Client struct {
	url string
	cfg *Config

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates a client for a peer's sync endpoint (ws:// URL).
func NewClient(url string, cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Client{url: url, cfg: cfg}
}

// FetchDelta implements syncer.Transport.
func (c *Client) FetchDelta(ctx context.Context, req *syncer.DeltaRequest) (*syncer.DeltaResponse, error) {
	var resp syncer.DeltaResponse
	if err := c.call(ctx, TypeDeltaRequest, TypeDeltaResponse, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Apply implements syncer.Transport.
func (c *Client) Apply(ctx context.Context, req *syncer.ApplyRequest) (*syncer.ApplyResponse, error) {
	var resp syncer.ApplyResponse
	if err := c.call(ctx, TypeApplyRequest, TypeApplyResponse, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Resolve implements syncer.Transport.
func (c *Client) Resolve(ctx context.Context, req *syncer.ResolveRequest) (*syncer.ResolveResponse, error) {
	var resp syncer.ResolveResponse
	if err := c.call(ctx, TypeResolveRequest, TypeResolveResponse, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Close drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// call performs one request/response exchange under the configured timeout.
func (c *Client) call(ctx context.Context, reqType, respType string, payload any, out any) error {
	env, err := newEnvelope(reqType, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", reqType, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.connLocked(ctx)
	if err != nil {
		return &syncer.TransportError{Op: "dial", Err: err}
	}

	deadline := time.Time{}
	if c.cfg.Timeout > 0 {
		deadline = time.Now().Add(c.cfg.Timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	conn.SetReadDeadline(deadline)

	if err := conn.WriteJSON(env); err != nil {
		c.dropLocked()
		return &syncer.TransportError{Op: reqType, Err: err}
	}

	var resp Envelope
	if err := conn.ReadJSON(&resp); err != nil {
		c.dropLocked()
		return &syncer.TransportError{Op: reqType, Err: err}
	}

	switch resp.Type {
	case respType:
		if err := json.Unmarshal(resp.Payload, out); err != nil {
			return fmt.Errorf("decode %s: %w", respType, err)
		}
		return nil
	case TypeError:
		var remote errorPayload
		if err := json.Unmarshal(resp.Payload, &remote); err != nil || remote.Message == "" {
			return errors.New("remote error")
		}
		// Remote application errors are not transport failures; they do not
		// retry.
		return errors.New(remote.Message)
	default:
		c.dropLocked()
		return &syncer.TransportError{Op: reqType, Err: fmt.Errorf("unexpected frame %q", resp.Type)}
	}
}

func (c *Client) connLocked(ctx context.Context) (*websocket.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
