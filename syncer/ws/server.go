package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/coherentops/agentmem/syncer"
)

// Server exposes a local node's sync surface over websocket.
type Server struct {
	node     syncer.Node
	cfg      *Config
	upgrader websocket.Upgrader
}

// NewServer creates a Server for the given node.
func NewServer(node syncer.Node, cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Server{
		node: node,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 16,
			WriteBufferSize: 1 << 16,
		},
	}
}

// Handler returns the http.Handler to mount at the sync endpoint.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[SYNC-WS] Upgrade failed: %v", err)
			return
		}
		s.serve(r.Context(), conn)
	})
}

// serve handles one peer connection until it closes or errors.
func (s *Server) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	for {
		var req Envelope
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[SYNC-WS] Read failed: %v", err)
			}
			return
		}

		resp := s.dispatch(ctx, &req)
		if err := conn.WriteJSON(resp); err != nil {
			log.Printf("[SYNC-WS] Write failed: %v", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req *Envelope) *Envelope {
	switch req.Type {
	case TypeDeltaRequest:
		var payload syncer.DeltaRequest
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return errorEnvelope(err)
		}
		resp, err := s.node.DeltaSince(ctx, &payload)
		if err != nil {
			return errorEnvelope(err)
		}
		return mustEnvelope(TypeDeltaResponse, resp)

	case TypeApplyRequest:
		var payload syncer.ApplyRequest
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return errorEnvelope(err)
		}
		resp, err := s.node.Apply(ctx, &payload)
		if err != nil {
			return errorEnvelope(err)
		}
		return mustEnvelope(TypeApplyResponse, resp)

	case TypeResolveRequest:
		var payload syncer.ResolveRequest
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return errorEnvelope(err)
		}
		resp, err := s.node.Resolve(ctx, &payload)
		if err != nil {
			return errorEnvelope(err)
		}
		return mustEnvelope(TypeResolveResponse, resp)

	default:
		return errorEnvelope(errUnknownFrame(req.Type))
	}
}

type unknownFrameError string

func errUnknownFrame(t string) error { return unknownFrameError(t) }

func (e unknownFrameError) Error() string { return "unknown frame type " + string(e) }

func errorEnvelope(err error) *Envelope {
	env, mErr := newEnvelope(TypeError, errorPayload{Message: err.Error()})
	if mErr != nil {
		return &Envelope{Type: TypeError}
	}
	return env
}

func mustEnvelope(frameType string, payload any) *Envelope {
	env, err := newEnvelope(frameType, payload)
	if err != nil {
		return errorEnvelope(err)
	}
	return env
}
