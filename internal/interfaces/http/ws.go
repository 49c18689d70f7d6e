package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quotewire/quotewire/internal/stream"
)

// Inbound WebSocket actions.
const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionHeartbeat   = "heartbeat"
	actionReconnect   = "reconnect"
)

type wsInbound struct {
	Action    string          `json:"action"`
	Subscribe json.RawMessage `json:"payload,omitempty"`
}

// handleWS upgrades the request and runs the session until the socket drops.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := stream.UpgradeWS(w, r)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.deps.Receiver.Register(conn)
	defer s.deps.Receiver.Disconnect(conn.ID())

	err = conn.ReadLoop(r.Context(), func(raw []byte) {
		s.handleWSFrame(r.Context(), conn, raw)
	})
	if err != nil {
		log.Debug().Str("client", conn.ID()).Err(err).Msg("websocket session ended")
	}
}

func (s *Server) handleWSFrame(ctx context.Context, conn *stream.WSConn, raw []byte) {
	var in wsInbound
	if err := json.Unmarshal(raw, &in); err != nil {
		s.sendWSError(conn, "bad_frame", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch in.Action {
	case actionHeartbeat:
		s.deps.Receiver.Heartbeat(conn.ID())

	case actionSubscribe:
		var req stream.SubscribeRequest
		if err := json.Unmarshal(in.Subscribe, &req); err != nil {
			s.sendWSError(conn, "bad_subscribe", err)
			return
		}
		ack, err := s.deps.Receiver.Subscribe(ctx, conn.ID(), req)
		if err != nil {
			s.sendWSError(conn, "subscribe_failed", err)
			return
		}
		s.sendWS(conn, ack)

	case actionUnsubscribe:
		var req stream.SubscribeRequest
		if err := json.Unmarshal(in.Subscribe, &req); err != nil {
			s.sendWSError(conn, "bad_unsubscribe", err)
			return
		}
		ack, err := s.deps.Receiver.Unsubscribe(ctx, conn.ID(), req)
		if err != nil {
			s.sendWSError(conn, "unsubscribe_failed", err)
			return
		}
		s.sendWS(conn, ack)

	case actionReconnect:
		var req stream.ClientReconnectRequest
		if err := json.Unmarshal(in.Subscribe, &req); err != nil {
			s.sendWSError(conn, "bad_reconnect", err)
			return
		}
		resp, err := s.deps.Receiver.Reconnect(ctx, conn, req)
		if err != nil {
			s.sendWSError(conn, "reconnect_failed", err)
			return
		}
		s.sendWS(conn, resp)

	default:
		s.sendWS(conn, map[string]string{"type": "error", "reason": "unknown_action"})
	}
}

func (s *Server) sendWS(conn *stream.WSConn, frame any) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Send(ctx, frame); err != nil {
		log.Debug().Str("client", conn.ID()).Err(err).Msg("websocket send failed")
	}
}

func (s *Server) sendWSError(conn *stream.WSConn, reason string, err error) {
	s.sendWS(conn, map[string]string{"type": "error", "reason": reason, "detail": err.Error()})
}
