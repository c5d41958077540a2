package http

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/omnisupport/omnisupport-server/internal/auth"
	"github.com/omnisupport/omnisupport-server/internal/event"
	"github.com/omnisupport/omnisupport-server/internal/presence"
	"github.com/omnisupport/omnisupport-server/internal/registry"
)

const (
	closeReasonSuperseded = "superseded"
	socketWriteTimeout    = 5 * time.Second
)

// wsSocket adapts a websocket connection to the registry's Socket. Sends
// are serialized; the registry and the read loop both write to it.
type wsSocket struct {
	conn *websocket.Conn

	mu         sync.Mutex
	superseded atomic.Bool
}

func (s *wsSocket) Send(ctx context.Context, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, socketWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, s.conn, payload)
}

func (s *wsSocket) Close(reason string) error {
	if reason == closeReasonSuperseded {
		s.superseded.Store(true)
		return s.conn.Close(websocket.StatusPolicyViolation, reason)
	}
	return s.conn.Close(websocket.StatusNormalClosure, reason)
}

// inboundFrame is what operator clients send over the socket.
type inboundFrame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// WSHandler upgrades operator connections and bridges them to the presence
// coordinator.
type WSHandler struct {
	coord  *presence.Coordinator
	reg    *registry.Registry
	jwtCfg *auth.JWTConfig
	log    *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(coord *presence.Coordinator, reg *registry.Registry, jwtCfg *auth.JWTConfig, logger *zerolog.Logger) *WSHandler {
	return &WSHandler{coord: coord, reg: reg, jwtCfg: jwtCfg, log: logger}
}

// Handle serves GET /ws?token=. The token is validated before the upgrade so
// unauthenticated clients get a plain 401 instead of a socket close code.
func (h *WSHandler) Handle(c *gin.Context) {
	claims, err := auth.ValidateToken(h.jwtCfg, c.Query("token"))
	if err != nil {
		h.log.Debug().Err(err).Msg("ws handshake rejected")
		c.JSON(401, ErrorResponse{Error: "invalid token"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}

	ctx := c.Request.Context()
	sock := &wsSocket{conn: conn}

	online, err := h.coord.HandleConnect(ctx, sock, claims.UserID, claims.TenantID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", claims.UserID.String()).Msg("connect failed")
		conn.Close(websocket.StatusInternalError, "connect failed")
		return
	}
	defer func() {
		// A superseded session's user is still online through its
		// replacement; tearing it down here would disconnect the new socket.
		if !sock.superseded.Load() {
			h.coord.HandleDisconnect(context.Background(), claims.UserID, claims.TenantID)
		}
		conn.Close(websocket.StatusNormalClosure, "closing")
	}()

	onlineIDs := make([]string, 0, len(online))
	for _, id := range online {
		onlineIDs = append(onlineIDs, id.String())
	}
	if err := sock.Send(ctx, map[string]any{
		"type":         "connected",
		"user_id":      claims.UserID.String(),
		"online_users": onlineIDs,
	}); err != nil {
		h.log.Warn().Err(err).Str("user_id", claims.UserID.String()).Msg("handshake frame failed")
		return
	}

	h.readLoop(ctx, conn, sock, claims)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, sock *wsSocket, claims *auth.Claims) {
	for {
		var in inboundFrame
		if err := wsjson.Read(ctx, conn, &in); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil && !sock.superseded.Load() {
				h.log.Debug().Err(err).Str("user_id", claims.UserID.String()).Msg("ws read ended")
			}
			return
		}

		reply := h.dispatch(ctx, sock, claims, in)
		if reply != nil {
			if err := sock.Send(ctx, reply); err != nil {
				h.log.Warn().Err(err).Str("user_id", claims.UserID.String()).Msg("ws reply failed")
				return
			}
		}
	}
}

// dispatch handles one inbound frame and returns the direct reply, if any.
func (h *WSHandler) dispatch(ctx context.Context, sock *wsSocket, claims *auth.Claims, in inboundFrame) map[string]any {
	switch in.Type {
	case "join_conversation":
		convID, ok := frameUUID(in.Data, "conversation_id")
		if !ok {
			return errorFrame("invalid conversation_id")
		}
		if !h.reg.SubscribeConversation(claims.UserID, convID) {
			return errorFrame("not connected")
		}
		return map[string]any{"type": "joined_conversation", "conversation_id": convID.String()}

	case "leave_conversation":
		convID, ok := frameUUID(in.Data, "conversation_id")
		if !ok {
			return errorFrame("invalid conversation_id")
		}
		h.reg.UnsubscribeConversation(claims.UserID, convID)
		return map[string]any{"type": "left_conversation", "conversation_id": convID.String()}

	case "typing_start", "typing_stop":
		convID, ok := frameUUID(in.Data, "conversation_id")
		if !ok {
			return errorFrame("invalid conversation_id")
		}
		err := h.coord.BroadcastConversation(ctx, claims.TenantID, convID, event.TypeOperatorTyping, map[string]any{
			"user_id":   claims.UserID.String(),
			"is_typing": in.Type == "typing_start",
		}, &claims.UserID)
		if err != nil {
			h.log.Warn().Err(err).Msg("typing broadcast failed")
		}
		return nil

	case "status_update":
		status, _ := in.Data["status"].(string)
		if status == "" {
			status = "online"
		}
		err := h.coord.BroadcastTenant(ctx, claims.TenantID, event.TypeOperatorStatusChanged, map[string]any{
			"user_id": claims.UserID.String(),
			"status":  status,
		}, &claims.UserID)
		if err != nil {
			h.log.Warn().Err(err).Msg("status broadcast failed")
		}
		return map[string]any{"type": "status_updated", "status": status}

	case "ping":
		return map[string]any{"type": "pong", "timestamp": time.Now().UTC()}

	default:
		return errorFrame("unknown event type: " + in.Type)
	}
}

func frameUUID(data map[string]any, key string) (uuid.UUID, bool) {
	raw, _ := data[key].(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func errorFrame(message string) map[string]any {
	return map[string]any{"type": "error", "message": message}
}
