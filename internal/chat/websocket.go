package chat

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/clusterprotocol/vault-guardian/internal/domain"
	"github.com/clusterprotocol/vault-guardian/internal/identity"
)

// wsMessage is the frame exchanged on the chat socket.
type wsMessage struct {
	Type    string          `json:"type"`
	Content string          `json:"content,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
	Result  *Result         `json:"result,omitempty"`
	Reply   *domain.Message `json:"reply,omitempty"`
}

// HandleWebSocket serves GET /ws/vaults/{vaultID}/chat. Each inbound
// {"type":"message"} frame is one paid chat turn; replies stream back as
// "chunk" frames followed by "done" or "error".
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	vaultID := domain.NormalizeVaultID(chi.URLParam(r, "vaultID"))
	if id == "" {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "unauthorized")
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err, "identity", id)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("failed to close websocket", "error", closeErr, "identity", id)
		}
	}()

	h.sessions.Register(id, vaultID, ws)
	defer h.sessions.Unregister(id, vaultID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		var msg wsMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("websocket closed by client", "identity", id)
			} else if ctx.Err() == nil {
				slog.Warn("websocket read error", "error", err, "identity", id)
			}
			return
		}

		switch msg.Type {
		case "ping":
			if err := wsjson.Write(ctx, ws, wsMessage{Type: "pong"}); err != nil {
				return
			}
		case "message":
			if !h.handleSocketMessage(ctx, ws, id, vaultID, msg.Content) {
				return
			}
		default:
			if err := wsjson.Write(ctx, ws, wsMessage{Type: EventError, Code: "invalid_message", Error: "unknown frame type"}); err != nil {
				return
			}
		}
	}
}

// handleSocketMessage runs one chat turn and reports whether the socket is still usable.
func (h *Handler) handleSocketMessage(ctx context.Context, ws *websocket.Conn, id, vaultID, content string) bool {
	if !h.rateLimiter.Allow(id) {
		return wsjson.Write(ctx, ws, wsMessage{Type: EventError, Code: "rate_limited", Error: "rate limit exceeded"}) == nil
	}

	emit := func(chunk string) error {
		return wsjson.Write(ctx, ws, wsMessage{Type: EventChunk, Content: chunk})
	}

	res, err := h.svc.Send(ctx, id, vaultID, content, emit)
	if err != nil {
		code, _ := errorCode(err)
		out := wsMessage{Type: EventError, Code: code, Error: err.Error()}
		if res != nil {
			out.Error = res.Reply.Content
			out.Reply = &res.Reply
			out.Result = res
		}
		if ctx.Err() != nil {
			return false
		}
		return wsjson.Write(ctx, ws, out) == nil
	}
	return wsjson.Write(ctx, ws, wsMessage{Type: EventDone, Result: res}) == nil
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.origin == "" || h.origin == "*" {
		return true
	}
	if origin == h.origin {
		return true
	}
	slog.Warn("websocket origin rejected", "origin", origin, "allowed", h.origin)
	return false
}
