package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clusterprotocol/vault-guardian/internal/domain"
	"github.com/clusterprotocol/vault-guardian/internal/identity"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// SSE event names.
const (
	EventChunk = "chunk"
	EventDone  = "done"
	EventError = "error"
)

// sendRequest is the body of a chat POST and of a WebSocket "message" frame.
type sendRequest struct {
	Message string `json:"message"`
}

type chunkEvent struct {
	Content string `json:"content"`
}

type errorEvent struct {
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Reply   *domain.Message `json:"reply,omitempty"`
	Balance *int            `json:"balance,omitempty"`
}

// Handler serves the chat transports.
type Handler struct {
	svc         *Service
	rateLimiter *RateLimiter
	maxBodySize int64
	sessions    *SessionManager
	origin      string
	isDev       bool
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	RateLimit     int
	RateWindow    time.Duration
	MaxBodySize   int64
	AllowedOrigin string
	IsDevelopment bool
}

// NewHandler creates the chat handler.
func NewHandler(svc *Service, cfg HandlerConfig) *Handler {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxRequestBodySize
	}
	return &Handler{
		svc:         svc,
		rateLimiter: NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		maxBodySize: cfg.MaxBodySize,
		sessions:    NewSessionManager(),
		origin:      cfg.AllowedOrigin,
		isDev:       cfg.IsDevelopment,
	}
}

// Close stops background work and closes open sockets.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
	h.sessions.CloseAll()
}

// RegisterRoutes mounts the chat endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/vaults/{vaultID}/chat", h.HandleChat)
	r.Get("/ws/vaults/{vaultID}/chat", h.HandleWebSocket)
}

// errorCode maps a send error to a stable code and HTTP status.
func errorCode(err error) (string, int) {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return "unauthenticated", http.StatusUnauthorized
	case errors.Is(err, domain.ErrInsufficientCredits):
		return "insufficient_credits", http.StatusPaymentRequired
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return "upstream_unavailable", http.StatusBadGateway
	case errors.Is(err, domain.ErrNotFound):
		return "not_found", http.StatusNotFound
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrMessageTooLong):
		return "invalid_message", http.StatusBadRequest
	default:
		return "internal", http.StatusInternalServerError
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}

// HandleChat handles POST /api/vaults/{vaultID}/chat and streams the reply as SSE.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	if id == "" {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "unauthorized")
		return
	}
	vaultID := domain.NormalizeVaultID(chi.URLParam(r, "vaultID"))

	if !h.rateLimiter.Allow(id) {
		writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	streaming := false
	startStream := func() {
		if streaming {
			return
		}
		streaming = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
	}

	emit := func(chunk string) error {
		startStream()
		data, err := json.Marshal(chunkEvent{Content: chunk})
		if err != nil {
			return err
		}
		if err := writeSSE(w, EventChunk, string(data)); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	slog.Info("chat request", "identity", id, "vault_id", vaultID, "ip", identity.IPFromRequest(r), "message_length", len(req.Message))
	res, err := h.svc.Send(r.Context(), id, vaultID, req.Message, emit)

	if err != nil && res == nil {
		code, status := errorCode(err)
		if !streaming {
			// Nothing was streamed yet: a plain JSON error keeps the client's input intact.
			writeJSONError(w, status, code, err.Error())
			return
		}
		slog.Warn("chat stream aborted", "identity", id, "vault_id", vaultID, "error", err)
		data, _ := json.Marshal(errorEvent{Error: err.Error(), Code: code})
		if writeErr := writeSSE(w, EventError, string(data)); writeErr != nil {
			slog.Debug("failed to write SSE error event", "error", writeErr)
			return
		}
		flusher.Flush()
		return
	}

	startStream()
	if res.Degraded {
		code, _ := errorCode(err)
		balance := res.Balance
		data, _ := json.Marshal(errorEvent{Error: res.Reply.Content, Code: code, Reply: &res.Reply, Balance: &balance})
		if writeErr := writeSSE(w, EventError, string(data)); writeErr != nil {
			slog.Debug("failed to write SSE error event", "error", writeErr)
			return
		}
		flusher.Flush()
		return
	}

	data, err := json.Marshal(res)
	if err != nil {
		slog.Warn("failed to marshal chat result", "error", err)
		return
	}
	if err := writeSSE(w, EventDone, string(data)); err != nil {
		slog.Warn("failed to write SSE done event", "error", err)
		return
	}
	flusher.Flush()
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
