package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/scrawl/internal/ledger"
	"github.com/manpreetbhatti/scrawl/internal/protocol"
)

// Handler upgrades HTTP requests to websocket sessions
type Handler struct {
	hub      *Hub
	ledger   *ledger.Ledger
	gate     Gate
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler builds the websocket endpoint. An empty allowedOrigins list
// accepts any origin.
func NewHandler(hub *Hub, l *ledger.Ledger, gate Gate, allowedOrigins []string, logger *slog.Logger) *Handler {
	return &Handler{
		hub:    hub,
		ledger: l,
		gate:   gate,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		logger: logger,
	}
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("remote", r.RemoteAddr), slog.Any("error", err))
		return
	}

	client := newClient(conn, h.logger)
	session := NewSession(client, h.hub, h.ledger, h.gate, client.logger)
	client.logger.Debug("connection opened", slog.String("remote", r.RemoteAddr))

	go client.writePump()
	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer func() {
			cancel()
			session.Close()
			client.Close()
			client.logger.Debug("connection closed")
		}()
		client.readPump(func(msg *protocol.Message) {
			session.Handle(ctx, msg)
		})
	}()
}
