// Package server exposes HTTP handlers, including the WebSocket upgrade and
// the health check.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// Handlers serves the HTTP side of the relay.
type Handlers struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers builds the handlers for hub, checking origins against
// cfg.AllowedOrigins.
func NewHandlers(hub *Hub, cfg Config, logger *slog.Logger) *Handlers {
	origins := newOriginPolicy(cfg.AllowedOrigins, logger)
	return &Handlers{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
		logger: logger,
	}
}

// WebSocket upgrades the request and hands the connection to the hub, which
// starts the client's read and write pumps.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("addr", r.RemoteAddr), slog.Any("error", err))
		return
	}

	client := NewClient(conn, h.hub, r.RemoteAddr)
	if err := h.hub.Register(client); err != nil {
		if errors.Is(err, ErrHubStopped) {
			h.logger.Info("rejecting connection during shutdown", slog.String("addr", r.RemoteAddr))
		}
		_ = conn.Close()
	}
}

// Health responds with a plain text liveness message.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "Chat relay is running!")
}
