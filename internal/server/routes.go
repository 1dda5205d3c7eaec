// Package server wires HTTP handlers into a gorilla/mux router.
package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRoutes returns the router serving the health check and the WebSocket
// endpoint. Both only accept GET; other methods get 405.
func SetupRoutes(h *Handlers, logger *slog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(recoveryMiddleware(logger), loggingMiddleware(logger))

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/ws", h.WebSocket).Methods(http.MethodGet)
	return r
}
