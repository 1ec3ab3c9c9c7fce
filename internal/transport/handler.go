package transport

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Cluster peers connect over the private cluster network; origin
		// checking belongs to whatever reverse proxy fronts that network.
		return true
	},
}

// Handler upgrades incoming HTTP connections from cluster peers into Hub
// connections, identified by the "peer" query parameter.
type Handler struct {
	hub *Hub
}

// NewHandler constructs a Handler serving hub.
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// ServeHTTP upgrades the connection and hands it to the hub, keyed by the
// connecting peer's name.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("peer")
	if name == "" {
		http.Error(w, "missing peer query parameter", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.hub.Register(name, conn)
	go h.hub.ReadLoop(name, conn)
}
