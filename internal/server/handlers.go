package server

import (
	"net/http"
	"sort"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"geotrack/internal/config"
	"geotrack/internal/device"
	"geotrack/internal/logging"
	"geotrack/internal/store"
)

// Handler carries the HTTP surface: the WebSocket upgrade endpoint, the
// REST device listing, and the health check.
type Handler struct {
	hub      *Hub
	tracker  *Tracker
	store    store.Store
	upgrader websocket.Upgrader
	limit    rateLimitConfig
	maxSize  int64
}

// NewHandler builds the handler from its collaborators and config.
func NewHandler(hub *Hub, tracker *Tracker, st store.Store, cfg *config.Config) *Handler {
	policy := newOriginPolicy(cfg.Server.AllowedOrigins)
	return &Handler{
		hub:     hub,
		tracker: tracker,
		store:   st,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.checkOrigin,
		},
		limit: rateLimitConfig{
			burst:          cfg.RateLimit.Burst,
			refillInterval: cfg.RateLimit.RefillInterval,
		},
		maxSize: cfg.Server.MaxMessageSize,
	}
}

// WebSocket upgrades the connection and hands it to the hub, which
// launches the read and write pumps.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(conn, h.hub, h.tracker, r.RemoteAddr, h.maxSize, h.limit)
	h.hub.register <- client
}

// Devices lists all known device records, most recently updated first.
// A storage failure yields 500 with a generic body; no store internals
// leak to the caller.
func (h *Handler) Devices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.store.List(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("device listing failed")
		respondError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}

	// The memory backend lists in insertion order; REST reads are
	// always served most-recently-updated-first regardless of backend.
	sort.SliceStable(devices, func(i, j int) bool {
		return devices[i].UpdatedAt.After(devices[j].UpdatedAt)
	})
	if devices == nil {
		devices = []device.Device{}
	}

	respondJSON(w, http.StatusOK, devices)
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error().Err(err).Msg("error writing JSON response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
