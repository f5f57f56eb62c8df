package hub

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// ErrAlreadyServing is returned by Serve when the hub already owns a server.
var ErrAlreadyServing = errors.New("hub is already serving")

// Stats is the document served at /stats.
type Stats struct {
	ActiveClients int          `json:"activeClients"`
	Connections   int          `json:"connections"`
	StartedAt     time.Time    `json:"startedAt"`
	Uptime        string       `json:"uptime"`
	Clients       []ClientInfo `json:"clients"`
}

// Stats returns a snapshot of the hub and its clients.
func (h *Hub) Stats() Stats {
	return Stats{
		ActiveClients: h.registry.Len(),
		Connections:   h.ConnectionCount(),
		StartedAt:     h.startedAt,
		Uptime:        h.clock.Now().Sub(h.startedAt).Round(time.Second).String(),
		Clients:       h.registry.Snapshot(),
	}
}

// Router returns the hub's HTTP routes. WebSocket upgrades are accepted on
// both / and /ws; /metrics is mounted only when a metrics handler is set.
func (h *Hub) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", h.ServeWebsocket)
	r.Get("/ws", h.ServeWebsocket)
	r.Get("/healthz", h.serveHealth)
	r.Get("/stats", h.serveStats)
	if h.config.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", h.config.metricsHandler)
	}

	return r
}

func (h *Hub) serveHealth(w http.ResponseWriter, r *http.Request) {
	if h.isShuttingDown() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

func (h *Hub) serveStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.Stats()); err != nil {
		h.logger.Warn("Failed to write stats", zap.Error(err))
	}
}

// ListenAndServe listens on addr and serves the hub's router until Shutdown.
func (h *Hub) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return h.Serve(ln)
}

// Serve serves the hub's router on ln until Shutdown. It returns nil after
// a clean shutdown.
func (h *Hub) Serve(ln net.Listener) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		ln.Close()
		return http.ErrServerClosed
	}
	if h.server != nil {
		h.mu.Unlock()
		ln.Close()
		return ErrAlreadyServing
	}
	server := &http.Server{
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	h.server = server
	h.mu.Unlock()

	h.logger.Info("Hub listening", zap.String("addr", ln.Addr().String()))

	err := server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
