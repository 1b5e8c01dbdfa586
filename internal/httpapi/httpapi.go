// Package httpapi exposes the engine's introspection surface: JSON
// stats endpoints backed by the Coordinator, a health check, and the
// Prometheus /metrics scrape target. It carries no broadcast logic of
// its own.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/odin-broadcast/engine/internal/coordinator"
)

// Server wires a Coordinator's stats surface into an http.ServeMux.
type Server struct {
	coord  *coordinator.Coordinator
	logger zerolog.Logger
}

// New builds an httpapi.Server.
func New(coord *coordinator.Coordinator, logger zerolog.Logger) *Server {
	return &Server{coord: coord, logger: logger.With().Str("component", "httpapi").Logger()}
}

// Mux builds the HTTP mux. transportHandler handles the WebSocket
// upgrade route ("/ws"); it is supplied by the caller since the
// connection layer and the stats surface are independently wired.
func (s *Server) Mux(transportHandler http.HandlerFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", transportHandler)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats/subscriptions", s.handleSubscriptionStats)
	mux.HandleFunc("/stats/broadcast", s.handleBroadcastStats)
	mux.HandleFunc("/stats/routing", s.handleRoutingStats)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.coord.GetHealthStatus()

	status := http.StatusOK
	switch health.Status {
	case "error":
		status = http.StatusServiceUnavailable
	case "warning":
		status = http.StatusOK
	}

	s.writeJSON(w, status, health)
}

func (s *Server) handleSubscriptionStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.GetSubscriptionStats())
}

func (s *Server) handleBroadcastStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.GetBroadcastStats())
}

func (s *Server) handleRoutingStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.GetRoutingStats())
}
