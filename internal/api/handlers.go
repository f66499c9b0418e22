package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"partitions": s.engine.PartitionCount(),
	})
}

// handleSymbolStatistics serves GET /v1/stats/{symbol}. A symbol the
// engine has never observed produces 404, the HTTP mapping of the
// "absent" marker in §7 of the underlying statistics lookup.
func (s *Server) handleSymbolStatistics(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if symbol == "" {
		s.writeError(w, r, http.StatusBadRequest, "symbol is required")
		return
	}

	stats, ok := s.engine.TryGetStatistics(symbol)
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "symbol not found")
		return
	}
	s.writeJSON(w, r, http.StatusOK, stats)
}

// handleListStatistics serves GET /v1/stats, returning every symbol
// currently tracked across all partitions.
func (s *Server) handleListStatistics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.engine.ListAllStatistics())
}

// handleRecentSpikes serves GET /v1/spikes?symbol=...&limit=...
func (s *Server) handleRecentSpikes(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	limit := parseLimit(r.URL.Query().Get("limit"), 100)

	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"spikes": s.engine.RecentSpikes(limit, symbol),
		"count":  s.engine.SpikeCount(symbol),
	})
}

// handleMetrics serves GET /v1/metrics — a point-in-time snapshot of
// the engine's own counters, independent of the Prometheus /metrics
// endpoint the observability layer may expose on a separate port.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.engine.Metrics())
}

func parseLimit(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n := 0
	for _, c := range raw {
		if c < '0' || c > '9' {
			return fallback
		}
		n = n*10 + int(c-'0')
	}
	if n <= 0 {
		return fallback
	}
	return n
}
