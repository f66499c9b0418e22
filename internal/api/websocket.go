package api

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// handleSpikeStream upgrades to a websocket connection and forwards
// every spike the engine records from this point on, using the
// engine's own best-effort subscriber fan-out rather than polling
// RecentSpikes.
func (s *Server) handleSpikeStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Error(r.Context(), "websocket upgrade failed", err)
		}
		return
	}
	defer conn.Close()

	spikes := s.engine.SubscribeSpikes(16)

	go s.drainIncoming(conn)

	for spike := range spikes {
		if err := conn.WriteJSON(spike); err != nil {
			return
		}
	}
}

// drainIncoming reads and discards client messages until the
// connection errors or closes. No read deadline is set, and
// handleSpikeStream notices a closed connection only when its next
// write fails.
func (s *Server) drainIncoming(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
