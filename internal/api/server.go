package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/marketpulse/tickengine/internal/config"
	"github.com/marketpulse/tickengine/internal/engine"
	"github.com/marketpulse/tickengine/pkg/observability"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
)

// contextKey namespaces values this package stores on a request
// context, so they cannot collide with a key set by another package.
type contextKey string

const requestIDKey contextKey = "request_id"

// Server exposes the engine's read paths over HTTP: per-symbol and
// all-symbol statistics, recent spikes, a metrics snapshot, a health
// check, and a websocket feed of newly detected spikes. It never holds
// engine state of its own and never calls anything but Engine's
// exported read/write methods.
type Server struct {
	logger *observability.Logger
	cfg    config.APIConfig
	engine *engine.Engine
	router *mux.Router
	server *http.Server

	upgrader websocket.Upgrader
}

// Response is the envelope every handler writes.
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewServer builds a Server bound to eng. Routes are registered
// immediately; Start merely begins listening.
func NewServer(cfg config.APIConfig, eng *engine.Engine, logger *observability.Logger) *Server {
	s := &Server{
		logger: logger,
		cfg:    cfg,
		engine: eng,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/stats", s.withLogging(s.handleListStatistics)).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/stats/{symbol}", s.withLogging(s.handleSymbolStatistics)).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/spikes", s.withLogging(s.handleRecentSpikes)).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/metrics", s.withLogging(s.handleMetrics)).Methods(http.MethodGet)

	if s.cfg.EnableWebSocket {
		s.router.HandleFunc("/ws/spikes", s.handleSpikeStream)
	}
}

// Start begins serving. It returns once the listener is closed by Stop
// or fails for a reason other than a graceful shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port)

	var handler http.Handler = s.router
	if s.cfg.EnableCORS {
		handler = cors.New(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		}).Handler(s.router)
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	if s.logger != nil {
		s.logger.Info(context.Background(), "api server starting", map[string]interface{}{"address": addr})
	}

	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID))

		next(w, r)

		if s.logger != nil {
			s.logger.Info(r.Context(), "api request", map[string]interface{}{
				"method":     r.Method,
				"path":       r.URL.Path,
				"duration":   time.Since(start).String(),
				"request_id": requestID,
			})
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := Response{
		Success:   status < http.StatusBadRequest,
		Data:      data,
		RequestID: requestIDFromContext(r.Context()),
		Timestamp: time.Now(),
	}
	if status >= http.StatusBadRequest {
		resp.Data = nil
		if msg, ok := data.(string); ok {
			resp.Error = msg
		}
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.writeJSON(w, r, status, message)
}

// requestIDFromContext reads the request id withLogging attached to
// the context, or "" for a route (e.g. /healthz) it does not wrap.
func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
