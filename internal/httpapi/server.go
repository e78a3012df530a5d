// Package httpapi is the read-only monitor server. It serves the same
// on-disk contracts the loop writes; it never mutates engine state.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/paperloop/paperloop/internal/atomicio"
	"github.com/paperloop/paperloop/internal/metrics"
	"github.com/paperloop/paperloop/internal/ops"
	"github.com/paperloop/paperloop/internal/store"
)

// heartbeatStaleAfter is how old the heartbeat may be before /health
// degrades the loop status.
const heartbeatStaleAfter = 5 * time.Minute

// Server exposes health, metrics, and the latest on-disk state as JSON.
type Server struct {
	router  *mux.Router
	server  *http.Server
	layout  store.Layout
	metrics *metrics.Registry
}

func NewServer(addr string, layout store.Layout, m *metrics.Registry) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		layout:  layout,
		metrics: m,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/snapshot", s.handleSnapshot).Methods("GET")
	s.router.HandleFunc("/risk", s.handleRisk).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

type healthResponse struct {
	Status     string          `json:"status"`
	Mode       string          `json:"mode"`
	Heartbeat  *time.Time      `json:"heartbeat,omitempty"`
	LoopHealth *ops.LoopHealth `json:"loop_health,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Mode: string(s.layout.Mode)}

	var hb struct {
		TS time.Time `json:"ts"`
	}
	if err := atomicio.ReadJSON(s.layout.Heartbeat(), &hb); err == nil {
		resp.Heartbeat = &hb.TS
		if time.Since(hb.TS) > heartbeatStaleAfter {
			resp.Status = "degraded"
		}
	} else {
		resp.Status = "degraded"
	}

	var lh ops.LoopHealth
	if err := atomicio.ReadJSON(s.layout.LoopHealth(), &lh); err == nil {
		resp.LoopHealth = &lh
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.serveFileJSON(w, s.layout.LatestSnapshot())
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	s.serveFileJSON(w, s.layout.RiskAdapter())
}

// serveFileJSON relays an on-disk JSON contract verbatim.
func (s *Server) serveFileJSON(w http.ResponseWriter, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not yet written"})
			return
		}
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.server.Addr).Msg("monitor server listening")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	return s.server.Shutdown(ctx)
}
