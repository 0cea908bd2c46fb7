// Package server implements the planwright HTTP server: REST API, auth,
// SSE event relay and the Prometheus endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/GoCodeAlone/planwright/config"
	"github.com/GoCodeAlone/planwright/server/api"
	"github.com/GoCodeAlone/planwright/server/ws"
)

// Server is the planwright HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	plans    api.PlanManager
	events   api.EventAdmin
	hub      *ws.Hub
	metrics  http.Handler
	handlers *api.Handlers

	routesOnce sync.Once

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
	version   string
}

// New creates a new Server with the given config and logger.
func New(cfg config.Config, ver string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		hub:       ws.NewHub(logger),
		startTime: time.Now(),
		version:   ver,
	}
	s.httpSrv = &http.Server{
		Handler:           http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { s.Handler().ServeHTTP(w, r) }),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// SetPlanManager attaches the plan engine.
func (s *Server) SetPlanManager(pm api.PlanManager) {
	s.plans = pm
}

// SetEventAdmin attaches the event service.
func (s *Server) SetEventAdmin(ea api.EventAdmin) {
	s.events = ea
}

// SetMetricsHandler mounts h at /metrics.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// Hub returns the SSE hub. Register it as an events.Observer so delivered
// events reach connected clients.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	s.routesOnce.Do(s.registerRoutes)
	return s.mux
}

// Serve accepts connections on ln. Routes are registered on first use, so
// attach the plan manager and event admin before serving.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server listening", slog.String("addr", ln.Addr().String()))
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	h := &api.Handlers{
		Plans:   s.plans,
		Events:  s.events,
		Logger:  s.logger,
		Version: s.version,
		StartAt: s.startTime,
	}
	s.handlers = h

	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", h.StatusHandler())
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}

	// SSE: auth handled inline because EventSource can't set headers
	s.mux.HandleFunc("GET /events", s.handleSSE)

	// Protected API, wrapped in auth middleware
	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)

	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleSSE streams delivered events. The token travels as a query
// parameter.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if s.authEnabled() {
		if _, err := s.verifyToken(r.URL.Query().Get("token")); err != nil {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}
	s.hub.ServeSSE(w, r)
}
