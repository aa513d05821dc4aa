// Package admin serves the optional HTTP surface: liveness, Prometheus
// metrics and a read-only view of the hardware state.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/config"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/logging"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/metrics"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/server"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/state"
)

// StateSource provides the current hardware snapshot
type StateSource interface {
	Snapshot() state.HardwareState
}

// ClientSource reports which client, if any, holds the slot
type ClientSource interface {
	Client() (server.ClientInfo, bool)
	OfflineBacklog() int
}

// StateResponse is the body of GET /api/v1/state
type StateResponse struct {
	State          state.HardwareState `json:"state"`
	Connected      bool                `json:"connected"`
	Client         *server.ClientInfo  `json:"client,omitempty"`
	OfflineBacklog int                 `json:"offlineBacklog"`
	Pending        int                 `json:"pendingTransitions"`
	UptimeSec      float64             `json:"uptimeSec"`
}

type pendingSource interface {
	Pending() int
}

// Server is the admin HTTP server
type Server struct {
	cfg      config.AdminConfig
	states   StateSource
	clients  ClientSource
	metrics  *metrics.Metrics
	verifier *Verifier
	logger   *logrus.Entry
	started  time.Time

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates the admin server. Auth is enabled when cfg.JWTSecret is set.
func NewServer(cfg config.AdminConfig, states StateSource, clients ClientSource, m *metrics.Metrics, logger logrus.FieldLogger) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		states:  states,
		clients: clients,
		metrics: m,
		logger:  logging.Component(logger, "admin"),
		started: time.Now(),
	}
	if cfg.JWTSecret != "" {
		v, err := NewVerifier(cfg.JWTSecret)
		if err != nil {
			return nil, err
		}
		s.verifier = v
	}
	return s, nil
}

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.verifier.RequireAuth(
			promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})))
	}
	mux.Handle("/api/v1/state", s.verifier.RequireAuth(http.HandlerFunc(s.handleState)))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET is supported")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"uptimeSec": time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET is supported")
		return
	}

	resp := StateResponse{
		State:     s.states.Snapshot(),
		UptimeSec: time.Since(s.started).Seconds(),
	}
	if p, ok := s.states.(pendingSource); ok {
		resp.Pending = p.Pending()
	}
	if s.clients != nil {
		if info, ok := s.clients.Client(); ok {
			resp.Connected = true
			resp.Client = &info
		}
		resp.OfflineBacklog = s.clients.OfflineBacklog()
	}

	if claims, ok := ClaimsFromContext(r.Context()); ok {
		s.logger.WithField("subject", claims.Subject).Debug("State requested")
	}
	writeJSON(w, http.StatusOK, resp)
}

// Listen binds the admin port.
func (s *Server) Listen() error {
	addr := net.JoinHostPort("", strconv.Itoa(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Unlock()
	return nil
}

// Serve handles requests until Stop.
func (s *Server) Serve() error {
	s.mu.Lock()
	httpServer, listener := s.httpServer, s.listener
	s.mu.Unlock()
	if httpServer == nil {
		return errors.New("admin server is not listening")
	}

	s.logger.WithFields(logrus.Fields{
		"addr": listener.Addr().String(),
		"auth": s.verifier != nil,
	}).Info("Admin server listening")

	if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()
	if httpServer == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"result":  "error",
		"code":    code,
		"message": message,
	})
}
