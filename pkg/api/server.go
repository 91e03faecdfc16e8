// Package api serves the broker's health and diagnostics endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/delcom/broker/internal/config"
	"github.com/delcom/broker/internal/logger"
	"github.com/delcom/broker/pkg/broker"
	"github.com/delcom/broker/pkg/types"
)

// Server is the HTTP diagnostics server
type Server struct {
	broker   *broker.Broker
	cfg      config.HTTPConfig
	logger   *logger.Logger
	router   *mux.Router
	server   *http.Server
	draining atomic.Bool

	mu       sync.Mutex
	listener net.Listener
}

// nodeView is one entry of the /nodes listing
type nodeView struct {
	ID                  types.ID            `json:"id"`
	Role                types.Role          `json:"role"`
	PairedAsDelegatorTo types.ID            `json:"paired_as_delegator_to"`
	PairedAsWorkerFor   types.ID            `json:"paired_as_worker_for"`
	Capabilities        *types.Capabilities `json:"capabilities,omitempty"`
	ConnectedAt         time.Time           `json:"connected_at"`
}

// NewServer creates the HTTP server and its routes
func NewServer(cfg config.HTTPConfig, b *broker.Broker, log *logger.Logger) *Server {
	s := &Server{
		broker: b,
		cfg:    cfg,
		logger: logger.OrDefault(log, "http_api"),
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	router.HandleFunc("/nodes", s.handleNodes).Methods(http.MethodGet)
	router.HandleFunc("/nodes/{id}", s.handleNode).Methods(http.MethodGet)
	router.HandleFunc("/workers", s.handleWorkers).Methods(http.MethodGet)
	router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router = router

	s.server = &http.Server{
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the route handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to listen on "+addr, err)
	}

	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", "error", err)
		}
	}()

	s.logger.Info("HTTP server started", "address", lis.Addr().String())
	return nil
}

// Addr returns the listening address, or "" before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Drain marks the broker as going away; /ready answers 503 from then on
func (s *Server) Drain() {
	s.draining.Store(true)
}

// Stop drains and shuts the HTTP server down
func (s *Server) Stop(ctx context.Context) error {
	s.Drain()
	if err := s.server.Shutdown(ctx); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to shut down HTTP server", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() || !s.broker.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.broker.Nodes()
	views := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, toView(n))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	id := types.ID(mux.Vars(r)["id"])
	info, ok := s.broker.Registry().Get(id)
	if !ok {
		http.Error(w, "node not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toView(info))
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.Workers())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.Stats())
}

func toView(n types.NodeInfo) nodeView {
	return nodeView{
		ID:                  n.ID,
		Role:                n.Role,
		PairedAsDelegatorTo: n.PairedAsDelegatorTo,
		PairedAsWorkerFor:   n.PairedAsWorkerFor,
		Capabilities:        n.Capabilities,
		ConnectedAt:         n.ConnectedAt,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
