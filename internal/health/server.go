// Package health provides health check and status HTTP endpoints for
// assocmux servers.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/assocmux/internal/association"
	"github.com/postalsys/assocmux/internal/metrics"
)

// StatusProvider reports the associations of a running server.
type StatusProvider interface {
	// IsRunning returns true while the server accepts associations.
	IsRunning() bool

	// Associations returns a snapshot of every tracked association.
	Associations() []association.Info
}

// AssociationStatus is the JSON view of one association.
type AssociationStatus struct {
	ID                   uint32    `json:"id"`
	State                string    `json:"state"`
	Peer                 string    `json:"peer,omitempty"`
	InboundStreams       uint16    `json:"inbound_streams"`
	OutboundStreams      uint16    `json:"outbound_streams"`
	AdaptationIndication *uint32   `json:"adaptation_indication,omitempty"`
	ErrorCode            uint32    `json:"error_code,omitempty"`
	Restarts             int       `json:"restarts"`
	Sent                 uint64    `json:"sent"`
	EstablishedAt        time.Time `json:"established_at,omitzero"`
}

// NewAssociationStatus converts a snapshot to its JSON view.
func NewAssociationStatus(info association.Info) AssociationStatus {
	st := AssociationStatus{
		ID:              uint32(info.ID),
		State:           info.State.String(),
		InboundStreams:  info.InboundStreams,
		OutboundStreams: info.OutboundStreams,
		ErrorCode:       info.ErrorCode,
		Restarts:        info.Restarts,
		Sent:            info.Sent,
		EstablishedAt:   info.EstablishedAt,
	}
	if info.Peer.IsValid() {
		st.Peer = info.Peer.String()
	}
	if info.HasAdaptation {
		indication := info.AdaptationIndication
		st.AdaptationIndication = &indication
	}
	return st
}

// ServerConfig contains health server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., "127.0.0.1:9464")
	Address string

	// MetricsPath is where Prometheus metrics are served ("" disables).
	MetricsPath string

	// Gatherer supplies the metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer

	// ReadTimeout for HTTP reads
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "127.0.0.1:9464",
		MetricsPath:  "/metrics",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is an HTTP server for health check endpoints.
type Server struct {
	cfg      ServerConfig
	provider StatusProvider
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new health check server.
func NewServer(cfg ServerConfig, provider StatusProvider) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/associations", s.handleAssociations)

	if cfg.MetricsPath != "" {
		g := cfg.Gatherer
		if g == nil {
			g = prometheus.DefaultGatherer
		}
		mux.Handle(cfg.MetricsPath, metrics.Handler(g))
	}

	// pprof debug endpoints
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the health check server.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the health check server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) available() bool {
	return s.provider != nil && s.provider.IsRunning()
}

// handleHealth returns 200 if the server is responding.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

// handleHealthz returns 200 with association counts per state, or 503 when
// the server is not running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.available() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "unavailable",
			"running": false,
		})
		return
	}

	infos := s.provider.Associations()
	states := make(map[string]int)
	for _, info := range infos {
		states[info.State.String()]++
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "healthy",
		"running":      true,
		"associations": len(infos),
		"states":       states,
	})
}

// handleReady returns 200 once the server accepts associations.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	if !s.available() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY\n"))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY\n"))
}

// handleAssociations lists every tracked association.
func (s *Server) handleAssociations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.available() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "server not running"})
		return
	}

	infos := s.provider.Associations()
	list := make([]AssociationStatus, 0, len(infos))
	for _, info := range infos {
		list = append(list, NewAssociationStatus(info))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":        len(list),
		"associations": list,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
