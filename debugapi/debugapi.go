// Package debugapi implements the optional HTTP introspection endpoint
// named D5 in SPEC_FULL.md: a small gorilla/mux-routed server exposing a
// connection's phase, queue depth, and Prometheus metrics. The core
// never starts this itself; a host application wires it in explicitly.
package debugapi

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Introspectable is the subset of *conn.Conn the server needs. Declared
// here rather than imported so this package does not create an import
// cycle with conn (conn never depends on debugapi).
type Introspectable interface {
	Phase() string
	QueueDepth() int
}

// Server is the HTTP introspection endpoint for a single connection.
type Server struct {
	conn       Introspectable
	registry   *prometheus.Registry
	httpServer *http.Server
}

// New builds a Server over conn, exposing metrics registered on
// registry (typically a metrics.Collector's Registry field). registry
// may be nil, in which case no /metrics route is served.
func New(conn Introspectable, registry *prometheus.Registry) *Server {
	return &Server{conn: conn, registry: registry}
}

// Start begins serving on addr (e.g. ":6060"). It returns once the
// listener is bound; use Stop to shut it down.
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthzHandler).Methods("GET")
	r.HandleFunc("/debug/queue", s.queueHandler).Methods("GET")

	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")
	}

	s.httpServer = &http.Server{Addr: addr, Handler: r}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go s.httpServer.Serve(ln)
	return nil
}

// Stop shuts the HTTP server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	phase := s.conn.Phase()
	if phase == "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "unknown")
		return
	}
	if phase == "terminating" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	fmt.Fprint(w, phase)
}

func (s *Server) queueHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"phase": s.conn.Phase(),
		"depth": s.conn.QueueDepth(),
	})
}
