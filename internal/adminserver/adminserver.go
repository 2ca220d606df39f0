// Package adminserver is the node's debug/admin HTTP surface: liveness,
// a snapshot of locally-known stack state, and a Prometheus scrape
// endpoint. It listens separately from the gateway's data-plane port so
// operational probes never compete with stack traffic.
package adminserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/synnergy-mu/cluster/internal/metrics"
)

// StackSnapshot is one row of the /debug/stacks listing.
type StackSnapshot struct {
	StackID string `json:"stack_id"`
	State   string `json:"state"`
}

// Sources supplies the live data the debug endpoints report; a nil field
// degrades that endpoint to an empty/zero response rather than panicking.
type Sources struct {
	Stacks func() []StackSnapshot
}

// Server is the node's admin HTTP surface.
type Server struct {
	router  *mux.Router
	metrics *metrics.Collector
	sources Sources
	log     *logrus.Entry
}

// New builds a Server. metrics may be nil to disable /metrics.
func New(m *metrics.Collector, sources Sources) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		metrics: m,
		sources: sources,
		log:     logrus.WithField("component", "adminserver"),
	}
	s.router.Use(requestLogger(s.log))
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/debug/stacks", s.handleStacks).Methods(http.MethodGet)
	if m != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStacks(w http.ResponseWriter, _ *http.Request) {
	var rows []StackSnapshot
	if s.sources.Stacks != nil {
		rows = s.sources.Stacks()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

// requestLogger emits one logrus line per admin request, through a
// pre-scoped *logrus.Entry so admin-server log lines carry the component
// field every other reactor's logger does.
func requestLogger(log *logrus.Entry) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.RequestURI,
				"duration": time.Since(start),
			}).Info("admin request")
		})
	}
}
