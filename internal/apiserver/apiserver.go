// Package apiserver exposes the proxy's HTTP control surface, grounded
// on server/api_server.go's gorilla/mux router-plus-ListenAndServe
// pattern, expanded with the /healthz, /backends, /reload and (when
// metrics_backend is prometheus) /metrics routes spec.md's external
// interfaces call for.
package apiserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/go-bedrock/router/internal/fleet"
)

// SessionCounter is implemented by the forwarder; kept as a narrow
// interface so apiserver doesn't need to import the forwarder package.
type SessionCounter interface {
	SessionCount() int
	SessionCountByBackend() map[string]int
}

// Bounder reports whether the forwarder's frontend socket is currently
// bound and reading, for /healthz's liveness check.
type Bounder interface {
	Bound() bool
}

// Reloader is implemented by cmd's config watcher; triggering /reload
// asks it to re-read and re-apply the config file immediately instead
// of waiting for the next fsnotify event.
type Reloader interface {
	TriggerReload()
}

type backendStatus struct {
	ID       string `json:"id"`
	Addr     string `json:"addr"`
	Health   string `json:"health"`
	Sessions int    `json:"sessions"`
	LastRTT  string `json:"last_rtt"`
}

// Server wires the fleet controller and forwarder into an HTTP router.
type Server struct {
	router *mux.Router
	fleet  *fleet.Controller
	forw   SessionCounter
	bound  Bounder
	reload Reloader
}

// New builds the control surface's router. metricsHandler, when non-nil
// (the config names the prometheus metrics backend), is mounted at
// /metrics; forw additionally satisfying Bounder wires /healthz's
// liveness check to the forwarder's socket state.
func New(f *fleet.Controller, forw SessionCounter, reload Reloader, metricsHandler http.Handler) *Server {
	s := &Server{
		router: mux.NewRouter(),
		fleet:  f,
		forw:   forw,
		reload: reload,
	}
	if b, ok := forw.(Bounder); ok {
		s.bound = b
	}
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/backends", s.handleBackends).Methods(http.MethodGet)
	s.router.HandleFunc("/reload", s.handleReload).Methods(http.MethodPost)
	if metricsHandler != nil {
		s.router.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	}
	return s
}

// ListenAndServe starts the control surface; binding is expected to have
// already been validated non-empty by the caller.
func (s *Server) ListenAndServe(binding string) {
	logrus.WithField("binding", binding).Info("Serving control API requests")
	go func() {
		if err := http.ListenAndServe(binding, s.router); err != nil {
			logrus.WithError(err).Error("Control API server failed")
		}
	}()
}

// handleHealthz reports proxy liveness: whether the frontend socket is
// bound and accepting datagrams. Backend health is reported separately
// by /backends, so an all-backends-down flap never trips this endpoint.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.bound != nil && !s.bound.Bound() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("frontend socket not bound\n"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	f := s.fleet.Current()
	if f == nil {
		writeJSON(w, []backendStatus{})
		return
	}

	var counts map[string]int
	if s.forw != nil {
		counts = s.forw.SessionCountByBackend()
	}

	out := make([]backendStatus, 0, len(f.Backends))
	for _, b := range f.Backends {
		out = append(out, backendStatus{
			ID:       b.ID,
			Addr:     b.Addr.String(),
			Health:   b.Health().String(),
			Sessions: counts[b.ID],
			LastRTT:  b.LastRTT().Round(time.Millisecond).String(),
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	s.reload.TriggerReload()
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("reload triggered\n"))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("Failed to encode API response")
	}
}
