// Package adminhttp serves a read-only HTTP status view over an
// EventStore: stream lengths and a health check, for operators and
// monitoring agents that should never be able to mutate the store through
// the same surface they observe it with.
package adminhttp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/nesprt/eventstore/internal/store"
)

// Server is a read-only HTTP front for an EventStore.
type Server struct {
	store  *store.EventStore
	router *mux.Router
}

// New builds a Server over s. Every handler only reads from s; nothing
// registered here can mutate the store.
func New(s *store.EventStore) *Server {
	srv := &Server{store: s, router: mux.NewRouter()}

	srv.router.HandleFunc("/healthz", srv.handleHealthz).Methods(http.MethodGet)
	srv.router.HandleFunc("/streams", srv.handleListStreams).Methods(http.MethodGet)
	srv.router.HandleFunc("/streams/{name}", srv.handleStreamDetail).Methods(http.MethodGet)
	srv.router.HandleFunc("/streams/{name}/events", srv.handleStreamEvents).Methods(http.MethodGet)

	return srv
}

// ServeHTTP lets Server itself satisfy http.Handler, e.g. for use under a
// larger mux or httptest.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// ListenAndServe blocks serving the admin router on addr.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	streams := map[string]int64{}
	for _, name := range s.store.Streams() {
		if idx, ok := s.store.StreamIndex(name); ok {
			streams[name] = idx.Len()
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"primaryLength": s.store.Primary().Len(),
		"streams":       streams,
	})
}

func (s *Server) handleStreamDetail(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	idx, ok := s.store.StreamIndex(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown stream"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":   name,
		"length": idx.Len(),
	})
}

func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	es, err := s.store.GetEventStream(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if limit, ok := parseLimit(r); ok {
		es.Last(limit)
	}

	events, err := es.Events()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	out := make([]map[string]interface{}, len(events))
	for i, e := range events {
		out[i] = map[string]interface{}{
			"number":   e.Entry.Number,
			"payload":  string(e.Payload),
			"metadata": e.Metadata,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func parseLimit(r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("last")
	if raw == "" {
		return 0, false
	}
	var n int64
	if _, err := fmt.Sscan(raw, &n); err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to encode admin response")
	}
}
