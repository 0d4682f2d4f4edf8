// Package httpapi is the operator surface of the daemon: health, metrics,
// program inspection, install triggering and local schema lookups. The chat
// protocol itself never traverses HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/flowmesh/flowmesh/internal/comm"
	"github.com/flowmesh/flowmesh/internal/domain/runtime"
	"github.com/flowmesh/flowmesh/internal/principal"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	manager  *comm.Manager
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
}

func NewServer(manager *comm.Manager, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	return &Server{
		manager:  manager,
		gatherer: gatherer,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/programs", func(r chi.Router) {
			r.Get("/", s.listPrograms)
			r.Post("/", s.installProgram)
			r.Get("/{programId}", s.getProgram)
		})
		r.Get("/schema/{table}", s.getSchema)
	})

	return r
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

// Program handlers
func (s *Server) listPrograms(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"programs": s.manager.Programs()})
}

func (s *Server) getProgram(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "programId")
	summary, ok := s.manager.Program(id)
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "program not found")
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

type installRequest struct {
	Room     string   `json:"room,omitempty"`
	Accounts []string `json:"accounts,omitempty"`
	Identity string   `json:"identity"`
	Source   string   `json:"source"`
}

func (s *Server) installProgram(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if req.Source == "" || req.Identity == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "identity and source are required")
		return
	}

	var target principal.Principal
	switch {
	case req.Room != "" && len(req.Accounts) > 0:
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "room and accounts are mutually exclusive")
		return
	case req.Room != "":
		target = principal.Room(req.Room)
	case len(req.Accounts) > 0:
		target = principal.Principal{Accounts: req.Accounts}
	default:
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "room or accounts required")
		return
	}

	programID, err := s.manager.InstallProgramRemote(r.Context(), target, req.Identity, req.Source)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"programId": programID})
}

// Schema handler
func (s *Server) getSchema(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	schema, err := s.manager.LocalSchema(r.Context(), table)
	if errors.Is(err, runtime.ErrNoSuchTable) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no such table")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"table": table,
		"types": schema.Types,
		"args":  schema.Args,
	})
}
