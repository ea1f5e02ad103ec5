// Package api exposes the HTTP interface for the release tracking service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pixeltrail/pixeltrail/internal/config"
	"github.com/pixeltrail/pixeltrail/internal/coordinator"
	"github.com/pixeltrail/pixeltrail/internal/lifecycle"
	"github.com/pixeltrail/pixeltrail/internal/vr"
)

// Server wires HTTP handlers to the lifecycle manager and stores.
type Server struct {
	router    chi.Router
	lifecycle *lifecycle.Manager
	store     vr.Store
	blobs     vr.BlobStore
	coord     *coordinator.Coordinator
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	manager *lifecycle.Manager,
	store vr.Store,
	blobs vr.BlobStore,
	coord *coordinator.Coordinator,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		lifecycle: manager,
		store:     store,
		blobs:     blobs,
		coord:     coord,
		cfg:       cfg,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(cfg.ServerTimeout()))
	r.Use(metricsMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/builds", func(r chi.Router) {
			r.Post("/", s.createBuild)
			r.Route("/{build_id}", func(r chi.Router) {
				r.Get("/", s.getBuild)
				r.Post("/releases", s.createRelease)
				r.Get("/releases", s.listReleases)
			})
		})
		r.Route("/releases/{release_id}", func(r chi.Router) {
			r.Get("/", s.getRelease)
			r.Post("/runs", s.createRun)
			r.Post("/runs/approve", s.approveRun)
			r.Post("/runs/fail", s.failRun)
			r.Post("/complete", s.completeRelease)
			r.Post("/promote", s.promoteRelease)
			r.Post("/reject", s.rejectRelease)
		})
		r.Get("/artifacts/{hash}", s.getArtifact)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps domain errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case vr.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case vr.IsConflict(err):
		writeError(w, http.StatusConflict, err.Error())
	case vr.IsInvalidState(err):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, vr.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case vr.IsCoordinatorStopped(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
