package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pixeltrail/pixeltrail/internal/coordinator"
	"github.com/pixeltrail/pixeltrail/internal/crawler"
	"github.com/pixeltrail/pixeltrail/internal/lifecycle"
	"github.com/pixeltrail/pixeltrail/internal/vr"
)

type createBuildRequest struct {
	Name   string `json:"name"`
	Public bool   `json:"public"`
}

type createReleaseRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	// Crawl triggers page discovery under URL; each discovered page becomes
	// a run. Without it runs are registered individually via the runs
	// endpoint.
	Crawl    bool `json:"crawl"`
	MaxDepth int  `json:"max_depth"`
}

type createRunRequest struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	Config    string `json:"config"`
	RefURL    string `json:"ref_url"`
	RefConfig string `json:"ref_config"`
}

type runNameRequest struct {
	Name string `json:"name"`
	// Log is the failure log text, required when failing a run.
	Log string `json:"log"`
}

func (s *Server) createBuild(w http.ResponseWriter, r *http.Request) {
	var req createBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	build, err := s.lifecycle.CreateBuild(r.Context(), req.Name, req.Public)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, build)
}

func (s *Server) getBuild(w http.ResponseWriter, r *http.Request) {
	build, err := s.store.GetBuild(r.Context(), chi.URLParam(r, "build_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, build)
}

func (s *Server) createRelease(w http.ResponseWriter, r *http.Request) {
	var req createReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	release, err := s.lifecycle.CreateCandidate(r.Context(), chi.URLParam(r, "build_id"), req.Name, req.URL)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if req.Crawl {
		if req.URL == "" {
			writeError(w, http.StatusBadRequest, "crawl requires a url")
			return
		}
		err := s.coord.Submit(r.Context(), coordinator.Item{
			Kind: coordinator.KindCrawl,
			Root: true,
			Payload: crawler.Request{
				ReleaseID: release.ID,
				RootURL:   req.URL,
				MaxDepth:  req.MaxDepth,
			},
		})
		if err != nil {
			s.logger.Error("crawl submit failed",
				zap.String("release_id", release.ID),
				zap.Error(err),
			)
			writeDomainError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, release)
}

func (s *Server) listReleases(w http.ResponseWriter, r *http.Request) {
	releases, err := s.store.ListReleases(r.Context(), chi.URLParam(r, "build_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"releases": releases})
}

func (s *Server) getRelease(w http.ResponseWriter, r *http.Request) {
	releaseID := chi.URLParam(r, "release_id")
	release, err := s.store.GetRelease(r.Context(), releaseID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	runs, err := s.store.ListRuns(r.Context(), releaseID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"release": release, "runs": runs})
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	var override *lifecycle.BaselineOverride
	if req.RefURL != "" || req.RefConfig != "" {
		override = &lifecycle.BaselineOverride{URL: req.RefURL, Config: req.RefConfig}
	}
	run, err := s.lifecycle.CreateOrUpdateRun(
		r.Context(), chi.URLParam(r, "release_id"), req.Name, req.URL, req.Config, override)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) approveRun(w http.ResponseWriter, r *http.Request) {
	var req runNameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	run, err := s.lifecycle.ApproveRun(r.Context(), chi.URLParam(r, "release_id"), req.Name)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) failRun(w http.ResponseWriter, r *http.Request) {
	var req runNameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Log == "" {
		writeError(w, http.StatusBadRequest, "a failure log is required")
		return
	}
	logArtifact, err := s.blobs.Put(r.Context(), "text/plain", []byte(req.Log))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	run, err := s.lifecycle.FailRun(r.Context(), chi.URLParam(r, "release_id"), req.Name, logArtifact)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) completeRelease(w http.ResponseWriter, r *http.Request) {
	releaseID := chi.URLParam(r, "release_id")
	if err := s.lifecycle.MarkComplete(r.Context(), releaseID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"release_id": releaseID, "review": "complete"})
}

func (s *Server) promoteRelease(w http.ResponseWriter, r *http.Request) {
	releaseID := chi.URLParam(r, "release_id")
	if err := s.lifecycle.Promote(r.Context(), releaseID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"release_id": releaseID,
		"status":     string(vr.ReleaseGood),
	})
}

func (s *Server) rejectRelease(w http.ResponseWriter, r *http.Request) {
	releaseID := chi.URLParam(r, "release_id")
	if err := s.lifecycle.Reject(r.Context(), releaseID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"release_id": releaseID,
		"status":     string(vr.ReleaseBad),
	})
}

func (s *Server) getArtifact(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	data, err := s.blobs.Get(r.Context(), hash)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
