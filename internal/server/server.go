// Package server exposes the pipeline engine over HTTP: submit a
// definition, inspect its eligibility plan, deliver trigger events,
// and poll run status.
package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"matrixci/internal/core"
	"matrixci/pkg/utils"
)

// Server holds submitted pipelines and the runs they have produced.
type Server struct {
	logger *slog.Logger
	runner *core.Runner

	mu        sync.Mutex
	pipelines map[string]*storedPipeline
	runs      map[string]*runState
}

type storedPipeline struct {
	ID          string
	Fingerprint string
	Definition  *core.Pipeline
}

type runState struct {
	ID         string
	PipelineID string
	Event      core.Event
	Status     string // running, succeeded, failed, aborted
	Summary    *core.RunSummary
}

// New creates a server around a runner.
func New(runner *core.Runner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:    logger,
		runner:    runner,
		pipelines: make(map[string]*storedPipeline),
		runs:      make(map[string]*runState),
	}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Route("/pipelines", func(r chi.Router) {
		r.Post("/", s.handleSubmitPipeline)
		r.Get("/{id}", s.handleGetPipeline)
		r.Get("/{id}/plan", s.handleGetPlan)
		r.Post("/{id}/events", s.handlePostEvent)
	})
	r.Get("/runs/{id}", s.handleGetRun)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// POST /pipelines -> submit a pipeline YAML.
func (s *Server) handleSubmitPipeline(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}

	pipeline, err := core.ParsePipeline(data)
	if err != nil {
		http.Error(w, "invalid pipeline: "+err.Error(), http.StatusBadRequest)
		return
	}

	stored := &storedPipeline{
		ID:          uuid.NewString(),
		Fingerprint: utils.HashString(string(data)),
		Definition:  pipeline,
	}

	s.mu.Lock()
	s.pipelines[stored.ID] = stored
	s.mu.Unlock()

	s.logger.Info("pipeline submitted", "id", stored.ID, "name", pipeline.Name)
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":          stored.ID,
		"name":        pipeline.Name,
		"fingerprint": stored.Fingerprint,
	})
}

// GET /pipelines/{id}
func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	stored, ok := s.pipeline(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "pipeline not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":          stored.ID,
		"name":        stored.Definition.Name,
		"fingerprint": stored.Fingerprint,
		"matrix":      stored.Definition.Matrix,
		"steps":       len(stored.Definition.Steps),
	})
}

// GET /pipelines/{id}/plan -> per-entry step eligibility.
func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	stored, ok := s.pipeline(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "pipeline not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, core.Plan(stored.Definition))
}

// POST /pipelines/{id}/events -> deliver a trigger event. Starts an
// async run when the trigger set matches.
func (s *Server) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	stored, ok := s.pipeline(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "pipeline not found", http.StatusNotFound)
		return
	}

	var event core.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, "bad event", http.StatusBadRequest)
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	if !stored.Definition.ShouldRun(event) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"fired": false})
		return
	}

	run := &runState{
		ID:         uuid.NewString(),
		PipelineID: stored.ID,
		Event:      event,
		Status:     "running",
	}
	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()

	go s.execute(stored, run)

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"fired": true,
		"run":   run.ID,
	})
}

func (s *Server) execute(stored *storedPipeline, run *runState) {
	summary, err := s.runner.RunPipeline(context.Background(), stored.Definition, stored.Fingerprint)

	s.mu.Lock()
	defer s.mu.Unlock()
	run.Summary = summary
	switch {
	case err != nil:
		run.Status = "aborted"
	case summary.Succeeded():
		run.Status = "succeeded"
	default:
		run.Status = "failed"
	}
}

// GET /runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	run, ok := s.runs[chi.URLParam(r, "id")]
	var resp map[string]interface{}
	if ok {
		resp = map[string]interface{}{
			"id":       run.ID,
			"pipeline": run.PipelineID,
			"event":    run.Event,
			"status":   run.Status,
		}
		if run.Summary != nil {
			resp["summary"] = run.Summary
		}
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) pipeline(id string) (*storedPipeline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.pipelines[id]
	return stored, ok
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
