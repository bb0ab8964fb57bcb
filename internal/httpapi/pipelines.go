package httpapi

import (
	"errors"
	"net/http"

	"github.com/fyreflow/pipeliner/internal/preflight"
	"github.com/fyreflow/pipeliner/internal/queue"
	"github.com/fyreflow/pipeliner/internal/statestore"
	"github.com/fyreflow/pipeliner/internal/vault"
	"github.com/fyreflow/pipeliner/pkg/pipeline"
)

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := s.Store.ListPipelines(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pipelines)
}

func (s *Server) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	var p pipeline.Pipeline
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid pipeline body: "+err.Error())
		return
	}
	if err := p.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	created, err := s.Store.CreatePipeline(r.Context(), p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := s.Store.GetPipeline(r.Context(), pathID(r, "id"))
	if errors.Is(err, statestore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "pipeline not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePipeline(w http.ResponseWriter, r *http.Request) {
	var p pipeline.Pipeline
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid pipeline body: "+err.Error())
		return
	}
	if err := p.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	updated, err := s.Store.UpdatePipeline(r.Context(), pathID(r, "id"), p)
	if errors.Is(err, statestore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "pipeline not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeletePipeline(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	if err := s.Store.DeletePipeline(r.Context(), id); err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "pipeline not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.Launcher.Vault.Delete(id, nil); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type runTriggerRequest struct {
	Task             string            `json:"task"`
	Inputs           map[string]string `json:"inputs"`
	PersistSensitive bool              `json:"persistSensitive"`
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	p, err := s.Store.GetPipeline(r.Context(), pathID(r, "id"))
	if errors.Is(err, statestore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "pipeline not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var req runTriggerRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid run request: "+err.Error())
			return
		}
	}

	run, plan, err := s.Launcher.QueueRun(r.Context(), p, req.Task, req.Inputs, req.PersistSensitive)
	if errors.Is(err, queue.ErrPreflightFailed) {
		writeErrorReason(w, http.StatusConflict, "preflight checks failed", "preflight_failed", map[string]any{
			"failedChecks": plan.Failing(),
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"run": run})
}

func (s *Server) handleSmartRunPlan(w http.ResponseWriter, r *http.Request) {
	p, err := s.Store.GetPipeline(r.Context(), pathID(r, "id"))
	if errors.Is(err, statestore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "pipeline not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var req runTriggerRequest
	if r.ContentLength != 0 {
		_ = decodeJSON(r, &req)
	}

	available := availableInputKeys(s, p.ID, req.Inputs)
	plan, err := s.Launcher.Preflight.Evaluate(r.Context(), preflight.Input{Pipeline: p, AvailableInputs: available})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleStartupCheck(w http.ResponseWriter, r *http.Request) {
	p, err := s.Store.GetPipeline(r.Context(), pathID(r, "id"))
	if errors.Is(err, statestore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "pipeline not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var req runTriggerRequest
	if r.ContentLength != 0 {
		_ = decodeJSON(r, &req)
	}

	available := availableInputKeys(s, p.ID, req.Inputs)
	plan, err := s.Scheduler.PreflightForStartupCheck(r.Context(), p, available)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func availableInputKeys(s *Server, pipelineID string, rawInputs map[string]string) map[string]bool {
	available := make(map[string]bool, len(rawInputs))
	for k := range rawInputs {
		available[k] = true
	}
	if secure, err := s.Launcher.Vault.Get(pipelineID); err == nil {
		for k := range secure {
			available[k] = true
		}
	}
	for k := range vault.PickSensitive(rawInputs) {
		available[k] = true
	}
	return available
}

func (s *Server) handleUpsertSecureInputs(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid secure-inputs body: "+err.Error())
		return
	}
	keys, err := s.Launcher.Vault.Upsert(pathID(r, "id"), body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleDeleteSecureInputs(w http.ResponseWriter, r *http.Request) {
	var keys []string
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &keys); err != nil {
			writeError(w, http.StatusBadRequest, "invalid secure-inputs body: "+err.Error())
			return
		}
	}
	if err := s.Launcher.Vault.Delete(pathID(r, "id"), keys); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
