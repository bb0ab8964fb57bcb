package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/fyreflow/pipeliner/internal/statestore"
	"github.com/fyreflow/pipeliner/pkg/pipeline"
)

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.Store.ListRuns(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.Store.GetRun(r.Context(), pathID(r, "id"))
	if errors.Is(err, statestore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	if s.Queue.Stop(id) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
		return
	}
	s.resolveOffWorkerRun(w, r, id, pipeline.RunCancelled, "cancelled by user")
}

func (s *Server) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	if s.Queue.Pause(id) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "pausing"})
		return
	}
	s.resolveOffWorkerRun(w, r, id, pipeline.RunPaused, "paused by user")
}

// resolveOffWorkerRun handles stop/pause requests for a run with no
// attached controller (e.g. paused or awaiting_approval already): it
// mutates status directly rather than going through the queue's signal.
func (s *Server) resolveOffWorkerRun(w http.ResponseWriter, r *http.Request, runID string, target pipeline.RunStatus, logLine string) {
	run, err := s.Store.GetRun(r.Context(), runID)
	if errors.Is(err, statestore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run.Status.Terminal() {
		writeErrorReason(w, http.StatusConflict, "run already terminal", "run_terminal", nil)
		return
	}

	now := s.clockNow()
	updated, err := s.Store.UpdateRun(r.Context(), runID, func(rec *pipeline.PipelineRun) {
		rec.Status = target
		if target != pipeline.RunPaused {
			rec.FinishedAt = &now
		}
		rec.Logs = append(rec.Logs, logLine)
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	run, err := s.Store.GetRun(r.Context(), id)
	if errors.Is(err, statestore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run.Status != pipeline.RunPaused && run.Status != pipeline.RunAwaitingApproval {
		writeErrorReason(w, http.StatusConflict, "run is not paused", "run_not_paused", nil)
		return
	}

	if err := s.Launcher.Reattach(r.Context(), id, run.PipelineID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

type approvalDecisionRequest struct {
	Decision string `json:"decision"`
	Note     string `json:"note"`
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	runID := pathID(r, "id")
	approvalID := pathID(r, "approvalId")

	var req approvalDecisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid approval decision: "+err.Error())
		return
	}

	var resolution pipeline.ApprovalResolution
	switch req.Decision {
	case "approved":
		resolution = pipeline.ApprovalApproved
	case "rejected":
		resolution = pipeline.ApprovalRejected
	default:
		writeError(w, http.StatusBadRequest, "decision must be approved or rejected")
		return
	}

	run, err := s.Store.GetRun(r.Context(), runID)
	if errors.Is(err, statestore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	found := false
	for _, a := range run.Approvals {
		if a.ID == approvalID {
			found = true
			if a.Resolution != pipeline.ApprovalUnresolved {
				writeErrorReason(w, http.StatusConflict, "approval already resolved", "approval_already_resolved", nil)
				return
			}
		}
	}
	if !found {
		writeError(w, http.StatusNotFound, "approval not found")
		return
	}

	now := s.clockNow()
	updated, err := s.Store.UpdateRun(r.Context(), runID, func(rec *pipeline.PipelineRun) {
		for i := range rec.Approvals {
			if rec.Approvals[i].ID == approvalID {
				rec.Approvals[i].Resolution = resolution
				rec.Approvals[i].Note = req.Note
			}
		}
		if resolution == pipeline.ApprovalRejected {
			rec.Status = pipeline.RunFailed
			rec.FinishedAt = &now
			rec.Logs = append(rec.Logs, fmt.Sprintf("approval %s rejected, run failed", approvalID))
		}
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if resolution == pipeline.ApprovalApproved {
		if err := s.Launcher.Reattach(r.Context(), runID, updated.PipelineID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, updated)
}
