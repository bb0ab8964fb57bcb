package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/fyreflow/pipeliner/internal/pairing"
)

type createPairingRequest struct {
	TTLSeconds int `json:"ttlSeconds"`
}

func (s *Server) handleCreatePairing(w http.ResponseWriter, r *http.Request) {
	var req createPairingRequest
	if r.ContentLength != 0 {
		_ = decodeJSON(r, &req)
	}

	ttl := pairing.DefaultTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	sess, err := s.Pairing.Create(ttl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

type approvePairingRequest struct {
	AdminToken string `json:"adminToken"`
}

func (s *Server) handleApprovePairing(w http.ResponseWriter, r *http.Request) {
	var req approvePairingRequest
	if r.ContentLength != 0 {
		_ = decodeJSON(r, &req)
	}

	sess, err := s.Pairing.Approve(r.Context(), pathID(r, "id"), req.AdminToken)
	switch {
	case errors.Is(err, pairing.ErrNotFound):
		writeError(w, http.StatusNotFound, "pairing session not found")
	case errors.Is(err, pairing.ErrExpired):
		writeErrorReason(w, http.StatusConflict, "pairing session expired", "pairing_expired", nil)
	case errors.Is(err, pairing.ErrAdminRequired):
		writeError(w, http.StatusUnauthorized, "admin token required in remote mode")
	case errors.Is(err, pairing.ErrAlreadyResolved):
		writeErrorReason(w, http.StatusConflict, "pairing session already resolved", "pairing_already_resolved", nil)
	case err != nil:
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		writeJSON(w, http.StatusOK, sess)
	}
}

type claimPairingRequest struct {
	Code     string `json:"code"`
	ClientID string `json:"clientId"`
}

func (s *Server) handleClaimPairing(w http.ResponseWriter, r *http.Request) {
	var req claimPairingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid claim body: "+err.Error())
		return
	}

	sess, err := s.Pairing.Claim(r.Context(), pathID(r, "id"), req.Code, req.ClientID)
	switch {
	case errors.Is(err, pairing.ErrNotFound):
		writeError(w, http.StatusNotFound, "pairing session not found")
	case errors.Is(err, pairing.ErrExpired):
		writeErrorReason(w, http.StatusConflict, "pairing session expired", "pairing_expired", nil)
	case errors.Is(err, pairing.ErrNotApproved):
		writeErrorReason(w, http.StatusConflict, "pairing session not approved", "pairing_not_approved", nil)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, sess)
	}
}
