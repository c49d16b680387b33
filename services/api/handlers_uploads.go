package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
)

func (a *API) handlePresign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filename    string `json:"filename"`
		ContentType string `json:"content_type"`
		SizeBytes   int64  `json:"size_bytes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	res, err := a.uploads.Presign(ctx, req.Filename, req.ContentType, req.SizeBytes)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, res)
}

func (a *API) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		SizeBytes int64  `json:"size_bytes"`
		SHA256    string `json:"sha256"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("session_id must be a uuid"))
		return
	}
	if req.SizeBytes <= 0 {
		respondError(w, http.StatusBadRequest, errors.New("size_bytes must be positive"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	artifact, err := a.uploads.Finalize(ctx, sessionID, req.SizeBytes, req.SHA256)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"artifact": artifact})
}
