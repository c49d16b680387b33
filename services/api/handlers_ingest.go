package api

import (
	"context"
	"errors"
	"net/http"
)

type ingestArtifact struct {
	SessionID   string `json:"session_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	SHA256      string `json:"sha256"`
}

type ingestRequest struct {
	TestID      string          `json:"test_id"`
	Name        string          `json:"name"`
	Metadata    map[string]any  `json:"metadata"`
	Artifact    *ingestArtifact `json:"artifact"`
	ForceUpdate bool            `json:"force_update"`
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	raw, err := readBody(r, &req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.TestID == "" {
		respondError(w, http.StatusBadRequest, errors.New("test_id is required"))
		return
	}
	if req.Artifact == nil {
		respondError(w, http.StatusBadRequest, errors.New("artifact is required"))
		return
	}
	if req.Artifact.SessionID == "" {
		respondError(w, http.StatusBadRequest, errors.New("artifact.session_id is required"))
		return
	}
	if req.Artifact.SizeBytes <= 0 {
		respondError(w, http.StatusBadRequest, errors.New("artifact.size_bytes must be positive"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	// The test upsert happens inside the build step so a replayed or
	// conflicting idempotency key leaves the tests table untouched.
	a.acceptOperation(ctx, w, r, raw, func(ctx context.Context) (string, map[string]any, error) {
		test, err := a.tests.Upsert(ctx, req.TestID, req.Name, req.Metadata)
		if err != nil {
			return "", nil, err
		}

		payload := map[string]any{
			"test_id":     test.ID.String(),
			"external_id": req.TestID,
			"artifact": map[string]any{
				"session_id":   req.Artifact.SessionID,
				"filename":     req.Artifact.Filename,
				"content_type": req.Artifact.ContentType,
				"size_bytes":   req.Artifact.SizeBytes,
				"sha256":       req.Artifact.SHA256,
			},
		}
		if req.ForceUpdate {
			payload["force_update"] = true
		}
		return opTypeIngest, payload, nil
	})
}
