package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func (a *API) handleGetTest(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("test id must be a uuid"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	test, err := a.tests.Get(ctx, id)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"test": test})
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("test id must be a uuid"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	// Unknown ids read as empty lists unless the test is truly absent.
	if _, err := a.tests.Get(ctx, id); err != nil {
		respondServiceError(w, err)
		return
	}

	runs, err := a.tests.Runs(ctx, id)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}
