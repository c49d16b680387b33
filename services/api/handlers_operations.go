package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"ingestd/services/operations"
)

func operationBody(op *operations.Operation) map[string]any {
	body := map[string]any{
		"id":         op.ID.String(),
		"type":       op.Type,
		"status":     op.Status,
		"warnings":   op.Warnings,
		"created_at": op.CreatedAt,
		"updated_at": op.UpdatedAt,
	}
	if op.Status.Terminal() {
		body["result"] = op.Payload
	} else {
		body["payload"] = op.Payload
	}
	return body
}

func (a *API) operationLocation(id string) string {
	return a.config.OperationsBase + "/" + id
}

func (a *API) handleCreateOperation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	raw, err := readBody(r, &req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	a.acceptOperation(ctx, w, r, raw, func(context.Context) (string, map[string]any, error) {
		return req.Type, req.Payload, nil
	})
}

// acceptOperation runs the idempotency protocol around operation creation
// and renders the 202 response. build runs only after a fresh reservation,
// so a replayed or conflicting request causes no side effects. The raw body
// feeds the fingerprint so any byte-level change counts as a different
// request.
func (a *API) acceptOperation(ctx context.Context, w http.ResponseWriter, r *http.Request, raw []byte, build func(ctx context.Context) (string, map[string]any, error)) {
	key := r.Header.Get("Idempotency-Key")
	reserved := false

	if key != "" && a.ledger != nil {
		rec, fresh, err := a.ledger.Reserve(ctx, key, operations.Fingerprint(raw))
		if err != nil {
			respondServiceError(w, err)
			return
		}
		if !fresh {
			if id, ok := rec.ResponseBody["id"].(string); ok {
				w.Header().Set("Location", a.operationLocation(id))
			}
			respondJSON(w, rec.ResponseCode, rec.ResponseBody)
			return
		}
		reserved = true
	}

	// A reserved key records failures too, so retries replay the error
	// instead of finding the key stuck in flight.
	fail := func(err error) {
		status := statusForServiceError(err)
		if reserved {
			if cerr := a.ledger.Complete(ctx, key, status, problemBody(status, err)); cerr != nil {
				a.logger.Error().Err(cerr).Str("idempotency_key", key).Msg("record idempotent response")
			}
		}
		respondError(w, status, err)
	}

	opType, payload, err := build(ctx)
	if err != nil {
		fail(err)
		return
	}

	op, err := a.engine.Create(ctx, opType, payload)
	if err != nil {
		fail(err)
		return
	}

	body := operationBody(op)
	if reserved {
		if err := a.ledger.Complete(ctx, key, http.StatusAccepted, body); err != nil {
			a.logger.Error().Err(err).Str("idempotency_key", key).Msg("record idempotent response")
		}
	}

	w.Header().Set("Location", a.operationLocation(op.ID.String()))
	respondJSON(w, http.StatusAccepted, body)
}

func (a *API) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("operation id must be a uuid"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	op, err := a.engine.Get(ctx, id)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, operationBody(op))
}
