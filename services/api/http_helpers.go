package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"ingestd/pkg/storage"
	"ingestd/services/operations"
	"ingestd/services/uploads"
)

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

// readBody returns the raw body for fingerprinting and a decoded dest.
func readBody(r *http.Request, dest any) ([]byte, error) {
	if r.Body == nil {
		return nil, errors.New("request body required")
	}
	defer r.Body.Close()

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return nil, err
	}
	return raw, nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// problemBody builds the problem-style payload {status, title, detail}.
func problemBody(status int, err error) map[string]any {
	return map[string]any{
		"status": status,
		"title":  http.StatusText(status),
		"detail": err.Error(),
	}
}

// respondError renders a problem-style body {status, title, detail}.
func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, problemBody(status, err))
}

// statusForServiceError maps domain errors onto HTTP statuses.
func statusForServiceError(err error) int {
	switch {
	case errors.Is(err, operations.ErrValidation), errors.Is(err, uploads.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, operations.ErrNotFound), errors.Is(err, uploads.ErrSessionNotFound),
		errors.Is(err, storage.ErrObjectMissing), errors.Is(err, ErrTestNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrSizeMismatch), errors.Is(err, storage.ErrChecksumMismatch),
		errors.Is(err, operations.ErrInvalidTransition), errors.Is(err, operations.ErrTerminal),
		errors.Is(err, operations.ErrIdempotencyConflict), errors.Is(err, operations.ErrRequestInFlight),
		errors.Is(err, storage.ErrUnknownProvider):
		return http.StatusConflict
	case errors.Is(err, storage.ErrNoProviderAvailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondServiceError(w http.ResponseWriter, err error) {
	respondError(w, statusForServiceError(err), err)
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, defaultRequestTimeout)
}
