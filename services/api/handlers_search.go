package api

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"ingestd/pkg/db"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

var tsqueryUnsafe = regexp.MustCompile(`[^a-zA-Z0-9&|!() ]`)

// sanitizeQuery turns free text into a conjunctive tsquery expression.
func sanitizeQuery(q string) string {
	q = strings.Join(strings.Fields(q), " & ")
	return tsqueryUnsafe.ReplaceAllString(q, "")
}

// SearchItem is one ranked hit over tests and runs.
type SearchItem struct {
	ID      uuid.UUID `json:"id" db:"id"`
	Kind    string    `json:"type" db:"kind"`
	Score   float32   `json:"score" db:"score"`
	Snippet string    `json:"snippet" db:"snippet"`
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	if a.store.DB == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("search index unavailable"))
		return
	}

	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		respondError(w, http.StatusBadRequest, errors.New("q is required"))
		return
	}
	tsquery := sanitizeQuery(q)
	if tsquery == "" {
		respondError(w, http.StatusBadRequest, errors.New("q has no searchable terms"))
		return
	}

	limit := queryInt(r, "limit", defaultSearchLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	// Tests and runs are ranked in one pass so pagination stays stable
	// across the two sources.
	const query = `
		SELECT id, kind, score, snippet FROM (
			SELECT t.id, 'test' AS kind,
			       ts_rank(t.document_tsv, to_tsquery('english', $1)) AS score,
			       t.name AS snippet
			FROM tests t
			WHERE t.document_tsv @@ to_tsquery('english', $1)
			UNION ALL
			SELECT r.id, 'run' AS kind,
			       ts_rank(r.document_tsv, to_tsquery('english', $1)) AS score,
			       r.status AS snippet
			FROM runs r
			WHERE r.document_tsv @@ to_tsquery('english', $1)
		) hits
		ORDER BY score DESC, id
		LIMIT $2 OFFSET $3`

	items := []SearchItem{}
	if err := db.Select(ctx, a.store.DB, &items, query, tsquery, limit, offset); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"total": len(items),
		"items": items,
	})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
