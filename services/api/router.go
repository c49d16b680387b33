package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
)

// RouterOptions tunes the public surface of the router.
type RouterOptions struct {
	AllowedOrigins []string
	// RateLimit caps requests per client per minute; 0 disables limiting.
	RateLimit int
}

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes(opts RouterOptions) (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "Idempotency-Key"},
			ExposedHeaders: []string{"Location"},
			MaxAge:         int((10 * time.Minute).Seconds()),
		}))
	}
	if opts.RateLimit > 0 {
		r.Use(httprate.Limit(opts.RateLimit, time.Minute))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/uploads/presign", a.handlePresign)
		r.Post("/uploads/finalize", a.handleFinalize)
		r.Post("/operations", a.handleCreateOperation)
		r.Get("/operations/{id}", a.handleGetOperation)
		r.Post("/ingest", a.handleIngest)
		r.Get("/search", a.handleSearch)
		r.Get("/tests/{id}", a.handleGetTest)
		r.Get("/tests/{id}/runs", a.handleListRuns)
	})

	return r, nil
}
