// Package api exposes the ingest HTTP surface: presigned uploads, the
// asynchronous operation endpoints, ingest submission, and the read paths
// over tests, runs, and search.
package api

import (
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"ingestd/services/operations"
	"ingestd/services/uploads"
)

const defaultRequestTimeout = 5 * time.Second

// Store holds external dependencies required by the API layer. DB carries
// the native pgx pool for ranked search; model access goes through the
// injected stores and services instead.
type Store struct {
	DB *pgxpool.Pool
}

// Config controls runtime behaviour for the API handlers.
type Config struct {
	// OperationsBase prefixes Location headers on accepted operations.
	OperationsBase string
}

// API wires dependencies and configuration for the HTTP handlers.
type API struct {
	store   *Store
	uploads *uploads.Service
	engine  *operations.Engine
	ledger  *operations.Ledger
	tests   TestStore
	logger  zerolog.Logger
	config  Config
}

// New initialises the API layer with sane defaults applied to the provided
// configuration. The ledger may be nil, disabling idempotency replay.
func New(store *Store, uploadSvc *uploads.Service, engine *operations.Engine, ledger *operations.Ledger, tests TestStore, logger zerolog.Logger, cfg Config) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if uploadSvc == nil {
		return nil, errors.New("upload service is required")
	}
	if engine == nil {
		return nil, errors.New("operation engine is required")
	}
	if tests == nil {
		return nil, errors.New("test store is required")
	}
	if cfg.OperationsBase == "" {
		cfg.OperationsBase = "/v1/operations"
	}

	return &API{
		store:   store,
		uploads: uploadSvc,
		engine:  engine,
		ledger:  ledger,
		tests:   tests,
		logger:  logger,
		config:  cfg,
	}, nil
}
