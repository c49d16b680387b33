package operations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ingestd/pkg/bus"
)

// ErrValidation marks malformed engine input.
var ErrValidation = errors.New("validation")

// Engine owns operation records end to end: creation, reads, and every
// status mutation flows through it.
type Engine struct {
	store  Store
	events *bus.Bus
	logger zerolog.Logger
}

// NewEngine builds an Engine on top of the given store. The event bus may be
// nil, in which case lifecycle events are dropped.
func NewEngine(store Store, events *bus.Bus, logger zerolog.Logger) (*Engine, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	return &Engine{store: store, events: events, logger: logger}, nil
}

// Create inserts a new PENDING operation with empty warnings.
func (e *Engine) Create(ctx context.Context, opType string, payload map[string]any) (*Operation, error) {
	if opType == "" {
		return nil, fmt.Errorf("%w: type is required", ErrValidation)
	}

	now := time.Now().UTC()
	op := &Operation{
		ID:        uuid.New(),
		Type:      opType,
		Status:    StatusPending,
		Payload:   payload,
		Warnings:  []Warning{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := e.store.Insert(ctx, op); err != nil {
		return nil, err
	}

	if err := e.events.PublishOperation(ctx, bus.SubjectOperationCreated, op.ID, op.Type, string(op.Status)); err != nil {
		e.logger.Warn().Err(err).Stringer("operation_id", op.ID).Msg("publish operation created")
	}

	return op, nil
}

// Get returns the operation or ErrNotFound.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*Operation, error) {
	return e.store.Get(ctx, id)
}

// Advance moves the operation to next, enforcing monotonic transitions. The
// swap is optimistic: if another writer changed the status concurrently the
// caller gets ErrInvalidTransition rather than a silent overwrite.
func (e *Engine) Advance(ctx context.Context, id uuid.UUID, next Status) (*Operation, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, next)
	}

	op, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !op.Status.CanAdvanceTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, op.Status, next)
	}

	swapped, err := e.store.CompareAndSwap(ctx, id, op.Status, next, nil)
	if err != nil {
		return nil, err
	}
	if !swapped {
		return nil, fmt.Errorf("%w: operation changed concurrently", ErrInvalidTransition)
	}

	return e.store.Get(ctx, id)
}

// AddWarning appends an informational annotation. Terminal operations reject
// further warnings.
func (e *Engine) AddWarning(ctx context.Context, id uuid.UUID, code, message string) error {
	if code == "" {
		return fmt.Errorf("%w: warning code is required", ErrValidation)
	}
	return e.store.AppendWarning(ctx, id, Warning{Code: code, Message: message})
}
