package operations

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"ingestd/pkg/bus"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 50
	defaultLeaseTTL     = 2 * time.Minute
)

var operationsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingestd_operations_processed_total",
	Help: "Operations driven to a terminal status by the dispatcher.",
}, []string{"type", "status"})

// Handler executes one operation type. It returns the result payload stored
// on the operation plus any warnings gathered along the way; a non-nil error
// fails the operation.
type Handler func(ctx context.Context, op *Operation) (map[string]any, []Warning, error)

// DispatcherConfig tunes the poll loop. Zero values fall back to defaults.
type DispatcherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	LeaseTTL     time.Duration
}

// Dispatcher drains PENDING operations: each poll reclaims expired leases,
// claims the oldest queued operations with an atomic status swap, and runs
// the registered handler for each claim on its own goroutine. One bad
// operation never halts the loop.
type Dispatcher struct {
	store    Store
	events   *bus.Bus
	logger   zerolog.Logger
	handlers map[string]Handler
	cfg      DispatcherConfig

	wg sync.WaitGroup
}

// NewDispatcher builds a Dispatcher with no handlers registered.
func NewDispatcher(store Store, events *bus.Bus, logger zerolog.Logger, cfg DispatcherConfig) (*Dispatcher, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}

	return &Dispatcher{
		store:    store,
		events:   events,
		logger:   logger,
		handlers: make(map[string]Handler),
		cfg:      cfg,
	}, nil
}

// Register binds a handler to an operation type. Registration happens at
// startup; duplicate registrations are a configuration error.
func (d *Dispatcher) Register(opType string, h Handler) error {
	if opType == "" {
		return errors.New("operation type is required")
	}
	if h == nil {
		return errors.New("nil handler")
	}
	if _, exists := d.handlers[opType]; exists {
		return fmt.Errorf("handler already registered for type %s", opType)
	}
	d.handlers[opType] = h
	return nil
}

// Run polls until ctx is cancelled, then waits for in-flight handlers.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case <-ticker.C:
			if err := d.RunOnce(ctx); err != nil {
				d.logger.Error().Err(err).Msg("dispatcher poll failed")
			}
		}
	}
}

// RunOnce performs a single poll pass: reclaim, claim, dispatch. Claimed
// operations execute asynchronously; call Wait to block until they settle.
func (d *Dispatcher) RunOnce(ctx context.Context) error {
	if reclaimed, err := d.store.ReclaimExpired(ctx, time.Now().UTC()); err != nil {
		d.logger.Error().Err(err).Msg("reclaim expired leases")
	} else if reclaimed > 0 {
		d.logger.Warn().Int64("count", reclaimed).Msg("requeued operations with expired leases")
	}

	pending, err := d.store.ListPending(ctx, d.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}

	for _, op := range pending {
		lease := time.Now().UTC().Add(d.cfg.LeaseTTL)
		claimed, err := d.store.CompareAndSwap(ctx, op.ID, StatusPending, StatusRunning, &lease)
		if err != nil {
			d.logger.Error().Err(err).Stringer("operation_id", op.ID).Msg("claim failed")
			continue
		}
		if !claimed {
			// Another dispatcher instance won the claim.
			continue
		}

		op.Status = StatusRunning
		d.wg.Add(1)
		go func(op *Operation) {
			defer d.wg.Done()
			d.execute(ctx, op)
		}(op)
	}

	return nil
}

// Wait blocks until all dispatched handlers have settled.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) execute(ctx context.Context, op *Operation) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Stringer("operation_id", op.ID).Any("panic", r).Msg("handler panicked")
			d.finish(ctx, op, StatusFailed, op.Payload, []Warning{{
				Code:    WarnProcessingError,
				Message: fmt.Sprintf("handler panicked: %v", r),
			}})
		}
	}()

	handler, ok := d.handlers[op.Type]
	if !ok {
		// Permissive by policy: unknown types complete without work so a
		// retired handler does not wedge the queue.
		d.logger.Warn().Stringer("operation_id", op.ID).Str("type", op.Type).Msg("no handler for operation type")
		d.finish(ctx, op, StatusSucceeded, op.Payload, []Warning{{
			Code:    WarnUnknownType,
			Message: fmt.Sprintf("no handler registered for type %s", op.Type),
		}})
		return
	}

	result, warnings, err := handler(ctx, op)
	if err != nil {
		d.logger.Error().Err(err).Stringer("operation_id", op.ID).Str("type", op.Type).Msg("operation failed")
		warnings = append(warnings, Warning{
			Code:    WarnProcessingError,
			Message: err.Error(),
		})
		if result == nil {
			result = op.Payload
		}
		d.finish(ctx, op, StatusFailed, result, warnings)
		return
	}

	if result == nil {
		result = op.Payload
	}
	d.finish(ctx, op, StatusSucceeded, result, warnings)
}

func (d *Dispatcher) finish(ctx context.Context, op *Operation, status Status, result map[string]any, warnings []Warning) {
	done, err := d.store.Finish(ctx, op.ID, status, result, warnings)
	if err != nil {
		d.logger.Error().Err(err).Stringer("operation_id", op.ID).Msg("finish operation")
		return
	}
	if !done {
		// Lease expired mid-flight and the operation was reclaimed; the
		// next claim will re-run it.
		d.logger.Warn().Stringer("operation_id", op.ID).Msg("terminal write lost its claim")
		return
	}

	operationsProcessed.WithLabelValues(op.Type, string(status)).Inc()

	if err := d.events.PublishOperation(ctx, bus.SubjectOperationFinished, op.ID, op.Type, string(status)); err != nil {
		d.logger.Warn().Err(err).Stringer("operation_id", op.ID).Msg("publish operation finished")
	}
}
