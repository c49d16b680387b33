package operations

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestDispatcher(t *testing.T, store Store, cfg DispatcherConfig) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(store, nil, zerolog.Nop(), cfg)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	return d
}

func TestDispatcherRunOnce(t *testing.T) {
	store := NewMemoryStore()
	eng, _ := NewEngine(store, nil, zerolog.Nop())
	d := newTestDispatcher(t, store, DispatcherConfig{})
	ctx := context.Background()

	var calls atomic.Int64
	err := d.Register("INGEST", func(_ context.Context, op *Operation) (map[string]any, []Warning, error) {
		calls.Add(1)
		return map[string]any{"artifact_url": "s3://bucket/key"}, nil, nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	op, err := eng.Create(ctx, "INGEST", map[string]any{"session_id": "abc"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := d.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	d.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("handler calls = %d, want 1", got)
	}

	got, err := store.Get(ctx, op.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusSucceeded {
		t.Errorf("status = %s, want SUCCEEDED", got.Status)
	}
	if got.Payload["artifact_url"] != "s3://bucket/key" {
		t.Errorf("payload = %v, want handler result", got.Payload)
	}
	if got.LeaseExpiresAt != nil {
		t.Error("lease should be cleared on finish")
	}

	// Second pass finds nothing pending.
	if err := d.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	d.Wait()
	if got := calls.Load(); got != 1 {
		t.Fatalf("handler calls after second pass = %d, want 1", got)
	}
}

func TestDispatcherHandlerError(t *testing.T) {
	store := NewMemoryStore()
	eng, _ := NewEngine(store, nil, zerolog.Nop())
	d := newTestDispatcher(t, store, DispatcherConfig{})
	ctx := context.Background()

	if err := d.Register("INGEST", func(context.Context, *Operation) (map[string]any, []Warning, error) {
		return nil, nil, errors.New("object vanished before verification")
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	op, _ := eng.Create(ctx, "INGEST", nil)
	if err := d.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	d.Wait()

	got, err := store.Get(ctx, op.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if len(got.Warnings) != 1 || got.Warnings[0].Code != WarnProcessingError {
		t.Fatalf("warnings = %v, want one PROCESSING_ERROR", got.Warnings)
	}
	if !strings.Contains(got.Warnings[0].Message, "vanished") {
		t.Errorf("warning message %q should carry the handler error", got.Warnings[0].Message)
	}
}

func TestDispatcherHandlerPanic(t *testing.T) {
	store := NewMemoryStore()
	eng, _ := NewEngine(store, nil, zerolog.Nop())
	d := newTestDispatcher(t, store, DispatcherConfig{})
	ctx := context.Background()

	if err := d.Register("INGEST", func(context.Context, *Operation) (map[string]any, []Warning, error) {
		panic("nil map write")
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	op, _ := eng.Create(ctx, "INGEST", nil)
	if err := d.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	d.Wait()

	got, err := store.Get(ctx, op.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if len(got.Warnings) != 1 || got.Warnings[0].Code != WarnProcessingError {
		t.Fatalf("warnings = %v, want one PROCESSING_ERROR", got.Warnings)
	}
}

func TestDispatcherUnknownType(t *testing.T) {
	store := NewMemoryStore()
	eng, _ := NewEngine(store, nil, zerolog.Nop())
	d := newTestDispatcher(t, store, DispatcherConfig{})
	ctx := context.Background()

	op, _ := eng.Create(ctx, "REINDEX", nil)
	if err := d.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	d.Wait()

	got, err := store.Get(ctx, op.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED", got.Status)
	}
	if len(got.Warnings) != 1 || got.Warnings[0].Code != WarnUnknownType {
		t.Fatalf("warnings = %v, want one UNKNOWN_TYPE", got.Warnings)
	}
}

func TestDispatcherBatchLimit(t *testing.T) {
	store := NewMemoryStore()
	eng, _ := NewEngine(store, nil, zerolog.Nop())
	d := newTestDispatcher(t, store, DispatcherConfig{BatchSize: 2})
	ctx := context.Background()

	var calls atomic.Int64
	if err := d.Register("INGEST", func(context.Context, *Operation) (map[string]any, []Warning, error) {
		calls.Add(1)
		return nil, nil, nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := eng.Create(ctx, "INGEST", nil); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	if err := d.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	d.Wait()
	if got := calls.Load(); got != 2 {
		t.Fatalf("handler calls = %d, want 2", got)
	}

	for calls.Load() < 5 {
		if err := d.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		d.Wait()
	}
	if got := calls.Load(); got != 5 {
		t.Fatalf("handler calls = %d, want 5", got)
	}
}

func TestDispatcherRegisterDuplicate(t *testing.T) {
	d := newTestDispatcher(t, NewMemoryStore(), DispatcherConfig{})

	h := func(context.Context, *Operation) (map[string]any, []Warning, error) { return nil, nil, nil }
	if err := d.Register("INGEST", h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := d.Register("INGEST", h); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestDispatcherReclaimsExpiredLease(t *testing.T) {
	store := NewMemoryStore()
	eng, _ := NewEngine(store, nil, zerolog.Nop())
	ctx := context.Background()

	op, _ := eng.Create(ctx, "INGEST", nil)

	// Simulate a crashed worker: claimed long ago, never finished.
	stale := time.Now().UTC().Add(-time.Hour)
	claimed, err := store.CompareAndSwap(ctx, op.ID, StatusPending, StatusRunning, &stale)
	if err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}

	var calls atomic.Int64
	d := newTestDispatcher(t, store, DispatcherConfig{})
	if err := d.Register("INGEST", func(context.Context, *Operation) (map[string]any, []Warning, error) {
		calls.Add(1)
		return nil, nil, nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := d.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	d.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("handler calls = %d, want 1 after reclaim", got)
	}

	got, err := store.Get(ctx, op.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED", got.Status)
	}
	var codes []string
	for _, w := range got.Warnings {
		codes = append(codes, w.Code)
	}
	if len(codes) != 1 || codes[0] != WarnLeaseExpired {
		t.Fatalf("warning codes = %v, want [LEASE_EXPIRED]", codes)
	}
}

func TestDispatcherConcurrentClaim(t *testing.T) {
	store := NewMemoryStore()
	eng, _ := NewEngine(store, nil, zerolog.Nop())
	ctx := context.Background()

	op, _ := eng.Create(ctx, "INGEST", nil)

	// A second dispatcher instance claims the operation between list and
	// swap; the first claim attempt must lose cleanly.
	lease := time.Now().UTC().Add(time.Minute)
	claimed, err := store.CompareAndSwap(ctx, op.ID, StatusPending, StatusRunning, &lease)
	if err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	claimed, err = store.CompareAndSwap(ctx, op.ID, StatusPending, StatusRunning, &lease)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Fatal("second claim should lose")
	}
}
