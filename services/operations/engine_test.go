package operations

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) (*Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	eng, err := NewEngine(store, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng, store
}

func TestEngineCreate(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	op, err := eng.Create(ctx, "INGEST", map[string]any{"session_id": "abc"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if op.Status != StatusPending {
		t.Errorf("status = %s, want PENDING", op.Status)
	}
	if op.Warnings == nil || len(op.Warnings) != 0 {
		t.Errorf("warnings = %v, want empty non-nil slice", op.Warnings)
	}
	if op.ID == uuid.Nil {
		t.Error("expected a generated id")
	}

	got, err := eng.Get(ctx, op.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Type != "INGEST" {
		t.Errorf("type = %s, want INGEST", got.Type)
	}
}

func TestEngineCreateRequiresType(t *testing.T) {
	eng, _ := newTestEngine(t)

	if _, err := eng.Create(context.Background(), "", nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestEngineGetUnknown(t *testing.T) {
	eng, _ := newTestEngine(t)

	if _, err := eng.Get(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestEngineAdvance(t *testing.T) {
	tests := []struct {
		name    string
		path    []Status
		advance Status
		wantErr error
	}{
		{name: "pending to running", path: nil, advance: StatusRunning},
		{name: "pending to succeeded", path: nil, advance: StatusSucceeded},
		{name: "pending to failed", path: nil, advance: StatusFailed},
		{name: "running to succeeded", path: []Status{StatusRunning}, advance: StatusSucceeded},
		{name: "running to failed", path: []Status{StatusRunning}, advance: StatusFailed},
		{name: "pending to pending", path: nil, advance: StatusPending, wantErr: ErrInvalidTransition},
		{name: "running to pending", path: []Status{StatusRunning}, advance: StatusPending, wantErr: ErrInvalidTransition},
		{name: "running to running", path: []Status{StatusRunning}, advance: StatusRunning, wantErr: ErrInvalidTransition},
		{name: "succeeded is terminal", path: []Status{StatusRunning, StatusSucceeded}, advance: StatusRunning, wantErr: ErrInvalidTransition},
		{name: "failed is terminal", path: []Status{StatusRunning, StatusFailed}, advance: StatusSucceeded, wantErr: ErrInvalidTransition},
		{name: "unknown status", path: nil, advance: Status("RETRYING"), wantErr: ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, _ := newTestEngine(t)
			ctx := context.Background()

			op, err := eng.Create(ctx, "INGEST", nil)
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			for _, s := range tt.path {
				if _, err := eng.Advance(ctx, op.ID, s); err != nil {
					t.Fatalf("Advance(%s): %v", s, err)
				}
			}

			got, err := eng.Advance(ctx, op.ID, tt.advance)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Advance: %v", err)
			}
			if got.Status != tt.advance {
				t.Errorf("status = %s, want %s", got.Status, tt.advance)
			}
		})
	}
}

// TestEngineAdvanceMonotonic hammers an operation with random transition
// requests and checks the observed status never moves backwards.
func TestEngineAdvanceMonotonic(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	statuses := []Status{StatusPending, StatusRunning, StatusSucceeded, StatusFailed}
	ranks := map[Status]int{StatusPending: 0, StatusRunning: 1, StatusSucceeded: 2, StatusFailed: 2}

	op, err := eng.Create(ctx, "INGEST", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	last := StatusPending
	for i := 0; i < 200; i++ {
		next := statuses[rng.Intn(len(statuses))]
		got, err := eng.Advance(ctx, op.ID, next)
		if err != nil {
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("step %d: unexpected error %v", i, err)
			}
			continue
		}
		if ranks[got.Status] <= ranks[last] {
			t.Fatalf("step %d: status moved %s -> %s", i, last, got.Status)
		}
		last = got.Status
	}
}

func TestEngineAddWarning(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	op, err := eng.Create(ctx, "INGEST", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := eng.AddWarning(ctx, op.ID, WarnVersionConflict, "existing run overwritten"); err != nil {
		t.Fatalf("AddWarning: %v", err)
	}
	if err := eng.AddWarning(ctx, op.ID, "", "missing code"); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}

	got, err := eng.Get(ctx, op.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Warnings) != 1 || got.Warnings[0].Code != WarnVersionConflict {
		t.Fatalf("warnings = %v, want one VERSION_CONFLICT", got.Warnings)
	}
}

func TestEngineAddWarningTerminal(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	op, err := eng.Create(ctx, "INGEST", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := eng.Advance(ctx, op.ID, StatusSucceeded); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	if err := eng.AddWarning(ctx, op.ID, WarnProcessingError, "too late"); !errors.Is(err, ErrTerminal) {
		t.Fatalf("err = %v, want ErrTerminal", err)
	}

	got, err := eng.Get(ctx, op.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Warnings) != 0 {
		t.Fatalf("warnings = %v, want none", got.Warnings)
	}
}
