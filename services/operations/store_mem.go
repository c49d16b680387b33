package operations

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a process-local Store. It honours the same guard semantics
// as the Postgres store but loses all state on restart; it exists for tests
// and single-node development, not production deployments.
type MemoryStore struct {
	mu  sync.Mutex
	ops map[uuid.UUID]*Operation
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ops: make(map[uuid.UUID]*Operation)}
}

func cloneOp(op *Operation) *Operation {
	cp := *op
	cp.Warnings = append([]Warning(nil), op.Warnings...)
	if op.Payload != nil {
		cp.Payload = make(map[string]any, len(op.Payload))
		for k, v := range op.Payload {
			cp.Payload[k] = v
		}
	}
	if op.LeaseExpiresAt != nil {
		lease := *op.LeaseExpiresAt
		cp.LeaseExpiresAt = &lease
	}
	return &cp
}

func (s *MemoryStore) Insert(_ context.Context, op *Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[op.ID] = cloneOp(op)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOp(op), nil
}

func (s *MemoryStore) ListPending(_ context.Context, limit int) ([]*Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*Operation
	for _, op := range s.ops {
		if op.Status == StatusPending {
			pending = append(pending, cloneOp(op))
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, id uuid.UUID, prev, next Status, lease *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[id]
	if !ok || op.Status != prev {
		return false, nil
	}
	op.Status = next
	op.LeaseExpiresAt = lease
	op.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) Finish(_ context.Context, id uuid.UUID, status Status, result map[string]any, warnings []Warning) (bool, error) {
	if !status.Terminal() {
		return false, ErrInvalidTransition
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[id]
	if !ok || op.Status != StatusRunning {
		return false, nil
	}
	op.Status = status
	op.Payload = result
	op.Warnings = append(op.Warnings, warnings...)
	op.LeaseExpiresAt = nil
	op.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) AppendWarning(_ context.Context, id uuid.UUID, w Warning) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[id]
	if !ok {
		return ErrNotFound
	}
	if op.Status.Terminal() {
		return ErrTerminal
	}
	op.Warnings = append(op.Warnings, w)
	op.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ReclaimExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reclaimed int64
	for _, op := range s.ops {
		if op.Status == StatusRunning && op.LeaseExpiresAt != nil && op.LeaseExpiresAt.Before(now) {
			op.Status = StatusPending
			op.LeaseExpiresAt = nil
			op.Warnings = append(op.Warnings, Warning{
				Code:    WarnLeaseExpired,
				Message: "claim lease expired; operation requeued",
			})
			op.UpdatedAt = time.Now().UTC()
			reclaimed++
		}
	}
	return reclaimed, nil
}
