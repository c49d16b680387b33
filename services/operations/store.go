package operations

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Store persists operations. The status column is the single serialization
// point for handler execution: claims and terminal writes are guarded on the
// stored status so concurrent dispatcher passes never double-process.
type Store interface {
	Insert(ctx context.Context, op *Operation) error
	Get(ctx context.Context, id uuid.UUID) (*Operation, error)

	// ListPending returns up to limit PENDING operations, oldest first.
	ListPending(ctx context.Context, limit int) ([]*Operation, error)

	// CompareAndSwap moves id from prev to next only if the stored status
	// still equals prev, optionally stamping a lease deadline. It reports
	// whether the swap happened.
	CompareAndSwap(ctx context.Context, id uuid.UUID, prev, next Status, lease *time.Time) (bool, error)

	// Finish writes a terminal status together with the result payload and
	// any trailing warnings in a single guarded update (current status must
	// be RUNNING). It reports whether the write happened.
	Finish(ctx context.Context, id uuid.UUID, status Status, result map[string]any, warnings []Warning) (bool, error)

	// AppendWarning adds a warning unless the operation is terminal.
	AppendWarning(ctx context.Context, id uuid.UUID, w Warning) error

	// ReclaimExpired returns RUNNING operations whose lease has passed to
	// PENDING, making a crashed worker's claims eligible again.
	ReclaimExpired(ctx context.Context, now time.Time) (int64, error)
}

type operationModel struct {
	ID             uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Type           string            `gorm:"type:text;not null"`
	Status         string            `gorm:"type:text;not null;index"`
	Payload        datatypes.JSONMap `gorm:"type:jsonb"`
	Warnings       datatypes.JSON    `gorm:"type:jsonb"`
	LeaseExpiresAt *time.Time        `gorm:"type:timestamptz"`
	CreatedAt      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime;index"`
	UpdatedAt      time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (operationModel) TableName() string { return "operations" }

func (m operationModel) toAPI() (*Operation, error) {
	var warnings []Warning
	if len(m.Warnings) > 0 {
		if err := json.Unmarshal(m.Warnings, &warnings); err != nil {
			return nil, err
		}
	}
	if warnings == nil {
		warnings = []Warning{}
	}

	return &Operation{
		ID:             m.ID,
		Type:           m.Type,
		Status:         Status(m.Status),
		Payload:        map[string]any(m.Payload),
		Warnings:       warnings,
		LeaseExpiresAt: m.LeaseExpiresAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}, nil
}

// GormStore is the Postgres-backed Store.
type GormStore struct {
	orm *gorm.DB
}

// NewGormStore wraps the provided GORM handle.
func NewGormStore(orm *gorm.DB) *GormStore {
	return &GormStore{orm: orm}
}

func (s *GormStore) Insert(ctx context.Context, op *Operation) error {
	warnings, err := json.Marshal(op.Warnings)
	if err != nil {
		return err
	}

	model := operationModel{
		ID:        op.ID,
		Type:      op.Type,
		Status:    string(op.Status),
		Payload:   datatypes.JSONMap(op.Payload),
		Warnings:  datatypes.JSON(warnings),
		CreatedAt: op.CreatedAt,
		UpdatedAt: op.UpdatedAt,
	}
	return s.orm.WithContext(ctx).Create(&model).Error
}

func (s *GormStore) Get(ctx context.Context, id uuid.UUID) (*Operation, error) {
	var model operationModel
	err := s.orm.WithContext(ctx).First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return model.toAPI()
}

func (s *GormStore) ListPending(ctx context.Context, limit int) ([]*Operation, error) {
	var models []operationModel
	err := s.orm.WithContext(ctx).
		Where("status = ?", string(StatusPending)).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	ops := make([]*Operation, 0, len(models))
	for _, m := range models {
		op, err := m.toAPI()
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (s *GormStore) CompareAndSwap(ctx context.Context, id uuid.UUID, prev, next Status, lease *time.Time) (bool, error) {
	res := s.orm.WithContext(ctx).
		Model(&operationModel{}).
		Where("id = ? AND status = ?", id, string(prev)).
		Updates(map[string]any{
			"status":           string(next),
			"lease_expires_at": lease,
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) Finish(ctx context.Context, id uuid.UUID, status Status, result map[string]any, warnings []Warning) (bool, error) {
	if !status.Terminal() {
		return false, ErrInvalidTransition
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return false, err
	}
	trailing, err := json.Marshal(warnings)
	if err != nil {
		return false, err
	}

	res := s.orm.WithContext(ctx).Exec(`
		UPDATE operations
		SET status = ?,
		    payload = ?::jsonb,
		    warnings = coalesce(warnings, '[]'::jsonb) || ?::jsonb,
		    lease_expires_at = NULL,
		    updated_at = now()
		WHERE id = ? AND status = ?`,
		string(status), string(payload), string(trailing), id, string(StatusRunning),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) AppendWarning(ctx context.Context, id uuid.UUID, w Warning) error {
	entry, err := json.Marshal([]Warning{w})
	if err != nil {
		return err
	}

	res := s.orm.WithContext(ctx).Exec(`
		UPDATE operations
		SET warnings = coalesce(warnings, '[]'::jsonb) || ?::jsonb,
		    updated_at = now()
		WHERE id = ? AND status NOT IN (?, ?)`,
		string(entry), id, string(StatusSucceeded), string(StatusFailed),
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Distinguish an unknown id from a terminal operation.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrTerminal
	}
	return nil
}

func (s *GormStore) ReclaimExpired(ctx context.Context, now time.Time) (int64, error) {
	entry, err := json.Marshal([]Warning{{
		Code:    WarnLeaseExpired,
		Message: "claim lease expired; operation requeued",
	}})
	if err != nil {
		return 0, err
	}

	res := s.orm.WithContext(ctx).Exec(`
		UPDATE operations
		SET status = ?,
		    lease_expires_at = NULL,
		    warnings = coalesce(warnings, '[]'::jsonb) || ?::jsonb,
		    updated_at = now()
		WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
		string(StatusPending), string(entry), string(StatusRunning), now,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
