package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrTestNotFound is returned for reads of an unknown test id.
var ErrTestNotFound = errors.New("test not found")

// ErrRunNotFound is returned for writes against an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Test is a logical test registered by an external system.
type Test struct {
	ID         uuid.UUID      `json:"id"`
	ExternalID string         `json:"external_id"`
	Name       string         `json:"name,omitempty"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Run is one execution of a test, created when an ingest completes.
type Run struct {
	ID        uuid.UUID      `json:"id"`
	TestID    uuid.UUID      `json:"test_id"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

// TestStore persists tests and their runs.
type TestStore interface {
	// Upsert finds the test by external id or creates it.
	Upsert(ctx context.Context, externalID, name string, metadata map[string]any) (*Test, error)
	Get(ctx context.Context, id uuid.UUID) (*Test, error)
	Runs(ctx context.Context, testID uuid.UUID) ([]Run, error)
	CreateRun(ctx context.Context, run *Run) error
	// SetRunStatus moves an existing run to the given status.
	SetRunStatus(ctx context.Context, runID uuid.UUID, status string) error
}

type testModel struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	ExternalID string            `gorm:"type:text;uniqueIndex;not null"`
	Name       string            `gorm:"type:text"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt  time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt  time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (testModel) TableName() string { return "tests" }

func (m testModel) toAPI() *Test {
	return &Test{
		ID:         m.ID,
		ExternalID: m.ExternalID,
		Name:       m.Name,
		Metadata:   mapFromJSONMap(m.Metadata),
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

type runModel struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	TestID    uuid.UUID         `gorm:"type:uuid;not null;index"`
	Status    string            `gorm:"type:text;not null"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (runModel) TableName() string { return "runs" }

func (r runModel) toAPI() Run {
	return Run{
		ID:        r.ID,
		TestID:    r.TestID,
		Status:    r.Status,
		Metadata:  mapFromJSONMap(r.Metadata),
		CreatedAt: r.CreatedAt,
	}
}

func mapFromJSONMap(src datatypes.JSONMap) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func toJSONMap(src map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	if src == nil {
		return out
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

// GormTestStore is the Postgres-backed TestStore.
type GormTestStore struct {
	orm *gorm.DB
}

// NewGormTestStore wraps the provided GORM handle.
func NewGormTestStore(orm *gorm.DB) *GormTestStore {
	return &GormTestStore{orm: orm}
}

func (s *GormTestStore) Upsert(ctx context.Context, externalID, name string, metadata map[string]any) (*Test, error) {
	model := testModel{
		ID:         uuid.New(),
		ExternalID: externalID,
		Name:       name,
		Metadata:   toJSONMap(metadata),
	}
	err := s.orm.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "metadata", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return nil, err
	}

	// Re-read so a conflict-update returns the row's original id.
	var stored testModel
	if err := s.orm.WithContext(ctx).Where("external_id = ?", externalID).First(&stored).Error; err != nil {
		return nil, err
	}
	return stored.toAPI(), nil
}

func (s *GormTestStore) Get(ctx context.Context, id uuid.UUID) (*Test, error) {
	var model testModel
	err := s.orm.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTestNotFound
		}
		return nil, err
	}
	return model.toAPI(), nil
}

func (s *GormTestStore) Runs(ctx context.Context, testID uuid.UUID) ([]Run, error) {
	var models []runModel
	err := s.orm.WithContext(ctx).
		Where("test_id = ?", testID).
		Order("created_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	runs := make([]Run, 0, len(models))
	for _, m := range models {
		runs = append(runs, m.toAPI())
	}
	return runs, nil
}

func (s *GormTestStore) CreateRun(ctx context.Context, run *Run) error {
	model := runModel{
		ID:        run.ID,
		TestID:    run.TestID,
		Status:    run.Status,
		Metadata:  toJSONMap(run.Metadata),
		CreatedAt: run.CreatedAt,
	}
	return s.orm.WithContext(ctx).Create(&model).Error
}

func (s *GormTestStore) SetRunStatus(ctx context.Context, runID uuid.UUID, status string) error {
	res := s.orm.WithContext(ctx).
		Model(&runModel{}).
		Where("id = ?", runID).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// MemoryTestStore is a process-local TestStore for tests.
type MemoryTestStore struct {
	mu    sync.Mutex
	tests map[uuid.UUID]*Test
	runs  map[uuid.UUID][]Run
}

// NewMemoryTestStore returns an empty MemoryTestStore.
func NewMemoryTestStore() *MemoryTestStore {
	return &MemoryTestStore{
		tests: make(map[uuid.UUID]*Test),
		runs:  make(map[uuid.UUID][]Run),
	}
}

func (s *MemoryTestStore) Upsert(_ context.Context, externalID, name string, metadata map[string]any) (*Test, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, t := range s.tests {
		if t.ExternalID == externalID {
			t.Name = name
			t.Metadata = metadata
			t.UpdatedAt = now
			cp := *t
			return &cp, nil
		}
	}

	t := &Test{
		ID:         uuid.New(),
		ExternalID: externalID,
		Name:       name,
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.tests[t.ID] = t
	cp := *t
	return &cp, nil
}

func (s *MemoryTestStore) Get(_ context.Context, id uuid.UUID) (*Test, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tests[id]
	if !ok {
		return nil, ErrTestNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryTestStore) Runs(_ context.Context, testID uuid.UUID) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Run(nil), s.runs[testID]...), nil
}

func (s *MemoryTestStore) CreateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.TestID] = append(s.runs[run.TestID], *run)
	return nil
}

func (s *MemoryTestStore) SetRunStatus(_ context.Context, runID uuid.UUID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for testID, runs := range s.runs {
		for i := range runs {
			if runs[i].ID == runID {
				s.runs[testID][i].Status = status
				return nil
			}
		}
	}
	return ErrRunNotFound
}
