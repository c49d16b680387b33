package operations

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultIdempotencyTTL = 24 * time.Hour
	defaultInFlightWait   = 2 * time.Second
)

var (
	// ErrIdempotencyConflict is returned when a key is reused with a
	// request body whose fingerprint differs from the recorded one.
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different request body")

	// ErrRequestInFlight is returned when a key's original request has been
	// accepted but its response is not recorded yet.
	ErrRequestInFlight = errors.New("original request still in flight")
)

// IdempotencyRecord stores the outcome of one keyed request so retries can
// replay it verbatim.
type IdempotencyRecord struct {
	Key          string
	Fingerprint  string
	ResponseCode int
	ResponseBody map[string]any
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Completed reports whether the original request has recorded its response.
func (r *IdempotencyRecord) Completed() bool { return r.ResponseCode != 0 }

// Fingerprint normalizes a request body to a SHA-256 hex digest.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// IdempotencyStore persists keyed records with insert-if-absent semantics so
// two concurrent requests cannot both believe they created the record.
type IdempotencyStore interface {
	// Insert stores rec; it reports false when the key already holds an
	// unexpired record. A row past its expiry is replaced as if absent,
	// so an expired key never blocks a new reservation.
	Insert(ctx context.Context, rec *IdempotencyRecord) (bool, error)
	// Find returns the unexpired record for key, or nil on a miss.
	Find(ctx context.Context, key string, now time.Time) (*IdempotencyRecord, error)
	// Complete fills in the response for a previously inserted key.
	Complete(ctx context.Context, key string, code int, body map[string]any) error
	// DeleteExpired removes records past their expiry.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Ledger deduplicates client-initiated requests by idempotency key.
type Ledger struct {
	store  IdempotencyStore
	ttl    time.Duration
	logger zerolog.Logger

	// InFlightWait bounds how long Reserve waits for a concurrent request
	// holding the same key to record its response before giving up with
	// ErrRequestInFlight.
	InFlightWait time.Duration
}

// NewLedger builds a Ledger; ttl <= 0 falls back to 24h.
func NewLedger(store IdempotencyStore, ttl time.Duration, logger zerolog.Logger) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &Ledger{store: store, ttl: ttl, logger: logger, InFlightWait: defaultInFlightWait}, nil
}

// Reserve claims key for the request with the given fingerprint. When the
// reservation succeeds the caller must execute the request and call Complete.
// When the key is already taken the stored record is returned:
// ErrIdempotencyConflict if the fingerprint differs, ErrRequestInFlight if
// the original response is not recorded yet.
func (l *Ledger) Reserve(ctx context.Context, key, fingerprint string) (*IdempotencyRecord, bool, error) {
	now := time.Now().UTC()
	rec := &IdempotencyRecord{
		Key:         key,
		Fingerprint: fingerprint,
		CreatedAt:   now,
		ExpiresAt:   now.Add(l.ttl),
	}

	inserted, err := l.store.Insert(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		return nil, true, nil
	}

	existing, err := l.store.Find(ctx, key, now)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		// The record expired between insert and lookup; treat as a miss
		// and try once more.
		inserted, err := l.store.Insert(ctx, rec)
		if err != nil || !inserted {
			return nil, false, errors.Join(err, ErrRequestInFlight)
		}
		return nil, true, nil
	}

	if existing.Fingerprint != fingerprint {
		return nil, false, ErrIdempotencyConflict
	}
	if !existing.Completed() {
		// The holder is a concurrent request for the same body. Wait
		// briefly for it to record its response so both callers observe
		// the same outcome.
		completed, err := l.awaitCompletion(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if completed == nil {
			return nil, false, ErrRequestInFlight
		}
		return completed, false, nil
	}
	return existing, false, nil
}

// awaitCompletion polls for the in-flight holder of key to record its
// response, bounded by InFlightWait. A nil record means the window closed
// with the request still unrecorded.
func (l *Ledger) awaitCompletion(ctx context.Context, key string) (*IdempotencyRecord, error) {
	if l.InFlightWait <= 0 {
		return nil, nil
	}
	interval := l.InFlightWait / 20
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	deadline := time.Now().Add(l.InFlightWait)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case now := <-ticker.C:
			rec, err := l.store.Find(ctx, key, now.UTC())
			if err != nil {
				return nil, err
			}
			if rec != nil && rec.Completed() {
				return rec, nil
			}
			if now.After(deadline) {
				return nil, nil
			}
		}
	}
}

// Complete records the response for a reserved key.
func (l *Ledger) Complete(ctx context.Context, key string, code int, body map[string]any) error {
	return l.store.Complete(ctx, key, code, body)
}

// Sweep deletes expired records. Duplicate sweeps are harmless; deleting an
// already-deleted row is a no-op.
func (l *Ledger) Sweep(ctx context.Context) (int64, error) {
	return l.store.DeleteExpired(ctx, time.Now().UTC())
}

// Run sweeps on a fixed period until ctx is cancelled.
func (l *Ledger) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := l.Sweep(ctx)
			if err != nil {
				l.logger.Error().Err(err).Msg("idempotency sweep failed")
				continue
			}
			if deleted > 0 {
				l.logger.Info().Int64("deleted", deleted).Msg("swept expired idempotency records")
			}
		}
	}
}

type idempotencyModel struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Key          string            `gorm:"column:idempotency_key;type:text;uniqueIndex;not null"`
	Fingerprint  string            `gorm:"type:text;not null"`
	ResponseCode int               `gorm:"type:int;not null"`
	ResponseBody datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt    time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	ExpiresAt    time.Time         `gorm:"type:timestamptz;not null;index"`
}

func (idempotencyModel) TableName() string { return "idempotency_records" }

// GormIdempotencyStore is the Postgres-backed IdempotencyStore.
type GormIdempotencyStore struct {
	orm *gorm.DB
}

// NewGormIdempotencyStore wraps the provided GORM handle.
func NewGormIdempotencyStore(orm *gorm.DB) *GormIdempotencyStore {
	return &GormIdempotencyStore{orm: orm}
}

func (s *GormIdempotencyStore) Insert(ctx context.Context, rec *IdempotencyRecord) (bool, error) {
	model := idempotencyModel{
		ID:           uuid.New(),
		Key:          rec.Key,
		Fingerprint:  rec.Fingerprint,
		ResponseCode: rec.ResponseCode,
		ResponseBody: datatypes.JSONMap(rec.ResponseBody),
		CreatedAt:    rec.CreatedAt,
		ExpiresAt:    rec.ExpiresAt,
	}

	// An expired row still occupies the unique index until the sweep runs;
	// replace it in the same statement so the key behaves as absent. A live
	// row leaves the conflict unresolved and RowsAffected at zero.
	res := s.orm.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "idempotency_key"}},
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "idempotency_records.expires_at <= ?", Vars: []any{rec.CreatedAt}},
			}},
			DoUpdates: clause.Assignments(map[string]any{
				"id":            model.ID,
				"fingerprint":   model.Fingerprint,
				"response_code": model.ResponseCode,
				"response_body": model.ResponseBody,
				"created_at":    model.CreatedAt,
				"expires_at":    model.ExpiresAt,
			}),
		}).
		Create(&model)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormIdempotencyStore) Find(ctx context.Context, key string, now time.Time) (*IdempotencyRecord, error) {
	var model idempotencyModel
	err := s.orm.WithContext(ctx).
		Where("idempotency_key = ? AND expires_at > ?", key, now).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &IdempotencyRecord{
		Key:          model.Key,
		Fingerprint:  model.Fingerprint,
		ResponseCode: model.ResponseCode,
		ResponseBody: map[string]any(model.ResponseBody),
		CreatedAt:    model.CreatedAt,
		ExpiresAt:    model.ExpiresAt,
	}, nil
}

func (s *GormIdempotencyStore) Complete(ctx context.Context, key string, code int, body map[string]any) error {
	return s.orm.WithContext(ctx).
		Model(&idempotencyModel{}).
		Where("idempotency_key = ?", key).
		Updates(map[string]any{
			"response_code": code,
			"response_body": datatypes.JSONMap(body),
		}).Error
}

func (s *GormIdempotencyStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.orm.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&idempotencyModel{})
	return res.RowsAffected, res.Error
}

// MemoryIdempotencyStore is a process-local IdempotencyStore for tests and
// single-node development.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]*IdempotencyRecord
}

// NewMemoryIdempotencyStore returns an empty MemoryIdempotencyStore.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{records: make(map[string]*IdempotencyRecord)}
}

func (s *MemoryIdempotencyStore) Insert(_ context.Context, rec *IdempotencyRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.Key]; ok && existing.ExpiresAt.After(rec.CreatedAt) {
		return false, nil
	}
	cp := *rec
	s.records[rec.Key] = &cp
	return true, nil
}

func (s *MemoryIdempotencyStore) Find(_ context.Context, key string, now time.Time) (*IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || !rec.ExpiresAt.After(now) {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryIdempotencyStore) Complete(_ context.Context, key string, code int, body map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return errors.New("no reservation for key")
	}
	rec.ResponseCode = code
	rec.ResponseBody = body
	return nil
}

func (s *MemoryIdempotencyStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key, rec := range s.records {
		if !rec.ExpiresAt.After(now) {
			delete(s.records, key)
			deleted++
		}
	}
	return deleted, nil
}
