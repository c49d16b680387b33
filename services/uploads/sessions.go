// Package uploads issues presigned upload credentials and verifies the
// resulting objects against the declared size and digest before minting
// artifact records.
package uploads

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrSessionNotFound covers unknown, expired, and already consumed sessions;
// callers cannot distinguish the three on purpose.
var ErrSessionNotFound = errors.New("upload session not found")

// Session ties a presigned credential to the object key and declared
// attributes it was issued for. Finalize consumes it exactly once.
type Session struct {
	ID          uuid.UUID
	Provider    string
	ObjectKey   string
	Filename    string
	ContentType string
	SizeBytes   int64
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the session's credential window has closed.
func (s *Session) Expired(now time.Time) bool { return !s.ExpiresAt.After(now) }

// SessionStore persists sessions between presign and finalize. Take must be
// a consuming read so two concurrent finalize calls cannot both win.
type SessionStore interface {
	Put(ctx context.Context, sess *Session) error
	// Take removes and returns the session; ErrSessionNotFound when the id
	// is unknown, already consumed, or expired.
	Take(ctx context.Context, id uuid.UUID, now time.Time) (*Session, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type sessionModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Provider    string    `gorm:"type:text;not null"`
	ObjectKey   string    `gorm:"type:text;not null"`
	Filename    string    `gorm:"type:text;not null"`
	ContentType string    `gorm:"type:text;not null"`
	SizeBytes   int64     `gorm:"type:bigint;not null"`
	CreatedAt   time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	ExpiresAt   time.Time `gorm:"type:timestamptz;not null;index"`
}

func (sessionModel) TableName() string { return "upload_sessions" }

func (m sessionModel) toAPI() *Session {
	return &Session{
		ID:          m.ID,
		Provider:    m.Provider,
		ObjectKey:   m.ObjectKey,
		Filename:    m.Filename,
		ContentType: m.ContentType,
		SizeBytes:   m.SizeBytes,
		CreatedAt:   m.CreatedAt,
		ExpiresAt:   m.ExpiresAt,
	}
}

// GormSessionStore is the Postgres-backed SessionStore.
type GormSessionStore struct {
	orm *gorm.DB
}

// NewGormSessionStore wraps the provided GORM handle.
func NewGormSessionStore(orm *gorm.DB) *GormSessionStore {
	return &GormSessionStore{orm: orm}
}

func (s *GormSessionStore) Put(ctx context.Context, sess *Session) error {
	model := sessionModel{
		ID:          sess.ID,
		Provider:    sess.Provider,
		ObjectKey:   sess.ObjectKey,
		Filename:    sess.Filename,
		ContentType: sess.ContentType,
		SizeBytes:   sess.SizeBytes,
		CreatedAt:   sess.CreatedAt,
		ExpiresAt:   sess.ExpiresAt,
	}
	return s.orm.WithContext(ctx).Create(&model).Error
}

// Take deletes the row and returns it in one statement so concurrent
// finalize calls race on the DELETE, not on a read-then-delete window.
func (s *GormSessionStore) Take(ctx context.Context, id uuid.UUID, now time.Time) (*Session, error) {
	var model sessionModel
	res := s.orm.WithContext(ctx).Raw(
		`DELETE FROM upload_sessions WHERE id = ? AND expires_at > ?
		 RETURNING id, provider, object_key, filename, content_type, size_bytes, created_at, expires_at`,
		id, now,
	).Scan(&model)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrSessionNotFound
	}
	return model.toAPI(), nil
}

func (s *GormSessionStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.orm.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&sessionModel{})
	return res.RowsAffected, res.Error
}

// MemorySessionStore is a process-local SessionStore for tests and
// single-node development.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

// NewMemorySessionStore returns an empty MemorySessionStore.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[uuid.UUID]*Session)}
}

func (s *MemorySessionStore) Put(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return errors.New("session id already exists")
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemorySessionStore) Take(_ context.Context, id uuid.UUID, now time.Time) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	delete(s.sessions, id)
	if sess.Expired(now) {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemorySessionStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}
