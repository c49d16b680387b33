package uploads

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"ingestd/pkg/bus"
	"ingestd/pkg/storage"
)

// ErrValidation marks a presign request that fails the upload policy.
var ErrValidation = errors.New("validation")

// Default policy limits, overridable through Limits.
const (
	DefaultMaxBytes    = 100 << 20
	DefaultMP4MaxBytes = 500 << 20
)

// allowedMIMETypes is the non-video allow-list; matching is by prefix so
// parameterized types like "application/json; charset=utf-8" pass.
var allowedMIMETypes = []string{
	"application/json",
	"application/octet-stream",
	"application/zip",
	"image/png",
	"image/jpeg",
	"audio/mpeg",
	"audio/wav",
}

// Limits is the upload policy. MP4 uploads sit behind a feature flag with
// their own size cap; everything else shares the default cap and the MIME
// allow-list.
type Limits struct {
	DefaultMaxBytes int64
	MP4MaxBytes     int64
	MP4Enabled      bool
}

func (l Limits) withDefaults() Limits {
	if l.DefaultMaxBytes <= 0 {
		l.DefaultMaxBytes = DefaultMaxBytes
	}
	if l.MP4MaxBytes <= 0 {
		l.MP4MaxBytes = DefaultMP4MaxBytes
	}
	return l
}

// PresignResult is the issued credential plus the session id the client must
// present back at finalize.
type PresignResult struct {
	SessionID string            `json:"session_id"`
	Provider  string            `json:"provider"`
	UploadURL string            `json:"upload_url"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresIn int               `json:"expires_in_seconds"`
}

// Artifact is a verified uploaded object.
type Artifact struct {
	ID          uuid.UUID  `json:"id"`
	RunID       *uuid.UUID `json:"run_id,omitempty"`
	Filename    string     `json:"filename"`
	URL         string     `json:"url"`
	Provider    string     `json:"provider"`
	SizeBytes   int64      `json:"size_bytes"`
	SHA256      string     `json:"sha256"`
	ContentType string     `json:"content_type"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ArtifactStore persists verified artifacts.
type ArtifactStore interface {
	Create(ctx context.Context, a *Artifact) error
}

// Service issues presigned credentials against the provider fleet and turns
// finalized sessions into artifact records.
type Service struct {
	fleet     *storage.Fleet
	sessions  SessionStore
	artifacts ArtifactStore
	events    *bus.Bus
	logger    zerolog.Logger
	limits    Limits
}

// NewService wires the upload pipeline. The event bus may be nil; the
// artifact store may be nil when callers only need presign/finalize URLs.
func NewService(fleet *storage.Fleet, sessions SessionStore, artifacts ArtifactStore, events *bus.Bus, logger zerolog.Logger, limits Limits) (*Service, error) {
	if fleet == nil {
		return nil, errors.New("fleet is required")
	}
	if sessions == nil {
		return nil, errors.New("session store is required")
	}
	return &Service{
		fleet:     fleet,
		sessions:  sessions,
		artifacts: artifacts,
		events:    events,
		logger:    logger,
		limits:    limits.withDefaults(),
	}, nil
}

func (s *Service) validate(filename, contentType string, sizeBytes int64) error {
	if filename == "" {
		return fmt.Errorf("%w: filename is required", ErrValidation)
	}
	if contentType == "" {
		return fmt.Errorf("%w: content_type is required", ErrValidation)
	}
	if sizeBytes <= 0 {
		return fmt.Errorf("%w: size_bytes must be positive", ErrValidation)
	}

	ct := strings.ToLower(contentType)
	if ct == "video/mp4" {
		if !s.limits.MP4Enabled {
			return fmt.Errorf("%w: mp4 uploads are not enabled", ErrValidation)
		}
		if sizeBytes > s.limits.MP4MaxBytes {
			return fmt.Errorf("%w: mp4 file too large: max %d bytes", ErrValidation, s.limits.MP4MaxBytes)
		}
		return nil
	}

	if sizeBytes > s.limits.DefaultMaxBytes {
		return fmt.Errorf("%w: file too large: max %d bytes", ErrValidation, s.limits.DefaultMaxBytes)
	}
	for _, mime := range allowedMIMETypes {
		if strings.HasPrefix(ct, mime) {
			return nil
		}
	}
	return fmt.Errorf("%w: unsupported content type %s", ErrValidation, contentType)
}

// Presign validates the request against the upload policy, asks the active
// provider for a credential, and registers the session for finalize.
func (s *Service) Presign(ctx context.Context, filename, contentType string, sizeBytes int64) (*PresignResult, error) {
	if err := s.validate(filename, contentType, sizeBytes); err != nil {
		return nil, err
	}

	provider, err := s.fleet.Active(ctx)
	if err != nil {
		return nil, err
	}

	upload, err := provider.Presign(ctx, filename, contentType, sizeBytes)
	if err != nil {
		return nil, fmt.Errorf("presign with %s: %w", provider.Name(), err)
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:          uuid.New(),
		Provider:    upload.Provider,
		ObjectKey:   upload.ObjectKey,
		Filename:    filename,
		ContentType: contentType,
		SizeBytes:   sizeBytes,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Duration(upload.ExpiresIn) * time.Second),
	}
	if err := s.sessions.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("register session: %w", err)
	}

	s.logger.Info().
		Stringer("session_id", sess.ID).
		Str("provider", upload.Provider).
		Str("object_key", upload.ObjectKey).
		Int64("size_bytes", sizeBytes).
		Msg("issued presigned upload")

	return &PresignResult{
		SessionID: sess.ID.String(),
		Provider:  upload.Provider,
		UploadURL: upload.UploadURL,
		Headers:   upload.Headers,
		ExpiresIn: upload.ExpiresIn,
	}, nil
}

// Finalize consumes the session, verifies the uploaded object with the
// provider that issued the credential, and records the artifact. The session
// is consumed whether or not verification passes; a failed finalize requires
// a fresh presign.
func (s *Service) Finalize(ctx context.Context, sessionID uuid.UUID, sizeBytes int64, sha256Hex string) (*Artifact, error) {
	return s.FinalizeForRun(ctx, sessionID, sizeBytes, sha256Hex, nil)
}

// FinalizeForRun is Finalize with the artifact attached to a run record.
func (s *Service) FinalizeForRun(ctx context.Context, sessionID uuid.UUID, sizeBytes int64, sha256Hex string, runID *uuid.UUID) (*Artifact, error) {
	sess, err := s.sessions.Take(ctx, sessionID, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	provider, err := s.fleet.ByName(sess.Provider)
	if err != nil {
		return nil, err
	}

	url, err := provider.Finalize(ctx, sess.ObjectKey, sizeBytes, sha256Hex)
	if err != nil {
		return nil, err
	}

	artifact := &Artifact{
		ID:          uuid.New(),
		RunID:       runID,
		Filename:    sess.Filename,
		URL:         url,
		Provider:    sess.Provider,
		SizeBytes:   sizeBytes,
		SHA256:      sha256Hex,
		ContentType: sess.ContentType,
		CreatedAt:   time.Now().UTC(),
	}
	if s.artifacts != nil {
		if err := s.artifacts.Create(ctx, artifact); err != nil {
			return nil, fmt.Errorf("record artifact: %w", err)
		}
	}

	if err := s.events.Publish(ctx, bus.SubjectUploadFinalized, bus.UploadEvent{
		SessionID: sess.ID,
		Provider:  sess.Provider,
		URL:       url,
		SizeBytes: sizeBytes,
		At:        artifact.CreatedAt,
	}); err != nil {
		s.logger.Warn().Err(err).Stringer("session_id", sess.ID).Msg("publish upload finalized")
	}

	s.logger.Info().
		Stringer("session_id", sess.ID).
		Str("provider", sess.Provider).
		Str("url", url).
		Msg("upload finalized")

	return artifact, nil
}

// SweepSessions drops sessions whose credential window closed.
func (s *Service) SweepSessions(ctx context.Context) (int64, error) {
	return s.sessions.DeleteExpired(ctx, time.Now().UTC())
}

// RunSweeper deletes expired sessions on a fixed period until ctx is
// cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.SweepSessions(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("session sweep failed")
				continue
			}
			if deleted > 0 {
				s.logger.Info().Int64("deleted", deleted).Msg("swept expired upload sessions")
			}
		}
	}
}

type artifactModel struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	RunID       *uuid.UUID `gorm:"type:uuid;index"`
	Filename    string     `gorm:"type:text;not null"`
	URL         string     `gorm:"type:text;not null"`
	Provider    string     `gorm:"type:text;not null"`
	SizeBytes   int64      `gorm:"type:bigint;not null"`
	SHA256      string     `gorm:"column:sha256;type:text"`
	ContentType string     `gorm:"type:text"`
	CreatedAt   time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (artifactModel) TableName() string { return "artifacts" }

// GormArtifactStore is the Postgres-backed ArtifactStore.
type GormArtifactStore struct {
	orm *gorm.DB
}

// NewGormArtifactStore wraps the provided GORM handle.
func NewGormArtifactStore(orm *gorm.DB) *GormArtifactStore {
	return &GormArtifactStore{orm: orm}
}

func (s *GormArtifactStore) Create(ctx context.Context, a *Artifact) error {
	model := artifactModel{
		ID:          a.ID,
		RunID:       a.RunID,
		Filename:    a.Filename,
		URL:         a.URL,
		Provider:    a.Provider,
		SizeBytes:   a.SizeBytes,
		SHA256:      a.SHA256,
		ContentType: a.ContentType,
		CreatedAt:   a.CreatedAt,
	}
	return s.orm.WithContext(ctx).Create(&model).Error
}
