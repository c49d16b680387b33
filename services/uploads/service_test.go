package uploads

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ingestd/pkg/storage"
)

// fakeProvider records presigned objects and verifies finalize calls against
// the declared size, mirroring the real backends without network access.
type fakeProvider struct {
	name      string
	available bool

	mu      sync.Mutex
	objects map[string]int64 // object key -> declared size
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{name: name, available: true, objects: make(map[string]int64)}
}

func (p *fakeProvider) Name() string                   { return p.name }
func (p *fakeProvider) Available(context.Context) bool { return p.available }

func (p *fakeProvider) Presign(_ context.Context, filename, _ string, sizeBytes int64) (*storage.PresignedUpload, error) {
	key := storage.ObjectKey(filename, time.Now())
	p.mu.Lock()
	p.objects[key] = sizeBytes
	p.mu.Unlock()
	return &storage.PresignedUpload{
		UploadURL: "https://" + p.name + ".example.com/" + key,
		Provider:  p.name,
		Headers:   map[string]string{"Content-Type": "application/json"},
		ExpiresIn: int(storage.DefaultPresignExpiry.Seconds()),
		ObjectKey: key,
	}, nil
}

func (p *fakeProvider) Finalize(_ context.Context, objectKey string, sizeBytes int64, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	declared, ok := p.objects[objectKey]
	if !ok {
		return "", storage.ErrObjectMissing
	}
	if declared != sizeBytes {
		return "", storage.ErrSizeMismatch
	}
	return p.name + "://" + objectKey, nil
}

type recordingArtifacts struct {
	mu   sync.Mutex
	rows []*Artifact
}

func (r *recordingArtifacts) Create(_ context.Context, a *Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.rows = append(r.rows, &cp)
	return nil
}

func newTestService(t *testing.T, limits Limits) (*Service, *fakeProvider, *recordingArtifacts) {
	t.Helper()
	provider := newFakeProvider("aws")
	artifacts := &recordingArtifacts{}
	svc, err := NewService(storage.NewFleet(provider), NewMemorySessionStore(), artifacts, nil, zerolog.Nop(), limits)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, provider, artifacts
}

func TestPresignPolicy(t *testing.T) {
	tests := []struct {
		name        string
		limits      Limits
		filename    string
		contentType string
		sizeBytes   int64
		wantErr     string
	}{
		{name: "json allowed", filename: "report.json", contentType: "application/json", sizeBytes: 1024},
		{name: "json with charset", filename: "report.json", contentType: "application/json; charset=utf-8", sizeBytes: 1024},
		{name: "zip allowed", filename: "bundle.zip", contentType: "application/zip", sizeBytes: 1024},
		{name: "mixed case content type", filename: "a.png", contentType: "Image/PNG", sizeBytes: 10},
		{name: "missing filename", contentType: "application/json", sizeBytes: 1, wantErr: "filename"},
		{name: "missing content type", filename: "a.json", sizeBytes: 1, wantErr: "content_type"},
		{name: "zero size", filename: "a.json", contentType: "application/json", wantErr: "size_bytes"},
		{name: "disallowed mime", filename: "page.html", contentType: "text/html", sizeBytes: 10, wantErr: "unsupported content type"},
		{name: "over default cap", filename: "big.zip", contentType: "application/zip", sizeBytes: DefaultMaxBytes + 1, wantErr: "too large"},
		{name: "mp4 disabled", filename: "clip.mp4", contentType: "video/mp4", sizeBytes: 10, wantErr: "not enabled"},
		{name: "mp4 enabled", limits: Limits{MP4Enabled: true}, filename: "clip.mp4", contentType: "video/mp4", sizeBytes: 10},
		{name: "mp4 over cap", limits: Limits{MP4Enabled: true, MP4MaxBytes: 100}, filename: "clip.mp4", contentType: "video/mp4", sizeBytes: 101, wantErr: "too large"},
		{name: "mp4 cap independent of default", limits: Limits{MP4Enabled: true, DefaultMaxBytes: 100}, filename: "clip.mp4", contentType: "video/mp4", sizeBytes: 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := newTestService(t, tt.limits)

			res, err := svc.Presign(context.Background(), tt.filename, tt.contentType, tt.sizeBytes)
			if tt.wantErr != "" {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("err = %v, want ErrValidation", err)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err %q should mention %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Presign: %v", err)
			}
			if res.SessionID == "" {
				t.Error("expected a session id")
			}
			if res.Provider != "aws" {
				t.Errorf("provider = %s, want aws", res.Provider)
			}
			if res.ExpiresIn != 3600 {
				t.Errorf("expires_in = %d, want 3600", res.ExpiresIn)
			}
		})
	}
}

func TestPresignNoProvider(t *testing.T) {
	provider := newFakeProvider("aws")
	provider.available = false
	svc, err := NewService(storage.NewFleet(provider), NewMemorySessionStore(), nil, nil, zerolog.Nop(), Limits{})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	if _, err := svc.Presign(context.Background(), "a.json", "application/json", 1); !errors.Is(err, storage.ErrNoProviderAvailable) {
		t.Fatalf("err = %v, want ErrNoProviderAvailable", err)
	}
}

func TestFinalize(t *testing.T) {
	svc, _, artifacts := newTestService(t, Limits{})
	ctx := context.Background()

	res, err := svc.Presign(ctx, "run report.json", "application/json", 2048)
	if err != nil {
		t.Fatalf("Presign: %v", err)
	}
	sessionID := uuid.MustParse(res.SessionID)

	artifact, err := svc.Finalize(ctx, sessionID, 2048, "deadbeef")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !strings.HasPrefix(artifact.URL, "aws://uploads/") {
		t.Errorf("url = %s, want canonical provider url", artifact.URL)
	}
	if !strings.HasSuffix(artifact.URL, "_run_report.json") {
		t.Errorf("url = %s, want sanitized filename suffix", artifact.URL)
	}
	if artifact.SizeBytes != 2048 || artifact.SHA256 != "deadbeef" {
		t.Errorf("artifact = %+v, want declared size and digest", artifact)
	}
	if artifact.Filename != "run report.json" {
		t.Errorf("filename = %s, want original filename", artifact.Filename)
	}
	if len(artifacts.rows) != 1 {
		t.Fatalf("recorded artifacts = %d, want 1", len(artifacts.rows))
	}

	// The session is consumed; a second finalize starts from nothing.
	if _, err := svc.Finalize(ctx, sessionID, 2048, "deadbeef"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second finalize err = %v, want ErrSessionNotFound", err)
	}
}

func TestFinalizeUnknownSession(t *testing.T) {
	svc, _, _ := newTestService(t, Limits{})

	if _, err := svc.Finalize(context.Background(), uuid.New(), 1, ""); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestFinalizeSizeMismatch(t *testing.T) {
	svc, _, artifacts := newTestService(t, Limits{})
	ctx := context.Background()

	res, err := svc.Presign(ctx, "a.json", "application/json", 100)
	if err != nil {
		t.Fatalf("Presign: %v", err)
	}

	_, err = svc.Finalize(ctx, uuid.MustParse(res.SessionID), 99, "")
	if !errors.Is(err, storage.ErrSizeMismatch) {
		t.Fatalf("err = %v, want ErrSizeMismatch", err)
	}
	if len(artifacts.rows) != 0 {
		t.Fatalf("recorded artifacts = %d, want none on mismatch", len(artifacts.rows))
	}
}

func TestFinalizeExpiredSession(t *testing.T) {
	svc, _, _ := newTestService(t, Limits{})
	ctx := context.Background()

	sess := &Session{
		ID:          uuid.New(),
		Provider:    "aws",
		ObjectKey:   "uploads/2026-01-01/x_a.json",
		Filename:    "a.json",
		ContentType: "application/json",
		SizeBytes:   1,
		CreatedAt:   time.Now().UTC().Add(-2 * time.Hour),
		ExpiresAt:   time.Now().UTC().Add(-time.Hour),
	}
	if err := svc.sessions.Put(ctx, sess); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := svc.Finalize(ctx, sess.ID, 1, ""); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestSweepSessions(t *testing.T) {
	svc, _, _ := newTestService(t, Limits{})
	ctx := context.Background()

	for i, exp := range []time.Time{
		time.Now().UTC().Add(-time.Hour),
		time.Now().UTC().Add(time.Hour),
	} {
		if err := svc.sessions.Put(ctx, &Session{ID: uuid.New(), ExpiresAt: exp}); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	deleted, err := svc.SweepSessions(ctx)
	if err != nil {
		t.Fatalf("SweepSessions: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
}
