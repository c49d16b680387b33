// Package storage abstracts presigned-upload object storage across the
// supported backends (AWS S3, Google Cloud Storage, Azure Blob). Exactly one
// backend serves new credentials per deployment, chosen by availability.
package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// DefaultPresignExpiry bounds how long an issued upload credential is valid.
const DefaultPresignExpiry = time.Hour

var (
	// ErrNoProviderAvailable is returned when no configured backend passes
	// its availability check.
	ErrNoProviderAvailable = errors.New("no storage provider available")

	// ErrObjectMissing indicates a finalize call for an object the backend
	// never received.
	ErrObjectMissing = errors.New("object does not exist")

	// ErrSizeMismatch indicates the backend-reported object size differs
	// from the client-declared size.
	ErrSizeMismatch = errors.New("size mismatch")

	// ErrChecksumMismatch indicates the backend-reported digest differs
	// from the client-declared SHA-256.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrUnknownProvider is returned when a session references a backend
	// that is not configured.
	ErrUnknownProvider = errors.New("unknown storage provider")
)

// PresignedUpload describes a short-lived permission to write one object
// directly to a backend.
type PresignedUpload struct {
	UploadURL string
	Provider  string
	Headers   map[string]string
	ExpiresIn int
	ObjectKey string
}

// Provider is the uniform capability each backend implements. Presign never
// reserves space; Finalize is the only point where the object's existence,
// size, and (where supported) digest are asserted against the backend.
type Provider interface {
	Name() string
	Available(ctx context.Context) bool
	Presign(ctx context.Context, filename, contentType string, sizeBytes int64) (*PresignedUpload, error)
	Finalize(ctx context.Context, objectKey string, sizeBytes int64, sha256Hex string) (string, error)
}

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// ObjectKey builds a date-partitioned, collision-resistant key for an
// uploaded file. The original filename is reduced to a safe character set so
// it can never traverse paths or collide across tenants.
func ObjectKey(filename string, now time.Time) string {
	sanitized := unsafeKeyChars.ReplaceAllString(filename, "_")
	return fmt.Sprintf("uploads/%s/%s_%s", now.UTC().Format("2006-01-02"), uuid.NewString(), sanitized)
}
