package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcstorage "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSConfig configures the Google Cloud Storage backend. CredentialsFile is
// optional; application default credentials are used when it is empty.
type GCSConfig struct {
	ProjectID       string
	Bucket          string
	CredentialsFile string
}

// GCSProvider issues V4 signed PUT URLs against a GCS bucket.
type GCSProvider struct {
	client *gcstorage.Client
	bucket string
	expiry time.Duration
}

// NewGCSProvider initialises the GCS backend.
func NewGCSProvider(ctx context.Context, cfg GCSConfig) (*GCSProvider, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.ProjectID != "" {
		opts = append(opts, option.WithQuotaProject(cfg.ProjectID))
	}

	client, err := gcstorage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}

	return &GCSProvider{
		client: client,
		bucket: cfg.Bucket,
		expiry: DefaultPresignExpiry,
	}, nil
}

func (p *GCSProvider) Name() string { return "gcs" }

func (p *GCSProvider) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := p.client.Bucket(p.bucket).Attrs(ctx)
	return err == nil
}

func (p *GCSProvider) Presign(ctx context.Context, filename, contentType string, sizeBytes int64) (*PresignedUpload, error) {
	key := ObjectKey(filename, time.Now())

	url, err := p.client.Bucket(p.bucket).SignedURL(key, &gcstorage.SignedURLOptions{
		Scheme:      gcstorage.SigningSchemeV4,
		Method:      "PUT",
		Expires:     time.Now().Add(p.expiry),
		ContentType: contentType,
	})
	if err != nil {
		return nil, fmt.Errorf("sign url: %w", err)
	}

	return &PresignedUpload{
		UploadURL: url,
		Provider:  p.Name(),
		Headers:   map[string]string{"Content-Type": contentType},
		ExpiresIn: int(p.expiry.Seconds()),
		ObjectKey: key,
	}, nil
}

// Finalize verifies the uploaded object's size. GCS exposes CRC32C/MD5 but no
// server-side SHA-256, so the declared checksum is recorded without
// backend comparison; that is a documented limitation of this provider.
func (p *GCSProvider) Finalize(ctx context.Context, objectKey string, sizeBytes int64, sha256Hex string) (string, error) {
	attrs, err := p.client.Bucket(p.bucket).Object(objectKey).Attrs(ctx)
	if err != nil {
		if errors.Is(err, gcstorage.ErrObjectNotExist) {
			return "", fmt.Errorf("%w: %s", ErrObjectMissing, objectKey)
		}
		return "", fmt.Errorf("read object attrs: %w", err)
	}

	if attrs.Size != sizeBytes {
		return "", fmt.Errorf("%w: expected %d, got %d", ErrSizeMismatch, sizeBytes, attrs.Size)
	}

	return fmt.Sprintf("gs://%s/%s", p.bucket, objectKey), nil
}

// Close releases the underlying GCS client.
func (p *GCSProvider) Close() error {
	return p.client.Close()
}
