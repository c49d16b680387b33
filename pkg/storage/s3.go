package storage

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures the AWS S3 backend. Endpoint is optional and allows
// pointing at S3-compatible stores (MinIO, SeaweedFS) with path-style keys.
type S3Config struct {
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	Endpoint       string
	DisableTLS     bool
	ForcePathStyle bool
}

// S3Provider issues presigned PUT URLs against an S3 bucket and verifies
// uploaded objects via HeadObject.
type S3Provider struct {
	api     *s3.Client
	presign *s3.PresignClient
	bucket  string
	expiry  time.Duration
}

// NewS3Provider initialises the S3 backend from the provided configuration.
func NewS3Provider(ctx context.Context, cfg S3Config) (*S3Provider, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("s3 access key and secret key are required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
				scheme := "https"
				if cfg.DisableTLS {
					scheme = "http"
				}
				endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
			}
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = cfg.ForcePathStyle
		}
	})

	return &S3Provider{
		api:     client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		expiry:  DefaultPresignExpiry,
	}, nil
}

func (p *S3Provider) Name() string { return "aws" }

// Available probes the bucket with a short deadline so an unreachable
// endpoint fails over to the next backend instead of stalling presign calls.
func (p *S3Provider) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := p.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &p.bucket})
	return err == nil
}

func (p *S3Provider) Presign(ctx context.Context, filename, contentType string, sizeBytes int64) (*PresignedUpload, error) {
	key := ObjectKey(filename, time.Now())

	req, err := p.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:        &p.bucket,
		Key:           &key,
		ContentType:   &contentType,
		ContentLength: &sizeBytes,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = p.expiry
	})
	if err != nil {
		return nil, fmt.Errorf("presign put: %w", err)
	}

	return &PresignedUpload{
		UploadURL: req.URL,
		Provider:  p.Name(),
		Headers:   map[string]string{"Content-Type": contentType},
		ExpiresIn: int(p.expiry.Seconds()),
		ObjectKey: key,
	}, nil
}

// Finalize re-reads the object's metadata from S3 and checks it against the
// client-declared size and, when the object carries one, its SHA-256 digest.
func (p *S3Provider) Finalize(ctx context.Context, objectKey string, sizeBytes int64, sha256Hex string) (string, error) {
	head, err := p.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &p.bucket,
		Key:    &objectKey,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrObjectMissing, objectKey)
	}

	if head.ContentLength == nil || *head.ContentLength != sizeBytes {
		got := int64(-1)
		if head.ContentLength != nil {
			got = *head.ContentLength
		}
		return "", fmt.Errorf("%w: expected %d, got %d", ErrSizeMismatch, sizeBytes, got)
	}

	// S3 only reports a SHA-256 when the upload supplied one.
	if head.ChecksumSHA256 != nil && sha256Hex != "" {
		declared, err := hexToBase64(sha256Hex)
		if err != nil {
			return "", fmt.Errorf("invalid sha256: %w", err)
		}
		if declared != *head.ChecksumSHA256 {
			return "", fmt.Errorf("%w: %s", ErrChecksumMismatch, objectKey)
		}
	}

	return fmt.Sprintf("s3://%s/%s", p.bucket, objectKey), nil
}

func hexToBase64(hexDigest string) (string, error) {
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
