package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
)

// AzureConfig configures the Azure Blob backend.
type AzureConfig struct {
	ConnectionString string
	Container        string
}

// AzureProvider issues SAS upload URLs against an Azure Blob container.
type AzureProvider struct {
	client    *azblob.Client
	container string
	expiry    time.Duration
}

// NewAzureProvider initialises the Azure backend from a connection string.
func NewAzureProvider(cfg AzureConfig) (*AzureProvider, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("azure connection string is required")
	}
	if cfg.Container == "" {
		return nil, errors.New("azure container is required")
	}

	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure client: %w", err)
	}

	return &AzureProvider{
		client:    client,
		container: cfg.Container,
		expiry:    DefaultPresignExpiry,
	}, nil
}

func (p *AzureProvider) Name() string { return "azure" }

func (p *AzureProvider) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := p.client.ServiceClient().NewContainerClient(p.container).GetProperties(ctx, nil)
	return err == nil
}

func (p *AzureProvider) Presign(ctx context.Context, filename, contentType string, sizeBytes int64) (*PresignedUpload, error) {
	key := ObjectKey(filename, time.Now())

	blobClient := p.client.ServiceClient().NewContainerClient(p.container).NewBlobClient(key)

	url, err := blobClient.GetSASURL(
		sas.BlobPermissions{Write: true, Create: true},
		time.Now().Add(p.expiry),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("generate sas: %w", err)
	}

	return &PresignedUpload{
		UploadURL: url,
		Provider:  p.Name(),
		Headers: map[string]string{
			"x-ms-blob-type": "BlockBlob",
			"Content-Type":   contentType,
		},
		ExpiresIn: int(p.expiry.Seconds()),
		ObjectKey: key,
	}, nil
}

// Finalize verifies blob size against the declared value. Azure does not
// compute a SHA-256 server-side, so the declared digest is trusted as
// recorded; documented limitation of this provider.
func (p *AzureProvider) Finalize(ctx context.Context, objectKey string, sizeBytes int64, sha256Hex string) (string, error) {
	blobClient := p.client.ServiceClient().NewContainerClient(p.container).NewBlobClient(objectKey)

	props, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return "", fmt.Errorf("%w: %s", ErrObjectMissing, objectKey)
		}
		return "", fmt.Errorf("read blob properties: %w", err)
	}

	if props.ContentLength == nil || *props.ContentLength != sizeBytes {
		got := int64(-1)
		if props.ContentLength != nil {
			got = *props.ContentLength
		}
		return "", fmt.Errorf("%w: expected %d, got %d", ErrSizeMismatch, sizeBytes, got)
	}

	return blobClient.URL(), nil
}
