package ctl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// UploadConfig controls one upload.
type UploadConfig struct {
	Path        string
	ContentType string
	// Compress wraps the payload in zstd before upload. The declared
	// content type becomes application/octet-stream and the filename gains
	// a .zst suffix.
	Compress bool
	Stdout   io.Writer
}

// Upload pushes a local file through the presign/put/finalize flow and
// returns the verified artifact.
func Upload(ctx context.Context, client *Client, cfg UploadConfig) (*Artifact, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("file path is required")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}

	payload, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, err
	}

	filename := filepath.Base(cfg.Path)
	contentType := cfg.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(filename))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if cfg.Compress {
		payload, err = compressZstd(payload)
		if err != nil {
			return nil, fmt.Errorf("compress %s: %w", filename, err)
		}
		filename += ".zst"
		contentType = "application/octet-stream"
	}

	sum := sha256.Sum256(payload)
	digest := hex.EncodeToString(sum[:])
	size := int64(len(payload))

	presign, err := client.Presign(ctx, filename, contentType, size)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(cfg.Stdout, "presigned %s via %s (session %s)\n", filename, presign.Provider, presign.SessionID)

	if err := client.Put(ctx, presign, contentType, payload); err != nil {
		return nil, err
	}
	fmt.Fprintf(cfg.Stdout, "uploaded %d bytes\n", size)

	artifact, err := client.Finalize(ctx, presign.SessionID, size, digest)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(cfg.Stdout, "finalized %s\n", artifact.URL)

	return artifact, nil
}

func compressZstd(payload []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(payload, nil), nil
}
