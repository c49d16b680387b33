package ctl

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/zstd"
)

// fakeAPI implements just enough of the ingest API for the upload flow.
type fakeAPI struct {
	mu        sync.Mutex
	presigned map[string]int64 // session id -> declared size
	objects   map[string][]byte
	lastName  string
	lastType  string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{presigned: make(map[string]int64), objects: make(map[string][]byte)}
}

func (f *fakeAPI) handler(baseURL func() string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/uploads/presign", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Filename    string `json:"filename"`
			ContentType string `json:"content_type"`
			SizeBytes   int64  `json:"size_bytes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		sessionID := "session-1"
		f.presigned[sessionID] = req.SizeBytes
		f.lastName = req.Filename
		f.lastType = req.ContentType
		f.mu.Unlock()

		_ = json.NewEncoder(w).Encode(map[string]any{
			"session_id":         sessionID,
			"provider":           "aws",
			"upload_url":         baseURL() + "/put/" + sessionID,
			"headers":            map[string]string{"x-test": "1"},
			"expires_in_seconds": 3600,
		})
	})

	mux.HandleFunc("/put/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)

		f.mu.Lock()
		f.objects[strings.TrimPrefix(r.URL.Path, "/put/")] = body
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/v1/uploads/finalize", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SessionID string `json:"session_id"`
			SizeBytes int64  `json:"size_bytes"`
			SHA256    string `json:"sha256"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		body, uploaded := f.objects[req.SessionID]
		declared := f.presigned[req.SessionID]
		f.mu.Unlock()

		if !uploaded || int64(len(body)) != req.SizeBytes || declared != req.SizeBytes {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]any{"detail": "size mismatch", "status": 409})
			return
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"artifact": map[string]any{
				"id":         "artifact-1",
				"url":        "s3://artifacts/" + req.SessionID,
				"provider":   "aws",
				"size_bytes": req.SizeBytes,
				"sha256":     req.SHA256,
			},
		})
	})

	return mux
}

func startFakeAPI(t *testing.T) (*fakeAPI, *Client) {
	t.Helper()

	f := newFakeAPI()
	var srv *httptest.Server
	srv = httptest.NewServer(f.handler(func() string { return srv.URL }))
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return f, client
}

func writeTempFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestUpload(t *testing.T) {
	f, client := startFakeAPI(t)
	content := []byte(`{"suite":"nightly","passed":12}`)
	path := writeTempFile(t, "results.json", content)

	artifact, err := Upload(context.Background(), client, UploadConfig{Path: path})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	sum := sha256.Sum256(content)
	if artifact.SHA256 != hex.EncodeToString(sum[:]) {
		t.Errorf("sha256 = %s, want digest of the file", artifact.SHA256)
	}
	if artifact.SizeBytes != int64(len(content)) {
		t.Errorf("size = %d, want %d", artifact.SizeBytes, len(content))
	}
	if f.lastName != "results.json" {
		t.Errorf("presigned filename = %s, want results.json", f.lastName)
	}
	if !strings.HasPrefix(f.lastType, "application/json") {
		t.Errorf("content type = %s, want application/json", f.lastType)
	}
	if !bytes.Equal(f.objects["session-1"], content) {
		t.Error("uploaded bytes differ from the file")
	}
}

func TestUploadCompressed(t *testing.T) {
	f, client := startFakeAPI(t)
	content := bytes.Repeat([]byte("test run output line\n"), 200)
	path := writeTempFile(t, "run.log", content)

	artifact, err := Upload(context.Background(), client, UploadConfig{Path: path, Compress: true})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if f.lastName != "run.log.zst" {
		t.Errorf("presigned filename = %s, want run.log.zst", f.lastName)
	}
	if f.lastType != "application/octet-stream" {
		t.Errorf("content type = %s, want application/octet-stream", f.lastType)
	}

	uploaded := f.objects["session-1"]
	if int64(len(uploaded)) != artifact.SizeBytes {
		t.Fatalf("uploaded size = %d, artifact says %d", len(uploaded), artifact.SizeBytes)
	}
	if len(uploaded) >= len(content) {
		t.Errorf("compressed payload (%d bytes) is not smaller than input (%d bytes)", len(uploaded), len(content))
	}

	dec, err := zstd.NewReader(bytes.NewReader(uploaded))
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()
	restored, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(restored, content) {
		t.Error("decompressed payload differs from the original file")
	}
}

func TestUploadSurfacesAPIErrors(t *testing.T) {
	_, client := startFakeAPI(t)

	// Nothing was PUT for this session, so finalize reports a mismatch.
	_, err := client.Finalize(context.Background(), "session-1", 10, "")
	if err == nil || !strings.Contains(err.Error(), "size mismatch") {
		t.Fatalf("err = %v, want problem detail surfaced", err)
	}
}
